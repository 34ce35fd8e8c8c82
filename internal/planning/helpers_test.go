package planning

import (
	"github.com/rs/zerolog"

	"github.com/rostersync/rostersync/internal/store/memory"
	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/store"
)

// testRules is a configurable dataset rules implementation for pipeline
// tests: identity and match key by email, desired state copied verbatim
// from the record, with optional link, merge, validation and secret hooks.
type testRules struct {
	name     string
	links    []dataset.LinkRule
	merge    func(existing map[string]any, desired dataset.DesiredState) dataset.DesiredState
	validate func(desired dataset.DesiredState) error
	secrets  []string
}

func newTestRules() *testRules {
	return &testRules{name: "people"}
}

func (r *testRules) Dataset() string { return r.name }

func (r *testRules) BuildIdentity(rec dataset.Record) dataset.Identity {
	return dataset.Identity{
		Dataset: r.name,
		Key:     "email",
		Value:   dataset.NormalizeKeyValue(stringField(rec, "email")),
	}
}

func (r *testRules) MatchKey(rec dataset.Record) string {
	return dataset.NormalizeKeyValue(stringField(rec, "email"))
}

func (r *testRules) BuildDesiredState(rec dataset.Record) dataset.DesiredState {
	desired := make(dataset.DesiredState, len(rec))
	for k, v := range rec {
		desired[k] = v
	}
	return desired
}

func (r *testRules) IgnoredFields() []string {
	return []string{"password", "__manager_ref"}
}

func (r *testRules) Links() []dataset.LinkRule { return r.links }

func (r *testRules) Merge(existing map[string]any, desired dataset.DesiredState) dataset.DesiredState {
	if r.merge != nil {
		return r.merge(existing, desired)
	}
	return desired
}

func (r *testRules) ValidateState(desired dataset.DesiredState) error {
	if r.validate != nil {
		return r.validate(desired)
	}
	return nil
}

func (r *testRules) SecretFields(_ string, _ dataset.DesiredState, _ map[string]any) []string {
	return r.secrets
}

func stringField(rec dataset.Record, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

// managerLink is the standard test link: manager_id resolved through the
// raw __manager_ref email.
func managerLink() dataset.LinkRule {
	return dataset.LinkRule{
		Field:         "manager_id",
		TargetDataset: "people",
		Keys: []dataset.LinkKey{
			{Name: "email", Field: "__manager_ref"},
		},
	}
}

// testEnv bundles the in-memory ports for one test.
type testEnv struct {
	rules   *testRules
	cache   *memory.Cache
	index   *memory.Index
	pending *memory.Pending
	links   *LinkResolver
}

func newTestEnv(settings Settings) *testEnv {
	rules := newTestRules()
	env := &testEnv{
		rules:   rules,
		cache:   memory.NewCache(),
		index:   memory.NewIndex(),
		pending: memory.NewPending(),
	}
	logger := zerolog.Nop()
	env.links = NewLinkResolver(env.index, env.pending, settings, &logger)
	return env
}

func (e *testEnv) pipeline(settings Settings) *Pipeline {
	return NewPipeline([]dataset.Rules{e.rules}, e.cache, e.links, settings)
}

func (e *testEnv) addExisting(matchKey, id string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	e.cache.Add("people", matchKey, store.Snapshot{ID: id, Fields: fields})
}
