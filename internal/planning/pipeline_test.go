package planning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/plan"
	"github.com/rostersync/rostersync/pkg/store"
)

func TestPipelinePlan(t *testing.T) {
	ctx := context.Background()

	t.Run("identical duplicates collapse to one planned row", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		pipe := env.pipeline(DefaultSettings())

		result, err := pipe.Plan(ctx, Batch{
			Dataset: "people",
			Records: []dataset.Record{
				{"email": "a@corp.io", "name": "Ann"},
				{"email": "a@corp.io", "name": "Ann"},
				{"email": "a@corp.io", "name": "Ann"},
			},
		})
		require.NoError(t, err)

		assert.Equal(t, 1, result.Plan.Summary.PlannedCreate)
		require.Len(t, result.Plan.Items, 1)
		assert.Equal(t, 2, result.Match.DuplicatesKept)
		assert.Zero(t, result.Match.ConflictSource)
	})

	t.Run("differing duplicates all conflict and nothing is planned", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		pipe := env.pipeline(DefaultSettings())

		result, err := pipe.Plan(ctx, Batch{
			Dataset: "people",
			Records: []dataset.Record{
				{"email": "a@corp.io", "name": "Ann"},
				{"email": "a@corp.io", "name": "Anna"},
				{"email": "a@corp.io", "name": "Anne"},
			},
		})
		require.NoError(t, err)

		assert.Empty(t, result.Plan.Items)
		assert.Equal(t, 3, result.Match.ConflictSource)
		assert.Equal(t, 3, result.Plan.Summary.Failed)
		assert.Equal(t, 3, result.Resolve.Conflicts)
	})

	t.Run("unresolved link parks the row and a later upsert frees it", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		env.rules.links = []dataset.LinkRule{managerLink()}
		pipe := env.pipeline(DefaultSettings())

		batch := Batch{
			Dataset: "people",
			Records: []dataset.Record{
				{"email": "a@corp.io", "name": "Ann", "manager_id": "boss@corp.io", "__manager_ref": "boss@corp.io"},
			},
		}

		result, err := pipe.Plan(ctx, batch)
		require.NoError(t, err)
		assert.Empty(t, result.Plan.Items, "pending row must not be planned")
		assert.Equal(t, 1, result.Resolve.Pending)

		pending, err := env.pending.List(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, store.ReasonNotFound, pending[0].Reason)

		// The manager's identity arrives through the triggered index.
		triggered := NewTriggeredIndex(env.index, env.links)
		require.NoError(t, triggered.Upsert(ctx, "people", "email:boss@corp.io", "77"))

		pending, err = env.pending.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		// Next evaluation of the same batch resolves and plans the row.
		result, err = pipe.Plan(ctx, batch)
		require.NoError(t, err)
		require.Len(t, result.Plan.Items, 1)
		assert.Equal(t, plan.OpCreate, result.Plan.Items[0].Op)
		assert.Equal(t, "77", result.Plan.Items[0].DesiredState["manager_id"])
	})

	t.Run("exhausted pending link surfaces as expired", func(t *testing.T) {
		settings := DefaultSettings()
		settings.MaxAttempts = 2
		env := newTestEnv(settings)
		env.rules.links = []dataset.LinkRule{managerLink()}
		pipe := env.pipeline(settings)

		batch := Batch{
			Dataset: "people",
			Records: []dataset.Record{
				{"email": "a@corp.io", "manager_id": "ghost@corp.io", "__manager_ref": "ghost@corp.io"},
			},
		}

		result, err := pipe.Plan(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Resolve.Pending)

		result, err = pipe.Plan(ctx, batch)
		require.NoError(t, err)

		assert.Empty(t, result.Plan.Items)
		assert.Equal(t, 1, result.Plan.Summary.Failed)
		assert.Equal(t, 1, result.Resolve.Expired)

		found := false
		for _, diag := range result.Resolve.Rows {
			if diag.Reason == string(store.ReasonExpired) {
				found = true
			}
		}
		assert.True(t, found, "resolve report must carry the expired diagnostic")

		pending, err := env.pending.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("unchanged matched row is skipped", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		env.addExisting("a@corp.io", "42", map[string]any{"email": "a@corp.io", "name": "Ann"})
		pipe := env.pipeline(DefaultSettings())

		result, err := pipe.Plan(ctx, Batch{
			Dataset: "people",
			Records: []dataset.Record{{"email": "a@corp.io", "name": "Ann"}},
		})
		require.NoError(t, err)

		assert.Empty(t, result.Plan.Items)
		assert.Equal(t, 1, result.Plan.Summary.Skipped)
		assert.Equal(t, 1, result.Resolve.Skips)
	})

	t.Run("in-batch reference resolves without pending", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		env.rules.links = []dataset.LinkRule{managerLink()}
		env.addExisting("boss@corp.io", "77", map[string]any{"email": "boss@corp.io", "name": "Boss"})
		pipe := env.pipeline(DefaultSettings())

		result, err := pipe.Plan(ctx, Batch{
			Dataset: "people",
			Records: []dataset.Record{
				{"email": "a@corp.io", "name": "Ann", "manager_id": "boss@corp.io", "__manager_ref": "boss@corp.io"},
				{"email": "boss@corp.io", "name": "Boss"},
			},
		})
		require.NoError(t, err)

		require.Len(t, result.Plan.Items, 1)
		item := result.Plan.Items[0]
		assert.Equal(t, plan.OpCreate, item.Op)
		assert.Equal(t, "77", item.DesiredState["manager_id"])
		assert.Zero(t, result.Resolve.Pending)

		pending, err := env.pending.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("reference cycle between new rows goes pending", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		env.rules.links = []dataset.LinkRule{managerLink()}
		pipe := env.pipeline(DefaultSettings())

		result, err := pipe.Plan(ctx, Batch{
			Dataset: "people",
			Records: []dataset.Record{
				{"email": "a@corp.io", "manager_id": "b@corp.io", "__manager_ref": "b@corp.io"},
				{"email": "b@corp.io", "manager_id": "a@corp.io", "__manager_ref": "a@corp.io"},
			},
		})
		require.NoError(t, err)

		assert.Empty(t, result.Plan.Items)
		assert.Equal(t, 2, result.Resolve.Pending)

		pending, err := env.pending.List(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 2)
	})

	t.Run("plan order follows source order", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		settings := DefaultSettings()
		settings.Workers = 8
		pipe := env.pipeline(settings)

		records := make([]dataset.Record, 20)
		for i := range records {
			records[i] = dataset.Record{"email": string(rune('a'+i)) + "@corp.io", "name": "P"}
		}

		result, err := pipe.Plan(ctx, Batch{Dataset: "people", Records: records})
		require.NoError(t, err)

		require.Len(t, result.Plan.Items, 20)
		for i, item := range result.Plan.Items {
			assert.Equal(t, i+1, item.RowRef.Line)
		}
	})

	t.Run("unknown dataset is a config error", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		pipe := env.pipeline(DefaultSettings())

		_, err := pipe.Plan(ctx, Batch{Dataset: "orgs"})
		require.Error(t, err)
	})

	t.Run("cancellation aborts the batch", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		pipe := env.pipeline(DefaultSettings())

		canceled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := pipe.Plan(canceled, Batch{
			Dataset: "people",
			Records: []dataset.Record{{"email": "a@corp.io"}},
		})
		require.Error(t, err)
	})
}
