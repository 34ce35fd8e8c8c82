package planning

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/errors"
	"github.com/rostersync/rostersync/pkg/plan"
	"github.com/rostersync/rostersync/pkg/store"
)

// batchIndex maps (dataset, lookup_key) to target identifiers known from
// the current batch: rows that matched an existing entity expose that
// entity's id under their identity key. It is the first-priority source
// during link resolution, ahead of the durable identity index.
type batchIndex struct {
	ids map[string]string // dataset + "\x00" + lookupKey -> target id
}

func newBatchIndex() *batchIndex {
	return &batchIndex{ids: make(map[string]string)}
}

func (b *batchIndex) add(ds, lookupKey, id string) {
	b.ids[ds+"\x00"+lookupKey] = id
}

func (b *batchIndex) get(ds, lookupKey string) (string, bool) {
	id, ok := b.ids[ds+"\x00"+lookupKey]
	return id, ok
}

// buildBatchIndex indexes matched rows of the current batch by their
// identity lookup key. Rows that will be created have no target id yet and
// contribute nothing; references to them go pending until the identity
// index learns the id after apply.
func buildBatchIndex(ds string, rows []MatchedRow) *batchIndex {
	idx := newBatchIndex()
	for i := range rows {
		row := &rows[i]
		if row.Status != StatusMatched || row.Existing == nil || row.Suppressed {
			continue
		}
		idx.add(ds, row.Identity.LookupKey(), row.Existing.ID)
	}
	return idx
}

// LinkResolver resolves dataset-declared relational references to concrete
// target identifiers, parking unresolvable references in the pending-link
// store with bounded retry (TTL plus attempt budget, on_expire = error).
//
// This is the concurrency-sensitive component: every pending-link mutation
// for a given (dataset, lookup_key) runs under the store's per-key mutex so
// concurrent resolution attempts commit exactly one outcome.
type LinkResolver struct {
	index        store.IdentityIndex
	pending      store.PendingStore
	ttl          time.Duration
	maxAttempts  int
	allowPartial bool
	now          func() time.Time
	logger       *zerolog.Logger
}

// NewLinkResolver creates a link resolver against the given ports.
func NewLinkResolver(index store.IdentityIndex, pending store.PendingStore, settings Settings, logger *zerolog.Logger) *LinkResolver {
	return &LinkResolver{
		index:        index,
		pending:      pending,
		ttl:          settings.PendingTTL,
		maxAttempts:  settings.MaxAttempts,
		allowPartial: settings.AllowPartial,
		now:          time.Now,
		logger:       logger,
	}
}

// ResolveRow attempts to resolve every declared link of the row, mutating
// the desired state in place. It reports whether any link newly resolved
// this pass (the fixed-point progress signal). A non-nil error is a
// storage-port failure and batch-fatal.
//
// With commit false the pass is speculative: failures are not parked in the
// pending store. The pipeline runs speculative passes to a fixed point and
// parks leftovers in one final committing pass, so a batch evaluation bumps
// each pending link's attempt counter at most once.
func (r *LinkResolver) ResolveRow(ctx context.Context, rules dataset.Rules, row *MatchedRow, batch *batchIndex, commit bool) (bool, error) {
	linker, ok := rules.(dataset.Linker)
	if !ok {
		return false, nil
	}
	if row.Failed() || row.Suppressed {
		return false, nil
	}

	progress := false
	for _, rule := range linker.Links() {
		if row.linkResolved(rule.Field) {
			continue
		}
		raw, present := row.DesiredState[rule.Field]
		if !present || raw == nil {
			continue
		}
		if _, isInt := raw.(int); isInt && rule.CoerceInt {
			// Already a concrete identifier.
			row.markLinkResolved(rule.Field)
			continue
		}

		resolved, err := r.resolveReference(ctx, rule, row, batch, commit)
		if err != nil {
			return progress, err
		}
		if resolved {
			progress = true
		}
	}
	return progress, nil
}

// resolveReference resolves one link field. Returns true when the field was
// substituted with a target identifier.
func (r *LinkResolver) resolveReference(ctx context.Context, rule dataset.LinkRule, row *MatchedRow, batch *batchIndex, commit bool) (bool, error) {
	keyValues := extractKeyValues(row.DesiredState, rule.Keys)

	var usedLookup string
	for _, key := range rule.Keys {
		value, ok := keyValues[key.Name]
		if !ok {
			continue
		}
		lookupKey := dataset.FormatLookupKey(key.Name, value)
		usedLookup = lookupKey

		// Priority 1: rows matched during the current batch.
		if id, ok := batch.get(rule.TargetDataset, lookupKey); ok {
			r.substitute(row, rule, id)
			return true, nil
		}

		// Priority 2: the durable identity index.
		candidates, err := r.index.Candidates(ctx, rule.TargetDataset, lookupKey)
		if err != nil {
			return false, errors.WrapStore("identity", "candidates", err)
		}
		if len(candidates) == 0 {
			continue
		}
		if len(candidates) == 1 {
			r.substitute(row, rule, candidates[0])
			return true, nil
		}

		narrowed, err := r.applyDedup(ctx, rule, keyValues, row.DesiredState, candidates)
		if err != nil {
			return false, err
		}
		if len(narrowed) == 1 {
			r.substitute(row, rule, narrowed[0])
			return true, nil
		}
		if !commit {
			return false, nil
		}
		ref := dataset.LinkReference{Rule: rule, LookupKey: lookupKey, Row: row.RowRef}
		return false, r.park(ctx, ref, row, store.ReasonConflict,
			fmt.Sprintf("%d candidates remain after dedup rules", len(narrowed)))
	}

	if !commit {
		return false, nil
	}
	if usedLookup == "" {
		usedLookup = dataset.FormatLookupKey(rule.Field, "")
	}
	ref := dataset.LinkReference{Rule: rule, LookupKey: usedLookup, Row: row.RowRef}
	return false, r.park(ctx, ref, row, store.ReasonNotFound, "no candidates found for link")
}

// substitute writes the resolved identifier into the desired state.
func (r *LinkResolver) substitute(row *MatchedRow, rule dataset.LinkRule, id string) {
	if rule.CoerceInt {
		if n, err := strconv.Atoi(id); err == nil {
			row.DesiredState[rule.Field] = n
			row.markLinkResolved(rule.Field)
			return
		}
	}
	row.DesiredState[rule.Field] = id
	row.markLinkResolved(rule.Field)
}

// applyDedup narrows multi-candidate hits by the rule's equality-over-key-set
// dedup rules, in priority order. A rule that narrows to exactly one
// candidate wins; an empty intersection falls through to the next rule.
func (r *LinkResolver) applyDedup(ctx context.Context, rule dataset.LinkRule, keyValues map[string]string, desired dataset.DesiredState, candidates []string) ([]string, error) {
	if len(rule.Dedup) == 0 {
		return candidates, nil
	}

	remaining := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		remaining[c] = struct{}{}
	}

	for _, dedup := range rule.Dedup {
		if len(remaining) == 0 {
			break
		}
		ruleCandidates := make(map[string]struct{}, len(remaining))
		for c := range remaining {
			ruleCandidates[c] = struct{}{}
		}

		for _, keyName := range dedup {
			value, ok := keyValues[keyName]
			if !ok {
				raw, present := desired[keyName]
				if !present || raw == nil {
					ruleCandidates = nil
					break
				}
				value = strings.TrimSpace(fmt.Sprintf("%v", raw))
			}
			if value == "" {
				ruleCandidates = nil
				break
			}
			ids, err := r.index.Candidates(ctx, rule.TargetDataset, dataset.FormatLookupKey(keyName, value))
			if err != nil {
				return nil, errors.WrapStore("identity", "candidates", err)
			}
			ruleCandidates = intersect(ruleCandidates, ids)
			if len(ruleCandidates) == 0 {
				break
			}
		}

		if len(ruleCandidates) > 0 {
			remaining = ruleCandidates
		}
		if len(remaining) == 1 {
			break
		}
	}

	out := make([]string, 0, len(remaining))
	for c := range remaining {
		out = append(out, c)
	}
	return out, nil
}

// park records an unresolved link reference in the pending store under the
// per-key mutex, applying the TTL and attempt budget. Terminal outcomes
// fail the row; non-terminal ones mark it pending.
func (r *LinkResolver) park(ctx context.Context, ref dataset.LinkReference, row *MatchedRow, reason store.PendingReason, message string) error {
	now := r.now()

	var stored store.PendingLink
	var attempts int
	err := r.pending.Do(ctx, ref.Rule.TargetDataset, ref.LookupKey, func(ctx context.Context) error {
		var err error
		stored, err = r.pending.Put(ctx, store.PendingLink{
			Dataset:     ref.Rule.TargetDataset,
			Field:       ref.Rule.Field,
			LookupKey:   ref.LookupKey,
			SourceRowID: ref.Row.RowID,
			Reason:      reason,
			CreatedAt:   now,
			LastChecked: now,
		})
		if err != nil {
			return err
		}
		attempts, err = r.pending.Touch(ctx, stored.ID, now)
		if err != nil {
			return err
		}
		if r.expired(stored, attempts, now) {
			return r.pending.Delete(ctx, stored.ID)
		}
		return nil
	})
	if err != nil {
		return errors.WrapStore("pending", "park", err)
	}

	if r.expired(stored, attempts, now) {
		code := errors.CodeLinkExpired
		diagReason := string(store.ReasonExpired)
		if reason == store.ReasonConflict {
			code = errors.CodeLinkUnresolved
			diagReason = string(store.ReasonConflict)
		}
		row.fail(errors.StageLink, code, ref.Rule.Field,
			fmt.Sprintf("pending link terminated after %d attempts: %s", attempts, message))
		row.pendingDiags = append(row.pendingDiags, plan.RowDiagnostic{
			RowID:     ref.Row.RowID,
			Field:     ref.Rule.Field,
			LookupKey: ref.LookupKey,
			Stage:     string(errors.StageLink),
			Code:      string(code),
			Reason:    diagReason,
			Message:   message,
		})
		r.logger.Error().
			Str("row_id", ref.Row.RowID).
			Str("field", ref.Rule.Field).
			Str("lookup_key", ref.LookupKey).
			Int("attempts", attempts).
			Msg("Pending link expired")
		return nil
	}

	code := errors.CodeLinkNotFound
	if reason == store.ReasonConflict {
		code = errors.CodeLinkConflict
	}
	row.Pending = true
	row.warn(errors.StageLink, code, ref.Rule.Field, message)
	row.pendingDiags = append(row.pendingDiags, plan.RowDiagnostic{
		RowID:     ref.Row.RowID,
		Field:     ref.Rule.Field,
		LookupKey: ref.LookupKey,
		Stage:     string(errors.StageLink),
		Code:      string(code),
		Reason:    string(reason),
		Message:   message,
		Warning:   true,
	})
	r.logger.Debug().
		Str("row_id", ref.Row.RowID).
		Str("field", ref.Rule.Field).
		Str("lookup_key", ref.LookupKey).
		Str("reason", string(reason)).
		Msg("Link parked as pending")
	return nil
}

// expired reports whether a pending link crossed its TTL or attempt budget.
func (r *LinkResolver) expired(link store.PendingLink, attempts int, now time.Time) bool {
	if r.maxAttempts > 0 && attempts >= r.maxAttempts {
		return true
	}
	return r.ttl > 0 && now.Sub(link.CreatedAt) > r.ttl
}

// RecheckOutcome is the result of re-evaluating one pending link.
type RecheckOutcome struct {
	Link       store.PendingLink
	Resolved   bool
	ResolvedID string
	Expired    bool
}

// RecheckKey re-evaluates every pending link waiting on (dataset,
// lookup_key): resolved links are deleted, expired links are terminated as
// errors, the rest stay pending with their attempt counter bumped. Called
// after matching identity upserts and from the sweep pass.
func (r *LinkResolver) RecheckKey(ctx context.Context, ds, lookupKey string) ([]RecheckOutcome, error) {
	links, err := r.pending.GetByLookupKey(ctx, ds, lookupKey)
	if err != nil {
		return nil, errors.WrapStore("pending", "get_by_lookup_key", err)
	}
	if len(links) == 0 {
		return nil, nil
	}

	candidates, err := r.index.Candidates(ctx, ds, lookupKey)
	if err != nil {
		return nil, errors.WrapStore("identity", "candidates", err)
	}

	now := r.now()
	outcomes := make([]RecheckOutcome, 0, len(links))
	for _, link := range links {
		outcome := RecheckOutcome{Link: link}
		err := r.pending.Do(ctx, ds, lookupKey, func(ctx context.Context) error {
			attempts, err := r.pending.Touch(ctx, link.ID, now)
			if err != nil {
				return err
			}
			switch {
			case len(candidates) == 1:
				outcome.Resolved = true
				outcome.ResolvedID = candidates[0]
				return r.pending.Delete(ctx, link.ID)
			case r.expired(link, attempts, now):
				outcome.Expired = true
				return r.pending.Delete(ctx, link.ID)
			case len(candidates) > 1:
				// Without the referencing row's desired state the dedup
				// rules cannot run; the conflict stands until the row is
				// re-evaluated in a batch.
				link.Reason = store.ReasonConflict
				_, err := r.pending.Put(ctx, link)
				return err
			}
			return nil
		})
		if err != nil {
			return outcomes, errors.WrapStore("pending", "recheck", err)
		}

		outcome.Link.Attempts++
		outcomes = append(outcomes, outcome)

		event := r.logger.Debug()
		if outcome.Expired {
			event = r.logger.Error()
		}
		event.
			Str("dataset", ds).
			Str("lookup_key", lookupKey).
			Str("row_id", link.SourceRowID).
			Bool("resolved", outcome.Resolved).
			Bool("expired", outcome.Expired).
			Msg("Rechecked pending link")
	}
	return outcomes, nil
}

// TriggeredIndex decorates an identity index so every upsert immediately
// rechecks pending links waiting on the upserted key. This is the
// on-arrival re-resolution trigger; the sweep covers the periodic one.
type TriggeredIndex struct {
	store.IdentityIndex
	resolver *LinkResolver
}

// NewTriggeredIndex wires upsert-triggered rechecks around an index.
func NewTriggeredIndex(index store.IdentityIndex, resolver *LinkResolver) *TriggeredIndex {
	return &TriggeredIndex{IdentityIndex: index, resolver: resolver}
}

// Upsert records the identity and rechecks pending links on its key. The
// key is canonicalized up front so the pending-store lookup agrees with the
// index regardless of the caller's spelling.
func (t *TriggeredIndex) Upsert(ctx context.Context, ds, lookupKey, resolvedID string) error {
	lookupKey = dataset.NormalizeKeyValue(lookupKey)
	if err := t.IdentityIndex.Upsert(ctx, ds, lookupKey, resolvedID); err != nil {
		return err
	}
	_, err := t.resolver.RecheckKey(ctx, ds, lookupKey)
	return err
}

// extractKeyValues pulls the raw lookup values for a link's resolve keys
// out of the desired state, skipping empties.
func extractKeyValues(desired dataset.DesiredState, keys []dataset.LinkKey) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		raw, ok := desired[key.Field]
		if !ok || raw == nil {
			continue
		}
		value := strings.TrimSpace(fmt.Sprintf("%v", raw))
		if value == "" {
			continue
		}
		out[key.Name] = value
	}
	return out
}

// intersect keeps the members of set that appear in ids.
func intersect(set map[string]struct{}, ids []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := set[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}
