package planning

import (
	"fmt"
	"strings"

	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/errors"
	"github.com/rostersync/rostersync/pkg/plan"
)

// Resolver decides the operation for each matched row: create, update, skip
// or conflict. It applies the dataset merge policy, recomputes the
// fingerprint over the merged state, and computes the field-level diff.
type Resolver struct {
	rules dataset.Rules
}

// NewResolver creates a change resolver for one dataset.
func NewResolver(rules dataset.Rules) *Resolver {
	return &Resolver{rules: rules}
}

// Resolve converts a matched row (with links already resolved) into a
// resolved row. All failures are row-scoped.
func (r *Resolver) Resolve(matched *MatchedRow) ResolvedRow {
	row := ResolvedRow{
		RowRef:       matched.RowRef,
		Identity:     matched.Identity,
		DesiredState: matched.DesiredState,
		Existing:     matched.Existing,
		Fingerprint:  matched.Fingerprint,
		Warnings:     matched.Warnings,
		Errors:       matched.Errors,
		Suppressed:   matched.Suppressed,
		Pending:      matched.Pending,
		diags:        matched.pendingDiags,
	}

	// Conflicts from the match stage and terminally failed links both land
	// in the conflict branch; the row never reaches the planner.
	if matched.Status == StatusConflictTarget || matched.Status == StatusConflictSource {
		row.Op = plan.OpConflict
		row.Errors = append(row.Errors, errors.NewRowError(errors.StageResolve, errors.CodeResolveConflict,
			matched.Identity.Key, "conflict during match stage"))
		return row
	}
	if matched.Failed() {
		row.Op = plan.OpConflict
		return row
	}
	if matched.Suppressed || matched.Pending {
		// Suppressed duplicates and pending rows are excluded without an
		// operation; pending rows advance on their next evaluation.
		return row
	}

	// The merge policy runs for create rows too, with no existing fields:
	// dataset defaults (derived usernames and the like) apply to new
	// entities the same as to updates.
	desired := matched.DesiredState
	if merger, ok := r.rules.(dataset.Merger); ok {
		var existingFields map[string]any
		if matched.Existing != nil {
			existingFields = matched.Existing.Fields
		}
		desired = merger.Merge(existingFields, desired.Clone())
		row.DesiredState = desired
	}
	// The fingerprint covers the final desired state: post merge policy and
	// post link resolution. Computing it earlier and keeping it would break
	// skip detection.
	row.Fingerprint = dataset.Fingerprint(desired, r.rules.IgnoredFields())

	if validator, ok := r.rules.(dataset.StateValidator); ok {
		if err := validator.ValidateState(desired); err != nil {
			row.Op = plan.OpConflict
			row.Errors = append(row.Errors, errors.NewRowError(errors.StageResolve, errors.CodeResolveInvalidState,
				"", err.Error()))
			return row
		}
	}

	switch matched.Status {
	case StatusNotFound:
		row.Op = plan.OpCreate
	case StatusMatched:
		if matched.Existing == nil {
			// Invariant violation: a matched row lost its snapshot.
			row.Op = plan.OpConflict
			row.Errors = append(row.Errors, errors.NewRowError(errors.StageResolve, errors.CodeResolveMissing,
				"resource_id", "matched row has no existing snapshot"))
			return row
		}
		changes := r.diff(matched.Existing.Fields, desired)
		if len(changes) == 0 {
			row.Op = plan.OpSkip
			break
		}
		row.Op = plan.OpUpdate
		row.Changes = changes
		row.ResourceID = matched.Existing.ID
	}

	if referrer, ok := r.rules.(dataset.SourceReferrer); ok {
		row.SourceRef = referrer.SourceRef(matched.Identity)
	}
	if secrets, ok := r.rules.(dataset.SecretPolicy); ok {
		var existingFields map[string]any
		if matched.Existing != nil {
			existingFields = matched.Existing.Fields
		}
		row.SecretFields = secrets.SecretFields(string(row.Op), desired, existingFields)
	}

	return row
}

// diff delegates to the dataset diff policy, defaulting to a strict
// per-field comparison over the desired fields.
func (r *Resolver) diff(existing map[string]any, desired dataset.DesiredState) map[string]dataset.Change {
	if differ, ok := r.rules.(dataset.Differ); ok {
		return differ.Diff(existing, desired)
	}
	return DefaultDiff(existing, desired)
}

// DefaultDiff compares every desired field against the existing snapshot.
// Fields with a "__" prefix are bookkeeping and never diffed. String values
// are compared whitespace-normalized.
func DefaultDiff(existing map[string]any, desired dataset.DesiredState) map[string]dataset.Change {
	changes := make(map[string]dataset.Change)
	for field, want := range desired {
		if strings.HasPrefix(field, "__") {
			continue
		}
		have, ok := existing[field]
		if !ok {
			have = nil
		}
		if !valuesEqual(have, want) {
			changes[field] = dataset.Change{From: have, To: want}
		}
	}
	return changes
}

// valuesEqual compares two field values, normalizing string whitespace so
// cache formatting noise does not force updates.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.TrimSpace(as) == strings.TrimSpace(bs)
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
