package planning

import (
	"context"
	"fmt"

	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/errors"
	"github.com/rostersync/rostersync/pkg/store"
)

// Matcher finds existing target/cache state for each validated record and
// arbitrates duplicate records within a batch. It is read-only: no cache or
// target mutation ever happens here.
type Matcher struct {
	rules          dataset.Rules
	lookup         store.Lookup
	includeDeleted bool
}

// NewMatcher creates a matcher for one dataset.
func NewMatcher(rules dataset.Rules, lookup store.Lookup, includeDeleted bool) *Matcher {
	return &Matcher{rules: rules, lookup: lookup, includeDeleted: includeDeleted}
}

// Match matches a single record against cache/target state. A non-nil error
// is a storage-port failure and aborts the batch; every other failure is
// recorded on the row.
func (m *Matcher) Match(ctx context.Context, rec dataset.Record, line int) (MatchedRow, error) {
	row := MatchedRow{
		RowRef: dataset.RowRef{Line: line, RowID: fmt.Sprintf("line:%d", line)},
		Status: StatusNotFound,
	}

	identity := m.rules.BuildIdentity(rec)
	if identity.IsZero() {
		// Upstream validation guarantees a usable key; a miss here is an
		// upstream contract violation, reported on the row.
		row.fail(errors.StageMatch, errors.CodeMatchIdentityMissing, identity.Key, "identity value is empty")
		return row, nil
	}
	row.Identity = identity
	row.RowRef.Key = identity.Key
	row.RowRef.Value = identity.Value

	row.MatchKey = m.rules.MatchKey(rec)

	snapshots, err := m.lookup.FindByMatchKey(ctx, m.rules.Dataset(), row.MatchKey, m.includeDeleted)
	if err != nil {
		return row, errors.WrapStore("lookup", "find_by_match_key", err)
	}

	switch {
	case len(snapshots) > 1:
		row.Status = StatusConflictTarget
		row.fail(errors.StageMatch, errors.CodeMatchConflictTarget, identity.Key,
			fmt.Sprintf("%d existing candidates share match key", len(snapshots)))
	case len(snapshots) == 1:
		snapshot := snapshots[0]
		row.Status = StatusMatched
		row.Existing = &snapshot
	default:
		row.Status = StatusNotFound
	}

	row.DesiredState = m.rules.BuildDesiredState(rec)
	row.Fingerprint = dataset.Fingerprint(row.DesiredState, m.rules.IgnoredFields())

	return row, nil
}

// Dedupe arbitrates rows sharing an identity within one batch. A group of
// two or more rows with identical fingerprints keeps the first row as
// representative and suppresses the rest with a warning. A group with
// differing fingerprints marks every member as a source conflict.
func (m *Matcher) Dedupe(rows []MatchedRow) {
	groups := make(map[string][]int)
	order := make([]string, 0)
	for i := range rows {
		if rows[i].Failed() || rows[i].Identity.IsZero() {
			continue
		}
		key := rows[i].Identity.LookupKey()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	for _, key := range order {
		members := groups[key]
		if len(members) < 2 {
			continue
		}

		identical := true
		first := rows[members[0]].Fingerprint
		for _, idx := range members[1:] {
			if rows[idx].Fingerprint != first {
				identical = false
				break
			}
		}

		if identical {
			for _, idx := range members[1:] {
				rows[idx].Suppressed = true
				rows[idx].warn(errors.StageMatch, errors.CodeMatchDuplicate, rows[idx].Identity.Key,
					fmt.Sprintf("duplicate of %s with identical desired state", rows[members[0]].RowRef.RowID))
			}
			continue
		}

		for _, idx := range members {
			rows[idx].Status = StatusConflictSource
			rows[idx].fail(errors.StageMatch, errors.CodeMatchConflictSource, rows[idx].Identity.Key,
				fmt.Sprintf("%d batch rows share identity %q with differing desired state", len(members), key))
		}
	}
}
