// Package planning implements the reconciliation core: the
// Matcher -> Link Resolver -> Change Resolver -> Planner pipeline that turns
// validated source records into a deterministic, idempotent change plan.
//
// Data flows strictly forward through the stages; every failure here is
// row-scoped except storage-port failures, which abort the batch.
package planning

import (
	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/errors"
	"github.com/rostersync/rostersync/pkg/plan"
	"github.com/rostersync/rostersync/pkg/store"
)

// MatchStatus is the outcome of matching one row against cache/target state.
type MatchStatus string

// Match statuses.
const (
	// StatusMatched means exactly one existing entity shares the match key.
	StatusMatched MatchStatus = "matched"
	// StatusNotFound means no existing entity shares the match key.
	StatusNotFound MatchStatus = "not_found"
	// StatusConflictTarget means several existing entities share the match
	// key: an upstream data integrity issue.
	StatusConflictTarget MatchStatus = "conflict_target"
	// StatusConflictSource means several batch rows share an identity with
	// differing fingerprints.
	StatusConflictSource MatchStatus = "conflict_source"
)

// MatchedRow is the matcher output for one row, consumed by the link
// resolver and the change resolver. Identity is never recomputed after the
// matcher; the fingerprint is recomputed whenever the desired state is
// mutated downstream.
type MatchedRow struct {
	RowRef       dataset.RowRef
	Identity     dataset.Identity
	MatchKey     string
	Status       MatchStatus
	DesiredState dataset.DesiredState
	Existing     *store.Snapshot // present iff Status == StatusMatched
	Fingerprint  string

	Warnings []*errors.RowError
	Errors   []*errors.RowError

	// Suppressed marks an identical in-batch duplicate collapsed into its
	// representative row: warned about, never planned.
	Suppressed bool

	// Pending marks a row with at least one unresolved (non-terminal) link.
	// With allow_partial=false such a row never produces a plan item.
	Pending bool

	// resolvedLinks tracks link fields already substituted this batch so
	// fixed-point passes do not re-resolve them.
	resolvedLinks map[string]bool

	// pendingDiags carries link diagnostics raised during link resolution,
	// merged into the resolve report.
	pendingDiags []plan.RowDiagnostic
}

// Failed reports whether the row carries a row-scoped error.
func (m *MatchedRow) Failed() bool {
	return len(m.Errors) > 0
}

// fail appends a row-scoped error.
func (m *MatchedRow) fail(stage errors.Stage, code errors.Code, field, message string) {
	m.Errors = append(m.Errors, errors.NewRowError(stage, code, field, message))
}

// warn appends a row-scoped warning.
func (m *MatchedRow) warn(stage errors.Stage, code errors.Code, field, message string) {
	m.Warnings = append(m.Warnings, errors.NewRowError(stage, code, field, message))
}

// linkResolved reports whether the given link field was already substituted.
func (m *MatchedRow) linkResolved(field string) bool {
	return m.resolvedLinks[field]
}

// markLinkResolved records a substituted link field.
func (m *MatchedRow) markLinkResolved(field string) {
	if m.resolvedLinks == nil {
		m.resolvedLinks = make(map[string]bool)
	}
	m.resolvedLinks[field] = true
}

// ResolvedRow is the change-resolver output for one row.
type ResolvedRow struct {
	RowRef       dataset.RowRef
	Identity     dataset.Identity
	Op           plan.Operation
	DesiredState dataset.DesiredState
	Existing     *store.Snapshot
	ResourceID   string // populated from the existing snapshot for updates
	Changes      map[string]dataset.Change
	SourceRef    map[string]any
	SecretFields []string
	Fingerprint  string // over the final desired state, post merge and links

	Warnings []*errors.RowError
	Errors   []*errors.RowError

	Suppressed bool
	Pending    bool

	diags []plan.RowDiagnostic
}

// Failed reports whether the row carries a row-scoped error.
func (r *ResolvedRow) Failed() bool {
	return len(r.Errors) > 0
}

// Planned reports whether the row belongs in the plan artifact.
func (r *ResolvedRow) Planned() bool {
	return !r.Failed() && !r.Pending && !r.Suppressed &&
		(r.Op == plan.OpCreate || r.Op == plan.OpUpdate)
}
