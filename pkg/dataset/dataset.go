// Package dataset defines the contract that each synchronized entity type
// implements. The planning pipeline is generic; everything dataset-specific
// (identity derivation, desired-state projection, links, diff, merge, secret
// handling) is expressed through the Rules interface and its optional
// capability extensions, implemented once per dataset and injected.
package dataset

import (
	"strings"

	"golang.org/x/text/cases"
)

// Record is a validated, normalized source record as handed over by the
// upstream extraction/validation stages. Field values are already in their
// canonical scalar form.
type Record map[string]any

// DesiredState maps field names to the normalized values the target entity
// should carry after apply.
type DesiredState map[string]any

// Clone returns a shallow copy of the desired state. Link resolution and
// merge policies mutate the copy, never the original.
func (d DesiredState) Clone() DesiredState {
	out := make(DesiredState, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Identity is the dataset-derived stable key identifying a logical entity
// within a batch. Immutable once built.
type Identity struct {
	Dataset string // owning dataset
	Key     string // name of the identity field, e.g. "email"
	Value   string // normalized identity value
}

// IsZero reports whether the identity carries no usable value.
func (id Identity) IsZero() bool {
	return id.Value == ""
}

// LookupKey returns the canonical "key:value" form used against the
// identity index.
func (id Identity) LookupKey() string {
	return FormatLookupKey(id.Key, id.Value)
}

// RowRef identifies a source row for provenance and diagnostics.
type RowRef struct {
	Line  int    // 1-based source line
	RowID string // stable row identifier, e.g. "line:42"
	Key   string // identity field name
	Value string // identity value
}

// LinkKey names one lookup key a link can resolve through, in priority order.
type LinkKey struct {
	Name  string // identity-index key name, e.g. "personnel_number"
	Field string // desired-state field carrying the raw value
}

// LinkRule declares one relational reference from a record to another
// logical entity, possibly in a different dataset.
type LinkRule struct {
	Field         string     // desired-state field receiving the resolved id
	TargetDataset string     // dataset the reference points into
	Keys          []LinkKey  // resolution keys, tried in priority order
	Dedup         [][]string // equality-over-key-set rules, in priority order
	CoerceInt     bool       // substitute the resolved id as an integer
}

// LinkReference is a concrete pointer from one row to another logical
// entity, produced by applying a LinkRule to a record.
type LinkReference struct {
	Rule      LinkRule
	LookupKey string // canonical key actually used for resolution
	Row       RowRef
}

// Rules is the capability set each dataset implements. The planning core
// never type-switches on concrete datasets; optional behavior is expressed
// through the extension interfaces below.
type Rules interface {
	// Dataset returns the dataset name, e.g. "employees".
	Dataset() string

	// BuildIdentity derives the stable identity from a validated record.
	// An identity with an empty value fails the row upstream of matching.
	BuildIdentity(rec Record) Identity

	// MatchKey returns the external-system lookup key for the record.
	// Its absence after enrichment is an upstream contract violation.
	MatchKey(rec Record) string

	// BuildDesiredState projects the record onto the target field set.
	BuildDesiredState(rec Record) DesiredState

	// IgnoredFields lists desired-state fields excluded from fingerprints.
	IgnoredFields() []string
}

// Linker is implemented by datasets that declare relational references.
type Linker interface {
	Links() []LinkRule
}

// Differ customizes field-level diffing between an existing snapshot and a
// desired state. Datasets without it get the default strict comparison.
type Differ interface {
	Diff(existing map[string]any, desired DesiredState) map[string]Change
}

// Merger is implemented by datasets with a merge policy: existing values
// serve as defaults for absent desired fields. Applied after link
// resolution and before the fingerprint is recomputed.
type Merger interface {
	Merge(existing map[string]any, desired DesiredState) DesiredState
}

// SourceReferrer attaches provenance metadata to plan items.
type SourceReferrer interface {
	SourceRef(id Identity) map[string]any
}

// SecretPolicy declares which desired-state fields must be treated as
// secrets at apply time for a given operation. Secret fields are never
// logged and never diffed in reports.
type SecretPolicy interface {
	SecretFields(op string, desired DesiredState, existing map[string]any) []string
}

// StateValidator checks dataset-declared structural post-conditions on the
// final desired state. A failure surfaces as RESOLVE_INVALID_STATE.
type StateValidator interface {
	ValidateState(desired DesiredState) error
}

// Change records one field-level difference between existing and desired
// state. Redacted changes carry no values (secret fields).
type Change struct {
	From     any  `json:"from,omitempty"`
	To       any  `json:"to,omitempty"`
	Redacted bool `json:"redacted,omitempty"`
}

var keyFolder = cases.Fold()

// NormalizeKeyValue canonicalizes a raw lookup value: trimmed and
// case-folded, so "Ada.Lovelace@Example.com " and "ada.lovelace@example.com"
// index identically.
func NormalizeKeyValue(value string) string {
	return keyFolder.String(strings.TrimSpace(value))
}

// FormatLookupKey builds the canonical "name:value" representation stored
// in the identity index.
func FormatLookupKey(name, value string) string {
	return name + ":" + NormalizeKeyValue(value)
}
