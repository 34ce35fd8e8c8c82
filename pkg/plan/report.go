package plan

import "time"

// ConflictDetail describes one match-stage conflict for the report.
type ConflictDetail struct {
	RowID   string `json:"row_id"`
	Line    int    `json:"line,omitempty"`
	Key     string `json:"key"`
	Value   string `json:"value"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MatchReport summarizes the matcher stage: counts by match status plus
// conflict details.
type MatchReport struct {
	RunID          string           `json:"run_id"`
	Dataset        string           `json:"dataset"`
	GeneratedAt    time.Time        `json:"generated_at"`
	RowsTotal      int              `json:"rows_total"`
	Matched        int              `json:"matched"`
	NotFound       int              `json:"not_found"`
	ConflictTarget int              `json:"conflict_target"`
	ConflictSource int              `json:"conflict_source"`
	DuplicatesKept int              `json:"duplicates_kept"` // identical duplicates collapsed to one representative
	Conflicts      []ConflictDetail `json:"conflicts,omitempty"`
}

// RowDiagnostic is a per-row resolve-stage diagnostic. Link failures carry
// the source row id, the field, and the lookup key that failed.
type RowDiagnostic struct {
	RowID     string `json:"source_row_id"`
	Field     string `json:"field,omitempty"`
	LookupKey string `json:"lookup_key,omitempty"`
	Stage     string `json:"stage"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message"`
	Warning   bool   `json:"warning,omitempty"`
}

// ResolveReport summarizes the resolve stage: counts by operation, pending
// and expired link counts with reasons, and per-row diagnostics.
type ResolveReport struct {
	RunID       string          `json:"run_id"`
	Dataset     string          `json:"dataset"`
	GeneratedAt time.Time       `json:"generated_at"`
	Creates     int             `json:"creates"`
	Updates     int             `json:"updates"`
	Skips       int             `json:"skips"`
	Conflicts   int             `json:"conflicts"`
	Pending     int             `json:"pending"`
	Expired     int             `json:"expired"`
	Rows        []RowDiagnostic `json:"rows,omitempty"`
}
