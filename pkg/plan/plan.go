// Package plan defines the apply-ready plan artifact and the diagnostic
// reports produced by the planning pipeline. The plan is a pure artifact:
// an ordered sequence of items plus row provenance, consumed by the apply
// collaborator. This package defines report content, not rendering.
package plan

import (
	"time"

	"github.com/rostersync/rostersync/pkg/dataset"
)

// Operation is the resolved change operation for a row.
type Operation string

// Resolved operations.
const (
	// OpCreate creates a new target entity.
	OpCreate Operation = "create"
	// OpUpdate updates an existing target entity.
	OpUpdate Operation = "update"
	// OpSkip means the desired state already matches the target.
	OpSkip Operation = "skip"
	// OpConflict marks a row excluded by an unresolvable conflict.
	OpConflict Operation = "conflict"
)

// Item is the minimal apply-ready instruction for one row. Built 1:1 from
// non-error resolved rows; the planner performs no decision logic.
type Item struct {
	RowRef       dataset.RowRef            `json:"row_ref"`
	Op           Operation                 `json:"op"`
	ResourceID   string                    `json:"resource_id,omitempty"`
	DesiredState dataset.DesiredState      `json:"desired_state"`
	Changes      map[string]dataset.Change `json:"changes,omitempty"`
	SourceRef    map[string]any            `json:"source_ref,omitempty"`
	SecretFields []string                  `json:"secret_fields,omitempty"`
}

// Meta carries run provenance stamped into the plan artifact.
type Meta struct {
	RunID       string    `json:"run_id"`
	Dataset     string    `json:"dataset"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Summary aggregates plan counters.
type Summary struct {
	RowsTotal     int `json:"rows_total"`
	PlannedCreate int `json:"planned_create"`
	PlannedUpdate int `json:"planned_update"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
}

// Plan is the ordered plan artifact for one batch. Item order preserves
// source row order so plans are reproducible across runs for the same
// input and external state.
type Plan struct {
	Meta    Meta    `json:"meta"`
	Summary Summary `json:"summary"`
	Items   []Item  `json:"items"`
}

// IsEmpty reports whether the plan contains no apply work.
func (p *Plan) IsEmpty() bool {
	return len(p.Items) == 0
}
