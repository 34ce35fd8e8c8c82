package planning

import (
	"time"

	"github.com/rostersync/rostersync/pkg/plan"
)

// Planner assembles the ordered plan artifact from resolved rows. It is a
// pure filter-and-map step: only non-error create/update rows become items,
// in their original source order, and no decision logic runs here.
type Planner struct{}

// NewPlanner creates a planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Build assembles the plan for one batch. Skips are counted in the summary
// but excluded from the items; conflict and failed rows never become items.
func (p *Planner) Build(runID, ds string, rows []ResolvedRow, generatedAt time.Time) *plan.Plan {
	out := &plan.Plan{
		Meta: plan.Meta{
			RunID:       runID,
			Dataset:     ds,
			GeneratedAt: generatedAt,
		},
	}

	for i := range rows {
		row := &rows[i]
		out.Summary.RowsTotal++
		switch {
		case row.Failed():
			out.Summary.Failed++
		case row.Op == plan.OpSkip:
			out.Summary.Skipped++
		}

		if !row.Planned() {
			continue
		}
		if row.Op == plan.OpCreate {
			out.Summary.PlannedCreate++
		} else {
			out.Summary.PlannedUpdate++
		}
		out.Items = append(out.Items, plan.Item{
			RowRef:       row.RowRef,
			Op:           row.Op,
			ResourceID:   row.ResourceID,
			DesiredState: row.DesiredState,
			Changes:      row.Changes,
			SourceRef:    row.SourceRef,
			SecretFields: row.SecretFields,
		})
	}

	return out
}
