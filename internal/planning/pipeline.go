package planning

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/errors"
	"github.com/rostersync/rostersync/pkg/logging"
	"github.com/rostersync/rostersync/pkg/plan"
	"github.com/rostersync/rostersync/pkg/store"
)

// Settings are the injected knobs for the planning pipeline and the
// pending-link lifecycle. The defaults match production behavior:
// on_expire is always an error and partial rows are never applied.
type Settings struct {
	PendingTTL     time.Duration // age bound for pending links
	MaxAttempts    int           // attempt budget for pending links
	SweepInterval  time.Duration // period of the background sweep
	AllowPartial   bool          // fixed false: a row with unresolved links is never planned
	IncludeDeleted bool          // match against soft-deleted target entities
	Workers        int           // parallel row evaluations per batch
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		PendingTTL:    120 * time.Second,
		MaxAttempts:   5,
		SweepInterval: 60 * time.Second,
		AllowPartial:  false,
		Workers:       4,
	}
}

// Batch is one ordered set of validated records for a single dataset.
// Records arrive already extracted, normalized and structurally validated;
// rows that failed upstream never reach this pipeline.
type Batch struct {
	Dataset   string
	Records   []dataset.Record
	StartLine int // source line of the first record; 0 means line 1
}

// Result bundles the plan artifact with the two diagnostic reports.
type Result struct {
	Plan    *plan.Plan
	Match   *plan.MatchReport
	Resolve *plan.ResolveReport
}

// Pipeline wires the four stages over the injected ports. One Pipeline
// serves any number of batches; the pending store and identity index are
// the only state shared across them.
type Pipeline struct {
	registry map[string]dataset.Rules
	lookup   store.Lookup
	links    *LinkResolver
	planner  *Planner
	settings Settings

	// maxLinkPasses bounds the in-batch fixed point; cyclic reference
	// graphs stop making progress and fall back to the pending path.
	maxLinkPasses int
}

// NewPipeline creates a planning pipeline over the given ports.
func NewPipeline(rules []dataset.Rules, lookup store.Lookup, links *LinkResolver, settings Settings) *Pipeline {
	registry := make(map[string]dataset.Rules, len(rules))
	for _, r := range rules {
		registry[r.Dataset()] = r
	}
	return &Pipeline{
		registry:      registry,
		lookup:        lookup,
		links:         links,
		planner:       NewPlanner(),
		settings:      settings,
		maxLinkPasses: 5,
	}
}

// Links exposes the link resolver for the sweep task and the
// upsert-trigger wiring.
func (p *Pipeline) Links() *LinkResolver {
	return p.links
}

// Plan runs Matcher -> Link Resolver -> Change Resolver -> Planner over one
// batch. Row failures are reported, never fatal; storage-port failures and
// cancellation abort the batch.
func (p *Pipeline) Plan(ctx context.Context, batch Batch) (*Result, error) {
	rules, ok := p.registry[batch.Dataset]
	if !ok {
		return nil, errors.NewConfigError("pipeline", "no rules registered for dataset "+batch.Dataset, nil)
	}

	runID := uuid.NewString()
	logger := logging.FromContext(ctx).With().
		Str("run_id", runID).
		Str("dataset", batch.Dataset).
		Logger()
	start := time.Now().UTC()

	logger.Info().Int("rows", len(batch.Records)).Msg("Planning batch")

	matcher := NewMatcher(rules, p.lookup, p.settings.IncludeDeleted)
	rows, err := p.matchAll(ctx, matcher, batch)
	if err != nil {
		return nil, err
	}
	matcher.Dedupe(rows)

	if err := p.resolveLinks(ctx, rules, batch.Dataset, rows); err != nil {
		return nil, err
	}

	resolver := NewResolver(rules)
	resolved := make([]ResolvedRow, len(rows))
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return nil, errors.ErrCanceled
		}
		resolved[i] = resolver.Resolve(&rows[i])
	}

	result := &Result{
		Plan:    p.planner.Build(runID, batch.Dataset, resolved, start),
		Match:   p.matchReport(runID, batch.Dataset, rows, start),
		Resolve: p.resolveReport(runID, batch.Dataset, resolved, start),
	}

	logger.Info().
		Int("create", result.Plan.Summary.PlannedCreate).
		Int("update", result.Plan.Summary.PlannedUpdate).
		Int("skip", result.Plan.Summary.Skipped).
		Int("failed", result.Plan.Summary.Failed).
		Int("pending", result.Resolve.Pending).
		Msg("Batch planned")

	return result, nil
}

// matchAll evaluates the matcher for every record, fanning rows out across
// workers. Results land at their source index so the outcome is
// order-independent; cancellation is cooperative between rows.
func (p *Pipeline) matchAll(ctx context.Context, matcher *Matcher, batch Batch) ([]MatchedRow, error) {
	rows := make([]MatchedRow, len(batch.Records))

	startLine := batch.StartLine
	if startLine == 0 {
		startLine = 1
	}

	workers := p.settings.Workers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range batch.Records {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return errors.ErrCanceled
			}
			row, err := matcher.Match(gctx, batch.Records[i], startLine+i)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// resolveLinks runs the in-batch fixed point: speculative passes until no
// link makes progress, then one committing pass that parks the leftovers as
// pending. Rows in a reference cycle stop progressing and go pending.
func (p *Pipeline) resolveLinks(ctx context.Context, rules dataset.Rules, ds string, rows []MatchedRow) error {
	if _, ok := rules.(dataset.Linker); !ok {
		return nil
	}
	batch := buildBatchIndex(ds, rows)

	for pass := 0; pass < p.maxLinkPasses; pass++ {
		progress := false
		for i := range rows {
			if err := ctx.Err(); err != nil {
				return errors.ErrCanceled
			}
			moved, err := p.links.ResolveRow(ctx, rules, &rows[i], batch, false)
			if err != nil {
				return err
			}
			progress = progress || moved
		}
		if !progress {
			break
		}
	}

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return errors.ErrCanceled
		}
		if _, err := p.links.ResolveRow(ctx, rules, &rows[i], batch, true); err != nil {
			return err
		}
	}
	return nil
}

// matchReport aggregates matcher outcomes.
func (p *Pipeline) matchReport(runID, ds string, rows []MatchedRow, at time.Time) *plan.MatchReport {
	report := &plan.MatchReport{
		RunID:       runID,
		Dataset:     ds,
		GeneratedAt: at,
		RowsTotal:   len(rows),
	}
	for i := range rows {
		row := &rows[i]
		switch row.Status {
		case StatusMatched:
			report.Matched++
		case StatusNotFound:
			report.NotFound++
		case StatusConflictTarget:
			report.ConflictTarget++
		case StatusConflictSource:
			report.ConflictSource++
		}
		if row.Suppressed {
			report.DuplicatesKept++
		}
		for _, e := range row.Errors {
			if e.Stage != errors.StageMatch {
				continue
			}
			report.Conflicts = append(report.Conflicts, plan.ConflictDetail{
				RowID:   row.RowRef.RowID,
				Line:    row.RowRef.Line,
				Key:     row.Identity.Key,
				Value:   row.Identity.Value,
				Code:    string(e.Code),
				Message: e.Message,
			})
		}
	}
	return report
}

// resolveReport aggregates resolver outcomes and link diagnostics.
func (p *Pipeline) resolveReport(runID, ds string, rows []ResolvedRow, at time.Time) *plan.ResolveReport {
	report := &plan.ResolveReport{
		RunID:       runID,
		Dataset:     ds,
		GeneratedAt: at,
	}
	for i := range rows {
		row := &rows[i]
		switch row.Op {
		case plan.OpCreate:
			report.Creates++
		case plan.OpUpdate:
			report.Updates++
		case plan.OpSkip:
			report.Skips++
		case plan.OpConflict:
			report.Conflicts++
		}
		if row.Pending {
			report.Pending++
		}
		report.Rows = append(report.Rows, row.diags...)
		for _, d := range row.diags {
			if d.Reason == string(store.ReasonExpired) {
				report.Expired++
			}
		}
		for _, e := range row.Errors {
			if e.Stage == errors.StageResolve {
				report.Rows = append(report.Rows, plan.RowDiagnostic{
					RowID:   row.RowRef.RowID,
					Field:   e.Field,
					Stage:   string(e.Stage),
					Code:    string(e.Code),
					Message: e.Message,
				})
			}
		}
	}
	return report
}
