// Package rostersync plans the synchronization of employee roster batches
// into a target identity-management system. It matches source rows to
// existing target entities, resolves cross-record references with a
// pending-link retry lifecycle, detects changes by fingerprint, and emits a
// deterministic plan of create and update operations. It never applies
// changes to the target itself.
package rostersync

import (
	"context"
	"fmt"
	"sync"

	"github.com/rostersync/rostersync/internal/planning"
	"github.com/rostersync/rostersync/internal/store/memory"
	"github.com/rostersync/rostersync/internal/sweep"
	"github.com/rostersync/rostersync/pkg/errors"
	"github.com/rostersync/rostersync/pkg/plan"
	"github.com/rostersync/rostersync/pkg/store"
)

// RosterSync plans roster batches and maintains the pending-link lifecycle.
type RosterSync interface {
	// Plan evaluates one batch and returns the plan with its reports.
	Plan(ctx context.Context, batch planning.Batch) (*planning.Result, error)

	// Sweep runs one pass over all pending links.
	Sweep(ctx context.Context) (sweep.Result, error)

	// SweepOn starts the periodic background sweep.
	SweepOn() error

	// SweepOff stops the background sweep.
	SweepOff() error

	// Identities returns the identity index. Upserts through it
	// immediately recheck pending links waiting on the upserted key.
	Identities() store.IdentityIndex

	// Pending returns the pending-link store for inspection.
	Pending() store.PendingStore
}

// rostersync is the internal implementation of the RosterSync interface.
type rostersync struct {
	mu       sync.Mutex
	config   *config
	pipeline *planning.Pipeline
	index    *planning.TriggeredIndex
	sweeper  *sweep.Sweeper

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a RosterSync instance with the given options. Without store
// options it runs entirely in memory.
func New(opts ...Option) (RosterSync, error) {
	c := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("applying options: %w", err)
		}
	}
	if len(c.rules) == 0 {
		return nil, errors.NewConfigError("rules", "at least one dataset rules implementation is required", nil)
	}
	if c.lookup == nil {
		c.lookup = memory.NewCache()
	}
	if c.index == nil {
		c.index = memory.NewIndex()
	}
	if c.pending == nil {
		c.pending = memory.NewPending()
	}

	links := planning.NewLinkResolver(c.index, c.pending, c.settings, c.logger)
	return &rostersync{
		config:   c,
		pipeline: planning.NewPipeline(c.rules, c.lookup, links, c.settings),
		index:    planning.NewTriggeredIndex(c.index, links),
		sweeper:  sweep.New(c.pending, links, c.settings.SweepInterval, c.logger),
	}, nil
}

// Plan implements RosterSync.
func (r *rostersync) Plan(ctx context.Context, batch planning.Batch) (*planning.Result, error) {
	result, err := r.pipeline.Plan(ctx, batch)
	if err != nil {
		return nil, err
	}
	if r.config.outputDir != "" {
		if _, err := plan.Write(result.Plan, r.config.outputDir); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Sweep implements RosterSync.
func (r *rostersync) Sweep(ctx context.Context) (sweep.Result, error) {
	return r.sweeper.Sweep(ctx)
}

// SweepOn implements RosterSync.
func (r *rostersync) SweepOn() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweepCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})
	go func() {
		defer close(r.sweepDone)
		_ = r.sweeper.Run(ctx)
	}()
	return nil
}

// SweepOff implements RosterSync.
func (r *rostersync) SweepOff() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweepCancel == nil {
		return nil
	}
	r.sweepCancel()
	<-r.sweepDone
	r.sweepCancel = nil
	r.sweepDone = nil
	return nil
}

// Identities implements RosterSync.
func (r *rostersync) Identities() store.IdentityIndex {
	return r.index
}

// Pending implements RosterSync.
func (r *rostersync) Pending() store.PendingStore {
	return r.config.pending
}
