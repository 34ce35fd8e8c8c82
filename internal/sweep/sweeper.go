// Package sweep runs the periodic background pass over pending links,
// independent of batch arrival. Each pass re-evaluates every pending link:
// links whose identity has arrived resolve and are removed, links past
// their TTL or attempt budget terminate as errors, the rest stay pending
// with their attempt counter bumped.
package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rostersync/rostersync/internal/planning"
	"github.com/rostersync/rostersync/pkg/errors"
	"github.com/rostersync/rostersync/pkg/store"
)

// Result summarizes one sweep pass.
type Result struct {
	Checked  int
	Resolved int
	Expired  int
	Pending  int
	SweptAt  time.Time
}

// Sweeper periodically re-evaluates pending links.
type Sweeper struct {
	pending  store.PendingStore
	links    *planning.LinkResolver
	interval time.Duration
	logger   *zerolog.Logger
	now      func() time.Time
}

// New creates a sweeper over the pending store.
func New(pending store.PendingStore, links *planning.LinkResolver, interval time.Duration, logger *zerolog.Logger) *Sweeper {
	return &Sweeper{
		pending:  pending,
		links:    links,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps on every tick until the context is canceled. Interrupting
// between passes leaves pending state consistent; a pass itself commits
// per key, never partially.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("Sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			result, err := s.Sweep(ctx)
			if err != nil {
				if errors.IsCanceled(err) || ctx.Err() != nil {
					return ctx.Err()
				}
				// Store failures are logged and retried next tick; the
				// pending state itself was not partially committed.
				s.logger.Error().Err(err).Msg("Sweep pass failed")
				continue
			}
			s.logger.Info().
				Int("checked", result.Checked).
				Int("resolved", result.Resolved).
				Int("expired", result.Expired).
				Int("pending", result.Pending).
				Msg("Sweep pass complete")
		}
	}
}

// Sweep runs one pass over all pending links, grouped by key so each
// (dataset, lookup_key) is re-evaluated exactly once.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	result := Result{SweptAt: s.now()}

	links, err := s.pending.List(ctx)
	if err != nil {
		return result, errors.WrapStore("pending", "list", err)
	}

	seen := make(map[string]struct{}, len(links))
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return result, errors.ErrCanceled
		}
		if _, done := seen[link.Key()]; done {
			continue
		}
		seen[link.Key()] = struct{}{}

		outcomes, err := s.links.RecheckKey(ctx, link.Dataset, link.LookupKey)
		if err != nil {
			return result, err
		}
		for _, outcome := range outcomes {
			result.Checked++
			switch {
			case outcome.Resolved:
				result.Resolved++
			case outcome.Expired:
				result.Expired++
			default:
				result.Pending++
			}
		}
	}
	return result, nil
}
