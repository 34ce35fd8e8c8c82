package cmd

import (
	"context"

	"github.com/rostersync/rostersync"
	"github.com/rostersync/rostersync/internal/config"
	"github.com/rostersync/rostersync/internal/datasets/employees"
	"github.com/rostersync/rostersync/internal/store/memory"
	"github.com/rostersync/rostersync/internal/store/postgres"
	"github.com/rostersync/rostersync/pkg/store"
)

// buildSync assembles a RosterSync instance from the loaded configuration.
// The returned cleanup releases the storage backend.
func buildSync(ctx context.Context, cfg *config.Config) (rostersync.RosterSync, func(), error) {
	cleanup := func() {}

	rules, err := buildEmployeeRules(cfg)
	if err != nil {
		return nil, cleanup, err
	}

	opts := []rostersync.Option{
		rostersync.WithRules(rules),
		rostersync.WithSettings(cfg.Settings()),
		rostersync.WithLogger(logger),
		rostersync.WithOutputDir(cfg.OutputDir),
	}

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, cleanup, err
		}
		pg := postgres.New(pool)
		cleanup = pg.Close
		opts = append(opts,
			rostersync.WithLookup(pg),
			rostersync.WithIdentityIndex(pg),
			rostersync.WithPendingStore(pg),
		)
	default:
		cache := memory.NewCache()
		index := memory.NewIndex()
		if cfg.Store.Seed != "" {
			if err := loadSeed(ctx, cfg.Store.Seed, cache, index); err != nil {
				return nil, cleanup, err
			}
		}
		opts = append(opts,
			rostersync.WithLookup(cache),
			rostersync.WithIdentityIndex(index),
			rostersync.WithPendingStore(memory.NewPending()),
		)
	}

	rs, err := rostersync.New(opts...)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return rs, cleanup, nil
}

// buildEmployeeRules applies the optional dataset rules overlay.
func buildEmployeeRules(cfg *config.Config) (*employees.Rules, error) {
	if cfg.RulesFile == "" {
		return employees.New(), nil
	}
	file, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	overlay, ok := file.Dataset(employees.Name)
	if !ok {
		return employees.New(), nil
	}

	var opts []employees.Option
	if len(overlay.IgnoredFields) > 0 {
		opts = append(opts, employees.WithExtraIgnoredFields(overlay.IgnoredFields...))
	}
	for field, link := range overlay.Links {
		if link.Disabled {
			opts = append(opts, employees.WithLinkDisabled(field))
			continue
		}
		if len(link.Dedup) > 0 {
			opts = append(opts, employees.WithLinkDedup(field, link.Dedup))
		}
	}
	return employees.New(opts...), nil
}

// loadSeed preloads the memory backend from a YAML seed file.
func loadSeed(ctx context.Context, path string, cache *memory.Cache, index *memory.Index) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	for _, s := range seed.Snapshots {
		cache.Add(s.Dataset, s.MatchKey, store.Snapshot{
			ID:      s.ID,
			Deleted: s.Deleted,
			Fields:  s.Fields,
		})
	}
	for _, id := range seed.Identities {
		if err := index.Upsert(ctx, id.Dataset, id.LookupKey, id.ResolvedID); err != nil {
			return err
		}
	}
	return nil
}
