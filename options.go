package rostersync

import (
	"github.com/rs/zerolog"

	"github.com/rostersync/rostersync/internal/planning"
	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/logging"
	"github.com/rostersync/rostersync/pkg/store"
)

// Option is a function that configures a RosterSync instance.
type Option func(*config) error

// config collects the construction-time configuration.
type config struct {
	rules     []dataset.Rules
	lookup    store.Lookup
	index     store.IdentityIndex
	pending   store.PendingStore
	settings  planning.Settings
	logger    *zerolog.Logger
	outputDir string
}

func defaultConfig() *config {
	return &config{
		settings: planning.DefaultSettings(),
		logger:   logging.Default(),
	}
}

// WithRules registers dataset rules implementations.
func WithRules(rules ...dataset.Rules) Option {
	return func(c *config) error {
		c.rules = append(c.rules, rules...)
		return nil
	}
}

// WithLookup configures the target cache lookup backend.
func WithLookup(lookup store.Lookup) Option {
	return func(c *config) error {
		c.lookup = lookup
		return nil
	}
}

// WithIdentityIndex configures the identity index backend.
func WithIdentityIndex(index store.IdentityIndex) Option {
	return func(c *config) error {
		c.index = index
		return nil
	}
}

// WithPendingStore configures the pending-link store backend.
func WithPendingStore(pending store.PendingStore) Option {
	return func(c *config) error {
		c.pending = pending
		return nil
	}
}

// WithSettings configures the pipeline and pending-link lifecycle knobs.
func WithSettings(settings planning.Settings) Option {
	return func(c *config) error {
		c.settings = settings
		return nil
	}
}

// WithLogger configures the structured logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(c *config) error {
		c.logger = logger
		return nil
	}
}

// WithOutputDir configures a directory to receive plan artifacts. Secret
// fields are masked before anything is written.
func WithOutputDir(dir string) Option {
	return func(c *config) error {
		c.outputDir = dir
		return nil
	}
}
