// Package store defines the narrow storage ports the planning core depends
// on: the cache/target lookup, the durable identity index, and the
// pending-link holding area. Implementations live under internal/store; the
// core only sees these contracts.
package store

import (
	"context"
	"time"
)

// Snapshot is a read-consistent view of one existing target/cache entity
// returned by a match-key lookup.
type Snapshot struct {
	ID      string         // target resource identifier
	Deleted bool           // soft-deleted in the target
	Fields  map[string]any // entity fields in their cached form
}

// Lookup finds existing target/cache state by match key. It must be
// read-consistent within a single matcher call; the matcher never writes.
type Lookup interface {
	// FindByMatchKey returns zero or more existing-entity snapshots sharing
	// the match key. More than one snapshot is an upstream data integrity
	// issue the matcher reports as a target conflict.
	FindByMatchKey(ctx context.Context, dataset, matchKey string, includeDeleted bool) ([]Snapshot, error)
}

// IdentityIndex is the durable mapping from (dataset, lookup_key) to
// resolved target identifiers. Populated on cache refresh and on successful
// apply; read by the link resolver.
//
// Implementations canonicalize lookup keys on both read and write (trimmed
// and case-folded), so "last_name:Stone" and "last_name:stone" address the
// same entry no matter how the caller spells the value.
type IdentityIndex interface {
	// Candidates returns every resolved identifier recorded for the key.
	Candidates(ctx context.Context, dataset, lookupKey string) ([]string, error)

	// Upsert records a resolved identifier for the key.
	Upsert(ctx context.Context, dataset, lookupKey, resolvedID string) error
}

// PendingReason classifies why a link could not be resolved.
type PendingReason string

// Pending reasons.
const (
	ReasonNotFound PendingReason = "not_found"
	ReasonConflict PendingReason = "conflict"
	ReasonExpired  PendingReason = "expired"
)

// PendingLink is a link reference that could not be resolved yet. It is
// re-checked on matching identity upserts and on sweep passes, and expires
// by TTL or attempt budget; both terminal outcomes surface as errors,
// never silent drops.
type PendingLink struct {
	ID          int64
	Dataset     string // target dataset of the unresolved reference
	Field       string // desired-state field awaiting the resolved id
	LookupKey   string // canonical "name:value" key
	SourceRowID string
	Reason      PendingReason
	Attempts    int
	CreatedAt   time.Time
	LastChecked time.Time
}

// Key returns the serialization key for per-key mutual exclusion.
func (p PendingLink) Key() string {
	return p.Dataset + "\x00" + p.LookupKey
}

// PendingStore is the holding area for unresolved links. It is the single
// source of truth shared across batches and the sweep task.
//
// All mutations for a given (dataset, lookup_key) must be serialized;
// callers wrap the dedup-and-commit step in Do so concurrent resolution
// attempts for the same key cannot both win.
type PendingStore interface {
	// Put inserts a pending link, or refreshes reason and last-checked time
	// of the existing entry with the same (dataset, field, lookup_key,
	// source_row_id). Returns the stored entry, with its original
	// created-at and attempt count preserved on refresh.
	Put(ctx context.Context, link PendingLink) (PendingLink, error)

	// GetByLookupKey returns pending links waiting on the given key.
	GetByLookupKey(ctx context.Context, dataset, lookupKey string) ([]PendingLink, error)

	// ListExpiringBefore returns pending links created before the cutoff.
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]PendingLink, error)

	// List returns all pending links, oldest first.
	List(ctx context.Context) ([]PendingLink, error)

	// Touch increments the attempt counter and stamps the check time,
	// returning the new attempt count. Attempts are non-decreasing.
	Touch(ctx context.Context, id int64, at time.Time) (int, error)

	// Delete removes a pending link, terminal for resolve and expiry alike.
	Delete(ctx context.Context, id int64) error

	// Do runs fn under the per-(dataset, lookup_key) mutex.
	Do(ctx context.Context, dataset, lookupKey string, fn func(ctx context.Context) error) error
}
