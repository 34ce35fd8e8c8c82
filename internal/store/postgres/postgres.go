// Package postgres provides the durable storage backend: cache lookup,
// identity index, and pending-link store over a pgx connection pool.
// Per-key serialization uses session advisory locks, so concurrent planners
// and the sweep task coordinate through the database rather than in-process.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/errors"
	"github.com/rostersync/rostersync/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Connect opens a connection pool against the given DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.NewConfigError("store.dsn", "parsing postgres DSN", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WrapStore("postgres", "connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapStore("postgres", "ping", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema migrations. The DSN must be a URL;
// its scheme is rewritten for the migrate pgx driver.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.WrapStore("postgres", "migrations", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "pgx5://"+trimScheme(dsn))
	if err != nil {
		return errors.WrapStore("postgres", "migrate-open", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.WrapStore("postgres", "migrate-up", err)
	}
	return nil
}

func trimScheme(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://", "pgx5://"} {
		if len(dsn) > len(prefix) && dsn[:len(prefix)] == prefix {
			return dsn[len(prefix):]
		}
	}
	return dsn
}

// Store implements the storage ports over one pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// AddSnapshot inserts or refreshes a cached target entity.
func (s *Store) AddSnapshot(ctx context.Context, ds, matchKey string, snap store.Snapshot) error {
	fields, err := json.Marshal(snap.Fields)
	if err != nil {
		return errors.WrapStore("cache", "encode", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO target_cache (id, dataset, match_key, deleted, fields)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dataset, id) DO UPDATE
		SET match_key = EXCLUDED.match_key,
		    deleted   = EXCLUDED.deleted,
		    fields    = EXCLUDED.fields`,
		snap.ID, ds, matchKey, snap.Deleted, fields)
	if err != nil {
		return errors.WrapStore("cache", "upsert", err)
	}
	return nil
}

// FindByMatchKey implements store.Lookup.
func (s *Store) FindByMatchKey(ctx context.Context, ds, matchKey string, includeDeleted bool) ([]store.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, deleted, fields
		FROM target_cache
		WHERE dataset = $1 AND match_key = $2 AND (deleted = FALSE OR $3)
		ORDER BY id`,
		ds, matchKey, includeDeleted)
	if err != nil {
		return nil, errors.WrapStore("cache", "find", err)
	}
	defer rows.Close()

	var out []store.Snapshot
	for rows.Next() {
		var snap store.Snapshot
		var fields []byte
		if err := rows.Scan(&snap.ID, &snap.Deleted, &fields); err != nil {
			return nil, errors.WrapStore("cache", "scan", err)
		}
		if err := json.Unmarshal(fields, &snap.Fields); err != nil {
			return nil, errors.WrapStore("cache", "decode", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStore("cache", "find", err)
	}
	return out, nil
}

// Candidates implements store.IdentityIndex. Lookup keys are canonicalized
// on read and write, per the port contract.
func (s *Store) Candidates(ctx context.Context, ds, lookupKey string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT resolved_id FROM identity_index
		WHERE dataset = $1 AND lookup_key = $2
		ORDER BY resolved_id`,
		ds, dataset.NormalizeKeyValue(lookupKey))
	if err != nil {
		return nil, errors.WrapStore("identity_index", "candidates", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WrapStore("identity_index", "scan", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStore("identity_index", "candidates", err)
	}
	return out, nil
}

// Upsert implements store.IdentityIndex.
func (s *Store) Upsert(ctx context.Context, ds, lookupKey, resolvedID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identity_index (dataset, lookup_key, resolved_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		ds, dataset.NormalizeKeyValue(lookupKey), resolvedID)
	if err != nil {
		return errors.WrapStore("identity_index", "upsert", err)
	}
	return nil
}

// Put implements store.PendingStore. An existing entry for the same
// (dataset, field, lookup_key, source_row_id) is refreshed in place,
// keeping its created-at and attempt count.
func (s *Store) Put(ctx context.Context, link store.PendingLink) (store.PendingLink, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO pending_links
			(dataset, field, lookup_key, source_row_id, reason, attempts, created_at, last_checked)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		ON CONFLICT (dataset, field, lookup_key, source_row_id) DO UPDATE
		SET reason = EXCLUDED.reason, last_checked = EXCLUDED.last_checked
		RETURNING id, reason, attempts, created_at, last_checked`,
		link.Dataset, link.Field, link.LookupKey, link.SourceRowID, link.Reason, link.LastChecked)

	var reason string
	if err := row.Scan(&link.ID, &reason, &link.Attempts, &link.CreatedAt, &link.LastChecked); err != nil {
		return link, errors.WrapStore("pending", "put", err)
	}
	link.Reason = store.PendingReason(reason)
	return link, nil
}

// GetByLookupKey implements store.PendingStore.
func (s *Store) GetByLookupKey(ctx context.Context, ds, lookupKey string) ([]store.PendingLink, error) {
	return s.queryLinks(ctx, `
		SELECT id, dataset, field, lookup_key, source_row_id, reason, attempts, created_at, last_checked
		FROM pending_links
		WHERE dataset = $1 AND lookup_key = $2
		ORDER BY id`,
		ds, lookupKey)
}

// ListExpiringBefore implements store.PendingStore.
func (s *Store) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]store.PendingLink, error) {
	return s.queryLinks(ctx, `
		SELECT id, dataset, field, lookup_key, source_row_id, reason, attempts, created_at, last_checked
		FROM pending_links
		WHERE created_at < $1
		ORDER BY id`,
		cutoff)
}

// List implements store.PendingStore.
func (s *Store) List(ctx context.Context) ([]store.PendingLink, error) {
	return s.queryLinks(ctx, `
		SELECT id, dataset, field, lookup_key, source_row_id, reason, attempts, created_at, last_checked
		FROM pending_links
		ORDER BY id`)
}

// Touch implements store.PendingStore.
func (s *Store) Touch(ctx context.Context, id int64, at time.Time) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE pending_links
		SET attempts = attempts + 1, last_checked = $2
		WHERE id = $1
		RETURNING attempts`,
		id, at).Scan(&attempts)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.WrapStore("pending", "touch", err)
	}
	return attempts, nil
}

// Delete implements store.PendingStore.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pending_links WHERE id = $1`, id); err != nil {
		return errors.WrapStore("pending", "delete", err)
	}
	return nil
}

// Do implements store.PendingStore: fn runs under a session advisory lock
// for the key, serializing resolution attempts per (dataset, lookup_key)
// across all processes sharing the database.
func (s *Store) Do(ctx context.Context, ds, lookupKey string, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return errors.WrapStore("pending", "acquire", err)
	}
	defer conn.Release()

	key := lockKey(ds, lookupKey)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return errors.WrapStore("pending", "lock", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key)

	return fn(ctx)
}

func (s *Store) queryLinks(ctx context.Context, sql string, args ...any) ([]store.PendingLink, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WrapStore("pending", "list", err)
	}
	defer rows.Close()

	var out []store.PendingLink
	for rows.Next() {
		var link store.PendingLink
		var reason string
		if err := rows.Scan(&link.ID, &link.Dataset, &link.Field, &link.LookupKey,
			&link.SourceRowID, &reason, &link.Attempts, &link.CreatedAt, &link.LastChecked); err != nil {
			return nil, errors.WrapStore("pending", "scan", err)
		}
		link.Reason = store.PendingReason(reason)
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStore("pending", "list", err)
	}
	return out, nil
}

// lockKey folds the key into the signed 64-bit advisory-lock space.
func lockKey(ds, lookupKey string) int64 {
	h := fnv.New64a()
	h.Write([]byte(ds))
	h.Write([]byte{0})
	h.Write([]byte(lookupKey))
	return int64(h.Sum64())
}
