// Package postgres provides a PostgreSQL-backed ActionLog and SnapshotStore
// for postgate.
//
// Snapshot writes run in a transaction holding a transaction-scoped advisory
// lock, so concurrent invocations apply their read-modify-write one at a
// time. This makes it safe for multi-instance deployments and provides
// durability across restarts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/postgate"
)

// windowScope is the row key of the informational short window.
const windowScope = "window_15min"

// Store is a PostgreSQL-backed ActionLog and SnapshotStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ postgate.ActionLog       = (*Store)(nil)
	_ postgate.SnapshotStore   = (*Store)(nil)
	_ postgate.SnapshotUpdater = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "postgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "postgate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) actionsTable() string   { return s.tablePrefix + "actions" }
func (s *Store) snapshotsTable() string { return s.tablePrefix + "snapshots" }

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT NOT NULL,
			posted_at TIMESTAMPTZ NOT NULL,
			preview TEXT NOT NULL DEFAULT '',
			reported JSONB,
			PRIMARY KEY (id, posted_at)
		);
		CREATE INDEX IF NOT EXISTS %[1]s_posted_at_idx ON %[1]s (posted_at);
		CREATE TABLE IF NOT EXISTS %[2]s (
			scope TEXT PRIMARY KEY,
			quota_limit BIGINT NOT NULL,
			remaining BIGINT NOT NULL,
			reset_at TIMESTAMPTZ,
			captured_at TIMESTAMPTZ NOT NULL,
			source TEXT NOT NULL
		);
	`, s.actionsTable(), s.snapshotsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return s.fail("ensure_schema", s.actionsTable(), err)
	}
	return nil
}

// Record appends an action. Recording the same id and time twice is a no-op.
func (s *Store) Record(ctx context.Context, rec postgate.ActionRecord) error {
	var reported *string
	if rec.Reported != nil {
		data, err := json.Marshal(rec.Reported)
		if err != nil {
			return s.fail("record_action", s.actionsTable(), err)
		}
		v := string(data)
		reported = &v
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, posted_at, preview, reported) VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`, s.actionsTable()),
		rec.ID, rec.PostedAt.UTC(), rec.Preview, reported,
	)
	if err != nil {
		return s.fail("record_action", s.actionsTable(), err)
	}
	return nil
}

// CountSince returns actions with PostedAt >= cutoff, most recent first.
func (s *Store) CountSince(ctx context.Context, cutoff time.Time) (int, []postgate.ActionRecord, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, posted_at, preview, reported FROM %s
			WHERE posted_at >= $1 ORDER BY posted_at DESC`, s.actionsTable()),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, nil, s.fail("count_actions", s.actionsTable(), err)
	}
	defer rows.Close()

	var out []postgate.ActionRecord
	for rows.Next() {
		var (
			rec      postgate.ActionRecord
			reported []byte
		)
		if err := rows.Scan(&rec.ID, &rec.PostedAt, &rec.Preview, &reported); err != nil {
			return 0, nil, s.fail("count_actions", s.actionsTable(), err)
		}
		rec.PostedAt = rec.PostedAt.UTC()
		if len(reported) > 0 {
			var rl postgate.RateLimit
			if json.Unmarshal(reported, &rl) == nil {
				rec.Reported = &rl
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, s.fail("count_actions", s.actionsTable(), err)
	}
	return len(out), out, nil
}

// Prune removes actions with PostedAt < olderThan.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE posted_at < $1`, s.actionsTable()),
		olderThan.UTC(),
	)
	if err != nil {
		return 0, s.fail("prune_actions", s.actionsTable(), err)
	}
	return int(tag.RowsAffected()), nil
}

// LoadSnapshots returns the stored document or ErrNotFound.
func (s *Store) LoadSnapshots(ctx context.Context) (postgate.CacheDocument, error) {
	doc, found, err := s.load(ctx, s.pool)
	if err != nil {
		return postgate.CacheDocument{}, s.fail("load_snapshots", s.snapshotsTable(), err)
	}
	if !found {
		return postgate.CacheDocument{}, s.fail("load_snapshots", s.snapshotsTable(), postgate.ErrNotFound)
	}
	return doc, nil
}

// SaveSnapshots replaces the stored document.
func (s *Store) SaveSnapshots(ctx context.Context, doc postgate.CacheDocument) error {
	return s.inLockedTx(ctx, "save_snapshots", func(tx pgx.Tx) error {
		return s.save(ctx, tx, doc)
	})
}

// UpdateSnapshots applies fn to the stored document inside a locked transaction.
func (s *Store) UpdateSnapshots(ctx context.Context, fn func(doc *postgate.CacheDocument) error) error {
	return s.inLockedTx(ctx, "update_snapshots", func(tx pgx.Tx) error {
		doc, _, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(&doc); err != nil {
			return err
		}
		return s.save(ctx, tx, doc)
	})
}

func (s *Store) inLockedTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.fail(op, s.snapshotsTable(), fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.snapshotsTable()); err != nil {
		return s.fail(op, s.snapshotsTable(), fmt.Errorf("advisory lock: %w", err))
	}
	if err := fn(tx); err != nil {
		return s.fail(op, s.snapshotsTable(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.fail(op, s.snapshotsTable(), fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) load(ctx context.Context, q querier) (postgate.CacheDocument, bool, error) {
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT scope, quota_limit, remaining, reset_at, captured_at, source FROM %s`,
			s.snapshotsTable()),
	)
	if err != nil {
		return postgate.CacheDocument{}, false, err
	}
	defer rows.Close()

	var doc postgate.CacheDocument
	found := false
	for rows.Next() {
		var (
			scope      string
			limit      int64
			remaining  int64
			resetAt    *time.Time
			capturedAt time.Time
			source     string
		)
		if err := rows.Scan(&scope, &limit, &remaining, &resetAt, &capturedAt, &source); err != nil {
			return postgate.CacheDocument{}, false, err
		}
		found = true

		var reset time.Time
		if resetAt != nil {
			reset = resetAt.UTC()
		}
		if scope == windowScope {
			doc.PutWindow(postgate.RateLimit{Limit: limit, Remaining: remaining, Reset: reset}, capturedAt)
			continue
		}
		doc.Put(postgate.NewSnapshot(postgate.Scope(scope), limit, remaining, reset, capturedAt, postgate.Provenance(source)))
	}
	if err := rows.Err(); err != nil {
		return postgate.CacheDocument{}, false, err
	}
	return doc, found, nil
}

func (s *Store) save(ctx context.Context, q querier, doc postgate.CacheDocument) error {
	if _, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.snapshotsTable())); err != nil {
		return err
	}

	insert := fmt.Sprintf(`INSERT INTO %s (scope, quota_limit, remaining, reset_at, captured_at, source)
		VALUES ($1, $2, $3, $4, $5, $6)`, s.snapshotsTable())

	for _, scope := range postgate.Scopes {
		snap, err := doc.Snapshot(scope)
		if errors.Is(err, postgate.ErrNotFound) || errors.Is(err, postgate.ErrMalformedSnapshot) {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, insert,
			string(scope), snap.Limit, snap.Remaining, nullTime(snap.ResetAt), snap.CapturedAt, string(snap.Provenance),
		); err != nil {
			return err
		}
	}

	if rl, at, ok := doc.WindowLimit(); ok {
		if _, err := q.Exec(ctx, insert,
			windowScope, rl.Limit, rl.Remaining, nullTime(rl.Reset), at.UTC(), string(postgate.ProvenanceErrorHeaders),
		); err != nil {
			return err
		}
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *Store) fail(op, table string, err error) error {
	return &postgate.StoreError{Op: op, Path: table, Err: err}
}
