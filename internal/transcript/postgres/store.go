// Package postgres provides a PostgreSQL-backed [transcript.Store].
//
// Each persisted conversation becomes one row of the transcripts table. The
// row holds the same formatted text a [transcript.FileStore] would write plus
// the raw turns as JSONB, so downstream stages read identical content no
// matter which backend is configured.
//
// References have the form "postgres:transcripts/<serial>".
//
// Usage:
//
//	store, err := postgres.Open(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	ref, err := store.Persist(ctx, turns)
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/leadflow/internal/transcript"
)

// RefPrefix starts every reference produced by [Store].
const RefPrefix = "postgres:transcripts/"

// Schema is the SQL DDL for the transcripts table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS transcripts (
    serial     BIGINT      PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    content    TEXT        NOT NULL,
    turns      JSONB       NOT NULL DEFAULT '[]'
);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is a [transcript.Store] backed by a PostgreSQL database.
// All operations are safe for concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

var _ transcript.Store = (*Store)(nil)

// New returns a Store that uses the given connection or pool. The caller is
// responsible for calling [Store.Migrate] before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open creates a connection pool for dsn, verifies it with a ping and runs
// [Store.Migrate]. Call [Store.Close] to release the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript/postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript/postgres: ping: %w", err)
	}

	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool created by [Open]. It is a no-op for stores built
// with [New].
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the database is reachable. It backs the readiness
// probe.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("transcript/postgres: ping: %w", err)
	}
	return nil
}

// Migrate executes the [Schema] DDL. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("transcript/postgres: migrate: %w", err)
	}
	return nil
}

// Persist implements [transcript.Store]. The serial is allocated and the
// row inserted in one transaction holding a table lock, so serials stay
// gapless: a failed insert leaves its serial to the next Persist.
func (s *Store) Persist(ctx context.Context, turns []transcript.Turn) (string, error) {
	if turns == nil {
		turns = []transcript.Turn{}
	}
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("transcript/postgres: marshal turns: %w", err)
	}

	var serial int64
	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		// SHARE ROW EXCLUSIVE conflicts with itself but not with readers.
		if _, err := tx.Exec(ctx, `LOCK TABLE transcripts IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		const next = `SELECT coalesce(max(serial), 0) + 1 FROM transcripts`
		if err := tx.QueryRow(ctx, next).Scan(&serial); err != nil {
			return fmt.Errorf("allocate serial: %w", err)
		}
		const insert = `INSERT INTO transcripts (serial, content, turns) VALUES ($1, $2, $3)`
		if _, err := tx.Exec(ctx, insert, serial, transcript.Format(int(serial), turns), turnsJSON); err != nil {
			return fmt.Errorf("insert serial %d: %w", serial, err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("transcript/postgres: persist: %w", err)
	}
	return Ref(serial), nil
}

// Latest implements [transcript.Store].
func (s *Store) Latest(ctx context.Context) (string, error) {
	var serial *int64
	if err := s.db.QueryRow(ctx, `SELECT max(serial) FROM transcripts`).Scan(&serial); err != nil {
		return "", fmt.Errorf("transcript/postgres: latest: %w", err)
	}
	if serial == nil {
		return "", transcript.ErrNotFound
	}
	return Ref(*serial), nil
}

// Read implements [transcript.Store]. References that were not produced by
// this package resolve to [transcript.ErrNotFound].
func (s *Store) Read(ctx context.Context, ref string) (string, error) {
	serial, err := ParseRef(ref)
	if err != nil {
		return "", fmt.Errorf("transcript/postgres: read %q: %w", ref, transcript.ErrNotFound)
	}

	var content string
	err = s.db.QueryRow(ctx, `SELECT content FROM transcripts WHERE serial = $1`, serial).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("transcript/postgres: read %q: %w", ref, transcript.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("transcript/postgres: read %q: %w", ref, err)
	}
	return content, nil
}

// Ref formats the reference for serial.
func Ref(serial int64) string {
	return RefPrefix + strconv.FormatInt(serial, 10)
}

// ParseRef extracts the serial from a reference produced by [Ref].
func ParseRef(ref string) (int64, error) {
	rest, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok {
		return 0, fmt.Errorf("transcript/postgres: not a postgres reference: %q", ref)
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("transcript/postgres: bad serial in %q", ref)
	}
	return n, nil
}
