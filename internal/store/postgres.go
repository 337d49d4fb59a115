package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS canvas_values (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    version    BIGINT NOT NULL,
    expires_at TIMESTAMPTZ
);
ALTER TABLE canvas_values ADD COLUMN IF NOT EXISTS deleted BOOLEAN NOT NULL DEFAULT FALSE;
CREATE TABLE IF NOT EXISTS canvas_set_members (
    key    TEXT NOT NULL,
    member TEXT NOT NULL,
    PRIMARY KEY (key, member)
);
`

// PostgresStore keeps values in Postgres. Deleted and expired rows stay behind
// as tombstones carrying their version, so versions never repeat for a key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres store requires a DSN")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate store schema: %w", err)
	}
	return nil
}

func expiresAt(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Versioned, error) {
	var (
		out  Versioned
		live bool
	)
	err := s.pool.QueryRow(ctx, `
        SELECT value, version, NOT deleted AND (expires_at IS NULL OR expires_at > now())
        FROM canvas_values WHERE key = $1
    `, key).Scan(&out.Value, &out.Version, &live)
	if errors.Is(err, pgx.ErrNoRows) {
		return Versioned{}, nil
	}
	if err != nil {
		return Versioned{}, err
	}
	if !live {
		return Versioned{Version: out.Version}, nil
	}
	out.Found = true
	return out, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `
        INSERT INTO canvas_values (key, value, version, expires_at)
        VALUES ($1, $2, 1, $3)
        ON CONFLICT (key) DO UPDATE SET
            value = EXCLUDED.value,
            version = canvas_values.version + 1,
            expires_at = EXCLUDED.expires_at,
            deleted = FALSE
        RETURNING version
    `, key, value, expiresAt(ttl)).Scan(&version)
	return version, err
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, expected int64, value string, ttl time.Duration) (int64, error) {
	var (
		version int64
		err     error
	)
	if expected == 0 {
		err = s.pool.QueryRow(ctx, `
            INSERT INTO canvas_values (key, value, version, expires_at)
            VALUES ($1, $2, 1, $3)
            ON CONFLICT (key) DO NOTHING
            RETURNING version
        `, key, value, expiresAt(ttl)).Scan(&version)
	} else {
		err = s.pool.QueryRow(ctx, `
            UPDATE canvas_values
            SET value = $2, version = version + 1, expires_at = $3, deleted = FALSE
            WHERE key = $1 AND version = $4
            RETURNING version
        `, key, value, expiresAt(ttl), expected).Scan(&version)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	return version, err
}

func (s *PostgresStore) AddToSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(`INSERT INTO canvas_set_members (key, member) VALUES ($1, $2) ON CONFLICT DO NOTHING`, key, m)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) Members(ctx context.Context, key string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT member FROM canvas_set_members WHERE key = $1 ORDER BY member`, key)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Delete tombstones the values and drops the set members.
func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `UPDATE canvas_values SET value = '', deleted = TRUE WHERE key = ANY($1)`, keys); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM canvas_set_members WHERE key = ANY($1)`, keys); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
