package state

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements StateStore over a single checkpoint table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	owned  bool
	opTime time.Duration
	closed atomic.Bool
}

// PostgresStoreConfig holds Postgres store configuration.
type PostgresStoreConfig struct {
	// URL is a postgres connection string. Ignored when Pool is set.
	URL string

	// Pool reuses an existing pool; the store will not close it.
	Pool *pgxpool.Pool

	// Table holds the checkpoints. Default: ftcoll_checkpoints
	Table string

	// OpTimeout bounds each statement. Default: 5s
	OpTimeout time.Duration
}

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// NewPostgresStore connects (unless a pool is given) and creates the table.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.Table == "" {
		cfg.Table = "ftcoll_checkpoints"
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}

	pool, owned := cfg.Pool, false
	if pool == nil {
		if cfg.URL == "" {
			return nil, fmt.Errorf("postgres url or pool required")
		}
		poolConfig, err := pgxpool.ParseConfig(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse postgres url: %w", err)
		}
		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		owned = true
	}

	s := &PostgresStore{pool: pool, table: cfg.Table, owned: owned, opTime: cfg.OpTimeout}
	if err := s.migrate(ctx); err != nil {
		if owned {
			pool.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		revision BIGSERIAL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ
	);`, s.table)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTime)
}

// Get retrieves a value by key.
func (s *PostgresStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *PostgresStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	kv := &KeyValue{Key: key}
	var revision int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT value, revision, created_at, updated_at FROM %s
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, s.table), key).
		Scan(&kv.Value, &revision, &kv.Created, &kv.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	kv.Revision = uint64(revision)
	return kv, nil
}

// Put upserts a value; ttl 0 never expires.
func (s *PostgresStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	if value == nil {
		value = []byte{}
	}

	ctx, cancel := s.opContext()
	defer cancel()

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			revision = nextval(pg_get_serial_sequence('%[1]s', 'revision')),
			updated_at = now(),
			expires_at = EXCLUDED.expires_at`, s.table), key, value, expires)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *PostgresStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all unexpired keys matching a pattern, sorted.
func (s *PostgresStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT key FROM %s
		WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY key`, s.table), likePattern(pattern))
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// likePattern turns a trailing-* pattern into a LIKE pattern.
func likePattern(pattern string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	if pattern == "*" {
		return "%"
	}
	if strings.HasSuffix(pattern, "*") {
		return escaped.Replace(strings.TrimSuffix(pattern, "*")) + "%"
	}
	return escaped.Replace(pattern)
}

// Close releases the pool if the store opened it.
func (s *PostgresStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.owned {
		s.pool.Close()
	}
	return nil
}
