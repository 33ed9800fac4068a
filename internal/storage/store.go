package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"proxybot/internal/metrics"
	logx "proxybot/pkg/logx"
)

// Store is the durable store. It is safe for concurrent use; the database is
// the only serialization point.
type Store struct {
	db      *sql.DB
	dialect dialect
	cfg     Config
	log     logx.Logger
	metrics metrics.Recorder
}

type Option func(*Store)

func WithMetrics(r metrics.Recorder) Option { return func(s *Store) { s.metrics = metrics.OrNop(r) } }

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (*Store, error) {
	cfg = withDefaults(cfg)
	driver, dsn, d, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, cfg, log); err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if d.name() == "sqlite" {
		// One writer; a single connection also makes in-process txs strictly serial.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", d.name(), err)
	}

	s := newStore(db, d, cfg, log)
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func newStore(db *sql.DB, d dialect, cfg Config, log logx.Logger) *Store {
	return &Store{db: db, dialect: d, cfg: withDefaults(cfg), log: log, metrics: metrics.Nop{}}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database reachability; used by health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Driver() string { return s.dialect.name() }

func withDefaults(cfg Config) Config {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" || cfg.Driver == "sqlite3" {
		cfg.Driver = "sqlite"
	}
	if cfg.Driver == "postgresql" {
		cfg.Driver = "postgres"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	switch {
	case cfg.RetryMax == 0:
		cfg.RetryMax = DefaultRetryMax
	case cfg.RetryMax < 0:
		cfg.RetryMax = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 20 * time.Millisecond
	}
	return cfg
}

// resolve returns the database/sql driver name and DSN for cfg.
func resolve(cfg Config) (string, string, dialect, error) {
	switch cfg.Driver {
	case "sqlite":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return "", "", nil, errors.New("storage: sqlite path is required")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", "", nil, err
			}
		}
		q := url.Values{}
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
		q.Add("_pragma", "foreign_keys(1)")
		q.Set("_txlock", "immediate")
		return "sqlite", path + "?" + q.Encode(), sqliteDialect{}, nil
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			return "", "", nil, errors.New("storage: postgres dsn is required")
		}
		return "postgres", cfg.DSN, postgresDialect{}, nil
	default:
		return "", "", nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// txRetry is inTx under the transient retry policy.
func (s *Store) txRetry(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.retry(ctx, op, func(ctx context.Context) error { return s.inTx(ctx, fn) })
}

func (s *Store) q(query string) string { return s.dialect.rebind(query) }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
