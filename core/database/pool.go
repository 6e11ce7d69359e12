package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Pool wraps one sqlite database with the pragmas the stores rely on
// and a small helper surface over database/sql. Journaling is always
// WAL so readers never block the single writer.
type Pool struct {
	db   *sql.DB
	path string
}

type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	BusyTimeout time.Duration
	ForeignKeys bool
	// CacheKiB is the page cache size per connection, in KiB.
	CacheKiB int
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpen:     10,
		MaxIdle:     5,
		BusyTimeout: 30 * time.Second,
		ForeignKeys: true,
		CacheKiB:    2000,
	}
}

func openPool(path string, cfg PoolConfig) (*Pool, error) {
	fk := "off"
	if cfg.ForeignKeys {
		fk = "on"
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=%s&cache_size=-%d",
		path, cfg.BusyTimeout.Milliseconds(), fk, cfg.CacheKiB)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}

	return &Pool{db: db, path: path}, nil
}

// Path returns the database file location.
func (p *Pool) Path() string {
	return p.path
}

func (p *Pool) Close() error {
	return p.db.Close()
}

func (p *Pool) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.db.ExecContext(ctx, query, args...)
}

func (p *Pool) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Pool) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

// Transaction runs fn inside a transaction, rolling back when fn
// returns an error.
func (p *Pool) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Version reads the user_version pragma, which the schema migrations
// use to record the last applied step.
func (p *Pool) Version() (int, error) {
	var version int
	err := p.db.QueryRow("PRAGMA user_version").Scan(&version)
	return version, err
}

// IntegrityCheck runs sqlite's full integrity check and returns an
// error describing the first corruption it reports.
func (p *Pool) IntegrityCheck() error {
	var result string
	if err := p.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}
