package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psi-gfa/opsagent/core/storage"
)

func testDirs(t *testing.T) *storage.Dirs {
	t.Helper()
	return &storage.Dirs{Data: t.TempDir()}
}

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	m := NewManager(testDirs(t))
	pool, err := m.Open("articles", DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { m.CloseAll() })
	return pool
}

func TestOpenCreatesFileAndSharesPool(t *testing.T) {
	m := NewManager(testDirs(t))
	defer m.CloseAll()

	pool, err := m.Open("articles", DefaultPoolConfig())
	require.NoError(t, err)
	assert.FileExists(t, pool.Path())

	again, err := m.Open("articles", DefaultPoolConfig())
	require.NoError(t, err)
	assert.Same(t, pool, again)
}

func TestOpenResolvesNames(t *testing.T) {
	dirs := testDirs(t)
	m := NewManager(dirs)
	defer m.CloseAll()

	// The wiki store lives next to its full-text index.
	pool, err := m.Open("knowledge", DefaultPoolConfig())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dirs.KnowledgeDir(), "articles.db"), pool.Path())

	// Absolute paths pass through untouched.
	abs := filepath.Join(t.TempDir(), "standalone.db")
	pool, err = m.Open(abs, DefaultPoolConfig())
	require.NoError(t, err)
	assert.Equal(t, abs, pool.Path())
}

func TestCloseAllClosesPools(t *testing.T) {
	m := NewManager(testDirs(t))
	pool, err := m.Open("articles", DefaultPoolConfig())
	require.NoError(t, err)

	require.NoError(t, m.CloseAll())

	_, err = pool.Exec(context.Background(), "SELECT 1")
	assert.Error(t, err)
}

func TestPoolRoundTrip(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, "CREATE TABLE readings (id INTEGER PRIMARY KEY, value TEXT)")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "INSERT INTO readings (value) VALUES (?)", "beam current 1.8 mA")
	require.NoError(t, err)

	var value string
	require.NoError(t, pool.QueryRow(ctx, "SELECT value FROM readings WHERE id = 1").Scan(&value))
	assert.Equal(t, "beam current 1.8 mA", value)

	rows, err := pool.Query(ctx, "SELECT value FROM readings")
	require.NoError(t, err)
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 1, count)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, "CREATE TABLE readings (id INTEGER PRIMARY KEY, value TEXT)")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = pool.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO readings (value) VALUES ('discarded')"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM readings").Scan(&count))
	assert.Zero(t, count)

	require.NoError(t, pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO readings (value) VALUES ('kept')")
		return err
	}))
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM readings").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestIntegrityCheck(t *testing.T) {
	pool := openTestPool(t)
	assert.NoError(t, pool.IntegrityCheck())
}

func testSteps() []Migration {
	return []Migration{
		{
			Version:     2,
			Description: "links",
			Apply: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE links (from_id TEXT, to_id TEXT)")
				return err
			},
		},
		{
			Version:     1,
			Description: "articles",
			Apply: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE articles (id TEXT PRIMARY KEY)")
				return err
			},
		},
	}
}

func TestSchemaMigrateAppliesStepsInOrder(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	schema := NewSchema(pool, testSteps())
	require.NoError(t, schema.Migrate(ctx))

	version, err := schema.Version()
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	// Both tables exist even though the steps were listed out of order.
	var count int
	err = pool.QueryRow(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('articles', 'links')").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// A second run has nothing left to do.
	require.NoError(t, schema.Migrate(ctx))
	pending, err := schema.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSchemaPendingSkipsAppliedSteps(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, "PRAGMA user_version = 1")
	require.NoError(t, err)

	pending, err := NewSchema(pool, testSteps()).Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Version)
}

func TestSchemaMigrateRollsBackFailedStep(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	steps := []Migration{{
		Version:     1,
		Description: "broken",
		Apply: func(tx *sql.Tx) error {
			if _, err := tx.Exec("CREATE TABLE half_done (id TEXT)"); err != nil {
				return err
			}
			return errors.New("step failed")
		},
	}}

	err := NewSchema(pool, steps).Migrate(ctx)
	require.Error(t, err)

	// The failed step leaves neither its tables nor a version bump.
	version, err := pool.Version()
	require.NoError(t, err)
	assert.Zero(t, version)
	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'half_done'").Scan(&count))
	assert.Zero(t, count)
}
