package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one versioned schema step. Steps only go forward: a
// database is rebuilt from its source data rather than downgraded.
type Migration struct {
	Version     int
	Description string
	Apply       func(tx *sql.Tx) error
}

// Schema is the ordered set of migrations a store needs on its pool.
// Each step runs in its own transaction, and the user_version pragma
// records the last step applied so reopening a database only runs the
// steps it has not seen.
type Schema struct {
	pool  *Pool
	steps []Migration
}

func NewSchema(pool *Pool, steps []Migration) *Schema {
	sorted := make([]Migration, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	return &Schema{pool: pool, steps: sorted}
}

// Migrate brings the database up to the newest step.
func (s *Schema) Migrate(ctx context.Context) error {
	current, err := s.pool.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, step := range s.steps {
		if step.Version <= current {
			continue
		}
		err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
			if err := step.Apply(tx); err != nil {
				return err
			}
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", step.Version))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", step.Version, step.Description, err)
		}
	}
	return nil
}

// Version reports the last applied step, 0 for a fresh database.
func (s *Schema) Version() (int, error) {
	return s.pool.Version()
}

// Pending lists the steps Migrate would still run.
func (s *Schema) Pending() ([]Migration, error) {
	current, err := s.pool.Version()
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, step := range s.steps {
		if step.Version > current {
			pending = append(pending, step)
		}
	}
	return pending, nil
}
