// Package knowledge retrieves accelerator wiki articles from a local
// store using dense, sparse, or hybrid search.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/psi-gfa/opsagent/core/database"
)

// Article is one wiki page as stored locally.
type Article struct {
	ID          string
	Title       string
	Content     string
	Accelerator string
	URL         string
	UpdatedAt   time.Time
}

// ErrArticleNotFound is returned when an article id does not exist.
var ErrArticleNotFound = errors.New("article not found")

var migrations = []database.Migration{
	{
		Version:     1,
		Description: "articles, links, and embeddings",
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS articles (
					id          TEXT PRIMARY KEY,
					title       TEXT NOT NULL,
					content     TEXT NOT NULL,
					accelerator TEXT NOT NULL DEFAULT '',
					url         TEXT NOT NULL DEFAULT '',
					updated_at  INTEGER NOT NULL
				);
				CREATE TABLE IF NOT EXISTS links (
					from_id TEXT NOT NULL,
					to_id   TEXT NOT NULL,
					PRIMARY KEY (from_id, to_id)
				);
				CREATE INDEX IF NOT EXISTS idx_links_from ON links(from_id);
				CREATE TABLE IF NOT EXISTS embeddings (
					article_id TEXT PRIMARY KEY,
					vector     BLOB NOT NULL
				);
			`)
			return err
		},
	},
}

// StoreSchema returns the article store's schema on a pool, so the
// status command can report the version and pending steps without
// opening the store (which migrates).
func StoreSchema(pool *database.Pool) *database.Schema {
	return database.NewSchema(pool, migrations)
}

// Store persists articles, their link graph, and their embeddings in
// the pooled sqlite database.
type Store struct {
	pool *database.Pool
}

func NewStore(ctx context.Context, pool *database.Pool) (*Store, error) {
	if err := StoreSchema(pool).Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate knowledge store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Put upserts an article together with its embedding and outgoing links.
// A nil embedding leaves any stored vector untouched.
func (s *Store) Put(ctx context.Context, article Article, embedding []float32, links []string) error {
	return s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO articles (id, title, content, accelerator, url, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				content = excluded.content,
				accelerator = excluded.accelerator,
				url = excluded.url,
				updated_at = excluded.updated_at
		`, article.ID, article.Title, article.Content, article.Accelerator, article.URL, article.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("upsert article %s: %w", article.ID, err)
		}

		if embedding != nil {
			_, err = tx.Exec(`
				INSERT INTO embeddings (article_id, vector) VALUES (?, ?)
				ON CONFLICT(article_id) DO UPDATE SET vector = excluded.vector
			`, article.ID, encodeVector(embedding))
			if err != nil {
				return fmt.Errorf("store embedding for %s: %w", article.ID, err)
			}
		}

		if _, err := tx.Exec(`DELETE FROM links WHERE from_id = ?`, article.ID); err != nil {
			return err
		}
		for _, to := range links {
			if to == article.ID {
				continue
			}
			_, err := tx.Exec(`INSERT OR IGNORE INTO links (from_id, to_id) VALUES (?, ?)`, article.ID, to)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id string) (Article, error) {
	var a Article
	var updated int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, content, accelerator, url, updated_at
		FROM articles WHERE id = ?
	`, id).Scan(&a.ID, &a.Title, &a.Content, &a.Accelerator, &a.URL, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Article{}, fmt.Errorf("%w: %s", ErrArticleNotFound, id)
	}
	if err != nil {
		return Article{}, err
	}
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return a, nil
}

// Links returns the ids an article links to.
func (s *Store) Links(ctx context.Context, fromID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT to_id FROM links WHERE from_id = ? ORDER BY to_id`, fromID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// embeddingRow pairs an article id with its stored vector.
type embeddingRow struct {
	ArticleID string
	Vector    []float32
}

// Embeddings streams every stored vector, optionally restricted to one
// accelerator.
func (s *Store) Embeddings(ctx context.Context, accelerator string) ([]embeddingRow, error) {
	q := `
		SELECT e.article_id, e.vector
		FROM embeddings e JOIN articles a ON a.id = e.article_id
	`
	var args []any
	if accelerator != "" {
		q += ` WHERE a.accelerator = ?`
		args = append(args, accelerator)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []embeddingRow
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("embedding for %s: %w", id, err)
		}
		out = append(out, embeddingRow{ArticleID: id, Vector: vec})
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n)
	return n, err
}

// encodeVector packs float32s little-endian.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
