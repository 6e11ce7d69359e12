package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// articleFile is the on-disk shape of one ingestable article.
type articleFile struct {
	ID          string   `yaml:"id" json:"id"`
	Title       string   `yaml:"title" json:"title"`
	Content     string   `yaml:"content" json:"content"`
	Accelerator string   `yaml:"accelerator" json:"accelerator"`
	URL         string   `yaml:"url" json:"url"`
	Links       []string `yaml:"links" json:"links"`
}

// Ingest loads every YAML and JSON article file under dir into the
// store, the sparse index, and the embedding table. Returns the number
// of articles ingested.
func (r *Retriever) Ingest(ctx context.Context, dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		file, err := parseArticleFile(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := r.ingestOne(ctx, file); err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}

	r.logger.Info("ingest complete", "dir", dir, "articles", count)
	return count, nil
}

func parseArticleFile(path string) (articleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return articleFile{}, err
	}

	var file articleFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		err = json.Unmarshal(data, &file)
	} else {
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return articleFile{}, err
	}

	if file.ID == "" {
		return articleFile{}, fmt.Errorf("article id is required")
	}
	if file.Title == "" {
		return articleFile{}, fmt.Errorf("article title is required")
	}

	if _, err := NormalizeAccelerator(file.Accelerator); err != nil {
		return articleFile{}, err
	}
	return file, nil
}

func (r *Retriever) ingestOne(ctx context.Context, file articleFile) error {
	accelerator, err := NormalizeAccelerator(file.Accelerator)
	if err != nil {
		return err
	}

	article := Article{
		ID:          file.ID,
		Title:       file.Title,
		Content:     file.Content,
		Accelerator: accelerator,
		URL:         file.URL,
		UpdatedAt:   time.Now().UTC(),
	}

	embedding, err := r.embedder.Embed(ctx, article.Title+"\n"+article.Content)
	if err != nil {
		// Sparse retrieval still works without a vector.
		r.logger.Warn("article embedding failed, dense search will miss it",
			"article", article.ID, "error", err)
		embedding = nil
	}

	if err := r.store.Put(ctx, article, embedding, file.Links); err != nil {
		return err
	}
	return r.sparse.Index(article)
}
