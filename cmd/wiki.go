package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psi-gfa/opsagent/core/database"
	"github.com/psi-gfa/opsagent/core/knowledge"
)

var wikiSearchFlags struct {
	accelerator string
	retriever   string
	limit       int
}

var wikiRelatedFlags struct {
	depth int
	limit int
}

var wikiCmd = &cobra.Command{
	Use:   "wiki",
	Short: "Query the accelerator wiki directly",
}

var wikiSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search wiki articles",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		retriever, err := a.knowledgeRetriever(cmd.Context())
		if err != nil {
			return err
		}
		defer retriever.Close()

		query := args[0]
		for _, arg := range args[1:] {
			query += " " + arg
		}

		results, err := retriever.Search(cmd.Context(), query,
			wikiSearchFlags.accelerator, wikiSearchFlags.retriever, wikiSearchFlags.limit)
		if err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("no articles found")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%s (score %.3f)\n", r.Article.Title, r.Score)
			fmt.Println(r.FormattedContext)
			fmt.Println()
		}
		return nil
	},
}

var wikiRelatedCmd = &cobra.Command{
	Use:   "related <article-id>",
	Short: "Show articles linked from one article",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		retriever, err := a.knowledgeRetriever(cmd.Context())
		if err != nil {
			return err
		}
		defer retriever.Close()

		related, err := retriever.Related(cmd.Context(), args[0],
			wikiRelatedFlags.depth, wikiRelatedFlags.limit)
		if err != nil {
			return err
		}

		for _, r := range related {
			fmt.Printf("[depth %d] %s (%s)\n", r.Depth, r.Article.Title, r.Article.ID)
		}
		return nil
	},
}

var wikiStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report wiki database health",
	Long: `Shows the article database location, its schema version, any
schema steps a newer build would apply, and the result of sqlite's
integrity check.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		pool, err := a.knowledgePool()
		if err != nil {
			return err
		}

		schema := knowledge.StoreSchema(pool)
		version, err := schema.Version()
		if err != nil {
			return err
		}
		pending, err := schema.Pending()
		if err != nil {
			return err
		}

		fmt.Printf("database: %s\n", pool.Path())
		fmt.Printf("schema version: %d\n", version)
		if len(pending) > 0 {
			fmt.Println("pending schema steps:")
			for _, step := range pending {
				fmt.Printf("  %d: %s\n", step.Version, step.Description)
			}
		}

		if err := pool.IntegrityCheck(); err != nil {
			return err
		}
		fmt.Println("integrity: ok")

		// Counting needs the schema in place.
		if version > 0 && len(pending) == 0 {
			store, err := knowledge.NewStore(cmd.Context(), pool)
			if err != nil {
				return err
			}
			count, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("articles: %d\n", count)
		}
		return nil
	},
}

var wikiIngestCmd = &cobra.Command{
	Use:   "ingest <dir>",
	Short: "Load article files into the wiki store",
	Long: `Reads YAML and JSON article files from a directory and indexes them
for retrieval: content into the store and the full-text index,
embeddings for semantic search.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		// One ingest at a time; concurrent runs would race on the
		// full-text index.
		lock, err := database.NewAdvisoryLock(a.dirs.KnowledgeDir(), "ingest")
		if err != nil {
			return err
		}
		if err := lock.Acquire(cmd.Context(), 5*time.Second); err != nil {
			return fmt.Errorf("another ingest is running: %w", err)
		}
		defer lock.Release()

		retriever, err := a.knowledgeRetriever(cmd.Context())
		if err != nil {
			return err
		}
		defer retriever.Close()

		count, err := retriever.Ingest(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ingested %d articles\n", count)
		return nil
	},
}

func init() {
	wikiSearchCmd.Flags().StringVar(&wikiSearchFlags.accelerator, "accelerator", "all", "facility filter: hipa, proscan, sls, swissfel, all")
	wikiSearchCmd.Flags().StringVar(&wikiSearchFlags.retriever, "retriever", "hybrid", "retrieval mode: dense, sparse, hybrid")
	wikiSearchCmd.Flags().IntVarP(&wikiSearchFlags.limit, "limit", "n", 5, "maximum articles to show")

	wikiRelatedCmd.Flags().IntVar(&wikiRelatedFlags.depth, "depth", 2, "link hops to follow")
	wikiRelatedCmd.Flags().IntVarP(&wikiRelatedFlags.limit, "limit", "n", 10, "maximum articles to show")

	wikiCmd.AddCommand(wikiSearchCmd, wikiRelatedCmd, wikiStatusCmd, wikiIngestCmd)
	rootCmd.AddCommand(wikiCmd)
}
