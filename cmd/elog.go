package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/psi-gfa/opsagent/core/elog"
)

var elogSearchFlags struct {
	since      string
	until      string
	category   string
	system     string
	domain     string
	maxResults int
}

var elogThreadFlags struct {
	noReplies bool
	noParents bool
}

var elogCmd = &cobra.Command{
	Use:   "elog",
	Short: "Query the electronic logbook directly",
}

var elogSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search logbook entries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		svc, err := a.elogService()
		if err != nil {
			return err
		}

		query := args[0]
		for _, arg := range args[1:] {
			query += " " + arg
		}

		result, err := svc.Search(cmd.Context(), elog.SearchOptions{
			Query:      query,
			Since:      elogSearchFlags.since,
			Until:      elogSearchFlags.until,
			Category:   elogSearchFlags.category,
			System:     elogSearchFlags.system,
			Domain:     elogSearchFlags.domain,
			MaxResults: elogSearchFlags.maxResults,
		})
		if err != nil {
			return err
		}

		fmt.Printf("%d entries found, showing %d\n\n", result.TotalFound, len(result.Hits))
		for _, hit := range result.Hits {
			fmt.Println(hit.FormattedContext)
		}
		printAggregation("By domain", result.Aggregations.ByDomain)
		printAggregation("By system", result.Aggregations.BySystem)
		return nil
	},
}

var elogThreadCmd = &cobra.Command{
	Use:   "thread <id>",
	Short: "Show the conversation thread around one entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil || id <= 0 {
			return fmt.Errorf("entry id must be a positive integer, got %q", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		svc, err := a.elogService()
		if err != nil {
			return err
		}

		result, err := svc.Thread(cmd.Context(), id, !elogThreadFlags.noReplies, !elogThreadFlags.noParents)
		if err != nil {
			return err
		}

		fmt.Printf("thread of %d messages\n\n", result.TotalMessages)
		for _, hit := range result.Messages {
			fmt.Println(hit.FormattedContext)
		}
		return nil
	},
}

func printAggregation(label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println(label + ":")
	for _, k := range keys {
		fmt.Printf("  %s: %d\n", k, counts[k])
	}
}

func init() {
	elogSearchCmd.Flags().StringVar(&elogSearchFlags.since, "since", "", "only entries on or after this date (ISO)")
	elogSearchCmd.Flags().StringVar(&elogSearchFlags.until, "until", "", "only entries on or before this date (ISO)")
	elogSearchCmd.Flags().StringVar(&elogSearchFlags.category, "category", "", "filter by category")
	elogSearchCmd.Flags().StringVar(&elogSearchFlags.system, "system", "", "filter by system")
	elogSearchCmd.Flags().StringVar(&elogSearchFlags.domain, "domain", "", "filter by domain")
	elogSearchCmd.Flags().IntVarP(&elogSearchFlags.maxResults, "max", "n", 10, "maximum entries to show")

	elogThreadCmd.Flags().BoolVar(&elogThreadFlags.noReplies, "no-replies", false, "skip replies")
	elogThreadCmd.Flags().BoolVar(&elogThreadFlags.noParents, "no-parents", false, "skip the ancestor chain")

	elogCmd.AddCommand(elogSearchCmd, elogThreadCmd)
	rootCmd.AddCommand(elogCmd)
}
