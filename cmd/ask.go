package cmd

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/psi-gfa/opsagent/core/agent"
	"github.com/psi-gfa/opsagent/core/session"
)

var flagNoTools bool

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single question and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		settings := session.DefaultSettings()
		if flagNoTools {
			settings.ToolsEnabled = false
		}

		runtime, err := newTurnRuntime(cmd.Context(), a, settings)
		if err != nil {
			return err
		}
		defer runtime.close()

		runtime.beginTurn()
		result, err := runtime.orch.RunTurn(cmd.Context(), agent.TurnInput{
			TurnID: uuid.NewString(),
			Query:  strings.Join(args, " "),
		})
		if err != nil {
			return err
		}
		fmt.Println()

		if len(result.References) > 0 {
			fmt.Println("\nReferences:")
			for _, ref := range result.References {
				fmt.Println("  " + ref)
			}
		}
		return nil
	},
}

func init() {
	askCmd.Flags().BoolVar(&flagNoTools, "no-tools", false, "answer from model knowledge only")
	rootCmd.AddCommand(askCmd)
}
