package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools discovered from the configured servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		registry, manager, err := a.toolRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer manager.Close()

		descriptors := registry.List()
		if len(descriptors) == 0 {
			fmt.Println("no tools discovered; check tools.servers in the config")
			return nil
		}

		for _, desc := range descriptors {
			fmt.Printf("%s (server %s)\n  %s\n", desc.Name, desc.ServerID, desc.Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
