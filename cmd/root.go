// Package cmd wires the assistant's subcommands: the interactive chat,
// one-shot questions, direct logbook and wiki lookups, the tool
// servers, and credential management.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "opsagent",
	Short: "PSI accelerator operations assistant",
	Long: `opsagent answers questions about PSI accelerator operations by
searching the electronic logbook and the accelerator wiki, then
synthesizing an answer with an LLM.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: config.yaml in the config dir)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}
