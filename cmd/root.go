package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "masterstack",
	Short: "Aggregate MCP tool servers behind one OpenAI-compatible endpoint",
	Long: `masterstack supervises a fleet of MCP tool servers, merges their tool
catalogs into a single namespace, and exposes the whole thing as an
OpenAI-compatible chat completions API. The model proposes tool calls,
masterstack routes them to the right backend, and the results feed the
next model turn.

Examples:
  masterstack serve                     # start the bridge
  masterstack backends                  # list configured backends
  masterstack usage                     # show daily usage`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
