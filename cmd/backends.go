package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/klumzie/MasterStack/internal/backend"
	"github.com/klumzie/MasterStack/internal/config"
	"github.com/spf13/cobra"
)

var backendsFile string

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List configured MCP backends",
	RunE:  runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
	backendsCmd.Flags().StringVar(&backendsFile, "backends", "", "Path to backends file (default from config)")
}

func runBackends(cmd *cobra.Command, args []string) error {
	path := backendsFile
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		path = cfg.BackendsFile
	}
	if path == "" {
		var err error
		path, err = backend.DefaultBackendsPath()
		if err != nil {
			return err
		}
	}

	backends, err := backend.LoadBackends(path)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCOMMAND\tSTATUS")
	for _, name := range backends.Names() {
		spec := backends.Backends[name]
		status := "enabled"
		if spec.Disabled {
			status = "disabled"
		}
		command := spec.Command
		if len(spec.Args) > 0 {
			command += " " + strings.Join(spec.Args, " ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, command, status)
	}
	return w.Flush()
}
