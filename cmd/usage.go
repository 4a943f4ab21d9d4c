package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/klumzie/MasterStack/internal/config"
	"github.com/klumzie/MasterStack/internal/usage"
	"github.com/spf13/cobra"
)

var usageDays int

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show daily token and tool-call usage",
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().IntVar(&usageDays, "days", 30, "Days of history to show")
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	dbPath := cfg.Usage.DBPath
	if dbPath == "" {
		dataDir, err := config.DataDir()
		if err != nil {
			return err
		}
		dbPath = filepath.Join(dataDir, "usage.db")
	}

	store, err := usage.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	since := time.Now().AddDate(0, 0, -usageDays)
	daily, err := store.Daily(ctx, since)
	if err != nil {
		return err
	}
	if len(daily) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no usage recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tREQUESTS\tINPUT\tOUTPUT\tTOOL CALLS\tROUNDS")
	for _, d := range daily {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", d.Date, d.Requests, d.InputTokens, d.OutputTokens, d.ToolCalls, d.Rounds)
	}
	total := usage.Totals(daily)
	fmt.Fprintf(w, "total\t%d\t%d\t%d\t%d\t%d\n", total.Requests, total.InputTokens, total.OutputTokens, total.ToolCalls, total.Rounds)
	return w.Flush()
}
