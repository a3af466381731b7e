package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health and last run of every source",
	Run:   runStatus,
}

var resetHealthCmd = &cobra.Command{
	Use:   "reset-health [source_id]",
	Short: "Clear the consecutive failure count of a source",
	Args:  cobra.ExactArgs(1),
	Run:   runResetHealth,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetHealthCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := setup()
	ctx := context.Background()

	app := newApp(ctx, cfg)
	defer app.Close()

	rows, err := app.Status(ctx)
	if err != nil {
		slog.Error("Failed to read status", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SOURCE\tSTATUS\tFAILURES\tPRIORITY\tLAST SUCCESS\tLAST RUN\tRECORDS")
	for _, s := range rows {
		lastRun, records := "-", "-"
		if s.LastRun != nil {
			lastRun = fmt.Sprintf("%s (%s)", formatTime(s.LastRun.StartedAt), s.LastRun.Status)
			records = fmt.Sprint(s.LastRun.Records)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			s.SourceID, s.Status, s.ConsecutiveFailures, s.Priority,
			formatTime(s.LastSuccessAt), lastRun, records)
	}
	_ = w.Flush()
}

func runResetHealth(cmd *cobra.Command, args []string) {
	cfg := setup()
	ctx := context.Background()

	app := newApp(ctx, cfg)
	defer app.Close()

	if err := app.ResetHealth(ctx, args[0]); err != nil {
		slog.Error("Failed to reset health", "source", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Successfully reset health for %s\n", args[0])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
