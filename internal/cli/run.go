package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/harvester/internal/control"
	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/harvesting/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run [source_id]",
	Short: "Harvest one source now and deliver its artifact",
	Args:  cobra.ExactArgs(1),
	Run:   runOnce,
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Harvest every source once in priority order",
	Run:   runCycle,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cycleCmd)
}

func runOnce(cmd *cobra.Command, args []string) {
	cfg := setup()
	ctx, cancel := signalContext()
	defer cancel()

	app := newApp(ctx, cfg)
	defer app.Close()
	warnEphemeral(app)

	out, err := app.RunOne(ctx, args[0])
	if err != nil {
		slog.Error("Run failed", "source", args[0], "error", err)
		os.Exit(1)
	}
	printOutcome(out)
	if out.Run.Status == domain.RunFailed && !out.Fallback {
		os.Exit(2)
	}
}

func runCycle(cmd *cobra.Command, args []string) {
	cfg := setup()
	ctx, cancel := signalContext()
	defer cancel()

	app := newApp(ctx, cfg)
	defer app.Close()
	warnEphemeral(app)

	failed := 0
	for _, out := range app.RunCycle(ctx) {
		if out == nil {
			continue
		}
		printOutcome(out)
		if out.Run.Status == domain.RunFailed {
			failed++
		}
	}
	if failed > 0 {
		slog.Warn("Cycle finished with failures", "failed", failed)
	}
}

// warnEphemeral flags one-shot invocations that cannot see earlier runs.
func warnEphemeral(app *control.App) {
	if !app.Durable() {
		slog.Warn("State is in memory only: no snapshot fallback and no failure history across invocations",
			"hint", "set state.path or database.url")
	}
}

func printOutcome(out *scheduler.Outcome) {
	r := out.Run
	fmt.Printf("%s: %s, %d records in %s (attempts %d)\n",
		r.SourceID, r.Status, r.Records, r.Duration().Round(time.Millisecond), r.Attempts)
	if out.Fallback {
		fmt.Printf("  delivered snapshot fallback\n")
	}
	if r.Error != "" {
		fmt.Printf("  error: %s\n", r.Error)
	}
}
