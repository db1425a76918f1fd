package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"intent-service/internal/app"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "intentctl",
		Short: "Intent classifier - train and inspect the advisory command classifier",
		Long: `intentctl manages the interaction log and the classifier trained on it.

Every command the assistant routes is logged with its command type. The
classifier learns from that log and advises the router; it never
overrides it.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML config file (defaults when empty)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newTrainCmd(),
		newStatsCmd(),
		newPredictCmd(),
		newRecommendCmd(),
		newLogCmd(),
		newExportCmd(),
		newRunsCmd(),
		newVersionsCmd(),
		newShellCmd(),
	)
	return rootCmd
}

// openApp wires the service from the --config flag.
func openApp(cmd *cobra.Command) (*app.App, error) {
	path, _ := cmd.Flags().GetString("config")
	a, err := app.New(cmd.Context(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to start: %w", err)
	}
	return a, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}
