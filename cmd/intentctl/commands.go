package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"intent-service/internal/artifact"
	"intent-service/internal/models"
	"intent-service/internal/trainer"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput(cmd) {
				printJSON(cmd.OutOrStdout(), map[string]string{"version": version})
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "intentctl version %s\n", version)
		},
	}
}

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the classifier on the interaction log and publish it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if !jsonOutput(cmd) {
				statusLine(out, statusInfo, "Training started")
			}
			run, err := a.Trainer.Run(cmd.Context(), "cli")
			if errors.Is(err, trainer.ErrTrainingInProgress) {
				return err
			}
			if run == nil {
				return err
			}
			if jsonOutput(cmd) {
				printJSON(out, run)
				return err
			}
			if err != nil {
				statusLine(out, statusError, fmt.Sprintf("Training %s: %v", run.State, err))
				return err
			}
			statusLine(out, statusOK, fmt.Sprintf("Training completed, accuracy %.1f%%, version %s", run.Accuracy*100, run.ArtifactVersion))
			return renderReport(out, run)
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show interaction log statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Assistant.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				printJSON(cmd.OutOrStdout(), stats)
				return nil
			}
			return renderStats(cmd.OutOrStdout(), stats)
		},
	}
}

func newPredictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "predict <text>",
		Short: "Classify an utterance with the published classifier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			pred, err := a.Assistant.Predict(strings.Join(args, " "))
			if errors.Is(err, artifact.ErrNotTrained) {
				return errors.New("no classifier has been trained yet, run 'intentctl train'")
			}
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				printJSON(cmd.OutOrStdout(), pred)
				return nil
			}
			return renderPrediction(cmd.OutOrStdout(), pred, a.Predictor.Threshold())
		},
	}
}

func newRecommendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recommend",
		Short: "Suggest how to improve the training data",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.Assistant.Recommendations(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				printJSON(cmd.OutOrStdout(), recs)
				return nil
			}
			renderRecommendations(cmd.OutOrStdout(), recs)
			return nil
		},
	}
}

func newLogCmd() *cobra.Command {
	var (
		commandType string
		response    string
		confidence  float64
	)
	cmd := &cobra.Command{
		Use:   "log <text>",
		Short: "Append a labelled interaction to the log",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			in, err := a.Assistant.LogInteraction(cmd.Context(), &models.InteractionRequest{
				InputText:    strings.Join(args, " "),
				ResponseText: response,
				CommandType:  commandType,
				Confidence:   confidence,
			})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				printJSON(cmd.OutOrStdout(), in)
				return nil
			}
			statusLine(cmd.OutOrStdout(), statusOK, fmt.Sprintf("Logged interaction %d (%s)", in.ID, in.CommandType))
			return nil
		},
	}
	cmd.Flags().StringVarP(&commandType, "type", "t", "", "Command type (empty for unknown)")
	cmd.Flags().StringVarP(&response, "response", "r", "", "Assistant response text")
	cmd.Flags().Float64VarP(&confidence, "confidence", "c", 0, "Confidence in [0,1]")
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the interaction log as CSV or JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("unsupported format %q (csv or json)", format)
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			interactions, err := a.Assistant.AllInteractions(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			if format == "json" {
				printJSON(w, interactions)
				return nil
			}
			return writeCSV(w, interactions)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "Output format: csv or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (stdout when empty)")
	return cmd
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List training runs, or show one run's report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := a.Assistant.Run(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					printJSON(out, run)
					return nil
				}
				return renderReport(out, run)
			}

			runs, err := a.Assistant.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				printJSON(out, runs)
				return nil
			}
			return renderRuns(out, runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	return cmd
}

func newVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List published classifier versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			versions, err := a.Artifacts.Versions()
			if err != nil {
				return err
			}
			current, err := a.Artifacts.Current()
			if err != nil && !errors.Is(err, artifact.ErrNotTrained) {
				return err
			}
			if jsonOutput(cmd) {
				printJSON(cmd.OutOrStdout(), map[string]any{"current": current, "versions": versions})
				return nil
			}
			return renderVersions(cmd.OutOrStdout(), versions, current)
		},
	}
}

func writeCSV(w io.Writer, interactions []models.Interaction) error {
	writer := csv.NewWriter(w)
	writer.Write([]string{"id", "input_text", "response_text", "command_type", "timestamp", "confidence"})
	for _, in := range interactions {
		writer.Write([]string{
			strconv.FormatInt(in.ID, 10),
			in.InputText,
			in.ResponseText,
			string(in.CommandType),
			in.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(in.Confidence, 'f', -1, 64),
		})
	}
	writer.Flush()
	return writer.Error()
}

func printJSON(w io.Writer, v any) {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}
