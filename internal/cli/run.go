package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tidecaster/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one full pipeline pass",
		Long:  "Runs discovery, analysis, generation, scheduling and the delivery sweep once, in order, then prints the pipeline state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := context.Background()
			runErr := app.controller.RunOnce(ctx)

			status, err := app.controller.Status(ctx)
			if err != nil {
				app.logger.WithError(err).Warn("Could not read pipeline status after run")
			} else if perr := printStatus(cmd, status); perr != nil {
				return perr
			}
			return runErr
		},
	}
}

func newPhaseCmd() *cobra.Command {
	runners := []string{
		pipeline.RunnerDiscovery,
		pipeline.RunnerAnalysis,
		pipeline.RunnerGeneration,
		pipeline.RunnerScheduling,
		pipeline.RunnerSweep,
	}
	return &cobra.Command{
		Use:   "phase <runner>",
		Short: "Run a single pipeline phase",
		Long:  "Runs one runner by name: " + strings.Join(runners, ", ") + ".",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := context.Background()
			if err := app.controller.RunPhase(ctx, args[0]); err != nil {
				return err
			}

			status, err := app.controller.Status(ctx)
			if err != nil {
				app.logger.WithError(err).Warn("Could not read pipeline status after run")
				return nil
			}
			return printStatus(cmd, status)
		},
	}
}

func printStatus(cmd *cobra.Command, status pipeline.Status) error {
	if output == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Items by phase\n")
	for _, phase := range phaseOrder {
		if n := status.Phases[phase]; n > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), " - %s: %d\n", phase, n)
		}
	}
	if len(status.Errors) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Failures by class\n")
		for _, class := range []string{"retryable", "permanent", "unavailable"} {
			if n := status.Errors[class]; n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), " - %s: %d\n", class, n)
			}
		}
	}
	return nil
}
