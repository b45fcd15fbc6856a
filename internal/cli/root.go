// Package cli wires the tidecaster commands: one-shot pipeline passes,
// the long-running serve loop and the operator utilities around them.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	output  string
	verbose bool
)

// NewRootCmd returns the root command for the tidecaster CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tidecaster",
		Short:         "Trend-to-post content pipeline",
		Long:          "Tidecaster discovers trending short-form content, analyzes it, renders avatar videos and schedules the results across platforms.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&output, "output", "", "output format: json|text (default: text)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newPhaseCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
