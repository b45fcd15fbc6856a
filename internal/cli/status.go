package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"tidecaster/internal/store"
	"tidecaster/pkg/config"
	"tidecaster/pkg/database"
	"tidecaster/pkg/logging"
)

// phaseOrder is the display order for phase counts, pipeline order first.
var phaseOrder = []store.Phase{
	store.PhaseDiscovered,
	store.PhaseAnalyzing,
	store.PhaseAnalyzed,
	store.PhaseGenerating,
	store.PhaseGenerated,
	store.PhaseScheduling,
	store.PhaseScheduled,
	store.PhasePosted,
	store.PhaseFailed,
}

// openStore connects to the database without building providers, for
// commands that only read or repair pipeline state.
func openStore() (*store.Store, database.PostgresConn, logging.Logger) {
	logger := logging.NewLoggerWithService("tidecaster")
	config.LoadEnv(logger)

	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbConfig, logger)
	return store.NewStore(db), db, logger
}

func newStatusCmd() *cobra.Command {
	var failedLimit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show item counts per phase and recent failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, db, _ := openStore()
			defer func() { _ = db.Close() }()

			ctx := context.Background()
			phases, err := st.PhaseCounts(ctx)
			if err != nil {
				return err
			}
			classes, err := st.ErrorClassCounts(ctx)
			if err != nil {
				return err
			}
			failed, err := st.ListByPhase(ctx, store.PhaseFailed, failedLimit)
			if err != nil {
				return err
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"phases": phases,
					"errors": classes,
					"failed": failedSummaries(failed),
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Items by phase\n")
			for _, phase := range phaseOrder {
				if n := phases[phase]; n > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), " - %s: %d\n", phase, n)
				}
			}
			if len(failed) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Failed items (%d)\n", len(failed))
				for _, item := range failed {
					fmt.Fprintf(cmd.OutOrStdout(), " - %s %s [%s from %s]: %s\n",
						item.ID, item.SourceRef, item.ErrorClass.String, item.FailedFrom.String, item.LastError.String)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&failedLimit, "failed", 10, "number of failed items to list")
	return cmd
}

type failedSummary struct {
	ID         string `json:"id"`
	SourceRef  string `json:"source_ref"`
	FailedFrom string `json:"failed_from"`
	ErrorClass string `json:"error_class"`
	LastError  string `json:"last_error"`
}

func failedSummaries(items []store.Item) []failedSummary {
	out := make([]failedSummary, 0, len(items))
	for _, item := range items {
		out = append(out, failedSummary{
			ID:         item.ID,
			SourceRef:  item.SourceRef,
			FailedFrom: item.FailedFrom.String,
			ErrorClass: item.ErrorClass.String,
			LastError:  item.LastError.String,
		})
	}
	return out
}
