package cli

import (
	"context"

	"github.com/spf13/cobra"

	"tidecaster/internal/projection"
	"tidecaster/pkg/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline on an interval with the status API",
		Long:  "Starts the pipeline loop and serves the read-only status API, health checks and metrics until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			router := server.SetupServiceRouter(app.logger, "tidecaster", app.health, app.metrics)
			api, err := projection.NewAPI(app.store, app.exec, app.configured, app.calls, app.logs, app.logger)
			if err != nil {
				return err
			}
			api.RegisterRoutes(router)

			app.controller.Start(context.Background())
			defer app.controller.Stop()

			return server.Start(server.DefaultConfig("tidecaster", app.cfg.Port), router, app.logger)
		},
	}
}
