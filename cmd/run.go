package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newRunCmd starts the polling loop and the HTTP API.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the feed continuously",
		Long: `Runs fetch cycles every ingest.fetch_interval until interrupted,
retraining the predictor every ingest.retrain_interval. When server.enabled
is set the HTTP API is served alongside the loop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run monitor: %w", err)
			}
			appInstance.Logger().Info("monitor stopped")
			return nil
		},
	}
}
