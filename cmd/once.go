package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newOnceCmd runs a single cycle and prints the batch as JSON.
func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run one fetch cycle and print the batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("run cycle: %w", err)
			}
			appInstance.Logger().Info("cycle complete",
				zap.String("cycle_id", res.CycleID),
				zap.Int("parsed", res.Parsed),
				zap.Int("stored", res.Stored),
			)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res.Batch); err != nil {
				return fmt.Errorf("encode batch: %w", err)
			}
			return nil
		},
	}
}
