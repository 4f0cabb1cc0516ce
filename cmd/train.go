package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the duration predictor from predictor.training_data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Train(cmd.Context()); err != nil {
				return fmt.Errorf("train predictor: %w", err)
			}
			appInstance.Logger().Info("predictor trained")
			return nil
		},
	}
}
