package cmd

import (
	"github.com/spf13/cobra"
)

func newInitDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "init-db",
		Aliases: []string{"initdb"},
		Short:   "Create the storage table if it does not exist",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			appInstance.Logger().Info("schema ready")
			return nil
		},
	}
}
