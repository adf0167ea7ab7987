package commands

import (
	"github.com/spf13/cobra"

	"digitforge/internal/trainer"
)

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export the latest checkpoint as a servable bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := trainer.Export(cmd.Context(), runCfg)
			if err != nil {
				return err
			}
			cmd.Println(dir)
			return nil
		},
	}
}
