package commands

import (
	"sort"

	"github.com/spf13/cobra"

	"digitforge/internal/trainer"
)

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the latest checkpoint on the MNIST test set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := trainer.Evaluate(cmd.Context(), runCfg)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				cmd.Printf("%s = %.4f\n", name, results[name])
			}
			return nil
		},
	}
}
