package commands

import (
	"github.com/spf13/cobra"

	"digitforge/internal/trainer"
)

// train: fit the model, evaluating and exporting as checkpoints land.
func trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the CNN on MNIST (or WebDataset shards)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := trainer.Run(cmd.Context(), runCfg)
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&overrides.Steps, "steps", 0, "global step to train up to")
	f.IntVar(&overrides.BatchSize, "batch-size", 0, "training batch size")
	f.StringVar(&overrides.ShardRoot, "shard-root", "", "train on WebDataset shards under this root instead of MNIST")
	f.Int64Var(&overrides.Seed, "seed", 0, "PRNG seed")
	return cmd
}
