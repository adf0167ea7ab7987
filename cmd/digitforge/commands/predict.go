package commands

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"digitforge/internal/model"
	"digitforge/internal/serving"
)

// predict: classify image files with the newest export under --saved-dir.
func predictCmd() *cobra.Command {
	var signature string
	cmd := &cobra.Command{
		Use:   "predict IMAGE...",
		Short: "Classify grayscale digit images with the latest servable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runCfg.Config
			p, err := serving.Load(cfg.SavedDir, model.CNNModelFn(cfg.LearningRate), model.ServingInputReceiverFn,
				serving.WithSignature(signature),
				serving.WithWorkers(cfg.NumWorkers),
				serving.WithLogger(runCfg.Logger),
			)
			if err != nil {
				return err
			}
			results, err := p.PredictImages(cmd.Context(), model.InputFeature, args)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return errors.Wrap(enc.Encode(results), "write predictions")
		},
	}
	cmd.Flags().StringVar(&signature, "signature", model.PredictSignature, "serving signature to run")
	return cmd
}
