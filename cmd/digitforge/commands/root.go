package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"digitforge/internal/config"
	"digitforge/internal/logging"
	"digitforge/internal/tracking"
	"digitforge/internal/trainer"
)

// dataPathKey names the data path entry holding the MNIST archives.
const dataPathKey = "mnist"

var (
	cfgPath   string
	overrides config.Overrides
	runCfg    trainer.RunConfig
)

// Execute runs the CLI until ctx is cancelled.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "digitforge",
		Short:        "Train and serve an MNIST digit classifier",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "path to YAML config (defaults apply when empty)")
	pf.StringVar(&overrides.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")
	pf.StringVar(&overrides.DataDir, "data-dir", "", "directory holding the MNIST archives")
	pf.StringVar(&overrides.ModelDir, "model-dir", "", "checkpoint directory")
	pf.StringVar(&overrides.SavedDir, "saved-dir", "", "servable export directory")
	pf.IntVar(&overrides.NumWorkers, "num-workers", 0, "worker goroutines for kernels and decoding")

	root.AddCommand(trainCmd(), evaluateCmd(), exportCmd(), predictCmd())
	return root
}

func setup(cmd *cobra.Command) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(overrides)

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	exp, err := tracking.NewExperiment(logger)
	if err != nil {
		return err
	}
	dataPath, _ := exp.DataPath(dataPathKey)
	cfg.ResolvePaths(exp.OutputsPath(), dataPath)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Debug().
		Str("command", cmd.Name()).
		Str("run_id", exp.ID()).
		Str("data_dir", cfg.DataDir).
		Str("model_dir", cfg.ModelDir).
		Str("saved_dir", cfg.SavedDir).
		Msg("config resolved")

	runCfg = trainer.RunConfig{Config: cfg, Experiment: exp, Logger: logger}
	return nil
}
