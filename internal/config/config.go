package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"digitforge/internal/dataset"
	"digitforge/internal/logging"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	ShardRoot string `yaml:"shard_root"`
	ModelDir  string `yaml:"model_dir"`
	SavedDir  string `yaml:"saved_dir"`

	Steps          int `yaml:"steps"`
	BatchSize      int `yaml:"batch_size"`
	EvalBatchSize  int `yaml:"eval_batch_size"`
	EvalSteps      int `yaml:"eval_steps"`
	ValidationSize int `yaml:"validation_size"`

	SaveSummarySteps     int `yaml:"save_summary_steps"`
	SaveCheckpointsSteps int `yaml:"save_checkpoints_steps"`
	KeepCheckpointMax    int `yaml:"keep_checkpoint_max"`
	LogStepCountSteps    int `yaml:"log_step_count_steps"`
	LogEveryNIter        int `yaml:"log_every_n_iter"`
	ThrottleSecs         int `yaml:"throttle_secs"`
	ExportsToKeep        int `yaml:"exports_to_keep"`

	LearningRate float64 `yaml:"learning_rate"`
	DropoutRate  float64 `yaml:"dropout_rate"`
	NumWorkers   int     `yaml:"num_workers"`
	Seed         int64   `yaml:"seed"`

	Download  bool   `yaml:"download"`
	MirrorURL string `yaml:"mirror_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataDir    string
	ShardRoot  string
	ModelDir   string
	SavedDir   string
	Steps      int
	BatchSize  int
	NumWorkers int
	Seed       int64
	LogLevel   string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Steps:                100,
		BatchSize:            100,
		EvalBatchSize:        128,
		EvalSteps:            1000,
		ValidationSize:       5000,
		SaveSummarySteps:     20,
		SaveCheckpointsSteps: 20,
		KeepCheckpointMax:    5,
		LogStepCountSteps:    100,
		LogEveryNIter:        50,
		ThrottleSecs:         180,
		ExportsToKeep:        5,
		LearningRate:         0.001,
		DropoutRate:          0.4,
		NumWorkers:           runtime.NumCPU(),
		Seed:                 42,
		Download:             true,
		MirrorURL:            dataset.DefaultMirror,
		LogLevel:             "info",
		LogFormat:            logging.FormatConsole,
	}
}

// Load reads a Config from YAML on top of Default. An empty path returns the
// defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults without validating.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.ShardRoot != "" {
		c.ShardRoot = o.ShardRoot
	}
	if o.ModelDir != "" {
		c.ModelDir = o.ModelDir
	}
	if o.SavedDir != "" {
		c.SavedDir = o.SavedDir
	}
	if o.Steps > 0 {
		c.Steps = o.Steps
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
}

// ResolvePaths fills unset directories: data from dataPath, checkpoints
// under <outputs>/models/ckpt and servables under <outputs>/models/pb.
func (c *Config) ResolvePaths(outputsPath, dataPath string) {
	if c.DataDir == "" {
		c.DataDir = dataPath
	}
	if c.ModelDir == "" {
		c.ModelDir = filepath.Join(outputsPath, "models", "ckpt")
	}
	if c.SavedDir == "" {
		c.SavedDir = filepath.Join(outputsPath, "models", "pb")
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	positive := []struct {
		name  string
		value int
	}{
		{"steps", c.Steps},
		{"batch_size", c.BatchSize},
		{"eval_batch_size", c.EvalBatchSize},
		{"eval_steps", c.EvalSteps},
		{"save_summary_steps", c.SaveSummarySteps},
		{"save_checkpoints_steps", c.SaveCheckpointsSteps},
		{"keep_checkpoint_max", c.KeepCheckpointMax},
		{"log_step_count_steps", c.LogStepCountSteps},
		{"log_every_n_iter", c.LogEveryNIter},
		{"exports_to_keep", c.ExportsToKeep},
		{"num_workers", c.NumWorkers},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Newf("%s must be > 0 (got %d)", p.name, p.value)
		}
	}
	if c.ValidationSize < 0 {
		return errors.Newf("validation_size must be >= 0 (got %d)", c.ValidationSize)
	}
	if c.ThrottleSecs < 0 {
		return errors.Newf("throttle_secs must be >= 0 (got %d)", c.ThrottleSecs)
	}
	if c.LearningRate <= 0 {
		return errors.Newf("learning_rate must be > 0 (got %v)", c.LearningRate)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errors.Newf("dropout_rate must be in [0, 1) (got %v)", c.DropoutRate)
	}
	if c.Download && c.MirrorURL == "" {
		return errors.New("mirror_url must be set when download is enabled")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		return errors.Newf("log_format must be %q or %q (got %q)", logging.FormatConsole, logging.FormatJSON, c.LogFormat)
	}
	return nil
}
