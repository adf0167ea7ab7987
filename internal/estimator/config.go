package estimator

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// RunConfig controls where and how often the estimator persists state.
type RunConfig struct {
	ModelDir             string
	SaveSummarySteps     int64
	SaveCheckpointsSteps int64
	KeepCheckpointMax    int
	LogStepCountSteps    int64
	Seed                 int64
}

func (c *RunConfig) setDefaults() error {
	if c.ModelDir == "" {
		dir, err := os.MkdirTemp("", "digitforge-model-")
		if err != nil {
			return errors.Wrap(err, "create temporary model dir")
		}
		c.ModelDir = dir
	}
	abs, err := filepath.Abs(c.ModelDir)
	if err != nil {
		return errors.Wrapf(err, "resolve model dir %s", c.ModelDir)
	}
	c.ModelDir = abs
	if c.SaveSummarySteps <= 0 {
		c.SaveSummarySteps = 100
	}
	if c.SaveCheckpointsSteps <= 0 {
		c.SaveCheckpointsSteps = 600
	}
	if c.KeepCheckpointMax <= 0 {
		c.KeepCheckpointMax = 5
	}
	if c.LogStepCountSteps <= 0 {
		c.LogStepCountSteps = 100
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	return nil
}
