// Package tracking records run metadata and metrics under the outputs path.
package tracking

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/rs/zerolog"
)

// Environment variables read by NewExperiment.
const (
	EnvOutputsPath   = "DIGITFORGE_OUTPUTS_PATH"
	EnvDataPaths     = "DIGITFORGE_DATA_PATHS"
	EnvClusterConfig = "DIGITFORGE_CLUSTER_CONFIG"

	defaultOutputsPath = "outputs"
	defaultDataPath    = "data"
	defaultDataKey     = "data"

	runEnvFile  = "run_env.json"
	metricsFile = "metrics.jsonl"
)

// ClusterConfig is the cluster layout of a distributed run. It is read and
// logged only.
type ClusterConfig struct {
	Cluster     map[string][]string `json:"cluster,omitempty"`
	Task        TaskSpec            `json:"task"`
	Environment string              `json:"environment,omitempty"`
}

// TaskSpec identifies this process within the cluster.
type TaskSpec struct {
	Type  string `json:"type,omitempty"`
	Index int    `json:"index"`
}

// Experiment is one tracked run.
type Experiment struct {
	id          string
	outputsPath string
	dataPaths   map[string]string
	cluster     ClusterConfig
	logger      zerolog.Logger

	mu sync.Mutex
}

// NewExperiment resolves paths and cluster config from the environment and
// assigns a fresh run id.
func NewExperiment(logger zerolog.Logger) (*Experiment, error) {
	outputs := os.Getenv(EnvOutputsPath)
	if outputs == "" {
		outputs = defaultOutputsPath
	}
	outputs, err := filepath.Abs(outputs)
	if err != nil {
		return nil, errors.Wrap(err, "resolve outputs path")
	}

	dataPaths, err := parseDataPaths(os.Getenv(EnvDataPaths))
	if err != nil {
		return nil, err
	}

	var cluster ClusterConfig
	if raw := strings.TrimSpace(os.Getenv(EnvClusterConfig)); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cluster); err != nil {
			return nil, errors.Wrapf(err, "parse %s", EnvClusterConfig)
		}
	}

	id := uuid.NewString()
	return &Experiment{
		id:          id,
		outputsPath: outputs,
		dataPaths:   dataPaths,
		cluster:     cluster,
		logger:      logger.With().Str("run_id", id).Logger(),
	}, nil
}

// parseDataPaths accepts a JSON object of name → path, or a single path.
func parseDataPaths(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{defaultDataKey: defaultDataPath}, nil
	}
	if strings.HasPrefix(raw, "{") {
		paths := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &paths); err != nil {
			return nil, errors.Wrapf(err, "parse %s", EnvDataPaths)
		}
		if len(paths) == 0 {
			return nil, errors.Newf("tracking: %s is an empty object", EnvDataPaths)
		}
		return paths, nil
	}
	return map[string]string{defaultDataKey: raw}, nil
}

// ID is the run's unique identifier.
func (e *Experiment) ID() string { return e.id }

// OutputsPath is where run artifacts belong.
func (e *Experiment) OutputsPath() string { return e.outputsPath }

// DataPaths maps dataset names to directories.
func (e *Experiment) DataPaths() map[string]string {
	out := make(map[string]string, len(e.dataPaths))
	for k, v := range e.dataPaths {
		out[k] = v
	}
	return out
}

// DataPath returns the named data path, falling back to the only one when
// there is exactly one.
func (e *Experiment) DataPath(name string) (string, bool) {
	if p, ok := e.dataPaths[name]; ok {
		return p, true
	}
	if len(e.dataPaths) == 1 {
		for _, p := range e.dataPaths {
			return p, true
		}
	}
	return "", false
}

// ClusterConfig returns the parsed cluster layout.
func (e *Experiment) ClusterConfig() ClusterConfig { return e.cluster }

// RunEnv describes the machine a run executes on.
type RunEnv struct {
	RunID         string        `json:"run_id"`
	StartedAt     time.Time     `json:"started_at"`
	Host          string        `json:"host"`
	GoVersion     string        `json:"go_version"`
	OS            string        `json:"os"`
	Arch          string        `json:"arch"`
	NumCPU        int           `json:"num_cpu"`
	CPUBrand      string        `json:"cpu_brand"`
	PhysicalCores int           `json:"physical_cores"`
	LogicalCores  int           `json:"logical_cores"`
	CPUFeatures   []string      `json:"cpu_features"`
	Cluster       ClusterConfig `json:"cluster"`
}

// LogRunEnv logs the run environment and writes it to run_env.json.
func (e *Experiment) LogRunEnv() (RunEnv, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	env := RunEnv{
		RunID:         e.id,
		StartedAt:     time.Now().UTC(),
		Host:          host,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		NumCPU:        runtime.NumCPU(),
		CPUBrand:      cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		CPUFeatures:   cpuid.CPU.FeatureSet(),
		Cluster:       e.cluster,
	}

	e.logger.Info().
		Str("host", env.Host).
		Str("go_version", env.GoVersion).
		Str("os", env.OS).
		Str("arch", env.Arch).
		Str("cpu", env.CPUBrand).
		Int("physical_cores", env.PhysicalCores).
		Int("logical_cores", env.LogicalCores).
		Bool("avx2", cpuid.CPU.Supports(cpuid.AVX2)).
		Msg("run environment")
	if len(e.cluster.Cluster) > 0 {
		e.logger.Info().Interface("cluster", e.cluster).Msg("cluster config")
	}

	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return env, errors.Wrap(err, "encode run env")
	}
	if err := os.MkdirAll(e.outputsPath, 0o755); err != nil {
		return env, errors.Wrap(err, "create outputs path")
	}
	if err := os.WriteFile(filepath.Join(e.outputsPath, runEnvFile), raw, 0o644); err != nil {
		return env, errors.Wrap(err, "write run env")
	}
	return env, nil
}

type metricsLine struct {
	RunID  string             `json:"run_id"`
	Step   int64              `json:"step"`
	Time   time.Time          `json:"time"`
	Values map[string]float64 `json:"values"`
}

// LogMetrics appends values at step to metrics.jsonl.
func (e *Experiment) LogMetrics(step int64, values map[string]float64) error {
	raw, err := json.Marshal(metricsLine{RunID: e.id, Step: step, Time: time.Now().UTC(), Values: values})
	if err != nil {
		return errors.Wrap(err, "encode metrics")
	}
	raw = append(raw, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := os.MkdirAll(e.outputsPath, 0o755); err != nil {
		return errors.Wrap(err, "create outputs path")
	}
	f, err := os.OpenFile(filepath.Join(e.outputsPath, metricsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open metrics file")
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return errors.Wrap(err, "write metrics")
	}
	return errors.Wrap(f.Close(), "close metrics file")
}
