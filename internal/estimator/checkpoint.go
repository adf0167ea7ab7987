package estimator

import (
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"

	"digitforge/internal/nn"
	"digitforge/internal/tensor"
)

// ErrNoCheckpoint is returned when a model dir holds no checkpoint.
var ErrNoCheckpoint = errors.New("estimator: no checkpoint found")

const (
	checkpointIndex  = "checkpoint"
	checkpointPrefix = "model.ckpt-"
	checkpointSuffix = ".gob.gz"
)

var checkpointRegexp = regexp.MustCompile(`^model\.ckpt-([0-9]+)\.gob\.gz$`)

// checkpointState is the JSON index kept next to the checkpoint files.
type checkpointState struct {
	ModelCheckpointPath     string   `json:"model_checkpoint_path"`
	AllModelCheckpointPaths []string `json:"all_model_checkpoint_paths"`
}

type variable struct {
	Name  string
	Shape []int
	Value []float64
	M     []float64
	V     []float64
}

type snapshot struct {
	GlobalStep int64
	Variables  []variable
}

func checkpointName(step int64) string {
	return fmt.Sprintf("%s%d%s", checkpointPrefix, step, checkpointSuffix)
}

// CheckpointStep parses the global step out of a checkpoint file name.
func CheckpointStep(path string) (int64, error) {
	m := checkpointRegexp.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, errors.Newf("estimator: %s is not a checkpoint file", path)
	}
	return strconv.ParseInt(m[1], 10, 64)
}

// LatestCheckpoint returns the newest checkpoint path in dir.
func LatestCheckpoint(dir string) (string, error) {
	state, err := readCheckpointState(dir)
	if err != nil {
		return "", err
	}
	if state.ModelCheckpointPath == "" {
		return "", ErrNoCheckpoint
	}
	path := filepath.Join(dir, state.ModelCheckpointPath)
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(ErrNoCheckpoint, "index points at missing %s", path)
	}
	return path, nil
}

func readCheckpointState(dir string) (*checkpointState, error) {
	raw, err := os.ReadFile(filepath.Join(dir, checkpointIndex))
	if os.IsNotExist(err) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint index")
	}
	var state checkpointState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, errors.Wrap(err, "parse checkpoint index")
	}
	return &state, nil
}

// saveCheckpoint writes params at step, updates the index and removes
// checkpoints beyond keep. It returns the written path.
func saveCheckpoint(dir string, step int64, params []*nn.Param, keep int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create model dir")
	}
	name := checkpointName(step)
	path := filepath.Join(dir, name)
	if err := writeVariables(path, step, params, true); err != nil {
		return "", err
	}

	state, err := readCheckpointState(dir)
	if errors.Is(err, ErrNoCheckpoint) {
		state = &checkpointState{}
	} else if err != nil {
		return "", err
	}
	all := make([]string, 0, len(state.AllModelCheckpointPaths)+1)
	for _, p := range state.AllModelCheckpointPaths {
		if p != name {
			all = append(all, p)
		}
	}
	all = append(all, name)
	sort.SliceStable(all, func(i, j int) bool {
		si, _ := CheckpointStep(all[i])
		sj, _ := CheckpointStep(all[j])
		return si < sj
	})
	for len(all) > keep {
		if err := os.Remove(filepath.Join(dir, all[0])); err != nil && !os.IsNotExist(err) {
			return "", errors.Wrapf(err, "remove old checkpoint %s", all[0])
		}
		all = all[1:]
	}
	state.AllModelCheckpointPaths = all
	state.ModelCheckpointPath = name

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode checkpoint index")
	}
	if err := writeFileAtomic(filepath.Join(dir, checkpointIndex), raw); err != nil {
		return "", err
	}
	return path, nil
}

func writeVariables(path string, step int64, params []*nn.Param, withSlots bool) error {
	snap := snapshot{GlobalStep: step, Variables: make([]variable, 0, len(params))}
	for _, p := range params {
		v := variable{Name: p.Name, Shape: p.Value.Shape, Value: p.Value.Data}
		if withSlots {
			v.M, v.V = p.M, p.V
		}
		snap.Variables = append(snap.Variables, v)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	zw := gzip.NewWriter(f)
	if err := gob.NewEncoder(zw).Encode(&snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "encode %s", path)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "compress %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "install %s", path)
}

func readVariables(path string) (*snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %s", path)
	}
	defer zr.Close()
	var snap snapshot
	if err := gob.NewDecoder(zr).Decode(&snap); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return &snap, nil
}

// restoreVariables copies a snapshot into params matched by name. Every
// param must be present with the same shape.
func restoreVariables(snap *snapshot, params []*nn.Param) error {
	byName := make(map[string]variable, len(snap.Variables))
	for _, v := range snap.Variables {
		byName[v.Name] = v
	}
	for _, p := range params {
		v, ok := byName[p.Name]
		if !ok {
			return errors.Newf("estimator: variable %s missing from checkpoint", p.Name)
		}
		if !tensor.EqualShape(v.Shape, p.Value.Shape) {
			return tensor.NewShapeError("restore "+p.Name, p.Value.Shape, v.Shape)
		}
		copy(p.Value.Data, v.Value)
		p.M, p.V = nil, nil
		if len(v.M) == p.Value.Size() && len(v.V) == p.Value.Size() {
			p.M = append([]float64(nil), v.M...)
			p.V = append([]float64(nil), v.V...)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "install %s", path)
}
