package estimator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"digitforge/internal/nn"
	"digitforge/internal/tensor"
)

const (
	bundleFile    = "saved_model.json"
	variablesFile = "variables.gob.gz"

	// DefaultServingSignature is the signature a single export output is
	// also published under.
	DefaultServingSignature = "serving_default"
)

// ServingInputReceiver describes what a servable accepts and how raw
// features become model features. A -1 in a receiver shape means any size.
type ServingInputReceiver struct {
	ReceiverShapes map[string][]int
	Transform      func(Features) (Features, error)
}

// ServingInputReceiverFn builds the receiver used at export and load time.
type ServingInputReceiverFn func() *ServingInputReceiver

// Features validates raw inputs against the receiver shapes and applies the
// transform.
func (r *ServingInputReceiver) Features(raw Features) (Features, error) {
	for key, shape := range r.ReceiverShapes {
		t, ok := raw[key]
		if !ok {
			return nil, errors.Newf("estimator: receiver input %q missing", key)
		}
		if !matchesShape(shape, t.Shape) {
			return nil, tensor.NewShapeError("receiver "+key, shape, t.Shape)
		}
	}
	if r.Transform == nil {
		return raw, nil
	}
	return r.Transform(raw)
}

func matchesShape(pattern, shape []int) bool {
	if len(pattern) != len(shape) {
		return false
	}
	for i, d := range pattern {
		if d >= 0 && d != shape[i] {
			return false
		}
	}
	return true
}

// Bundle is the saved_model.json manifest of an export directory.
type Bundle struct {
	Layers     []nn.LayerSpec          `json:"layers"`
	InputShape []int                   `json:"input_shape"`
	Receiver   map[string][]int        `json:"receiver"`
	Signatures map[string]ExportOutput `json:"signatures"`
	GlobalStep int64                   `json:"global_step"`
	CreatedAt  time.Time               `json:"created_at"`
}

// ExportSavedModel writes a servable bundle for checkpointPath (the latest
// checkpoint when empty) into a new timestamped directory under exportBase
// and returns that directory.
func (e *Estimator) ExportSavedModel(ctx context.Context, exportBase string, receiverFn ServingInputReceiverFn, checkpointPath string) (string, error) {
	if receiverFn == nil {
		return "", errors.New("estimator: export requires a serving input receiver")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	receiver := receiverFn()
	net, globalStep, err := e.restore(checkpointPath)
	if err != nil {
		return "", err
	}

	// trace the predict path once to collect the signatures
	probe := make(Features, len(receiver.ReceiverShapes))
	for key, shape := range receiver.ReceiverShapes {
		concrete := make([]int, len(shape))
		for i, d := range shape {
			concrete[i] = d
			if d < 0 {
				concrete[i] = 1
			}
		}
		probe[key] = tensor.New(concrete...)
	}
	features, err := receiver.Features(probe)
	if err != nil {
		return "", errors.Wrap(err, "apply receiver")
	}
	spec, err := e.modelFn(ModelContext{Network: net, GlobalStep: globalStep}, features, nil, ModePredict)
	if err != nil {
		return "", errors.Wrap(err, "model fn")
	}
	if err := spec.validate(ModePredict); err != nil {
		return "", err
	}
	signatures := make(map[string]ExportOutput, len(spec.ExportOutputs)+1)
	for k, v := range spec.ExportOutputs {
		signatures[k] = v
	}
	if len(signatures) == 0 {
		signatures[DefaultServingSignature] = PredictOutput(spec.Predictions)
	} else if _, ok := signatures[DefaultServingSignature]; !ok && len(signatures) == 1 {
		for _, v := range spec.ExportOutputs {
			signatures[DefaultServingSignature] = v
		}
	}

	bundle := Bundle{
		Layers:     net.Specs(),
		InputShape: net.InputShape(),
		Receiver:   receiver.ReceiverShapes,
		Signatures: signatures,
		GlobalStep: globalStep,
		CreatedAt:  time.Now().UTC(),
	}

	if err := os.MkdirAll(exportBase, 0o755); err != nil {
		return "", errors.Wrap(err, "create export base")
	}
	tmp, err := os.MkdirTemp(exportBase, ".export-")
	if err != nil {
		return "", errors.Wrap(err, "create temporary export dir")
	}
	defer os.RemoveAll(tmp)

	if err := writeVariables(filepath.Join(tmp, variablesFile), globalStep, net.Params(), false); err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode bundle")
	}
	if err := os.WriteFile(filepath.Join(tmp, bundleFile), raw, 0o644); err != nil {
		return "", errors.Wrap(err, "write bundle")
	}

	dest, err := installExport(tmp, exportBase, bundle.CreatedAt.Unix())
	if err != nil {
		return "", err
	}
	e.logger.Info().Str("export_dir", dest).Int64("global_step", globalStep).Msg("exported servable")
	return dest, nil
}

// installExport renames tmp to the first free <base>/<ts>, bumping ts past
// exports written within the same second.
func installExport(tmp, base string, ts int64) (string, error) {
	for {
		dest := filepath.Join(base, strconv.FormatInt(ts, 10))
		_, err := os.Stat(dest)
		if os.IsNotExist(err) {
			if err := os.Rename(tmp, dest); err != nil {
				return "", errors.Wrapf(err, "install export %s", dest)
			}
			return dest, nil
		}
		if err != nil {
			return "", errors.Wrapf(err, "stat export %s", dest)
		}
		ts++
	}
}

// ReadBundle loads the manifest from an export directory.
func ReadBundle(dir string) (*Bundle, error) {
	raw, err := os.ReadFile(filepath.Join(dir, bundleFile))
	if err != nil {
		return nil, errors.Wrap(err, "read bundle")
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, errors.Wrap(err, "parse bundle")
	}
	if len(b.Layers) == 0 {
		return nil, errors.Newf("estimator: bundle in %s has no layers", dir)
	}
	return &b, nil
}

// LoadNetwork rebuilds the bundle's network with its exported variables.
func (b *Bundle) LoadNetwork(dir string, opts ...nn.Option) (*nn.Sequential, error) {
	net, err := nn.Build(b.Layers, b.InputShape, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "rebuild network")
	}
	snap, err := readVariables(filepath.Join(dir, variablesFile))
	if err != nil {
		return nil, err
	}
	if err := restoreVariables(snap, net.Params()); err != nil {
		return nil, err
	}
	return net, nil
}

// ListExports returns the timestamped export directories under base,
// oldest first.
func ListExports(base string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list exports under %s", base)
	}
	type export struct {
		ts  int64
		dir string
	}
	var found []export
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ts, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		dir := filepath.Join(base, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, bundleFile)); err != nil {
			continue
		}
		found = append(found, export{ts: ts, dir: dir})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ts < found[j].ts })
	dirs := make([]string, len(found))
	for i, f := range found {
		dirs[i] = f.dir
	}
	return dirs, nil
}

// LatestExport returns the newest export directory under base.
func LatestExport(base string) (string, error) {
	dirs, err := ListExports(base)
	if err != nil {
		return "", err
	}
	if len(dirs) == 0 {
		return "", errors.Newf("estimator: no exports under %s", base)
	}
	return dirs[len(dirs)-1], nil
}
