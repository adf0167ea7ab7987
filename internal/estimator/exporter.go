package estimator

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// Exporter publishes a servable after an evaluation.
type Exporter interface {
	Name() string
	// Export returns the written directory, or "" when nothing was exported.
	Export(ctx context.Context, est *Estimator, checkpointPath string, evalResult map[string]float64, isFinal bool) (string, error)
}

// LatestExporter exports every evaluated checkpoint and keeps the newest
// few bundles.
type LatestExporter struct {
	name       string
	receiverFn ServingInputReceiverFn
	keep       int
	base       string
}

// ExporterOption configures a LatestExporter.
type ExporterOption func(*LatestExporter)

// WithExportBase writes bundles under base instead of
// <model_dir>/export/<name>.
func WithExportBase(base string) ExporterOption {
	return func(l *LatestExporter) { l.base = base }
}

// NewLatestExporter keeps at most keep exports (5 when keep <= 0).
func NewLatestExporter(name string, receiverFn ServingInputReceiverFn, keep int, opts ...ExporterOption) (*LatestExporter, error) {
	if name == "" {
		return nil, errors.New("estimator: exporter name is required")
	}
	if receiverFn == nil {
		return nil, errors.New("estimator: exporter requires a serving input receiver")
	}
	if keep <= 0 {
		keep = 5
	}
	l := &LatestExporter{name: name, receiverFn: receiverFn, keep: keep}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *LatestExporter) Name() string { return l.name }

// Base is the directory bundles are written under for est.
func (l *LatestExporter) Base(est *Estimator) string {
	if l.base != "" {
		return l.base
	}
	return filepath.Join(est.ModelDir(), "export", l.name)
}

func (l *LatestExporter) Export(ctx context.Context, est *Estimator, checkpointPath string, _ map[string]float64, _ bool) (string, error) {
	base := l.Base(est)
	dir, err := est.ExportSavedModel(ctx, base, l.receiverFn, checkpointPath)
	if err != nil {
		return "", errors.Wrapf(err, "exporter %s", l.name)
	}
	if err := l.garbageCollect(base); err != nil {
		return "", err
	}
	return dir, nil
}

func (l *LatestExporter) garbageCollect(base string) error {
	dirs, err := ListExports(base)
	if err != nil {
		return err
	}
	for len(dirs) > l.keep {
		if err := os.RemoveAll(dirs[0]); err != nil {
			return errors.Wrapf(err, "remove old export %s", dirs[0])
		}
		dirs = dirs[1:]
	}
	return nil
}
