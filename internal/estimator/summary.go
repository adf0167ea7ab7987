package estimator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"digitforge/internal/metrics"
)

const (
	eventsFile   = "events.jsonl"
	lossPlotFile = "loss.png"
)

// Event is one scalar summary line.
type Event struct {
	WallTime float64 `json:"wall_time"`
	Step     int64   `json:"step"`
	Tag      string  `json:"tag"`
	Value    float64 `json:"value"`
}

// SummaryWriter appends scalar events to <dir>/events.jsonl.
type SummaryWriter struct {
	dir string
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
}

// NewSummaryWriter opens (or creates) the events file under dir.
func NewSummaryWriter(dir string) (*SummaryWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create summary dir %s", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open events file")
	}
	w := bufio.NewWriter(f)
	return &SummaryWriter{dir: dir, f: f, w: w, enc: json.NewEncoder(w)}, nil
}

// Dir is the directory the writer appends to.
func (s *SummaryWriter) Dir() string { return s.dir }

// Scalar records tag=value at step.
func (s *SummaryWriter) Scalar(step int64, tag string, value float64) error {
	ev := Event{
		WallTime: float64(time.Now().UnixNano()) / 1e9,
		Step:     step,
		Tag:      tag,
		Value:    value,
	}
	return errors.Wrapf(s.enc.Encode(ev), "write summary %s", tag)
}

// Scalars records every value in sorted tag order.
func (s *SummaryWriter) Scalars(step int64, values map[string]float64) error {
	tags := make([]string, 0, len(values))
	for tag := range values {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		if err := s.Scalar(step, tag, values[tag]); err != nil {
			return err
		}
	}
	return nil
}

// Flush pushes buffered events to disk.
func (s *SummaryWriter) Flush() error {
	return errors.Wrap(s.w.Flush(), "flush summaries")
}

// Close flushes and closes the events file.
func (s *SummaryWriter) Close() error {
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	if flushErr != nil {
		return errors.Wrap(flushErr, "flush summaries")
	}
	return errors.Wrap(closeErr, "close summaries")
}

// ReadEvents loads every event from dir, optionally filtered by tag.
func ReadEvents(dir, tag string) ([]Event, error) {
	f, err := os.Open(filepath.Join(dir, eventsFile))
	if err != nil {
		return nil, errors.Wrap(err, "open events file")
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, errors.Wrapf(err, "events line %d", line)
		}
		if tag == "" || ev.Tag == tag {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan events file")
	}
	return events, nil
}

// PlotScalar renders the tag's series in dir to a PNG at out.
func PlotScalar(dir, tag, out string) error {
	events, err := ReadEvents(dir, tag)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.Newf("estimator: no %q events in %s", tag, dir)
	}
	pts := make(plotter.XYs, len(events))
	values := make([]float64, len(events))
	for i, ev := range events {
		pts[i].X = float64(ev.Step)
		pts[i].Y = ev.Value
		values[i] = ev.Value
	}
	sum, err := metrics.Summarize(values)
	if err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (min %.4f, mean %.4f, max %.4f)", tag, sum.Min, sum.Mean, sum.Max)
	p.X.Label.Text = "global step"
	p.Y.Label.Text = tag
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrap(err, "build line")
	}
	p.Add(line)

	canvas := vgimg.New(6*vg.Inch, 4*vg.Inch)
	p.Draw(draw.New(canvas))
	f, err := os.Create(out)
	if err != nil {
		return errors.Wrapf(err, "create %s", out)
	}
	if _, err := (vgimg.PngCanvas{Canvas: canvas}).WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", out)
	}
	return errors.Wrapf(f.Close(), "close %s", out)
}
