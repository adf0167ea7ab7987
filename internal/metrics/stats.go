package metrics

import "time"

// Window accumulates timing stats across multiple training steps.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
}

// Record adds one step's measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Steps reports how many steps the window holds.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.ExamplesPerSec = float64(w.samples) / total.Seconds()
		snap.StepsPerSec = float64(w.steps) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable throughput metrics.
type Snapshot struct {
	Steps          int
	ExamplesPerSec float64
	StepsPerSec    float64
	AvgDataMS      float64
	AvgComputeMS   float64
	LastLoss       float64
}
