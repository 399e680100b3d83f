// Package metrics accumulates loop timing statistics between log lines.
package metrics

import "time"

// Window accumulates timing stats across multiple iterations.
type Window struct {
	examples int
	data     time.Duration
	compute  time.Duration
	iters    int
	lastLoss float64
}

// Record adds a new measurement to the window. examples counts every
// sequence consumed during the iteration, micro-batches included.
func (w *Window) Record(examples int, dataTime, computeTime time.Duration, loss float64) {
	w.examples += examples
	w.data += dataTime
	w.compute += computeTime
	w.iters++
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ExamplesPerSec = float64(w.examples) / total.Seconds()
	}
	if w.iters > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.iters)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.iters)
	}
	snap.LastLoss = w.lastLoss

	w.examples = 0
	w.data = 0
	w.compute = 0
	w.iters = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ExamplesPerSec float64
	AvgDataMS      float64
	AvgComputeMS   float64
	LastLoss       float64
}
