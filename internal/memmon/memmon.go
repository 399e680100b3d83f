// Package memmon samples accelerator memory usage on a fixed interval.
// It exists for observability only and never interacts with training
// correctness.
package memmon

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Probe reads the current memory usage of one device, in MiB.
type Probe interface {
	Sample(ctx context.Context) (float64, error)
}

// CommandProbe shells out to nvidia-smi. A missing binary or a failed run
// is an environment error the caller sees immediately; nothing is retried.
type CommandProbe struct {
	GPUIndex int
}

// Sample runs the query once and parses the MiB value.
func (p CommandProbe) Sample(ctx context.Context) (float64, error) {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return 0, errors.Wrap(err, "memmon: nvidia-smi not available")
	}
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.used",
		"--format=csv,nounits,noheader",
		"-i", strconv.Itoa(p.GPUIndex),
	).Output()
	if err != nil {
		return 0, errors.Wrap(err, "memmon: nvidia-smi query failed")
	}
	used, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "memmon: bad nvidia-smi output %q", strings.TrimSpace(string(out)))
	}
	return used, nil
}

// Series is an ordered list of memory samples in MiB.
type Series []float64

// Summary aggregates a series.
type Summary struct {
	Min, Max, Mean float64
	Samples        int
}

// Summary computes aggregate statistics over the series.
func (s Series) Summary() Summary {
	if len(s) == 0 {
		return Summary{}
	}
	out := Summary{Min: s[0], Max: s[0], Samples: len(s)}
	for _, v := range s {
		if v < out.Min {
			out.Min = v
		}
		if v > out.Max {
			out.Max = v
		}
	}
	out.Mean = stat.Mean(s, nil)
	return out
}

// Monitor samples a probe on a fixed interval.
type Monitor struct {
	Probe    Probe
	Interval time.Duration
}

// Run collects samples until duration elapses or ctx is cancelled. The
// first failing sample aborts the run with its error; a cancelled context
// returns whatever was collected so far.
func (m Monitor) Run(ctx context.Context, duration time.Duration) (Series, error) {
	if m.Probe == nil {
		return nil, errors.New("memmon: probe is nil")
	}
	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}

	var series Series
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return series, nil
		case <-deadline.C:
			return series, nil
		case <-tick.C:
			used, err := m.Probe.Sample(ctx)
			if err != nil {
				return series, err
			}
			series = append(series, used)
		}
	}
}
