// Package trainer runs the training loop: boilerplate that could drive any
// model honoring the model contract, nothing here is specific to sorting.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"sortgpt/internal/dataset"
	"sortgpt/internal/device"
	"sortgpt/internal/dist"
	"sortgpt/internal/metrics"
	"sortgpt/internal/model"
	"sortgpt/internal/optim"
)

// EventBatchEnd fires once per accumulation cycle, after the optimizer
// step.
const EventBatchEnd = "on_batch_end"

// Callback observes the trainer. Callbacks run synchronously in
// registration order with the trainer as sole argument; an error aborts the
// loop — there is no isolation between callbacks.
type Callback func(*Trainer) error

// Config captures the knobs required by the training loop.
type Config struct {
	Device        string
	NumWorkers    int
	MaxIters      int // 0 means run until the context is cancelled
	BatchSize     int
	LearningRate  float64
	Beta1         float64
	Beta2         float64
	WeightDecay   float64
	GradNormClip  float64
	CrossBatchNum int
	Distributed   bool
	Seed          int64
	LogEvery      int

	// Backend supplies the distributed collective. nil with a world size
	// of one falls back to the loopback backend; nil with a larger world
	// is an error, since this repo does not implement the collective.
	Backend dist.Backend
	// Env overrides rank discovery from the process environment, used by
	// in-process multi-rank setups.
	Env *dist.Info
}

// DefaultConfig mirrors the usual hyperparameters.
func DefaultConfig() Config {
	return Config{
		Device:        "auto",
		NumWorkers:    4,
		BatchSize:     64,
		LearningRate:  3e-4,
		Beta1:         0.9,
		Beta2:         0.95,
		WeightDecay:   0.1,
		GradNormClip:  1.0,
		CrossBatchNum: 1,
		LogEvery:      10,
	}
}

// Trainer drives a model through gradient descent over a dataset.
// IterNum, IterDt and Loss are exposed for callbacks to read and are
// refreshed once per accumulation cycle.
type Trainer struct {
	cfg       Config
	model     model.Model
	ds        dataset.Dataset
	optimizer optim.Optimizer
	callbacks map[string][]Callback

	RunID   string
	Device  device.Device
	IterNum int
	IterDt  time.Duration
	Loss    float64
}

// New constructs a trainer. The config is consumed here and at loop start;
// the trainer never mutates it afterwards.
func New(cfg Config, m model.Model, ds dataset.Dataset) *Trainer {
	return &Trainer{
		cfg:       cfg,
		model:     m,
		ds:        ds,
		callbacks: make(map[string][]Callback),
		RunID:     uuid.NewString(),
	}
}

// AddCallback appends a handler for the event, preserving registration
// order.
func (t *Trainer) AddCallback(event string, cb Callback) {
	t.callbacks[event] = append(t.callbacks[event], cb)
}

// SetCallback replaces all handlers for the event with one.
func (t *Trainer) SetCallback(event string, cb Callback) {
	t.callbacks[event] = []Callback{cb}
}

func (t *Trainer) triggerCallbacks(event string) error {
	for _, cb := range t.callbacks[event] {
		if err := cb(t); err != nil {
			return fmt.Errorf("trainer: %s callback: %w", event, err)
		}
	}
	return nil
}

// Run executes the training loop until MaxIters optimizer steps have been
// taken or the context is cancelled.
//
// Each accumulation cycle zeroes gradients once, then performs
// CrossBatchNum forward/backward passes on independently drawn batches.
// The gradient norm is clipped after every micro-batch pass, before
// accumulation completes: with CrossBatchNum > 1 this is
// clip-then-accumulate, not accumulate-then-clip. The optimizer steps and
// EventBatchEnd fires once per cycle.
func (t *Trainer) Run(ctx context.Context) error {
	cfg := t.cfg
	if cfg.BatchSize <= 0 {
		return errors.New("trainer: batch size must be > 0")
	}
	if cfg.CrossBatchNum <= 0 {
		return errors.New("trainer: cross batch num must be > 0")
	}
	if cfg.MaxIters < 0 {
		return errors.New("trainer: max iters must be >= 0")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}

	// loader workers live exactly as long as this run
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dev, err := device.Select(cfg.Device)
	if err != nil {
		return err
	}

	// The communication group is a scoped resource: acquired here,
	// released unconditionally on every return path.
	var pg *dist.ProcessGroup
	if cfg.Distributed {
		pg, err = t.initProcessGroup()
		if err != nil {
			return err
		}
		defer pg.Close()
		if dev.Kind == device.CUDA {
			dev.Index = pg.LocalRank()
		}
		if r, ok := t.ds.(dataset.Reseeder); ok {
			r.Reseed(cfg.Seed + int64(pg.Rank()))
		}
		log.Printf("run=%s rank=%d world_size=%d local_rank=%d", t.RunID, pg.Rank(), pg.WorldSize(), pg.LocalRank())
	}
	t.Device = dev
	log.Printf("run=%s device=%s", t.RunID, dev)

	t.optimizer = t.model.ConfigureOptimizers(optim.Config{
		LearningRate: cfg.LearningRate,
		Beta1:        cfg.Beta1,
		Beta2:        cfg.Beta2,
		Eps:          1e-8,
		WeightDecay:  cfg.WeightDecay,
	})

	batches, errCh, err := dataset.StartLoader(ctx, t.ds, dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
	})
	if err != nil {
		return err
	}

	var window metrics.Window
	t.IterNum = 0
	lastTick := time.Now()

	for {
		t.optimizer.ZeroGrad()

		var dataTime, computeTime time.Duration
		for i := 0; i < cfg.CrossBatchNum; i++ {
			start := time.Now()
			batch, err := nextBatch(ctx, batches, errCh)
			if err != nil {
				return err
			}
			dataTime += time.Since(start)

			start = time.Now()
			_, loss, err := t.model.Forward(model.Batch{Inputs: batch.X, Targets: batch.Y})
			if err != nil {
				return err
			}
			t.Loss = loss
			if err := t.model.Backward(); err != nil {
				return err
			}
			if cfg.GradNormClip > 0 {
				optim.ClipGradNorm(t.model.Parameters(), cfg.GradNormClip)
			}
			computeTime += time.Since(start)
		}

		if pg != nil {
			grads := make([][]float64, 0, len(t.model.Parameters()))
			for _, p := range t.model.Parameters() {
				grads = append(grads, p.Grad)
			}
			if err := pg.AllReduceGrads(ctx, grads); err != nil {
				return err
			}
		}

		t.optimizer.Step()

		if err := t.triggerCallbacks(EventBatchEnd); err != nil {
			return err
		}

		t.IterNum++
		now := time.Now()
		t.IterDt = now.Sub(lastTick)
		lastTick = now
		window.Record(cfg.BatchSize*cfg.CrossBatchNum, dataTime, computeTime, t.Loss)

		if t.IterNum%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			log.Printf("iter=%d loss=%.5f iter_dt=%s examples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f",
				t.IterNum, t.Loss, t.IterDt, snap.ExamplesPerSec, snap.AvgDataMS, snap.AvgComputeMS)
		}

		if cfg.MaxIters > 0 && t.IterNum >= cfg.MaxIters {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (t *Trainer) initProcessGroup() (*dist.ProcessGroup, error) {
	info := dist.Info{WorldSize: 1}
	if t.cfg.Env != nil {
		info = *t.cfg.Env
	} else {
		var err error
		info, err = dist.ParseEnv()
		if err != nil {
			return nil, err
		}
	}
	backend := t.cfg.Backend
	if backend == nil {
		if info.WorldSize != 1 {
			return nil, fmt.Errorf("trainer: world size %d requires a communication backend", info.WorldSize)
		}
		backend = dist.NewLoopback()
	}
	return dist.Init(info, backend)
}

func nextBatch(ctx context.Context, batches <-chan dataset.Batch, errs <-chan error) (dataset.Batch, error) {
	select {
	case <-ctx.Done():
		return dataset.Batch{}, ctx.Err()
	case err, ok := <-errs:
		if ok && err != nil {
			return dataset.Batch{}, err
		}
		return dataset.Batch{}, errors.New("trainer: loader closed")
	case batch, ok := <-batches:
		if !ok {
			return dataset.Batch{}, errors.New("trainer: loader closed")
		}
		return batch, nil
	}
}
