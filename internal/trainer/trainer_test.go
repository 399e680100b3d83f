package trainer

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"sortgpt/internal/dataset"
	"sortgpt/internal/dist"
	"sortgpt/internal/model"
	"sortgpt/internal/optim"
)

type stubOptimizer struct {
	steps  int
	zeroed int
}

func (o *stubOptimizer) Step()     { o.steps++ }
func (o *stubOptimizer) ZeroGrad() { o.zeroed++ }

type stubModel struct {
	opt       *stubOptimizer
	params    []*optim.Parameter
	forwards  int
	backwards int
}

func newStubModel() *stubModel {
	return &stubModel{
		opt:    &stubOptimizer{},
		params: []*optim.Parameter{optim.NewParameter("w", 4, true)},
	}
}

func (m *stubModel) Forward(model.Batch) ([][]float64, float64, error) {
	m.forwards++
	return nil, 1.0, nil
}

func (m *stubModel) Backward() error {
	m.backwards++
	return nil
}

func (m *stubModel) Parameters() []*optim.Parameter { return m.params }

func (m *stubModel) ConfigureOptimizers(optim.Config) optim.Optimizer { return m.opt }

func (m *stubModel) Generate(prompt []int, _ int) ([]int, error) { return prompt, nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Device = "cpu"
	cfg.BatchSize = 4
	cfg.NumWorkers = 1
	cfg.LogEvery = 100
	return cfg
}

func mustDataset(t *testing.T, seed int64) *dataset.SortDataset {
	t.Helper()
	ds, err := dataset.NewSortDataset(dataset.Train, 6, 3, seed)
	if err != nil {
		t.Fatalf("NewSortDataset: %v", err)
	}
	return ds
}

func TestRunTerminatesAtMaxIters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIters = 5
	m := newStubModel()
	tr := New(cfg, m, mustDataset(t, 1))

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.opt.steps != 5 {
		t.Fatalf("expected exactly 5 optimizer steps, got %d", m.opt.steps)
	}
	if tr.IterNum != 5 {
		t.Fatalf("expected IterNum 5, got %d", tr.IterNum)
	}
}

func TestAccumulationCycleCounts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIters = 4
	cfg.CrossBatchNum = 3
	m := newStubModel()
	tr := New(cfg, m, mustDataset(t, 2))

	dispatches := 0
	tr.AddCallback(EventBatchEnd, func(*Trainer) error {
		dispatches++
		return nil
	})

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.forwards != 12 || m.backwards != 12 {
		t.Fatalf("expected 12 forward/backward passes, got %d/%d", m.forwards, m.backwards)
	}
	if m.opt.steps != 4 {
		t.Fatalf("expected 4 optimizer steps, got %d", m.opt.steps)
	}
	if m.opt.zeroed != 4 {
		t.Fatalf("gradients must be zeroed once per cycle, got %d", m.opt.zeroed)
	}
	if dispatches != 4 {
		t.Fatalf("expected 4 batch-end dispatches, got %d", dispatches)
	}
}

func TestCallbacksRunInRegistrationOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIters = 2
	tr := New(cfg, newStubModel(), mustDataset(t, 3))

	var order []string
	tr.AddCallback(EventBatchEnd, func(*Trainer) error {
		order = append(order, "a")
		return nil
	})
	tr.AddCallback(EventBatchEnd, func(*Trainer) error {
		order = append(order, "b")
		return nil
	})

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "a,b,a,b"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("callback order %q, want %q", got, want)
	}
}

func TestSetCallbackReplaces(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIters = 1
	tr := New(cfg, newStubModel(), mustDataset(t, 4))

	replaced := false
	tr.AddCallback(EventBatchEnd, func(*Trainer) error {
		t.Error("replaced callback must not run")
		return nil
	})
	tr.SetCallback(EventBatchEnd, func(*Trainer) error {
		replaced = true
		return nil
	})

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !replaced {
		t.Fatal("SetCallback handler did not run")
	}
}

func TestCallbackErrorAbortsLoop(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIters = 10
	m := newStubModel()
	tr := New(cfg, m, mustDataset(t, 5))

	calls := 0
	tr.AddCallback(EventBatchEnd, func(*Trainer) error {
		calls++
		if calls == 3 {
			return context.DeadlineExceeded
		}
		return nil
	})

	if err := tr.Run(context.Background()); err == nil {
		t.Fatal("expected callback error to abort the loop")
	}
	if m.opt.steps != 3 {
		t.Fatalf("expected 3 steps before abort, got %d", m.opt.steps)
	}
}

func TestUnboundedRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIters = 0
	tr := New(cfg, newStubModel(), mustDataset(t, 6))

	ctx, cancel := context.WithCancel(context.Background())
	tr.AddCallback(EventBatchEnd, func(tr *Trainer) error {
		if tr.IterNum >= 2 {
			cancel()
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("cancelled unbounded run must return an error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("unbounded run did not stop after cancel")
	}
}

func TestIterationStateExposedToCallbacks(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIters = 3
	tr := New(cfg, newStubModel(), mustDataset(t, 7))

	var seen []int
	tr.AddCallback(EventBatchEnd, func(tr *Trainer) error {
		seen = append(seen, tr.IterNum)
		if tr.Loss != 1.0 {
			t.Errorf("loss not exposed: %f", tr.Loss)
		}
		return nil
	})

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// dispatch happens before the counter increments
	if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
		t.Fatalf("unexpected iteration numbers: %v", seen)
	}
}

func TestDistributedRequiresBackendForMultiRank(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIters = 1
	cfg.Distributed = true
	cfg.Env = &dist.Info{Rank: 0, WorldSize: 2}
	tr := New(cfg, newStubModel(), mustDataset(t, 8))
	if err := tr.Run(context.Background()); err == nil {
		t.Fatal("multi-rank world without a backend must fail")
	}
}

func TestDistributedFailsFastOnBadEnv(t *testing.T) {
	t.Setenv(dist.EnvRank, "not-a-number")
	t.Setenv(dist.EnvWorldSize, "1")
	t.Setenv(dist.EnvLocalRank, "0")
	cfg := testConfig()
	cfg.MaxIters = 1
	cfg.Distributed = true
	tr := New(cfg, newStubModel(), mustDataset(t, 9))
	if err := tr.Run(context.Background()); err == nil {
		t.Fatal("malformed rank env must fail fast")
	}
}

func TestDistributedReplicasStayInSync(t *testing.T) {
	const world = 2
	backends, err := dist.NewInProcBackends(world)
	if err != nil {
		t.Fatalf("NewInProcBackends: %v", err)
	}

	models := make([]model.Model, world)
	for rank := 0; rank < world; rank++ {
		m, err := model.NewSeqMLP(model.Config{VocabSize: 3, BlockSize: 11, HiddenSize: 16, Seed: 42})
		if err != nil {
			t.Fatalf("NewSeqMLP: %v", err)
		}
		models[rank] = m
	}

	var wg sync.WaitGroup
	errs := make(chan error, world)
	for rank := 0; rank < world; rank++ {
		cfg := testConfig()
		cfg.MaxIters = 3
		cfg.Distributed = true
		cfg.Seed = 100
		cfg.Backend = backends[rank]
		cfg.Env = &dist.Info{Rank: rank, WorldSize: world, LocalRank: rank}
		tr := New(cfg, models[rank], mustDataset(t, 100))

		wg.Add(1)
		go func(tr *Trainer) {
			defer wg.Done()
			errs <- tr.Run(context.Background())
		}(tr)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("rank failed: %v", err)
		}
	}

	// replicas start identical and average gradients, so they must agree
	p0 := models[0].Parameters()
	p1 := models[1].Parameters()
	for i := range p0 {
		for j := range p0[i].Value {
			if math.Abs(p0[i].Value[j]-p1[i].Value[j]) > 1e-9 {
				t.Fatalf("replicas diverged at %s[%d]: %g vs %g",
					p0[i].Name, j, p0[i].Value[j], p1[i].Value[j])
			}
		}
	}
}
