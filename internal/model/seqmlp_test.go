package model

import (
	"math"
	"testing"

	"sortgpt/internal/optim"
)

func newTestModel(t *testing.T) *SeqMLP {
	t.Helper()
	m, err := NewSeqMLP(Config{VocabSize: 3, BlockSize: 11, HiddenSize: 32, Seed: 1})
	if err != nil {
		t.Fatalf("NewSeqMLP: %v", err)
	}
	return m
}

func testBatch() Batch {
	return Batch{
		Inputs: [][]int{
			{0, 0, 2, 1, 0, 1, 0, 0, 0, 1, 1},
			{2, 2, 1, 0, 1, 2, 0, 1, 1, 2, 2},
		},
		Targets: [][]int{
			{-1, -1, -1, -1, -1, 0, 0, 0, 1, 1, 2},
			{-1, -1, -1, -1, -1, 0, 1, 1, 2, 2, 2},
		},
	}
}

func TestForwardShapesAndLoss(t *testing.T) {
	m := newTestModel(t)
	logits, loss, err := m.Forward(testBatch())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(logits) != 22 {
		t.Fatalf("expected 22 logit rows, got %d", len(logits))
	}
	for i, row := range logits {
		if len(row) != 3 {
			t.Fatalf("logit row %d has width %d", i, len(row))
		}
	}
	// near init the model is close to uniform over 3 classes
	if loss <= 0 || loss > 2*math.Log(3) {
		t.Fatalf("implausible initial loss %f", loss)
	}
}

func TestLossSkipsIgnoredPositions(t *testing.T) {
	m := newTestModel(t)
	batch := testBatch()
	_, loss1, err := m.Forward(batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// adding a fully ignored row must not change the mean loss
	batch.Inputs = append(batch.Inputs, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1})
	batch.Targets = append(batch.Targets, []int{-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1})
	_, loss2, err := m.Forward(batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if math.Abs(loss1-loss2) > 1e-12 {
		t.Fatalf("loss depends on ignored positions: %f vs %f", loss1, loss2)
	}
}

func TestBackwardAccumulates(t *testing.T) {
	m := newTestModel(t)
	batch := testBatch()

	if _, _, err := m.Forward(batch); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := m.Backward(); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	once := append([]float64(nil), m.Parameters()[0].Grad...)

	if _, _, err := m.Forward(batch); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := m.Backward(); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	twice := m.Parameters()[0].Grad

	for i := range once {
		if math.Abs(twice[i]-2*once[i]) > 1e-9 {
			t.Fatalf("gradient not accumulated at %d: once=%g twice=%g", i, once[i], twice[i])
		}
	}
}

func TestBackwardWithoutForwardFails(t *testing.T) {
	m := newTestModel(t)
	if err := m.Backward(); err == nil {
		t.Fatal("expected error from Backward without Forward")
	}
}

func TestGradientsMatchFiniteDifference(t *testing.T) {
	m := newTestModel(t)
	batch := testBatch()

	if _, _, err := m.Forward(batch); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := m.Backward(); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	const eps = 1e-5
	for _, p := range m.Parameters() {
		for _, idx := range []int{0, len(p.Value) / 2, len(p.Value) - 1} {
			orig := p.Value[idx]
			p.Value[idx] = orig + eps
			_, up, err := m.Forward(batch)
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			p.Value[idx] = orig - eps
			_, down, err := m.Forward(batch)
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			p.Value[idx] = orig
			m.cache = nil

			numeric := (up - down) / (2 * eps)
			if math.Abs(numeric-p.Grad[idx]) > 1e-4 {
				t.Fatalf("%s[%d]: analytic %g vs numeric %g", p.Name, idx, p.Grad[idx], numeric)
			}
		}
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	m := newTestModel(t)
	batch := testBatch()
	opt := m.ConfigureOptimizers(optim.Config{LearningRate: 0.01, Beta1: 0.9, Beta2: 0.95, Eps: 1e-8})

	_, first, err := m.Forward(batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	m.cache = nil
	for i := 0; i < 50; i++ {
		opt.ZeroGrad()
		if _, _, err := m.Forward(batch); err != nil {
			t.Fatalf("Forward: %v", err)
		}
		if err := m.Backward(); err != nil {
			t.Fatalf("Backward: %v", err)
		}
		opt.Step()
	}
	_, last, err := m.Forward(batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if last >= first {
		t.Fatalf("expected loss to decrease: first=%f last=%f", first, last)
	}
}

func TestGenerateGreedy(t *testing.T) {
	m := newTestModel(t)
	out, err := m.Generate([]int{0, 0, 2, 1, 0, 1}, 6)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out) != 12 {
		t.Fatalf("expected 12 tokens, got %d", len(out))
	}
	for i := 0; i < 6; i++ {
		if out[i] != []int{0, 0, 2, 1, 0, 1}[i] {
			t.Fatalf("prompt not preserved: %v", out)
		}
	}
	for _, tok := range out[6:] {
		if tok < 0 || tok >= 3 {
			t.Fatalf("generated token out of vocab: %v", out)
		}
	}
}

func TestGenerateContextOverflow(t *testing.T) {
	m := newTestModel(t)
	if _, err := m.Generate([]int{0, 0, 2, 1, 0, 1}, 7); err == nil {
		t.Fatal("expected context overflow error")
	}
}
