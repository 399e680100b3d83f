package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"sortgpt/internal/optim"
)

func errf(format string, args ...interface{}) error {
	return fmt.Errorf("model: "+format, args...)
}

// TypeSeqMLP is the model_type selector for the built-in model.
const TypeSeqMLP = "seq-mlp"

// Config holds the SeqMLP hyperparameters. VocabSize and BlockSize come
// from the dataset contract.
type Config struct {
	VocabSize  int
	BlockSize  int
	HiddenSize int
	Seed       int64
}

// SeqMLP is a small next-token model with one hidden layer and analytic
// gradients. Each position is featurized as the current token, its position
// and the digit counts of the visible input prefix, which is enough signal
// for the sorting task without a transformer. Backward adds into the
// gradient buffers so passes accumulate until the optimizer steps.
type SeqMLP struct {
	vocab    int
	block    int
	inputLen int
	hidden   int
	featDim  int

	w1, b1, w2, b2 *optim.Parameter
	params         []*optim.Parameter

	// cached activations from the last Forward with targets
	cache *forwardCache
}

type forwardCache struct {
	feats   *mat.Dense
	hid     *mat.Dense
	probs   *mat.Dense
	targets []int
	nValid  int
}

// NewSeqMLP constructs and initializes the model.
func NewSeqMLP(cfg Config) (*SeqMLP, error) {
	if cfg.VocabSize < 1 {
		return nil, errf("vocab size must be >= 1, got %d", cfg.VocabSize)
	}
	if cfg.BlockSize < 1 {
		return nil, errf("block size must be >= 1, got %d", cfg.BlockSize)
	}
	if cfg.HiddenSize <= 0 {
		cfg.HiddenSize = 128
	}
	m := &SeqMLP{
		vocab:    cfg.VocabSize,
		block:    cfg.BlockSize,
		inputLen: (cfg.BlockSize + 1) / 2,
		hidden:   cfg.HiddenSize,
	}
	m.featDim = 2*m.vocab + m.block

	m.w1 = optim.NewParameter("w1", m.featDim*m.hidden, true)
	m.b1 = optim.NewParameter("b1", m.hidden, false)
	m.w2 = optim.NewParameter("w2", m.hidden*m.vocab, true)
	m.b2 = optim.NewParameter("b2", m.vocab, false)
	m.params = []*optim.Parameter{m.w1, m.b1, m.w2, m.b2}

	rng := rand.New(rand.NewSource(cfg.Seed))
	initNormal(rng, m.w1.Value, 0.08)
	initNormal(rng, m.w2.Value, 0.08)
	return m, nil
}

// Parameters exposes the trainable tensors.
func (m *SeqMLP) Parameters() []*optim.Parameter { return m.params }

// ConfigureOptimizers builds the optimizer for this model's parameters.
// Weight decay applies only to the matmul weights; biases are exempt.
func (m *SeqMLP) ConfigureOptimizers(cfg optim.Config) optim.Optimizer {
	return optim.NewAdamW(m.params, cfg)
}

// Forward runs the batch through the network, returning per-position logits
// and the mean cross-entropy over non-ignored targets. Activations are
// cached for the next Backward.
func (m *SeqMLP) Forward(batch Batch) ([][]float64, float64, error) {
	if len(batch.Inputs) == 0 {
		return nil, 0, errf("empty batch")
	}
	if batch.Targets != nil && len(batch.Targets) != len(batch.Inputs) {
		return nil, 0, errf("targets rows %d != input rows %d", len(batch.Targets), len(batch.Inputs))
	}

	n := 0
	for r, row := range batch.Inputs {
		if len(row) > m.block {
			return nil, 0, errf("row %d length %d exceeds block size %d", r, len(row), m.block)
		}
		if batch.Targets != nil && len(batch.Targets[r]) != len(row) {
			return nil, 0, errf("row %d target length mismatch", r)
		}
		n += len(row)
	}

	feats := mat.NewDense(n, m.featDim, nil)
	targets := make([]int, 0, n)
	pos := 0
	for r, row := range batch.Inputs {
		for t := range row {
			m.fillFeatures(feats.RawRowView(pos), row, t)
			if batch.Targets != nil {
				targets = append(targets, batch.Targets[r][t])
			}
			pos++
		}
	}

	hid := m.hiddenLayer(feats, n)
	probs, logits := m.outputLayer(hid, n)

	loss := 0.0
	nValid := 0
	if batch.Targets != nil {
		for i, y := range targets {
			if y == IgnoreIndex {
				continue
			}
			if y < 0 || y >= m.vocab {
				return nil, 0, errf("target %d out of vocab range", y)
			}
			loss += -math.Log(math.Max(probs.At(i, y), 1e-12))
			nValid++
		}
		if nValid > 0 {
			loss /= float64(nValid)
		}
		m.cache = &forwardCache{feats: feats, hid: hid, probs: probs, targets: targets, nValid: nValid}
	}

	return logits, loss, nil
}

// Backward accumulates gradients of the last Forward's loss into the
// parameter buffers. Buffers are not zeroed here; that is the optimizer's
// job once per accumulation cycle.
func (m *SeqMLP) Backward() error {
	c := m.cache
	if c == nil {
		return errf("backward called before a forward with targets")
	}
	m.cache = nil
	if c.nValid == 0 {
		return nil
	}

	n, _ := c.probs.Dims()
	scale := 1 / float64(c.nValid)

	// dLogits = (probs - onehot(y)) / nValid on valid rows, zero elsewhere
	dLogits := mat.NewDense(n, m.vocab, nil)
	for i, y := range c.targets {
		if y == IgnoreIndex {
			continue
		}
		row := dLogits.RawRowView(i)
		for v := 0; v < m.vocab; v++ {
			row[v] = c.probs.At(i, v) * scale
		}
		row[y] -= scale
	}

	// output layer grads
	var gw2 mat.Dense
	gw2.Mul(c.hid.T(), dLogits)
	addInto(m.w2.Grad, gw2.RawMatrix().Data)
	addColSums(m.b2.Grad, dLogits)

	// back through the hidden layer; ReLU mask from the cached activations
	w2m := mat.NewDense(m.hidden, m.vocab, m.w2.Value)
	var dHid mat.Dense
	dHid.Mul(dLogits, w2m.T())
	for i := 0; i < n; i++ {
		hrow := c.hid.RawRowView(i)
		drow := dHid.RawRowView(i)
		for j := range drow {
			if hrow[j] <= 0 {
				drow[j] = 0
			}
		}
	}

	var gw1 mat.Dense
	gw1.Mul(c.feats.T(), &dHid)
	addInto(m.w1.Grad, gw1.RawMatrix().Data)
	addColSums(m.b1.Grad, &dHid)
	return nil
}

// Generate extends prompt by maxNewTokens greedy-decoded tokens and returns
// the full sequence, prompt included.
func (m *SeqMLP) Generate(prompt []int, maxNewTokens int) ([]int, error) {
	seq := append([]int(nil), prompt...)
	for i := 0; i < maxNewTokens; i++ {
		t := len(seq) - 1
		if t < 0 || t >= m.block {
			return nil, errf("context of length %d does not fit block size %d", len(seq), m.block)
		}
		feats := mat.NewDense(1, m.featDim, nil)
		m.fillFeatures(feats.RawRowView(0), seq, t)
		hid := m.hiddenLayer(feats, 1)
		probs, _ := m.outputLayer(hid, 1)

		best, bestP := 0, probs.At(0, 0)
		for v := 1; v < m.vocab; v++ {
			if p := probs.At(0, v); p > bestP {
				best, bestP = v, p
			}
		}
		seq = append(seq, best)
	}
	return seq, nil
}

// fillFeatures writes the featurization of position t of seq into dst:
// one-hot current token, one-hot position, and normalized digit counts of
// the visible input prefix.
func (m *SeqMLP) fillFeatures(dst []float64, seq []int, t int) {
	for i := range dst {
		dst[i] = 0
	}
	if tok := seq[t]; tok >= 0 && tok < m.vocab {
		dst[tok] = 1
	}
	dst[m.vocab+t] = 1
	countsOff := m.vocab + m.block
	prefix := t
	if prefix > m.inputLen-1 {
		prefix = m.inputLen - 1
	}
	for i := 0; i <= prefix; i++ {
		if tok := seq[i]; tok >= 0 && tok < m.vocab {
			dst[countsOff+tok] += 1 / float64(m.inputLen)
		}
	}
}

func (m *SeqMLP) hiddenLayer(feats *mat.Dense, n int) *mat.Dense {
	w1m := mat.NewDense(m.featDim, m.hidden, m.w1.Value)
	hid := mat.NewDense(n, m.hidden, nil)
	hid.Mul(feats, w1m)
	for i := 0; i < n; i++ {
		row := hid.RawRowView(i)
		for j := range row {
			row[j] += m.b1.Value[j]
			if row[j] < 0 {
				row[j] = 0
			}
		}
	}
	return hid
}

func (m *SeqMLP) outputLayer(hid *mat.Dense, n int) (*mat.Dense, [][]float64) {
	w2m := mat.NewDense(m.hidden, m.vocab, m.w2.Value)
	out := mat.NewDense(n, m.vocab, nil)
	out.Mul(hid, w2m)
	logits := make([][]float64, n)
	probs := mat.NewDense(n, m.vocab, nil)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] += m.b2.Value[j]
		}
		logits[i] = append([]float64(nil), row...)
		softmaxInto(probs.RawRowView(i), row)
	}
	return probs, logits
}

func softmaxInto(dst, logits []float64) {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(v - maxLogit)
		dst[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range dst {
		dst[i] *= inv
	}
}

func addInto(dst, src []float64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

func addColSums(dst []float64, m mat.Matrix) {
	r, c := m.Dims()
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			dst[j] += m.At(i, j)
		}
	}
}

func initNormal(rng *rand.Rand, dst []float64, std float64) {
	for i := range dst {
		dst[i] = rng.NormFloat64() * std
	}
}
