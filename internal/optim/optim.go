// Package optim implements the optimizer used by the training loop.
package optim

import "math"

// Parameter is a flat view over one trainable tensor. Value and Grad share
// their backing arrays with whatever matrix type the model wraps around
// them, so the optimizer can update weights in place.
type Parameter struct {
	Name        string
	Value       []float64
	Grad        []float64
	WeightDecay bool // decay applies to matmul weights only
}

// NewParameter allocates a parameter of n elements with a zeroed gradient.
func NewParameter(name string, n int, weightDecay bool) *Parameter {
	return &Parameter{
		Name:        name,
		Value:       make([]float64, n),
		Grad:        make([]float64, n),
		WeightDecay: weightDecay,
	}
}

// ZeroGrad clears the gradient buffer.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Config holds optimizer hyperparameters.
type Config struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Eps          float64
	WeightDecay  float64
}

// DefaultConfig mirrors the trainer defaults.
func DefaultConfig() Config {
	return Config{
		LearningRate: 3e-4,
		Beta1:        0.9,
		Beta2:        0.95,
		Eps:          1e-8,
		WeightDecay:  0.1,
	}
}

// Optimizer applies accumulated gradients to parameters.
type Optimizer interface {
	Step()
	ZeroGrad()
}

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	cfg    Config
	params []*Parameter
	m      [][]float64
	v      [][]float64
	t      int
}

// NewAdamW constructs the optimizer over the given parameters.
func NewAdamW(params []*Parameter, cfg Config) *AdamW {
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 3e-4
	}
	if cfg.Beta1 <= 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 <= 0 {
		cfg.Beta2 = 0.95
	}
	if cfg.Eps <= 0 {
		cfg.Eps = 1e-8
	}
	o := &AdamW{
		cfg:    cfg,
		params: params,
		m:      make([][]float64, len(params)),
		v:      make([][]float64, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float64, len(p.Value))
		o.v[i] = make([]float64, len(p.Value))
	}
	return o
}

// Step applies one bias-corrected update to every parameter.
func (o *AdamW) Step() {
	o.t++
	c1 := 1 - math.Pow(o.cfg.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.cfg.Beta2, float64(o.t))
	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad {
			m[j] = o.cfg.Beta1*m[j] + (1-o.cfg.Beta1)*g
			v[j] = o.cfg.Beta2*v[j] + (1-o.cfg.Beta2)*g*g
			mHat := m[j] / c1
			vHat := v[j] / c2
			p.Value[j] -= o.cfg.LearningRate * mHat / (math.Sqrt(vHat) + o.cfg.Eps)
			if p.WeightDecay && o.cfg.WeightDecay > 0 {
				p.Value[j] -= o.cfg.LearningRate * o.cfg.WeightDecay * p.Value[j]
			}
		}
	}
}

// ZeroGrad clears every gradient buffer.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// ClipGradNorm scales gradients in place so their global L2 norm does not
// exceed maxNorm, and returns the norm before clipping.
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	var sum float64
	for _, p := range params {
		for _, g := range p.Grad {
			sum += g * g
		}
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + 1e-12)
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}
