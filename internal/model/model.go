// Package model defines the capability contract the training loop drives
// and a small built-in sequence model satisfying it.
package model

import "sortgpt/internal/optim"

// IgnoreIndex is the target sentinel the loss skips.
const IgnoreIndex = -1

// Batch is a minibatch of wire sequences. Targets may be nil for
// inference-only forwards; target values equal to IgnoreIndex are skipped
// by the loss.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// Model is the minimal training and sampling functionality the trainer and
// evaluator require. Forward computes predictions and loss; Backward
// accumulates gradients into the parameter buffers so a cycle of several
// forward/backward passes shares one optimizer step.
type Model interface {
	Forward(batch Batch) (logits [][]float64, loss float64, err error)
	Backward() error
	Parameters() []*optim.Parameter
	ConfigureOptimizers(cfg optim.Config) optim.Optimizer
	Generate(prompt []int, maxNewTokens int) ([]int, error)
}
