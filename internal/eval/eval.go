// Package eval scores a model on a dataset split by greedy decoding.
package eval

import (
	"context"
	"errors"
	"log"

	"gonum.org/v1/gonum/stat"

	"sortgpt/internal/dataset"
	"sortgpt/internal/model"
)

// maxMistakesLogged caps mistake lines so the report stays readable.
const maxMistakesLogged = 3

// Score summarizes one evaluation pass.
type Score struct {
	Correct int
	Total   int
	Frac    float64
}

// EvalSplit draws maxBatches batches from ds, isolates the input half of
// every example, lets the model greedy-decode the completion and compares
// it with the sorted ground truth. Up to three mistakes are logged.
func EvalSplit(ctx context.Context, m model.Model, ds dataset.Dataset, maxBatches, batchSize int) (Score, error) {
	if maxBatches <= 0 || batchSize <= 0 {
		return Score{}, errors.New("eval: batches and batch size must be > 0")
	}
	inputLen := (ds.BlockSize() + 1) / 2

	results := make([]float64, 0, maxBatches*batchSize)
	mistakes := 0
	for b := 0; b < maxBatches; b++ {
		if err := ctx.Err(); err != nil {
			return Score{}, err
		}
		for i := 0; i < batchSize; i++ {
			ex, err := ds.Get(b*batchSize + i)
			if err != nil {
				return Score{}, err
			}
			full, err := m.Generate(ex.Input, inputLen)
			if err != nil {
				return Score{}, err
			}
			candidate := full[inputLen:]
			truth := ex.Y[inputLen-1:]
			if equalSeq(candidate, truth) {
				results = append(results, 1)
				continue
			}
			results = append(results, 0)
			if mistakes < maxMistakesLogged {
				mistakes++
				log.Printf("eval mistake: model claims %v sorted is %v but gt is %v", ex.Input, candidate, truth)
			}
		}
	}

	score := Score{Total: len(results)}
	for _, r := range results {
		score.Correct += int(r)
	}
	score.Frac = stat.Mean(results, nil)
	return score, nil
}

func equalSeq(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
