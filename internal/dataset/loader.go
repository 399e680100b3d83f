package dataset

import (
	"context"
	"errors"
	"sync"
)

// Batch is a minibatch of wire sequences.
type Batch struct {
	X [][]int
	Y [][]int
}

// LoaderOptions configures the background batch loader.
type LoaderOptions struct {
	BatchSize  int
	NumWorkers int
}

// StartLoader launches worker goroutines that sample batches with
// replacement from ds until the context is cancelled. The stream is
// effectively unbounded: generation never exhausts, so termination is the
// caller's job. Worker failures are reported on the error channel and stop
// the pipeline.
func StartLoader(parent context.Context, ds Dataset, opts LoaderOptions) (<-chan Batch, <-chan error, error) {
	if ds == nil {
		return nil, nil, errors.New("loader: dataset is nil")
	}
	if opts.BatchSize <= 0 {
		return nil, nil, errors.New("loader: batch size must be > 0")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	ctx, cancel := context.WithCancel(parent)

	out := make(chan Batch, opts.NumWorkers*2)
	errCh := make(chan error, opts.NumWorkers)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loaderWorker(ctx, cancel, ds, opts.BatchSize, out, errCh)
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		close(out)
		close(errCh)
	}()

	return out, errCh, nil
}

func loaderWorker(ctx context.Context, cancel context.CancelFunc, ds Dataset, batchSize int, out chan<- Batch, errCh chan<- error) {
	for idx := 0; ; idx++ {
		batch := Batch{
			X: make([][]int, 0, batchSize),
			Y: make([][]int, 0, batchSize),
		}
		for len(batch.X) < batchSize {
			select {
			case <-ctx.Done():
				return
			default:
			}
			ex, err := ds.Get(idx)
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				cancel()
				return
			}
			batch.X = append(batch.X, ex.X)
			batch.Y = append(batch.Y, ex.Y)
		}
		select {
		case <-ctx.Done():
			return
		case out <- batch:
		}
	}
}
