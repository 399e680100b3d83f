package dist

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Loopback is the single-rank backend: the sum over one rank is the buffer
// itself, so AllReduceSum is a no-op.
type Loopback struct{}

// NewLoopback returns the single-rank backend.
func NewLoopback() Loopback { return Loopback{} }

// AllReduceSum is a no-op for a world of one.
func (Loopback) AllReduceSum(context.Context, []float64) error { return nil }

// Close is a no-op.
func (Loopback) Close() error { return nil }

// NewInProcBackends couples worldSize goroutine-ranks through a shared hub.
// It serves tests and single-host demos; there is no retry and no partial
// failure recovery — if a rank never shows up, the collective blocks until
// its context is cancelled.
func NewInProcBackends(worldSize int) ([]Backend, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("dist: world size must be >= 1, got %d", worldSize)
	}
	h := &hub{
		world:   worldSize,
		contrib: make(chan contribution),
		quit:    make(chan struct{}),
		open:    worldSize,
	}
	go h.run()
	backends := make([]Backend, worldSize)
	for i := range backends {
		backends[i] = &inprocBackend{hub: h}
	}
	return backends, nil
}

type contribution struct {
	buf  []float64
	done chan error
}

type hub struct {
	world   int
	contrib chan contribution
	quit    chan struct{}

	mu   sync.Mutex
	open int
}

func (h *hub) run() {
	for {
		batch := make([]contribution, 0, h.world)
		for len(batch) < h.world {
			select {
			case <-h.quit:
				for _, c := range batch {
					c.done <- errors.New("dist: hub closed mid-collective")
				}
				return
			case c := <-h.contrib:
				batch = append(batch, c)
			}
		}

		n := len(batch[0].buf)
		var err error
		for _, c := range batch[1:] {
			if len(c.buf) != n {
				err = errors.Errorf("dist: buffer length mismatch: %d vs %d", len(c.buf), n)
				break
			}
		}
		if err == nil {
			sum := make([]float64, n)
			for _, c := range batch {
				for i, v := range c.buf {
					sum[i] += v
				}
			}
			for _, c := range batch {
				copy(c.buf, sum)
			}
		}
		for _, c := range batch {
			c.done <- err
		}
	}
}

func (h *hub) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.open == 0 {
		return
	}
	h.open--
	if h.open == 0 {
		close(h.quit)
	}
}

type inprocBackend struct {
	hub    *hub
	mu     sync.Mutex
	closed bool
}

func (b *inprocBackend) AllReduceSum(ctx context.Context, buf []float64) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("dist: backend is closed")
	}
	c := contribution{buf: buf, done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.hub.quit:
		return errors.New("dist: hub closed")
	case b.hub.contrib <- c:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-c.done:
		return err
	}
}

func (b *inprocBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.hub.release()
	return nil
}
