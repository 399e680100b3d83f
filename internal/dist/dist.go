// Package dist manages the distributed-training session: rank discovery
// from the environment and an explicitly scoped process group that
// delegates gradient synchronization to a communication backend. The
// all-reduce algorithm itself lives behind the Backend interface; this
// package only acquires, uses and releases it.
package dist

import (
	"context"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Environment variables set by the launcher, one process per rank.
const (
	EnvRank      = "RANK"
	EnvWorldSize = "WORLD_SIZE"
	EnvLocalRank = "LOCAL_RANK"
)

// Info identifies this process within the training group.
type Info struct {
	Rank      int
	WorldSize int
	LocalRank int
}

// ParseEnv reads the rank environment. Every variable must be present and
// well-formed: defaulting silently to rank 0 would make all processes
// believe they are rank 0.
func ParseEnv() (Info, error) {
	var info Info
	for _, v := range []struct {
		name string
		dst  *int
	}{
		{EnvRank, &info.Rank},
		{EnvWorldSize, &info.WorldSize},
		{EnvLocalRank, &info.LocalRank},
	} {
		raw, ok := os.LookupEnv(v.name)
		if !ok {
			return Info{}, errors.Errorf("dist: %s is not set; launch with a distributed launcher or disable use_ddp", v.name)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Info{}, errors.Wrapf(err, "dist: malformed %s=%q", v.name, raw)
		}
		*v.dst = n
	}
	if info.WorldSize < 1 {
		return Info{}, errors.Errorf("dist: WORLD_SIZE must be >= 1, got %d", info.WorldSize)
	}
	if info.Rank < 0 || info.Rank >= info.WorldSize {
		return Info{}, errors.Errorf("dist: RANK %d outside [0,%d)", info.Rank, info.WorldSize)
	}
	if info.LocalRank < 0 {
		return Info{}, errors.Errorf("dist: LOCAL_RANK must be >= 0, got %d", info.LocalRank)
	}
	return info, nil
}

// Backend is the communication layer the process group delegates to.
// Implementations provide the collective; this repo does not.
type Backend interface {
	// AllReduceSum replaces buf on every rank with the element-wise sum of
	// all ranks' buffers. All ranks must call with equal-length buffers.
	AllReduceSum(ctx context.Context, buf []float64) error
	Close() error
}

// ProcessGroup is the scoped session resource: acquired at training-session
// start, released unconditionally at session end, including error paths.
type ProcessGroup struct {
	info    Info
	backend Backend
	closed  bool
}

// Init acquires the session.
func Init(info Info, backend Backend) (*ProcessGroup, error) {
	if backend == nil {
		return nil, errors.New("dist: backend is nil")
	}
	if info.WorldSize < 1 {
		return nil, errors.Errorf("dist: world size must be >= 1, got %d", info.WorldSize)
	}
	return &ProcessGroup{info: info, backend: backend}, nil
}

// Rank returns this process's rank.
func (pg *ProcessGroup) Rank() int { return pg.info.Rank }

// WorldSize returns the number of ranks in the group.
func (pg *ProcessGroup) WorldSize() int { return pg.info.WorldSize }

// LocalRank returns the device slot on this host.
func (pg *ProcessGroup) LocalRank() int { return pg.info.LocalRank }

// AllReduceGrads averages each gradient buffer across all ranks in place.
func (pg *ProcessGroup) AllReduceGrads(ctx context.Context, grads [][]float64) error {
	if pg.closed {
		return errors.New("dist: process group is closed")
	}
	inv := 1 / float64(pg.info.WorldSize)
	for _, g := range grads {
		if err := pg.backend.AllReduceSum(ctx, g); err != nil {
			return errors.Wrap(err, "dist: all-reduce failed")
		}
		for i := range g {
			g[i] *= inv
		}
	}
	return nil
}

// Close releases the session. Safe to call more than once.
func (pg *ProcessGroup) Close() error {
	if pg.closed {
		return nil
	}
	pg.closed = true
	return pg.backend.Close()
}
