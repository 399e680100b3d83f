package dist

import (
	"context"
	"math"
	"os"
	"sync"
	"testing"
	"time"
)

func setRankEnv(t *testing.T, rank, world, local string) {
	t.Helper()
	t.Setenv(EnvRank, rank)
	t.Setenv(EnvWorldSize, world)
	t.Setenv(EnvLocalRank, local)
}

func TestParseEnvRoundTrip(t *testing.T) {
	setRankEnv(t, "1", "4", "1")
	info, err := ParseEnv()
	if err != nil {
		t.Fatalf("ParseEnv: %v", err)
	}
	if info.Rank != 1 || info.WorldSize != 4 || info.LocalRank != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestParseEnvMissingFailsFast(t *testing.T) {
	// an absent variable must fail, never default to rank 0
	for _, name := range []string{EnvRank, EnvWorldSize, EnvLocalRank} {
		setRankEnv(t, "0", "2", "0")
		os.Unsetenv(name)
		if _, err := ParseEnv(); err == nil {
			t.Fatalf("ParseEnv with %s unset should fail", name)
		}
	}
}

func TestParseEnvMalformed(t *testing.T) {
	cases := []struct{ rank, world, local string }{
		{"zero", "2", "0"},
		{"0", "two", "0"},
		{"0", "2", "x"},
		{"2", "2", "0"},  // rank out of range
		{"-1", "2", "0"}, // negative rank
		{"0", "0", "0"},  // empty world
		{"0", "2", "-1"}, // negative local rank
	}
	for _, c := range cases {
		setRankEnv(t, c.rank, c.world, c.local)
		if _, err := ParseEnv(); err == nil {
			t.Fatalf("ParseEnv(%q,%q,%q) should fail", c.rank, c.world, c.local)
		}
	}
}

func TestInProcAllReduceAverages(t *testing.T) {
	const world = 3
	backends, err := NewInProcBackends(world)
	if err != nil {
		t.Fatalf("NewInProcBackends: %v", err)
	}

	results := make([][][]float64, world)
	var wg sync.WaitGroup
	errs := make(chan error, world)
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			pg, err := Init(Info{Rank: rank, WorldSize: world, LocalRank: rank}, backends[rank])
			if err != nil {
				errs <- err
				return
			}
			defer pg.Close()
			grads := [][]float64{
				{float64(rank + 1), float64(rank + 1)},
				{float64(10 * (rank + 1))},
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pg.AllReduceGrads(ctx, grads); err != nil {
				errs <- err
				return
			}
			results[rank] = grads
		}(rank)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("rank failed: %v", err)
	}

	// sum of 1,2,3 is 6; averaged over 3 ranks -> 2
	for rank := 0; rank < world; rank++ {
		got := results[rank]
		if math.Abs(got[0][0]-2) > 1e-12 || math.Abs(got[0][1]-2) > 1e-12 {
			t.Fatalf("rank %d first buffer = %v, want [2 2]", rank, got[0])
		}
		if math.Abs(got[1][0]-20) > 1e-12 {
			t.Fatalf("rank %d second buffer = %v, want [20]", rank, got[1])
		}
	}
}

func TestProcessGroupCloseIdempotent(t *testing.T) {
	pg, err := Init(Info{Rank: 0, WorldSize: 1}, NewLoopback())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := pg.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := pg.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := pg.AllReduceGrads(context.Background(), [][]float64{{1}}); err == nil {
		t.Fatal("AllReduceGrads after Close should fail")
	}
}

func TestLoopbackKeepsGrads(t *testing.T) {
	pg, err := Init(Info{Rank: 0, WorldSize: 1}, NewLoopback())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer pg.Close()
	grads := [][]float64{{1.5, -2}}
	if err := pg.AllReduceGrads(context.Background(), grads); err != nil {
		t.Fatalf("AllReduceGrads: %v", err)
	}
	if grads[0][0] != 1.5 || grads[0][1] != -2 {
		t.Fatalf("loopback must not change grads: %v", grads[0])
	}
}

func TestAllReduceLengthMismatch(t *testing.T) {
	backends, err := NewInProcBackends(2)
	if err != nil {
		t.Fatalf("NewInProcBackends: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- backends[0].AllReduceSum(ctx, []float64{1, 2}) }()
	go func() { errCh <- backends[1].AllReduceSum(ctx, []float64{1}) }()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err == nil {
			t.Fatal("length mismatch should fail on every rank")
		}
	}
}
