// Package profile wraps runtime profiling in a step-driven schedule: wait a
// few iterations, warm up, record an active window, repeat. Sessions write
// CPU profiles, execution traces and a heap snapshot per cycle, and are
// meant to be advanced from a batch-end callback.
package profile

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/google/uuid"
)

// Schedule counts trainer iterations per phase. Repeat == 0 keeps cycling
// until the session stops.
type Schedule struct {
	Wait   int
	Warmup int
	Active int
	Repeat int
}

// DefaultSchedule mirrors the usual profiling cadence.
func DefaultSchedule() Schedule {
	return Schedule{Wait: 1, Warmup: 1, Active: 3, Repeat: 2}
}

type cycleSummary struct {
	cycle    int
	duration time.Duration
}

// Session is an in-flight profiling run writing under <dir>/<runID>.
type Session struct {
	dir   string
	sched Schedule
	runID string

	pos       int
	cycle     int
	done      bool
	cpuFile   *os.File
	traceFile *os.File
	windowAt  time.Time
	summaries []cycleSummary
}

// Start creates the output directory and begins the schedule.
func Start(dir string, sched Schedule) (*Session, error) {
	if sched.Active < 1 {
		return nil, fmt.Errorf("profile: active window must be >= 1 step, got %d", sched.Active)
	}
	if sched.Wait < 0 || sched.Warmup < 0 || sched.Repeat < 0 {
		return nil, fmt.Errorf("profile: negative schedule phase")
	}
	runID := uuid.NewString()
	out := filepath.Join(dir, runID)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, fmt.Errorf("profile: create output dir: %w", err)
	}
	return &Session{dir: out, sched: sched, runID: runID}, nil
}

// Dir returns the session output directory.
func (s *Session) Dir() string { return s.dir }

// Step advances the schedule by one trainer iteration, opening or closing
// the active recording window at phase boundaries.
func (s *Session) Step() error {
	if s.done {
		return nil
	}
	startAt := s.sched.Wait + s.sched.Warmup
	stopAt := startAt + s.sched.Active

	if s.pos == startAt {
		if err := s.beginWindow(); err != nil {
			return err
		}
	}
	s.pos++
	if s.pos == stopAt {
		if err := s.endWindow(); err != nil {
			return err
		}
		s.pos = 0
		s.cycle++
		if s.sched.Repeat > 0 && s.cycle >= s.sched.Repeat {
			s.done = true
		}
	}
	return nil
}

// Stop closes any open window and logs the per-cycle summary.
func (s *Session) Stop() error {
	s.done = true
	if s.cpuFile != nil {
		if err := s.endWindow(); err != nil {
			return err
		}
	}
	for _, c := range s.summaries {
		log.Printf("profile cycle=%d window=%s dir=%s", c.cycle, c.duration, s.dir)
	}
	return nil
}

func (s *Session) beginWindow() error {
	cpuPath := filepath.Join(s.dir, fmt.Sprintf("cycle%03d.pprof", s.cycle))
	tracePath := filepath.Join(s.dir, fmt.Sprintf("cycle%03d.trace", s.cycle))

	cpuFile, err := os.Create(cpuPath)
	if err != nil {
		return fmt.Errorf("profile: create %s: %w", cpuPath, err)
	}
	traceFile, err := os.Create(tracePath)
	if err != nil {
		cpuFile.Close()
		return fmt.Errorf("profile: create %s: %w", tracePath, err)
	}
	if err := pprof.StartCPUProfile(cpuFile); err != nil {
		cpuFile.Close()
		traceFile.Close()
		return fmt.Errorf("profile: start cpu profile: %w", err)
	}
	if err := trace.Start(traceFile); err != nil {
		pprof.StopCPUProfile()
		cpuFile.Close()
		traceFile.Close()
		return fmt.Errorf("profile: start trace: %w", err)
	}
	s.cpuFile = cpuFile
	s.traceFile = traceFile
	s.windowAt = time.Now()
	return nil
}

func (s *Session) endWindow() error {
	pprof.StopCPUProfile()
	trace.Stop()
	s.cpuFile.Close()
	s.traceFile.Close()
	s.cpuFile = nil
	s.traceFile = nil

	heapPath := filepath.Join(s.dir, fmt.Sprintf("cycle%03d.heap.pprof", s.cycle))
	heapFile, err := os.Create(heapPath)
	if err != nil {
		return fmt.Errorf("profile: create %s: %w", heapPath, err)
	}
	defer heapFile.Close()
	if err := pprof.Lookup("heap").WriteTo(heapFile, 0); err != nil {
		return fmt.Errorf("profile: write heap profile: %w", err)
	}

	s.summaries = append(s.summaries, cycleSummary{cycle: s.cycle, duration: time.Since(s.windowAt)})
	return nil
}
