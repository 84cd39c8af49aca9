// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package prepare

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/crucible-lab/crucible/lib/artifact"
	"github.com/crucible-lab/crucible/lib/blob"
	"github.com/crucible-lab/crucible/lib/clock"
	"github.com/crucible-lab/crucible/lib/cputime"
	"github.com/crucible-lab/crucible/lib/memtrack"
)

// defaultSamplePeriod is the memory sampler's tick interval.
const defaultSamplePeriod = 50 * time.Millisecond

// Executor races one job's compilation against its CPU-time deadline
// and memory ceiling. Fields are set once before the first Execute
// call; the injectable ones (Clock, CPUTime, ReadHeap) exist so tests
// control time and memory readings deterministically.
type Executor struct {
	// Compiler performs the actual work being bounded.
	Compiler Compiler

	// Tracker is the job's memory ledger. Armed at the start of each
	// Execute call and disarmed at the end; the executor owns it
	// exclusively between jobs.
	Tracker *memtrack.Tracker

	// ArtifactPath is where a successful job's artifact container is
	// written. Each job overwrites the previous content; the host
	// relocates the file before submitting the next job it cares
	// about.
	ArtifactPath string

	// BombLimit caps the job code in decompressed form. Zero selects
	// blob.DefaultBombLimit.
	BombLimit int64

	// OnOOM is installed as the tracker's out-of-memory hook for each
	// job. In production this is OOMHook over the duplicated
	// connection descriptor and never returns. Nil disables the hook
	// (the ceiling still bounds nothing without it, so only tests do
	// this).
	OnOOM func()

	// Clock drives the deadline monitor's sleeps and the sampler's
	// ticks.
	Clock clock.Clock

	// CPUTime reads the process CPU clock.
	CPUTime func() (time.Duration, error)

	// MaxRSS reads the OS-reported peak resident set in KiB.
	MaxRSS func() (int64, bool)

	// ReadHeap reads the current live-heap figure for the sampler.
	ReadHeap func() uint64

	// SamplePeriod is the memory sampler's tick interval. Negative
	// disables sampling; zero selects the default.
	SamplePeriod time.Duration

	Logger *slog.Logger
}

// NewExecutor returns an Executor with production defaults around the
// given compiler.
func NewExecutor(compiler Compiler, artifactPath string, logger *slog.Logger) *Executor {
	return &Executor{
		Compiler:     compiler,
		Tracker:      memtrack.New(),
		ArtifactPath: artifactPath,
		Clock:        clock.Real(),
		CPUTime:      cputime.Process,
		MaxRSS:       cputime.MaxRSS,
		ReadHeap:     readHeapAlloc,
		SamplePeriod: defaultSamplePeriod,
		Logger:       logger,
	}
}

// readHeapAlloc reads the runtime's live-heap figure.
func readHeapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// workResult is what the work goroutine hands to the waiter when it
// wins the race.
type workResult struct {
	artifact   []byte
	cpuElapsed time.Duration
	err        *JobError
}

// raceState is the condition-variable protocol between the work
// goroutine, the deadline monitor, and the blocking waiter. The first
// terminal signal wins; later signals are ignored. The out-of-memory
// hook does not participate: it terminates the process from inside the
// allocation path, outranking both signals by construction.
type raceState struct {
	mu      sync.Mutex
	decided *sync.Cond
	outcome WaitOutcome

	// work is valid once outcome is WaitFinished.
	work workResult

	// cpuElapsed and cpuErr are valid once outcome is WaitTimedOut.
	// cpuErr is set when the monitor could not read the CPU clock at
	// all, which is an infrastructure failure rather than a timeout.
	cpuElapsed time.Duration
	cpuErr     error
}

func newRaceState() *raceState {
	race := &raceState{}
	race.decided = sync.NewCond(&race.mu)
	return race
}

// signalFinished reports work completion. Returns false if the race
// was already decided.
func (r *raceState) signalFinished(result workResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != WaitPending {
		return false
	}
	r.work = result
	r.outcome = WaitFinished
	r.decided.Broadcast()
	return true
}

// signalTimedOut reports deadline exhaustion (or, with err set, a
// failed CPU-clock read). Returns false if the race was already
// decided.
func (r *raceState) signalTimedOut(elapsed time.Duration, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != WaitPending {
		return false
	}
	r.cpuElapsed = elapsed
	r.cpuErr = err
	r.outcome = WaitTimedOut
	r.decided.Broadcast()
	return true
}

// wait blocks until the race is decided and returns the terminal
// outcome. Never returns WaitPending.
func (r *raceState) wait() WaitOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.outcome == WaitPending {
		r.decided.Wait()
	}
	return r.outcome
}

// Execute runs one job to a terminal outcome. It arms the memory
// tracker, starts the sampler, deadline monitor, and work goroutines,
// and blocks until the first of work-finished or deadline-exceeded.
//
// A deadline win abandons the work goroutine: the compile call has no
// preemption point, so it runs until it finishes on its own or the
// host kills the process. Its tracker updates after the window closes
// are discarded.
func (e *Executor) Execute(job PrepJob) Outcome {
	logger := e.Logger.With("kind", job.Kind.String(), "timeout", job.Timeout)

	// Without a readable CPU clock the budget cannot be enforced at
	// all; in a reused worker a zero start would measure the job
	// against the process's whole accumulated CPU time. Fail the job
	// before arming anything.
	cpuStart, err := e.CPUTime()
	if err != nil {
		logger.Error("CPU clock unavailable at job start", "error", err)
		return errorOutcome(ErrorKindIO, fmt.Sprintf("reading CPU clock: %v", err))
	}

	race := newRaceState()
	workDone := make(chan struct{})

	e.Tracker.Start(job.Params.MemoryLimitBytes, e.OnOOM)

	samplePeriod := e.SamplePeriod
	if samplePeriod == 0 {
		samplePeriod = defaultSamplePeriod
	}
	samplerStop := make(chan struct{})
	samplerDone := make(chan struct{})
	var samplerStats TrackerStats
	if samplePeriod > 0 && e.ReadHeap != nil {
		go e.sampleMemory(samplePeriod, samplerStop, samplerDone, &samplerStats)
	} else {
		close(samplerDone)
	}

	go e.monitorDeadline(race, workDone, cpuStart, job.Timeout)
	go e.runWork(race, workDone, job)

	outcome := race.wait()

	close(samplerStop)
	<-samplerDone
	peakSigned := e.Tracker.End()

	// The raw peak is signed and can dip negative; clamp before it
	// reaches the wire.
	var peak uint64
	if peakSigned > 0 {
		peak = uint64(peakSigned)
	}

	switch outcome {
	case WaitFinished:
		result := race.work
		if result.err != nil {
			logger.Info("job failed", "error_kind", result.err.Kind.String(), "detail", result.err.Detail)
			return Outcome{Err: result.err}
		}
		hash, err := artifact.WriteFile(e.ArtifactPath, result.artifact)
		if err != nil {
			logger.Error("artifact persistence failed", "path", e.ArtifactPath, "error", err)
			return errorOutcome(ErrorKindIO, fmt.Sprintf("persisting artifact: %v", err))
		}
		memory := MemoryStats{PeakTrackedAlloc: peak}
		if samplerStats.Samples > 0 {
			stats := samplerStats
			memory.TrackerStats = &stats
		}
		if rss, ok := e.MaxRSS(); ok {
			memory.MaxRSSKiB = rss
		}
		logger.Info("job prepared",
			"artifact", hash.Ref(),
			"cpu_time", result.cpuElapsed,
			"peak_tracked_alloc", peak,
		)
		return successOutcome(PrepareStats{CPUTime: result.cpuElapsed, Memory: memory})

	case WaitTimedOut:
		if race.cpuErr != nil {
			logger.Error("CPU clock read failed during job", "error", race.cpuErr)
			return errorOutcome(ErrorKindIO, fmt.Sprintf("reading CPU clock: %v", race.cpuErr))
		}
		logger.Warn("job exceeded CPU budget",
			"cpu_elapsed", race.cpuElapsed,
			"peak_tracked_alloc", peak,
		)
		return errorOutcome(ErrorKindTimedOut, "")

	default:
		// wait() only returns terminal outcomes.
		panic("prepare: race wait returned pending")
	}
}

// monitorDeadline watches the process CPU clock against the job's
// budget. It sleeps for the remaining budget, rechecks on wake (CPU
// time advances slower than wall time when the job blocks), and exits
// silently when the work goroutine finishes first.
func (e *Executor) monitorDeadline(race *raceState, workDone <-chan struct{}, cpuStart, budget time.Duration) {
	for {
		cpuNow, err := e.CPUTime()
		if err != nil {
			race.signalTimedOut(0, err)
			return
		}
		elapsed := cpuNow - cpuStart
		if elapsed >= budget {
			race.signalTimedOut(elapsed, nil)
			return
		}
		select {
		case <-e.Clock.After(budget - elapsed):
		case <-workDone:
			return
		}
	}
}

// runWork executes the compile pipeline and signals the race. A panic
// in the pipeline is recovered into an ErrorKindPanic result; it never
// unwinds past the job boundary.
func (e *Executor) runWork(race *raceState, workDone chan struct{}, job PrepJob) {
	defer close(workDone)
	race.signalFinished(e.compile(job))
}

// compile runs prevalidation, compilation, and (for precheck jobs)
// one instantiation. Large buffers it materializes are accounted to
// the tracker for the duration of the job.
func (e *Executor) compile(job PrepJob) (result workResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = workResult{err: &JobError{
				Kind:   ErrorKindPanic,
				Detail: fmt.Sprint(recovered),
			}}
		}
	}()

	cpuStart, _ := e.CPUTime()

	bombLimit := e.BombLimit
	if bombLimit <= 0 {
		bombLimit = blob.DefaultBombLimit
	}
	code, err := blob.Decompress(job.Code, bombLimit)
	if err != nil {
		return workResult{err: &JobError{
			Kind:   ErrorKindPrevalidation,
			Detail: fmt.Sprintf("decompressing code: %v", err),
		}}
	}
	e.Tracker.Allocate(int64(len(code)))
	defer e.Tracker.Release(int64(len(code)))

	if err := e.Compiler.Prevalidate(code); err != nil {
		return workResult{err: &JobError{
			Kind:   ErrorKindPrevalidation,
			Detail: err.Error(),
		}}
	}

	compiled, err := e.Compiler.Compile(code)
	if err != nil {
		return workResult{err: &JobError{
			Kind:   ErrorKindPreparation,
			Detail: err.Error(),
		}}
	}
	e.Tracker.Allocate(int64(len(compiled)))
	defer e.Tracker.Release(int64(len(compiled)))

	if job.Kind == JobKindPrecheck {
		if err := e.Compiler.Instantiate(compiled); err != nil {
			return workResult{err: &JobError{
				Kind:   ErrorKindRuntimeConstruction,
				Detail: err.Error(),
			}}
		}
	}

	cpuEnd, _ := e.CPUTime()
	return workResult{artifact: compiled, cpuElapsed: cpuEnd - cpuStart}
}

// sampleMemory feeds periodic live-heap readings to the tracker until
// stopped, recording its own peak and sample count into out. out is
// safe to read after done closes.
func (e *Executor) sampleMemory(period time.Duration, stop <-chan struct{}, done chan<- struct{}, out *TrackerStats) {
	defer close(done)
	ticker := e.Clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			heap := e.ReadHeap()
			e.Tracker.ObserveHeap(heap)
			out.Samples++
			if heap > out.PeakHeapBytes {
				out.PeakHeapBytes = heap
			}
		}
	}
}
