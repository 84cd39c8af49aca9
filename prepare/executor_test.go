// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package prepare

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crucible-lab/crucible/lib/artifact"
	"github.com/crucible-lab/crucible/lib/blob"
	"github.com/crucible-lab/crucible/lib/clock"
	"github.com/crucible-lab/crucible/lib/memtrack"
	"github.com/crucible-lab/crucible/lib/testutil"
)

// validWasm is the smallest code blob BasicCompiler accepts.
var validWasm = []byte{0x00, 'a', 's', 'm', 1, 0, 0, 0}

// stubCompiler lets each test override individual pipeline stages.
// Unset stages succeed, with Compile copying its input.
type stubCompiler struct {
	prevalidate func(code []byte) error
	compile     func(code []byte) ([]byte, error)
	instantiate func(artifact []byte) error
}

func (c *stubCompiler) Prevalidate(code []byte) error {
	if c.prevalidate != nil {
		return c.prevalidate(code)
	}
	return nil
}

func (c *stubCompiler) Compile(code []byte) ([]byte, error) {
	if c.compile != nil {
		return c.compile(code)
	}
	compiled := make([]byte, len(code))
	copy(compiled, code)
	return compiled, nil
}

func (c *stubCompiler) Instantiate(artifact []byte) error {
	if c.instantiate != nil {
		return c.instantiate(artifact)
	}
	return nil
}

// fakeCPU is an injectable process CPU clock that advances by step on
// every read, plus whatever the test sets explicitly.
type fakeCPU struct {
	now  atomic.Int64
	step int64
}

func (f *fakeCPU) read() (time.Duration, error) {
	return time.Duration(f.now.Add(f.step)), nil
}

func (f *fakeCPU) set(d time.Duration) { f.now.Store(int64(d)) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestExecutor builds an executor with deterministic time sources
// and sampling disabled. Tests override fields as needed.
func newTestExecutor(t *testing.T, compiler Compiler, cpu *fakeCPU, fc *clock.FakeClock) *Executor {
	t.Helper()
	return &Executor{
		Compiler:     compiler,
		Tracker:      memtrack.New(),
		ArtifactPath: filepath.Join(t.TempDir(), "artifact.crucible"),
		Clock:        fc,
		CPUTime:      cpu.read,
		MaxRSS:       func() (int64, bool) { return 2048, true },
		SamplePeriod: -1,
		Logger:       discardLogger(),
	}
}

func testJob(code []byte, kind JobKind, timeout time.Duration) PrepJob {
	return PrepJob{Code: code, Kind: kind, Timeout: timeout}
}

func TestExecuteSuccess(t *testing.T) {
	cpu := &fakeCPU{step: int64(5 * time.Millisecond)}
	executor := newTestExecutor(t, &stubCompiler{}, cpu, clock.Fake(time.Unix(0, 0)))

	outcome := executor.Execute(testJob(validWasm, JobKindPrepare, time.Minute))

	if outcome.Err != nil {
		t.Fatalf("Execute error = %v, want success", outcome.Err)
	}
	if outcome.Stats.CPUTime <= 0 {
		t.Errorf("CPUTime = %v, want > 0", outcome.Stats.CPUTime)
	}
	if outcome.Stats.Memory.MaxRSSKiB != 2048 {
		t.Errorf("MaxRSSKiB = %d, want 2048", outcome.Stats.Memory.MaxRSSKiB)
	}

	payload, _, err := artifact.ReadFile(executor.ArtifactPath)
	if err != nil {
		t.Fatalf("reading persisted artifact: %v", err)
	}
	if string(payload) != string(validWasm) {
		t.Errorf("artifact payload = %x, want %x", payload, validWasm)
	}
}

func TestExecuteTimeout(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	cpu := &fakeCPU{}
	release := make(chan struct{})
	compiler := &stubCompiler{
		compile: func(code []byte) ([]byte, error) {
			<-release
			return code, nil
		},
	}
	defer close(release)

	executor := newTestExecutor(t, compiler, cpu, fc)
	budget := 10 * time.Second

	outcomes := make(chan Outcome, 1)
	go func() {
		outcomes <- executor.Execute(testJob(validWasm, JobKindPrepare, budget))
	}()

	// The deadline monitor parks on the fake clock for the remaining
	// budget. Burn the whole budget on the CPU clock, then wake it.
	fc.WaitForTimers(1)
	cpu.set(budget + time.Second)
	fc.Advance(budget)

	outcome := testutil.RequireReceive(t, outcomes, 5*time.Second, "waiting for timeout outcome")
	if outcome.Err == nil || outcome.Err.Kind != ErrorKindTimedOut {
		t.Fatalf("Execute = %+v, want timed-out error", outcome)
	}
	if _, err := os.Stat(executor.ArtifactPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("artifact file exists after timeout, want absent")
	}
}

func TestExecuteTimeoutRechecksCPUClock(t *testing.T) {
	// The work sleeps rather than burns CPU: when the monitor wakes at
	// the wall deadline the CPU clock is still under budget, so it
	// must go back to sleep instead of declaring a timeout.
	fc := clock.Fake(time.Unix(0, 0))
	cpu := &fakeCPU{}
	release := make(chan struct{})
	compiler := &stubCompiler{
		compile: func(code []byte) ([]byte, error) {
			<-release
			return code, nil
		},
	}

	executor := newTestExecutor(t, compiler, cpu, fc)
	budget := 10 * time.Second

	outcomes := make(chan Outcome, 1)
	go func() {
		outcomes <- executor.Execute(testJob(validWasm, JobKindPrepare, budget))
	}()

	fc.WaitForTimers(1)
	cpu.set(budget / 2)
	fc.Advance(budget)

	// Monitor re-parked with half the budget left; the job finishes.
	fc.WaitForTimers(1)
	close(release)

	outcome := testutil.RequireReceive(t, outcomes, 5*time.Second, "waiting for success outcome")
	if outcome.Err != nil {
		t.Fatalf("Execute error = %v, want success after recheck", outcome.Err)
	}
}

func TestExecutePanicRecovered(t *testing.T) {
	compiler := &stubCompiler{
		compile: func(code []byte) ([]byte, error) {
			panic("compiler exploded")
		},
	}
	executor := newTestExecutor(t, compiler, &fakeCPU{step: 1000}, clock.Fake(time.Unix(0, 0)))

	outcome := executor.Execute(testJob(validWasm, JobKindPrepare, time.Minute))

	if outcome.Err == nil || outcome.Err.Kind != ErrorKindPanic {
		t.Fatalf("Execute = %+v, want panic error", outcome)
	}
	if !strings.Contains(outcome.Err.Detail, "compiler exploded") {
		t.Errorf("Detail = %q, want the panic payload", outcome.Err.Detail)
	}
}

func TestExecutePrevalidationError(t *testing.T) {
	compiler := &stubCompiler{
		prevalidate: func(code []byte) error { return errors.New("forbidden import") },
	}
	executor := newTestExecutor(t, compiler, &fakeCPU{step: 1000}, clock.Fake(time.Unix(0, 0)))

	outcome := executor.Execute(testJob(validWasm, JobKindPrepare, time.Minute))

	if outcome.Err == nil || outcome.Err.Kind != ErrorKindPrevalidation {
		t.Fatalf("Execute = %+v, want prevalidation error", outcome)
	}
}

func TestPrecheckInstantiates(t *testing.T) {
	instantiated := 0
	compiler := &stubCompiler{
		instantiate: func(artifact []byte) error {
			instantiated++
			return errors.New("missing host import")
		},
	}
	executor := newTestExecutor(t, compiler, &fakeCPU{step: 1000}, clock.Fake(time.Unix(0, 0)))

	outcome := executor.Execute(testJob(validWasm, JobKindPrecheck, time.Minute))
	if outcome.Err == nil || outcome.Err.Kind != ErrorKindRuntimeConstruction {
		t.Fatalf("precheck Execute = %+v, want runtime-construction error", outcome)
	}
	if instantiated != 1 {
		t.Errorf("Instantiate called %d times, want 1", instantiated)
	}

	// A plain prepare job never instantiates.
	outcome = executor.Execute(testJob(validWasm, JobKindPrepare, time.Minute))
	if outcome.Err != nil {
		t.Fatalf("prepare Execute error = %v, want success", outcome.Err)
	}
	if instantiated != 1 {
		t.Errorf("Instantiate called %d times across both jobs, want 1", instantiated)
	}
}

func TestExecuteDecompressesCode(t *testing.T) {
	var seen []byte
	compiler := &stubCompiler{
		prevalidate: func(code []byte) error {
			seen = append([]byte(nil), code...)
			return nil
		},
	}
	executor := newTestExecutor(t, compiler, &fakeCPU{step: 1000}, clock.Fake(time.Unix(0, 0)))

	compressed, err := blob.Compress(validWasm, blob.DefaultBombLimit)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	outcome := executor.Execute(testJob(compressed, JobKindPrepare, time.Minute))

	if outcome.Err != nil {
		t.Fatalf("Execute error = %v, want success", outcome.Err)
	}
	if string(seen) != string(validWasm) {
		t.Errorf("compiler saw %x, want decompressed %x", seen, validWasm)
	}
}

func TestExecuteEnforcesBombLimit(t *testing.T) {
	executor := newTestExecutor(t, &stubCompiler{}, &fakeCPU{step: 1000}, clock.Fake(time.Unix(0, 0)))
	executor.BombLimit = 4

	outcome := executor.Execute(testJob(validWasm, JobKindPrepare, time.Minute))

	if outcome.Err == nil || outcome.Err.Kind != ErrorKindPrevalidation {
		t.Fatalf("Execute = %+v, want prevalidation error from the bomb limit", outcome)
	}
}

func TestExecuteFiresOOMHook(t *testing.T) {
	fired := make(chan struct{}, 2)
	executor := newTestExecutor(t, &stubCompiler{}, &fakeCPU{step: 1000}, clock.Fake(time.Unix(0, 0)))
	executor.OnOOM = func() { fired <- struct{}{} }

	job := testJob(validWasm, JobKindPrepare, time.Minute)
	job.Params.MemoryLimitBytes = int64(len(validWasm)) - 1

	// The test hook returns instead of terminating the process, so the
	// job runs to completion after the breach.
	outcome := executor.Execute(job)
	if outcome.Err != nil {
		t.Fatalf("Execute error = %v, want success past the returning test hook", outcome.Err)
	}

	testutil.RequireReceive(t, fired, time.Second, "waiting for the OOM hook")
	select {
	case <-fired:
		t.Error("OOM hook fired more than once in one window")
	default:
	}
}

func TestExecuteSamplerFeedsTracker(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	cpu := &fakeCPU{}
	release := make(chan struct{})
	compiler := &stubCompiler{
		compile: func(code []byte) ([]byte, error) {
			<-release
			return code, nil
		},
	}

	heap := atomic.Uint64{}
	heap.Store(1 << 20)
	heapReads := make(chan struct{}, 16)

	executor := newTestExecutor(t, compiler, cpu, fc)
	executor.SamplePeriod = 50 * time.Millisecond
	executor.ReadHeap = func() uint64 {
		defer func() { heapReads <- struct{}{} }()
		return heap.Load()
	}

	outcomes := make(chan Outcome, 1)
	go func() {
		outcomes <- executor.Execute(testJob(validWasm, JobKindPrepare, time.Hour))
	}()

	// Two waiters park on the fake clock: the deadline monitor and the
	// sampler's ticker. Fire the ticker twice with a heap spike in
	// between.
	fc.WaitForTimers(2)
	fc.Advance(50 * time.Millisecond)
	testutil.RequireReceive(t, heapReads, 5*time.Second, "waiting for first heap sample")

	heap.Store(5 << 20)
	fc.Advance(50 * time.Millisecond)
	testutil.RequireReceive(t, heapReads, 5*time.Second, "waiting for second heap sample")

	close(release)
	outcome := testutil.RequireReceive(t, outcomes, 5*time.Second, "waiting for outcome")

	if outcome.Err != nil {
		t.Fatalf("Execute error = %v, want success", outcome.Err)
	}
	stats := outcome.Stats.Memory.TrackerStats
	if stats == nil {
		t.Fatal("TrackerStats = nil, want sampler data")
	}
	if stats.Samples != 2 {
		t.Errorf("Samples = %d, want 2", stats.Samples)
	}
	if stats.PeakHeapBytes != 5<<20 {
		t.Errorf("PeakHeapBytes = %d, want %d", stats.PeakHeapBytes, 5<<20)
	}
	// The tracker's peak reflects heap growth over the first-sample
	// baseline: 5 MiB - 1 MiB.
	if outcome.Stats.Memory.PeakTrackedAlloc < 4<<20 {
		t.Errorf("PeakTrackedAlloc = %d, want >= %d", outcome.Stats.Memory.PeakTrackedAlloc, 4<<20)
	}
}

func TestExecuteFailsWhenCPUClockUnreadable(t *testing.T) {
	cpu := &fakeCPU{step: 1000}
	executor := newTestExecutor(t, &stubCompiler{}, cpu, clock.Fake(time.Unix(0, 0)))
	executor.CPUTime = func() (time.Duration, error) {
		return 0, errors.New("clock gone")
	}

	outcome := executor.Execute(testJob(validWasm, JobKindPrepare, time.Minute))
	if outcome.Err == nil || outcome.Err.Kind != ErrorKindIO {
		t.Fatalf("Execute = %+v, want io error", outcome)
	}
	if !strings.Contains(outcome.Err.Detail, "CPU clock") {
		t.Errorf("Detail = %q, want a CPU clock diagnostic", outcome.Err.Detail)
	}

	// The failed job must leave the executor clean: the tracker was
	// never armed, so the next job runs normally.
	executor.CPUTime = cpu.read
	outcome = executor.Execute(testJob(validWasm, JobKindPrepare, time.Minute))
	if outcome.Err != nil {
		t.Fatalf("Execute error = %v after clock recovery, want success", outcome.Err)
	}
}

func TestExecuteRepeatedJobsSameVariant(t *testing.T) {
	compiler := &stubCompiler{
		compile: func(code []byte) ([]byte, error) { return nil, errors.New("deterministic failure") },
	}
	executor := newTestExecutor(t, compiler, &fakeCPU{step: 1000}, clock.Fake(time.Unix(0, 0)))

	for run := 0; run < 3; run++ {
		outcome := executor.Execute(testJob(validWasm, JobKindPrepare, time.Minute))
		if outcome.Err == nil || outcome.Err.Kind != ErrorKindPreparation {
			t.Fatalf("run %d: Execute = %+v, want preparation error every run", run, outcome)
		}
	}
}
