// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package prepare

import (
	"fmt"
	"time"
)

// JobKind selects how far a preparation job goes.
type JobKind uint8

const (
	// JobKindPrepare compiles the code and persists the artifact.
	JobKindPrepare JobKind = iota

	// JobKindPrecheck additionally instantiates the compiled artifact
	// once, purely to surface construction errors before the artifact
	// is ever submitted for execution.
	JobKindPrecheck
)

// String returns the job kind name for log lines.
func (k JobKind) String() string {
	switch k {
	case JobKindPrepare:
		return "prepare"
	case JobKindPrecheck:
		return "precheck"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ExecutorParams is the per-job execution configuration supplied by
// the host. The worker extracts the memory ceiling and passes the rest
// through untouched; unknown CBOR fields are ignored so hosts can
// extend the bag without a lockstep worker upgrade.
type ExecutorParams struct {
	// MemoryLimitBytes caps tracked allocator usage during the job.
	// Zero means no ceiling: usage is still tracked for statistics.
	MemoryLimitBytes int64 `cbor:"memory_limit_bytes,omitempty"`
}

// PrepJob is one preparation request. Immutable once received; a
// worker executes exactly one job at a time.
type PrepJob struct {
	// Code is the validation code, raw or blob-compressed.
	Code []byte `cbor:"code"`

	// Params is the host-supplied execution configuration.
	Params ExecutorParams `cbor:"params"`

	// Timeout is the CPU-time budget for the job.
	Timeout time.Duration `cbor:"timeout"`

	// Kind selects prepare or precheck behavior.
	Kind JobKind `cbor:"kind"`
}

// Validate rejects jobs that cannot be executed. A validation failure
// is treated like a decode failure: the connection is no longer
// trustworthy and the serving loop terminates.
func (j *PrepJob) Validate() error {
	if len(j.Code) == 0 {
		return fmt.Errorf("job has no code")
	}
	if j.Timeout <= 0 {
		return fmt.Errorf("job timeout %v is not positive", j.Timeout)
	}
	if j.Kind != JobKindPrepare && j.Kind != JobKindPrecheck {
		return fmt.Errorf("unknown job kind %d", uint8(j.Kind))
	}
	if j.Params.MemoryLimitBytes < 0 {
		return fmt.Errorf("negative memory limit %d", j.Params.MemoryLimitBytes)
	}
	return nil
}

// TrackerStats is the memory sampler's view of a job: the peak
// live-heap figure it observed and how many samples it took.
type TrackerStats struct {
	PeakHeapBytes uint64 `cbor:"peak_heap_bytes"`
	Samples       uint32 `cbor:"samples"`
}

// MemoryStats aggregates the memory readings of one job.
type MemoryStats struct {
	// TrackerStats is nil when the sampler never ran (sampling is
	// platform-dependent and disabled under a zero sample period).
	TrackerStats *TrackerStats `cbor:"tracker_stats,omitempty"`

	// MaxRSSKiB is the OS-reported peak resident set in KiB, zero
	// when the reading was unavailable.
	MaxRSSKiB int64 `cbor:"max_rss_kib,omitempty"`

	// PeakTrackedAlloc is the allocation tracker's peak for the job.
	// The raw tracker figure is signed and can dip negative from
	// release-before-allocate ordering; it is clamped to zero before
	// it reaches the wire.
	PeakTrackedAlloc uint64 `cbor:"peak_tracked_alloc"`
}

// PrepareStats reports a successful job.
type PrepareStats struct {
	// CPUTime is the process CPU time consumed by the job.
	CPUTime time.Duration `cbor:"cpu_time"`

	// Memory carries the job's memory readings.
	Memory MemoryStats `cbor:"memory"`
}

// ErrorKind tags a job failure on the wire.
type ErrorKind uint8

const (
	// ErrorKindPrevalidation: the code was rejected before compilation.
	ErrorKindPrevalidation ErrorKind = iota

	// ErrorKindPreparation: the compiler itself failed.
	ErrorKindPreparation

	// ErrorKindPanic: the work goroutine panicked; the payload is
	// stringified into the detail.
	ErrorKindPanic

	// ErrorKindTimedOut: the CPU-time budget was exhausted.
	ErrorKindTimedOut

	// ErrorKindIO: a channel or filesystem failure unrelated to the
	// job's content.
	ErrorKindIO

	// ErrorKindRuntimeConstruction: precheck instantiation of the
	// compiled artifact failed.
	ErrorKindRuntimeConstruction
)

// String returns the error kind name.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindPrevalidation:
		return "prevalidation"
	case ErrorKindPreparation:
		return "preparation"
	case ErrorKindPanic:
		return "panic"
	case ErrorKindTimedOut:
		return "timed-out"
	case ErrorKindIO:
		return "io"
	case ErrorKindRuntimeConstruction:
		return "runtime-construction"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// JobError is a typed job failure. It crosses the wire tagged by Kind;
// Detail is a free-text diagnostic from the underlying layer, passed
// through rather than re-interpreted.
type JobError struct {
	Kind   ErrorKind `cbor:"kind"`
	Detail string    `cbor:"detail,omitempty"`
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// Outcome is the worker's reply to one job: exactly one of Stats or
// Err is set.
type Outcome struct {
	Stats *PrepareStats `cbor:"stats,omitempty"`
	Err   *JobError     `cbor:"error,omitempty"`
}

// successOutcome wraps stats in an Outcome.
func successOutcome(stats PrepareStats) Outcome {
	return Outcome{Stats: &stats}
}

// errorOutcome builds a failed Outcome.
func errorOutcome(kind ErrorKind, detail string) Outcome {
	return Outcome{Err: &JobError{Kind: kind, Detail: detail}}
}

// WaitOutcome is the tri-state terminal signal of the job race. The
// blocking waiter only ever observes Finished or TimedOut; Pending is
// the not-yet-decided state it sleeps through.
type WaitOutcome uint8

const (
	WaitPending WaitOutcome = iota
	WaitFinished
	WaitTimedOut
)
