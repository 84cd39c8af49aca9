// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package prepare bounds the compilation of untrusted candidate
// programs. It is the worker-process half of the system: [Run] serves
// framed jobs from the host connection one at a time, and [Executor]
// races each job's compile call against a CPU-time deadline and a
// memory ceiling, reporting whichever terminal signal arrives first.
//
// Three goroutines cooperate per job. The work goroutine decompresses
// and compiles the code; the monitor goroutine watches the process CPU
// clock against the job deadline; the sampler goroutine feeds live-heap
// readings to the memory tracker. The first of work-finished or
// deadline-exceeded wins the race. Memory exhaustion does not
// participate in the race at all: the tracker's hook fires inside the
// allocation path, writes a fixed sentinel frame to the host with raw
// system calls, and terminates the process on the spot.
//
// A deadline win abandons the work goroutine rather than cancelling
// it. The compile call is foreign code with no preemption point, so
// the host kills the worker process when it needs the resources back.
package prepare
