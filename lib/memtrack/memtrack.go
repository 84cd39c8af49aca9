// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package memtrack enforces the per-job memory ceiling and records peak
// usage for job statistics.
//
// A [Tracker] covers one tracking window (one preparation job). It is
// fed from two directions:
//
//   - Explicit accounting: code paths that materialize large buffers
//     the worker controls (code blob decompression, artifact assembly)
//     call [Tracker.Allocate] and [Tracker.Release] with the byte
//     counts they acquire and drop.
//   - Heap sampling: the executor's sampler goroutine periodically
//     reads the runtime's live-heap figure and reports it through
//     [Tracker.ObserveHeap]. The first sample after arming becomes the
//     window's baseline; subsequent samples contribute their growth
//     over that baseline.
//
// Explicitly accounted buffers live on the Go heap too, so the two
// feeds overlap rather than add; the ceiling is checked against the
// larger of the two at every update. Whichever update first pushes
// usage past the ceiling invokes the out-of-memory hook synchronously,
// while the tracker mutex is held, at most once per window.
//
// The hook must not allocate, directly or transitively. It is expected
// to write a pre-encoded sentinel to a saved file descriptor with raw
// system calls and terminate the process without unwinding; see the
// prepare package for the production hook.
package memtrack

import "sync"

// Tracker is a single-window memory ledger with an optional hard
// ceiling. The zero value is not armed; arm it with Start. All methods
// are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	armed   bool
	limit   int64
	onOOM   func()
	tripped bool

	// explicit is the net explicitly accounted byte count for the
	// current window. Releases of buffers acquired before the window
	// opened can drive it negative.
	explicit int64

	// heapBase is the first sampled heap figure after arming, or -1
	// before any sample arrives. heapLast is the most recent sample.
	heapBase int64
	heapLast int64

	peak         int64
	peakRecorded bool
}

// New returns an unarmed Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Start arms a tracking window. A non-positive limit records peak usage
// only and never fires the hook. Start panics if a window is already
// armed: windows must never overlap, one job at a time owns the
// tracker.
func (t *Tracker) Start(limit int64, onOOM func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		panic("memtrack: tracking window already armed")
	}
	t.armed = true
	t.limit = limit
	t.onOOM = onOOM
	t.tripped = false
	t.explicit = 0
	t.heapBase = -1
	t.heapLast = 0
	t.peak = 0
	t.peakRecorded = false
}

// End disarms the window and returns the peak usage observed, in
// bytes. The result is signed: release-before-allocate ordering across
// the window boundary can make it negative, and callers must clamp
// negative results to zero before reporting. End panics if no window
// is armed.
func (t *Tracker) End() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		panic("memtrack: End without an armed window")
	}
	t.armed = false
	t.onOOM = nil
	return t.peak
}

// Allocate records n explicitly accounted bytes acquired.
func (t *Tracker) Allocate(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return
	}
	t.explicit += n
	t.updateLocked()
}

// Release records n explicitly accounted bytes dropped.
func (t *Tracker) Release(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return
	}
	t.explicit -= n
	t.updateLocked()
}

// ObserveHeap records a sampled live-heap figure in bytes. The first
// observation of a window sets the baseline; later observations
// contribute sample-minus-baseline as heap growth.
func (t *Tracker) ObserveHeap(heapBytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return
	}
	sample := int64(heapBytes)
	if t.heapBase < 0 {
		t.heapBase = sample
	}
	t.heapLast = sample
	t.updateLocked()
}

// usageLocked returns the current usage figure: the larger of the
// explicit ledger and the sampled heap growth.
func (t *Tracker) usageLocked() int64 {
	usage := t.explicit
	if t.heapBase >= 0 {
		if growth := t.heapLast - t.heapBase; growth > usage {
			usage = growth
		}
	}
	return usage
}

// updateLocked folds the current usage into the peak and fires the
// out-of-memory hook if an armed ceiling has just been exceeded. The
// hook runs with t.mu held and fires at most once per window.
func (t *Tracker) updateLocked() {
	usage := t.usageLocked()
	if !t.peakRecorded || usage > t.peak {
		t.peak = usage
		t.peakRecorded = true
	}
	if t.limit > 0 && !t.tripped && usage > t.limit {
		t.tripped = true
		if t.onOOM != nil {
			t.onOOM()
		}
	}
}
