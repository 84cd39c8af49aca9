// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package memtrack

import "testing"

func TestPeakTracksHighWater(t *testing.T) {
	tracker := New()
	tracker.Start(0, nil)

	tracker.Allocate(100)
	tracker.Allocate(50)
	tracker.Release(120)
	tracker.Allocate(10)

	if peak := tracker.End(); peak != 150 {
		t.Errorf("peak = %d, want 150", peak)
	}
}

func TestNoLimitNeverFiresHook(t *testing.T) {
	fired := 0
	tracker := New()
	tracker.Start(0, func() { fired++ })

	for i := 0; i < 100; i++ {
		tracker.Allocate(1 << 30)
	}
	tracker.End()

	if fired != 0 {
		t.Errorf("hook fired %d times with no limit, want 0", fired)
	}
}

func TestHookFiresAtMostOnce(t *testing.T) {
	fired := 0
	tracker := New()
	tracker.Start(100, func() { fired++ })

	tracker.Allocate(150)
	if fired != 1 {
		t.Fatalf("hook fired %d times after first breach, want 1", fired)
	}

	tracker.Allocate(1 << 20)
	tracker.ObserveHeap(1 << 30)
	tracker.Release(5)
	if fired != 1 {
		t.Errorf("hook fired %d times total, want 1", fired)
	}
	tracker.End()
}

func TestHookNotFiredAtExactLimit(t *testing.T) {
	fired := 0
	tracker := New()
	tracker.Start(100, func() { fired++ })

	tracker.Allocate(100)
	if fired != 0 {
		t.Errorf("hook fired at exactly the limit, want only above it")
	}
	tracker.Allocate(1)
	if fired != 1 {
		t.Errorf("hook fired %d times one byte over the limit, want 1", fired)
	}
	tracker.End()
}

func TestNegativePeakFromUnmatchedRelease(t *testing.T) {
	tracker := New()
	tracker.Start(0, nil)

	// A buffer acquired before the window opened is released inside
	// it: the ledger dips below zero and the peak records that.
	tracker.Release(64)

	if peak := tracker.End(); peak != -64 {
		t.Errorf("peak = %d, want -64", peak)
	}
}

func TestEmptyWindowPeakZero(t *testing.T) {
	tracker := New()
	tracker.Start(0, nil)
	if peak := tracker.End(); peak != 0 {
		t.Errorf("peak = %d, want 0", peak)
	}
}

func TestObserveHeapBaselineGrowth(t *testing.T) {
	fired := 0
	tracker := New()
	tracker.Start(120, func() { fired++ })

	tracker.ObserveHeap(1000) // baseline
	tracker.ObserveHeap(1100) // growth 100, under the ceiling
	if fired != 0 {
		t.Fatalf("hook fired at growth 100 with limit 120")
	}
	tracker.ObserveHeap(1220) // growth 220
	if fired != 1 {
		t.Errorf("hook fired %d times at growth 220 with limit 120, want 1", fired)
	}

	if peak := tracker.End(); peak != 220 {
		t.Errorf("peak = %d, want 220", peak)
	}
}

func TestUsageIsMaxOfFeedsNotSum(t *testing.T) {
	tracker := New()
	tracker.Start(0, nil)

	tracker.Allocate(300)
	tracker.ObserveHeap(1000)
	tracker.ObserveHeap(1200) // growth 200, below the explicit ledger

	if peak := tracker.End(); peak != 300 {
		t.Errorf("peak = %d, want 300 (feeds overlap, larger wins)", peak)
	}
}

func TestFeedsIgnoredWhenUnarmed(t *testing.T) {
	tracker := New()
	tracker.Allocate(100)
	tracker.ObserveHeap(1 << 20)
	tracker.Release(50)

	tracker.Start(0, nil)
	if peak := tracker.End(); peak != 0 {
		t.Errorf("peak = %d after pre-window feeds, want 0", peak)
	}
}

func TestStartWhileArmedPanics(t *testing.T) {
	tracker := New()
	tracker.Start(0, nil)
	defer tracker.End()

	defer func() {
		if recover() == nil {
			t.Error("second Start did not panic")
		}
	}()
	tracker.Start(0, nil)
}

func TestEndWithoutStartPanics(t *testing.T) {
	tracker := New()
	defer func() {
		if recover() == nil {
			t.Error("End without Start did not panic")
		}
	}()
	tracker.End()
}

func TestWindowsResetBetweenJobs(t *testing.T) {
	fired := 0
	tracker := New()

	tracker.Start(100, func() { fired++ })
	tracker.Allocate(200)
	tracker.End()
	if fired != 1 {
		t.Fatalf("first window: hook fired %d times, want 1", fired)
	}

	tracker.Start(100, func() { fired++ })
	tracker.Allocate(50)
	if peak := tracker.End(); peak != 50 {
		t.Errorf("second window peak = %d, want 50", peak)
	}
	if fired != 1 {
		t.Errorf("second window re-fired the hook: %d total", fired)
	}
}
