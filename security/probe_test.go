// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
)

// stubChecks fakes the worker spawns: flags present in failures fail
// with the given error, everything else succeeds.
func stubChecks(t *testing.T, failures map[string]error) func(context.Context, string, string) error {
	t.Helper()
	var mu sync.Mutex
	seen := map[string]int{}
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for flag, count := range seen {
			if count != 1 {
				t.Errorf("flag %s spawned %d times, want 1", flag, count)
			}
		}
	})
	return func(_ context.Context, binary, flag string) error {
		mu.Lock()
		seen[flag]++
		mu.Unlock()
		if binary != "/opt/crucible/worker" {
			t.Errorf("spawned %q, want the configured worker binary", binary)
		}
		return failures[flag]
	}
}

func probeLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProbe(t *testing.T, failures map[string]error) *Probe {
	return &Probe{
		WorkerBinary: "/opt/crucible/worker",
		Logger:       probeLogger(),
		RunCheck:     stubChecks(t, failures),
	}
}

func TestProbeAllAvailable(t *testing.T) {
	if runtime.GOARCH != seccompArch {
		t.Skipf("seccomp probing is gated to %s", seccompArch)
	}
	status, err := newTestProbe(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := Status{
		CanEnableLandlock:                    true,
		CanEnableSeccomp:                     true,
		CanUnshareUserNamespaceAndChangeRoot: true,
	}
	if status != want {
		t.Errorf("status = %+v, want %+v", status, want)
	}
	if !status.SecureModeAvailable() {
		t.Error("SecureModeAvailable = false with every capability present")
	}
	if missing := status.Missing(); len(missing) != 0 {
		t.Errorf("Missing = %v, want none", missing)
	}
}

func TestProbeOptionalFailureIsNotAnError(t *testing.T) {
	if runtime.GOARCH != seccompArch {
		t.Skipf("seccomp probing is gated to %s", seccompArch)
	}
	status, err := newTestProbe(t, map[string]error{
		CheckFlagLandlock: fmt.Errorf("exit status 1"),
	}).Run(context.Background())

	if err != nil {
		t.Fatalf("Run = %v, want nil for a landlock-only failure", err)
	}
	if status.CanEnableLandlock {
		t.Error("CanEnableLandlock = true, want false")
	}
	if !status.SecureModeAvailable() {
		t.Error("SecureModeAvailable = false, landlock is optional under secure mode")
	}
}

func TestProbeMandatoryFailureIsAnError(t *testing.T) {
	if runtime.GOARCH != seccompArch {
		t.Skipf("seccomp probing is gated to %s", seccompArch)
	}
	status, err := newTestProbe(t, map[string]error{
		CheckFlagSeccomp: fmt.Errorf("exit status 1: seccomp(2) not permitted"),
	}).Run(context.Background())

	if err == nil {
		t.Fatal("Run = nil error for a seccomp failure, want error")
	}
	if !strings.Contains(err.Error(), "secure mode cannot be guaranteed") {
		t.Errorf("error = %q, want the secure-mode diagnostic", err)
	}
	// The status still reports what the other checks found.
	if !status.CanEnableLandlock || !status.CanUnshareUserNamespaceAndChangeRoot {
		t.Errorf("status = %+v, want the passing capabilities recorded", status)
	}
	if status.SecureModeAvailable() {
		t.Error("SecureModeAvailable = true without seccomp")
	}

	var checkErr *CheckError
	if !errors.As(err, &checkErr) {
		t.Fatalf("error chain %v does not carry a CheckError", err)
	}
	if checkErr.Capability != CapabilitySeccomp {
		t.Errorf("Capability = %s, want seccomp", checkErr.Capability)
	}
	if checkErr.AllowedInSecureMode() {
		t.Error("seccomp failure classified as allowed in secure mode, want mandatory")
	}
}

func TestProbeNamespaceStderrInDiagnostic(t *testing.T) {
	_, err := newTestProbe(t, map[string]error{
		CheckFlagUserNamespace: fmt.Errorf("exit status 1: unshared child: chroot /tmp/scratch: operation not permitted"),
	}).Run(context.Background())

	if err == nil || !strings.Contains(err.Error(), "operation not permitted") {
		t.Errorf("error = %v, want the captured child diagnostic", err)
	}
}

func TestCheckErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		capability Capability
		allowed    bool
	}{
		{CapabilityLandlock, true},
		{CapabilitySeccomp, false},
		{CapabilityUserNamespace, false},
	} {
		checkErr := &CheckError{Capability: tc.capability, Detail: "exit status 1"}
		if got := checkErr.AllowedInSecureMode(); got != tc.allowed {
			t.Errorf("%s: AllowedInSecureMode = %v, want %v", tc.capability, got, tc.allowed)
		}
	}
}

func TestStatusMissing(t *testing.T) {
	status := Status{CanEnableSeccomp: true}
	missing := status.Missing()
	if len(missing) != 2 {
		t.Fatalf("Missing = %v, want 2 entries", missing)
	}
	if missing[0] != CapabilityLandlock || missing[1] != CapabilityUserNamespace {
		t.Errorf("Missing = %v, want landlock then user-namespace-unshare", missing)
	}
}
