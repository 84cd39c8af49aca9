// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// Single-shot check flags implemented by the worker binary. Each makes
// the binary attempt exactly one isolation primitive and exit zero on
// success, printing a diagnostic to stderr on failure.
const (
	CheckFlagLandlock      = "--check-can-enable-landlock"
	CheckFlagSeccomp       = "--check-can-enable-seccomp"
	CheckFlagUserNamespace = "--check-can-unshare-user-namespace-and-change-root"

	// StageFlagUsernsChild is internal to the user-namespace check:
	// the check re-executes the binary with this flag inside the new
	// namespaces, passing the scratch directory to chroot into.
	StageFlagUsernsChild = "--userns-stage-two"
)

// seccompArch is the one CPU architecture family the seccomp policy is
// maintained for. Elsewhere the check short-circuits to unavailable
// without spawning anything.
const seccompArch = "amd64"

// Probe determines worker isolation capabilities by spawning the
// worker binary once per check flag, concurrently. Safe to call once
// at host startup; the resulting Status is a plain value.
type Probe struct {
	// WorkerBinary is the preparation worker binary to spawn.
	WorkerBinary string

	Logger *slog.Logger

	// RunCheck spawns the binary with one check flag and returns nil
	// when the capability is available. Nil selects the real spawner;
	// tests inject their own.
	RunCheck func(ctx context.Context, binary, flag string) error
}

// Run probes all three capabilities and aggregates the results. The
// returned Status always reflects what the checks found; the error is
// non-nil only when a capability that is mandatory under secure mode
// is unavailable. Optional failures are logged as warnings.
func (p *Probe) Run(ctx context.Context) (Status, error) {
	runCheck := p.RunCheck
	if runCheck == nil {
		runCheck = spawnWorkerCheck
	}

	checks := []struct {
		capability Capability
		flag       string
		supported  bool
	}{
		{CapabilityLandlock, CheckFlagLandlock, true},
		{CapabilitySeccomp, CheckFlagSeccomp, runtime.GOARCH == seccompArch},
		{CapabilityUserNamespace, CheckFlagUserNamespace, true},
	}

	failures := make([]*CheckError, len(checks))
	var group sync.WaitGroup
	for i, check := range checks {
		if !check.supported {
			failures[i] = &CheckError{
				Capability: check.capability,
				Detail:     fmt.Sprintf("not supported on %s (requires %s)", runtime.GOARCH, seccompArch),
			}
			continue
		}
		group.Add(1)
		go func(i int, capability Capability, flag string) {
			defer group.Done()
			if err := runCheck(ctx, p.WorkerBinary, flag); err != nil {
				failures[i] = &CheckError{Capability: capability, Detail: err.Error()}
			}
		}(i, check.capability, check.flag)
	}
	group.Wait()

	status := Status{
		CanEnableLandlock:                    failures[0] == nil,
		CanEnableSeccomp:                     failures[1] == nil,
		CanUnshareUserNamespaceAndChangeRoot: failures[2] == nil,
	}

	var mandatory []error
	for _, failure := range failures {
		if failure == nil {
			continue
		}
		if failure.AllowedInSecureMode() {
			p.Logger.Warn("optional worker isolation capability unavailable",
				"capability", string(failure.Capability),
				"detail", failure.Detail,
			)
		} else {
			p.Logger.Error("mandatory worker isolation capability unavailable",
				"capability", string(failure.Capability),
				"detail", failure.Detail,
			)
			mandatory = append(mandatory, failure)
		}
	}
	if len(mandatory) > 0 {
		return status, fmt.Errorf("secure mode cannot be guaranteed: %w", errors.Join(mandatory...))
	}
	return status, nil
}

// spawnWorkerCheck runs one check flag against the real binary. A
// non-zero exit or spawn failure becomes an error carrying the exit
// status and whatever the check printed to stderr.
func spawnWorkerCheck(ctx context.Context, binary, flag string) error {
	cmd := exec.CommandContext(ctx, binary, flag)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if diagnostic := strings.TrimSpace(stderr.String()); diagnostic != "" {
		return fmt.Errorf("%w: %s", err, diagnostic)
	}
	return err
}
