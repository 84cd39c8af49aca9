// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package security

import "fmt"

// Capability names one isolation primitive the worker can be confined
// with.
type Capability string

const (
	// CapabilityLandlock restricts the worker's filesystem access.
	CapabilityLandlock Capability = "landlock"

	// CapabilitySeccomp restricts the worker's syscall surface.
	CapabilitySeccomp Capability = "seccomp"

	// CapabilityUserNamespace unshares a user namespace and changes
	// root, stripping the worker's view of the host filesystem and
	// its ambient privileges.
	CapabilityUserNamespace Capability = "user-namespace-unshare"
)

// Status records which isolation primitives the host kernel supports
// for worker processes. Computed once per process lifetime by
// [Probe.Run] and passed by value thereafter; never mutated.
type Status struct {
	CanEnableLandlock                    bool
	CanEnableSeccomp                     bool
	CanUnshareUserNamespaceAndChangeRoot bool
}

// SecureModeAvailable reports whether every mandatory capability is
// present. Landlock is optional under secure mode; the other two are
// not.
func (s Status) SecureModeAvailable() bool {
	return s.CanEnableSeccomp && s.CanUnshareUserNamespaceAndChangeRoot
}

// Missing returns the capabilities that are not available, in probe
// order.
func (s Status) Missing() []Capability {
	var missing []Capability
	if !s.CanEnableLandlock {
		missing = append(missing, CapabilityLandlock)
	}
	if !s.CanEnableSeccomp {
		missing = append(missing, CapabilitySeccomp)
	}
	if !s.CanUnshareUserNamespaceAndChangeRoot {
		missing = append(missing, CapabilityUserNamespace)
	}
	return missing
}

// CheckError is one failed capability check with its best-effort
// diagnostic (exit status, captured stderr, or spawn failure).
type CheckError struct {
	Capability Capability
	Detail     string
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	return fmt.Sprintf("cannot enable %s for workers: %s", e.Capability, e.Detail)
}

// AllowedInSecureMode reports whether this failure is tolerable under
// secure mode. Landlock is defense in depth over the namespace and
// seccomp confinement, so its absence downgrades to a warning; the
// others are mandatory.
func (e *CheckError) AllowedInSecureMode() bool {
	return e.Capability == CapabilityLandlock
}
