// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package security determines and observes the isolation posture of
// preparation workers.
//
// [Probe] runs once at host startup: it spawns the worker binary with
// one single-shot check flag per isolation primitive (landlock,
// seccomp, user-namespace unshare with a changed root) and aggregates
// the exit statuses into a [Status]. The check implementations
// themselves ([CheckLandlock], [CheckSeccomp], [CheckUserNamespace])
// run inside the spawned worker, so the probe observes exactly what a
// future job's process would get.
//
// [Acquire] and [Handle.Scan] are the post-hoc side: around each job
// the host opens the kernel audit log (or the syslog fallback) and
// scans lines appended during the job for seccomp kills attributable
// to the worker's pid. Both halves are best effort and never fatal to
// the host.
package security
