// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package security

import "errors"

// The isolation primitives are Linux kernel features; non-Linux builds
// of the worker exist for development tooling only and report every
// capability as unavailable.

var errLinuxOnly = errors.New("requires a Linux kernel")

func CheckLandlock() error { return errLinuxOnly }

func CheckSeccomp() error { return errLinuxOnly }

func CheckUserNamespace() error { return errLinuxOnly }

func UserNamespaceStage2(scratch string) error { return errLinuxOnly }
