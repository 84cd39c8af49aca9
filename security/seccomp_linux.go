// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-seccomp-bpf"
	"github.com/tidwall/jsonc"
)

// seccompPolicyJSONC is the worker syscall policy, authored as JSONC
// so the file can document itself.
//
//go:embed seccomp_policy.jsonc
var seccompPolicyJSONC []byte

// policyFile is the on-disk shape of the seccomp policy.
type policyFile struct {
	DefaultAction string        `json:"default_action"`
	Groups        []policyGroup `json:"groups"`
}

type policyGroup struct {
	Action string   `json:"action"`
	Names  []string `json:"names"`
}

// policyActions maps policy-file action names to BPF filter actions.
var policyActions = map[string]seccomp.Action{
	"allow":        seccomp.ActionAllow,
	"errno":        seccomp.ActionErrno,
	"trap":         seccomp.ActionTrap,
	"log":          seccomp.ActionLog,
	"trace":        seccomp.ActionTrace,
	"kill_thread":  seccomp.ActionKillThread,
	"kill_process": seccomp.ActionKillProcess,
}

// LoadSeccompPolicy parses the embedded policy file into a loadable
// filter policy.
func LoadSeccompPolicy() (seccomp.Policy, error) {
	var file policyFile
	if err := json.Unmarshal(jsonc.ToJSON(seccompPolicyJSONC), &file); err != nil {
		return seccomp.Policy{}, fmt.Errorf("parsing seccomp policy: %w", err)
	}

	defaultAction, ok := policyActions[file.DefaultAction]
	if !ok {
		return seccomp.Policy{}, fmt.Errorf("seccomp policy: unknown default action %q", file.DefaultAction)
	}
	policy := seccomp.Policy{DefaultAction: defaultAction}
	for _, group := range file.Groups {
		action, ok := policyActions[group.Action]
		if !ok {
			return seccomp.Policy{}, fmt.Errorf("seccomp policy: unknown action %q", group.Action)
		}
		if len(group.Names) == 0 {
			return seccomp.Policy{}, fmt.Errorf("seccomp policy: group with action %q names no syscalls", group.Action)
		}
		policy.Syscalls = append(policy.Syscalls, seccomp.SyscallGroup{
			Action: action,
			Names:  group.Names,
		})
	}
	return policy, nil
}

// CheckSeccomp builds the worker syscall policy and loads it onto the
// calling process with no-new-privs and thread synchronization, the
// exact configuration a confined worker uses.
func CheckSeccomp() error {
	policy, err := LoadSeccompPolicy()
	if err != nil {
		return err
	}
	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     policy,
	}
	if err := seccomp.LoadFilter(filter); err != nil {
		return fmt.Errorf("loading seccomp filter: %w", err)
	}
	return nil
}
