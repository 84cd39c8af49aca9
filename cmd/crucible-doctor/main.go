// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// crucible-doctor probes the worker isolation capabilities of the
// current machine and reports them. It spawns the configured worker
// binary once per capability check, exactly as a host does at startup,
// so its verdict is the verdict production would get.
//
// Under secure mode "require" the doctor exits nonzero when a
// mandatory capability is missing, making it usable as a deploy-time
// gate.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/crucible-lab/crucible/lib/config"
	"github.com/crucible-lab/crucible/lib/process"
	"github.com/crucible-lab/crucible/lib/version"
	"github.com/crucible-lab/crucible/security"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("crucible-doctor", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to crucible.yaml (defaults to $CRUCIBLE_CONFIG, then built-in defaults)")
	workerBinary := flags.String("worker-binary", "", "worker binary to probe (overrides the config)")
	jsonOutput := flags.Bool("json", false, "print the result as JSON")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("crucible-doctor %s\n", version.Info())
		return nil
	}

	logger := newCommandLogger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	if cfg.Security.Mode == config.SecureModeDisabled {
		fmt.Println("secure mode is disabled in the configuration; nothing to probe")
		return nil
	}

	binary := *workerBinary
	if binary == "" {
		binary, err = cfg.WorkerBinaryPath()
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probe := &security.Probe{WorkerBinary: binary, Logger: logger}
	status, probeErr := probe.Run(ctx)

	if *jsonOutput {
		if err := printJSON(status); err != nil {
			return err
		}
	} else {
		printTable(binary, status)
	}

	if probeErr != nil && cfg.Security.Mode == config.SecureModeRequire {
		return probeErr
	}
	return nil
}

// loadConfig resolves the doctor's configuration: explicit flag, then
// $CRUCIBLE_CONFIG, then built-in defaults (the doctor is a diagnostic
// tool and must run on machines with no config at all).
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv("CRUCIBLE_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printTable(binary string, status security.Status) {
	fmt.Printf("worker binary: %s\n\n", binary)
	rows := []struct {
		capability security.Capability
		available  bool
		role       string
	}{
		{security.CapabilityLandlock, status.CanEnableLandlock, "optional"},
		{security.CapabilitySeccomp, status.CanEnableSeccomp, "mandatory"},
		{security.CapabilityUserNamespace, status.CanUnshareUserNamespaceAndChangeRoot, "mandatory"},
	}
	for _, row := range rows {
		verdict := "ok"
		if !row.available {
			verdict = "unavailable"
		}
		fmt.Printf("  %-24s %-12s (%s under secure mode)\n", row.capability, verdict, row.role)
	}
	fmt.Println()
	if status.SecureModeAvailable() {
		fmt.Println("secure mode: available")
	} else {
		fmt.Println("secure mode: NOT available")
	}
}

func printJSON(status security.Status) error {
	report := struct {
		CanEnableLandlock                    bool                  `json:"can_enable_landlock"`
		CanEnableSeccomp                     bool                  `json:"can_enable_seccomp"`
		CanUnshareUserNamespaceAndChangeRoot bool                  `json:"can_unshare_user_namespace_and_change_root"`
		SecureModeAvailable                  bool                  `json:"secure_mode_available"`
		Missing                              []security.Capability `json:"missing,omitempty"`
	}{
		CanEnableLandlock:                    status.CanEnableLandlock,
		CanEnableSeccomp:                     status.CanEnableSeccomp,
		CanUnshareUserNamespaceAndChangeRoot: status.CanUnshareUserNamespaceAndChangeRoot,
		SecureModeAvailable:                  status.SecureModeAvailable(),
		Missing:                              status.Missing(),
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

// newCommandLogger writes human-readable logs when stderr is a
// terminal and JSON otherwise, so piped doctor output stays machine
// parseable.
func newCommandLogger() *slog.Logger {
	logLevel := slog.LevelInfo
	if os.Getenv("CRUCIBLE_DEBUG") == "1" {
		logLevel = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
