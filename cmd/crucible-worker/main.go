// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// crucible-worker is the preparation worker binary. Spawned by a host
// with --socket-path, it dials the control socket and serves framed
// preparation jobs one at a time until the host closes the connection.
//
// The single-shot --check-can-* flags make the binary attempt exactly
// one isolation primitive and exit zero on success; the host's
// security probe spawns the binary once per flag at startup to learn
// what the kernel supports.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/crucible-lab/crucible/lib/process"
	"github.com/crucible-lab/crucible/lib/version"
	"github.com/crucible-lab/crucible/prepare"
	"github.com/crucible-lab/crucible/security"
)

// versionMismatchExitCode is returned when --expect-version does not
// match the binary. Distinct from 1 so the host can name the problem.
const versionMismatchExitCode = 7

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	// The security check flags are single-shot and mutually exclusive
	// with serving: handle them before ordinary flag parsing. A nil
	// return exits zero; an error prints to stderr and exits nonzero,
	// which is exactly the contract the probe observes.
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case security.CheckFlagLandlock:
			return security.CheckLandlock()
		case security.CheckFlagSeccomp:
			return security.CheckSeccomp()
		case security.CheckFlagUserNamespace:
			return security.CheckUserNamespace()
		case security.StageFlagUsernsChild:
			if len(os.Args) != 3 {
				return fmt.Errorf("%s requires the scratch directory argument", security.StageFlagUsernsChild)
			}
			return security.UserNamespaceStage2(os.Args[2])
		}
	}

	var (
		socketPath    string
		workerDir     string
		artifactPath  string
		expectVersion string
		showVersion   bool
	)
	flag.StringVar(&socketPath, "socket-path", "", "control socket to dial (required)")
	flag.StringVar(&workerDir, "worker-dir", "", "scratch directory for this worker")
	flag.StringVar(&artifactPath, "artifact-path", "", "where to write each successful job's artifact (required)")
	flag.StringVar(&expectVersion, "expect-version", "", "host's expected worker version; mismatch refuses to serve")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("crucible-worker %s\n", version.Info())
		return nil
	}

	// A stale binary left behind by a partial deploy must not serve
	// jobs against a newer host's expectations.
	if expectVersion != "" && expectVersion != version.Short() {
		fmt.Fprintf(os.Stderr, "version mismatch: host expects %s, this binary is %s\n",
			expectVersion, version.Short())
		os.Exit(versionMismatchExitCode)
	}

	if socketPath == "" {
		return fmt.Errorf("--socket-path is required")
	}
	if artifactPath == "" {
		return fmt.Errorf("--artifact-path is required")
	}

	logLevel := slog.LevelInfo
	if os.Getenv("CRUCIBLE_DEBUG") == "1" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})).With("pid", os.Getpid())
	slog.SetDefault(logger)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	defer conn.Close()
	unixConn := conn.(*net.UnixConn)

	// The out-of-memory hook writes its sentinel through a duplicated
	// descriptor with raw system calls; arm it before the first job.
	oomFd, err := prepare.DupConnFd(unixConn)
	if err != nil {
		return fmt.Errorf("arming out-of-memory path: %w", err)
	}

	executor := prepare.NewExecutor(prepare.BasicCompiler{}, artifactPath, logger)
	executor.OnOOM = prepare.OOMHook(oomFd)

	// A termination signal closes the connection, which surfaces in
	// the serving loop as end of stream.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Info("shutting down on signal", "signal", sig.String())
		conn.Close()
	}()

	logger.Info("worker ready",
		"socket", socketPath,
		"worker_dir", workerDir,
		"version", version.Short(),
	)
	return prepare.Run(unixConn, executor, logger)
}
