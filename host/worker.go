// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package host is the host-side seam around preparation workers: it
// spawns the worker binary, submits framed jobs over the per-worker
// control socket, and classifies the ways a worker can fail to answer
// (out-of-memory sentinel, abnormal exit, silence past the deadline).
// Pool sizing and worker recycling policy belong to the caller.
package host

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crucible-lab/crucible/lib/codec"
	"github.com/crucible-lab/crucible/lib/frame"
	"github.com/crucible-lab/crucible/lib/version"
	"github.com/crucible-lab/crucible/prepare"
	"github.com/crucible-lab/crucible/security"
)

// ErrWorkerOutOfMemory reports that the worker hit its memory ceiling:
// it sent the out-of-memory sentinel (or died with the out-of-memory
// exit status) instead of a framed outcome.
var ErrWorkerOutOfMemory = errors.New("worker exceeded its memory ceiling")

// ErrWorkerDied reports that the worker exited without a well-formed
// reply for a reason other than memory exhaustion. No partial response
// from such a worker is valid.
var ErrWorkerDied = errors.New("worker died without a framed response")

// acceptTimeout bounds how long Spawn waits for the worker to dial the
// control socket.
const acceptTimeout = 10 * time.Second

// defaultResponseGrace is the wall-clock slack past a job's CPU budget
// before the host gives up on the connection. CPU time accrues no
// faster than wall time per thread, but compilation is multithreaded
// and the worker needs a moment to assemble the reply.
const defaultResponseGrace = 30 * time.Second

// Options configures a worker spawn.
type Options struct {
	// WorkerBinary is the preparation worker executable.
	WorkerBinary string

	// WorkerDir is the base directory for per-worker scratch
	// directories (control socket, artifact file).
	WorkerDir string

	// AuditLogPaths overrides the audit-log locations scanned for
	// seccomp violations. Empty means the built-in defaults.
	AuditLogPaths []string

	// ResponseGrace is the wall-clock slack past each job's CPU
	// budget. Zero selects the default.
	ResponseGrace time.Duration

	Logger *slog.Logger
}

// Worker is one spawned preparation worker process with its control
// connection. Execute one job at a time; a Worker is not safe for
// concurrent Execute calls.
type Worker struct {
	id         uuid.UUID
	dir        string
	cmd        *exec.Cmd
	conn       net.Conn
	auditPaths []string
	grace      time.Duration
	logger     *slog.Logger

	// reapOnce guards the single Wait on cmd: both the broken-exchange
	// path and Close need the exit status, and exec.Cmd.Wait must not
	// be called twice.
	reapOnce sync.Once
	reapDone chan struct{}
	reapErr  error
}

// Spawn starts a worker process and waits for it to dial the control
// socket. The worker inherits the host's stderr so its structured logs
// interleave with the host's.
func Spawn(opts Options) (*Worker, error) {
	id := uuid.New()
	logger := opts.Logger.With("worker", id.String()[:8])

	dir := filepath.Join(opts.WorkerDir, "worker-"+id.String()[:8])
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating worker directory: %w", err)
	}

	socketPath := filepath.Join(dir, "control.sock")
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer listener.Close()

	cmd := exec.Command(opts.WorkerBinary,
		"--socket-path", socketPath,
		"--worker-dir", dir,
		"--artifact-path", filepath.Join(dir, "artifact.crucible"),
		"--expect-version", version.Short(),
	)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	listener.(*net.UnixListener).SetDeadline(time.Now().Add(acceptTimeout))
	conn, err := listener.Accept()
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("worker never connected: %w", err)
	}

	grace := opts.ResponseGrace
	if grace <= 0 {
		grace = defaultResponseGrace
	}
	logger.Info("worker spawned", "pid", cmd.Process.Pid, "dir", dir)
	return &Worker{
		id:         id,
		dir:        dir,
		cmd:        cmd,
		conn:       conn,
		auditPaths: opts.AuditLogPaths,
		grace:      grace,
		logger:     logger,
	}, nil
}

// ID returns the worker's correlation id.
func (w *Worker) ID() uuid.UUID { return w.id }

// Pid returns the worker process id.
func (w *Worker) Pid() int { return w.cmd.Process.Pid }

// ArtifactPath is where this worker writes each successful job's
// artifact container. The caller relocates the file before it
// submits another job whose artifact it wants to keep.
func (w *Worker) ArtifactPath() string {
	return filepath.Join(w.dir, "artifact.crucible")
}

// Execute submits one job and waits for its outcome. Seccomp
// violations logged by the kernel during the job and attributable to
// this worker's pid are returned alongside, best effort.
//
// A sentinel reply or an out-of-memory exit maps to
// ErrWorkerOutOfMemory; any other death without a framed response maps
// to an error wrapping ErrWorkerDied. After either, the Worker is
// spent: Close it and spawn a replacement.
func (w *Worker) Execute(job prepare.PrepJob) (prepare.Outcome, []security.SeccompViolation, error) {
	handle := security.Acquire(w.logger, w.auditPaths...)
	if handle != nil {
		defer handle.Close()
	}

	outcome, exchangeErr := exchangeJob(w.conn, job, job.Timeout+w.grace)

	var violations []security.SeccompViolation
	if handle != nil {
		scanned, err := handle.Scan(w.Pid())
		if err != nil {
			w.logger.Warn("audit scan failed", "error", err)
		}
		violations = scanned
		for _, violation := range violations {
			w.logger.Warn("seccomp violation attributed to worker",
				"syscall", violation.SyscallNumber,
			)
		}
	}

	if exchangeErr != nil {
		return prepare.Outcome{}, violations, w.classifyExchangeFailure(exchangeErr)
	}
	return outcome, violations, nil
}

// reap waits for the worker process in a dedicated goroutine, started
// at most once per Worker. The returned channel closes when the
// process has been collected; reapErr and cmd.ProcessState are valid
// after that.
func (w *Worker) reap() <-chan struct{} {
	w.reapOnce.Do(func() {
		w.reapDone = make(chan struct{})
		go func() {
			w.reapErr = w.cmd.Wait()
			close(w.reapDone)
		}()
	})
	return w.reapDone
}

// classifyExchangeFailure turns a failed job exchange into the
// host-facing error, folding in the worker's exit status when the
// process is already gone.
func (w *Worker) classifyExchangeFailure(exchangeErr error) error {
	if errors.Is(exchangeErr, ErrWorkerOutOfMemory) {
		return exchangeErr
	}

	// Reap the process if it died; a worker that is still alive after
	// a broken exchange is killed by Close instead.
	select {
	case <-w.reap():
		if w.cmd.ProcessState.ExitCode() == prepare.OOMExitCode {
			return fmt.Errorf("%w (exit status %d)", ErrWorkerOutOfMemory, prepare.OOMExitCode)
		}
		if w.reapErr != nil {
			return fmt.Errorf("%w: %v (%v)", ErrWorkerDied, exchangeErr, w.reapErr)
		}
		return fmt.Errorf("%w: %v", ErrWorkerDied, exchangeErr)
	case <-time.After(time.Second):
		return fmt.Errorf("job exchange failed with worker still running: %w", exchangeErr)
	}
}

// exchangeJob writes one framed job and reads one framed reply within
// the deadline, translating the out-of-memory sentinel.
func exchangeJob(conn net.Conn, job prepare.PrepJob, deadline time.Duration) (prepare.Outcome, error) {
	payload, err := codec.Marshal(job)
	if err != nil {
		return prepare.Outcome{}, fmt.Errorf("encoding job: %w", err)
	}

	conn.SetDeadline(time.Now().Add(deadline))
	defer conn.SetDeadline(time.Time{})

	if err := frame.Write(conn, payload); err != nil {
		return prepare.Outcome{}, fmt.Errorf("sending job: %w", err)
	}
	response, err := frame.Read(conn)
	if err != nil {
		return prepare.Outcome{}, fmt.Errorf("reading outcome: %w", err)
	}

	if prepare.IsOOMSentinel(response) {
		return prepare.Outcome{}, ErrWorkerOutOfMemory
	}

	var outcome prepare.Outcome
	if err := codec.Unmarshal(response, &outcome); err != nil {
		return prepare.Outcome{}, fmt.Errorf("decoding outcome: %w", err)
	}
	if outcome.Stats == nil && outcome.Err == nil {
		return prepare.Outcome{}, fmt.Errorf("malformed outcome: neither stats nor error set")
	}
	if outcome.Stats != nil && outcome.Err != nil {
		return prepare.Outcome{}, fmt.Errorf("malformed outcome: both stats and error set")
	}
	return outcome, nil
}

// Close tears the worker down: close the connection, kill the process,
// wait for the reaper to collect it, and remove the scratch directory.
func (w *Worker) Close() error {
	w.conn.Close()
	// Kill is a no-op on a process that already exited.
	w.cmd.Process.Kill()
	<-w.reap()
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("removing worker directory: %w", err)
	}
	return nil
}
