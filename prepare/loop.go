// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package prepare

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/crucible-lab/crucible/lib/codec"
	"github.com/crucible-lab/crucible/lib/frame"
)

// Run serves preparation jobs from the host connection until it
// closes. One job at a time: read a frame, decode and validate the
// job, execute it, write the framed outcome.
//
// A decode or validation failure of an incoming job terminates the
// loop with an error rather than producing a per-job error response:
// once the framing cannot be trusted, neither can anything after it.
// A clean close of the connection returns nil.
func Run(channel io.ReadWriter, executor *Executor, logger *slog.Logger) error {
	for jobIndex := 0; ; jobIndex++ {
		payload, err := frame.Read(channel)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("host connection closed", "jobs_served", jobIndex)
				return nil
			}
			return fmt.Errorf("reading job frame: %w", err)
		}

		var job PrepJob
		if err := codec.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("decoding job: %w", err)
		}
		if err := job.Validate(); err != nil {
			return fmt.Errorf("invalid job: %w", err)
		}

		logger.Info("job received",
			"job_index", jobIndex,
			"kind", job.Kind.String(),
			"code_bytes", len(job.Code),
			"timeout", job.Timeout,
		)
		outcome := executor.Execute(job)

		response, err := codec.Marshal(outcome)
		if err != nil {
			return fmt.Errorf("encoding outcome: %w", err)
		}
		if err := frame.Write(channel, response); err != nil {
			return fmt.Errorf("writing outcome frame: %w", err)
		}
	}
}
