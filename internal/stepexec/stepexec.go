// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package stepexec runs stage binaries as supervised subprocesses. Arguments
// only, no shell; output capture is bounded; on deadline the whole process
// group gets SIGTERM, a grace period, then SIGKILL.
package stepexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/storymill/internal/fsutil"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/procgroup"
)

const (
	// DefaultCaptureLimit bounds each captured stream at 1 MiB.
	DefaultCaptureLimit = 1 << 20
	// DefaultGrace is the SIGTERM-to-SIGKILL window.
	DefaultGrace = 5 * time.Second

	errTailLines = 20
)

// Spec describes one step invocation.
type Spec struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string // extra KEY=VAL entries appended to the parent env
	Timeout time.Duration
	Grace   time.Duration
}

// Result is the observed outcome of a finished step.
type Result struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	Duration        time.Duration
	TimedOut        bool
}

// Failure maps the result onto the driver's typed failure set: deadline hits
// are transient, nonzero exits permanent. Nil when the step succeeded.
func (r *Result) Failure() *model.StageFailure {
	switch {
	case r.TimedOut:
		return model.Transient(model.ReasonStepTimeout,
			fmt.Errorf("step timed out after %s; stderr: %s", r.Duration.Round(time.Millisecond), errTail(r.Stderr)))
	case r.ExitCode != 0:
		return model.Permanent(model.ReasonStepFailed,
			fmt.Errorf("step exited %d; stderr: %s", r.ExitCode, errTail(r.Stderr)))
	}
	return nil
}

// Run executes the spec and waits for it to finish. An error return means
// the step never ran or the context was cancelled; process-level outcomes
// land in the Result.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Path == "" {
		return nil, errors.New("stepexec: empty path")
	}
	path := spec.Path
	if filepath.IsAbs(path) {
		if err := fsutil.IsRegularFile(path); err != nil {
			return nil, fmt.Errorf("stepexec: %w", err)
		}
	} else {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return nil, fmt.Errorf("stepexec: %w", err)
		}
		path = resolved
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command(path, spec.Args...) // #nosec G204 -- path validated above, args are never shell-parsed
	procgroup.Set(cmd)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Env, spec.Env...)
	}

	stdout := NewTailBuffer(DefaultCaptureLimit)
	stderr := NewTailBuffer(DefaultCaptureLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger := log.WithComponent("stepexec")
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stepexec: start %s: %w", filepath.Base(path), err)
	}
	logger.Debug().Str("command", cmd.String()).Str(log.FieldPath, spec.Dir).Msg("step started")

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waitCh:
	case <-runCtx.Done():
		grace := spec.Grace
		if grace <= 0 {
			grace = DefaultGrace
		}
		waitErr = procgroup.Terminate(cmd, waitCh, grace)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			timedOut = true
		} else {
			// Parent shutdown, not a step deadline; surface the
			// cancellation so the claim is released untouched.
			return nil, ctx.Err()
		}
	}

	res := &Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		Duration:        time.Since(start),
		TimedOut:        timedOut,
	}
	switch {
	case timedOut:
		res.ExitCode = -1
	case waitErr == nil:
		res.ExitCode = 0
	default:
		res.ExitCode = 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}

	ev := logger.Debug()
	if res.ExitCode != 0 {
		ev = logger.Warn()
	}
	ev.Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("duration", res.Duration).
		Str("command", filepath.Base(path)).
		Msg("step finished")

	return res, nil
}

// errTail keeps failure messages short: the last few stderr lines.
func errTail(s string) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return "<no stderr>"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > errTailLines {
		lines = lines[len(lines)-errTailLines:]
	}
	return strings.Join(lines, "\n")
}
