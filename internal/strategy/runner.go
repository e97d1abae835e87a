package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// RunResult captures the observable outcome of a control command.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes service control commands (self-tests, graceful reloads,
// map indexers). The coordinator never depends on a specific invocation
// mechanism; strategies receive a Runner and tests inject fakes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (RunResult, error)
}

// ExecRunner runs commands as subprocesses. Cancellation of ctx kills the
// process; a non-zero exit or timeout is an error carrying the captured
// stderr.
type ExecRunner struct {
	Logger pslog.Logger
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (RunResult, error) {
	logger := r.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	result := RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	logger.Debug("strategy.command",
		"command", name,
		"args", strings.Join(args, " "),
		"exit_code", result.ExitCode,
		"duration", result.Duration)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("strategy: %s timed out: %w", name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result, fmt.Errorf("strategy: %s exited %d: %s",
				name, result.ExitCode, firstLine(result.Stderr))
		}
		return result, fmt.Errorf("strategy: run %s: %w", name, err)
	}
	return result, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "(no output)"
	}
	return s
}
