package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/maxkimambo/chainbuild/internal/dag"
)

// commandError classifies how a command ended.
type commandError struct {
	timedOut bool
	exitCode int
	err      error
}

func (e *commandError) Error() string {
	switch {
	case e.timedOut:
		return "timed out"
	case e.exitCode > 0:
		return fmt.Sprintf("exit status %d", e.exitCode)
	default:
		return e.err.Error()
	}
}

func (e *commandError) Unwrap() error { return e.err }

// report turns a command outcome into the task outcome: a non-zero exit is
// the task's own FAILURE, anything else is an ERROR.
func report(ectx *dag.ExecutionContext, what string, err error) {
	var ce *commandError
	if errors.As(err, &ce) && ce.exitCode > 0 {
		ectx.Failure(fmt.Sprintf("%s: %s", what, ce))
		return
	}
	ectx.Error(fmt.Sprintf("%s: %v", what, err))
}

// execSpec describes one command invocation.
type execSpec struct {
	argv    []string
	dir     string
	env     []string
	output  io.Writer
	timeout time.Duration
	// wrap routes the command through the run's remote execution strategy
	wrap bool
}

func run(ectx *dag.ExecutionContext, spec execSpec) error {
	argv := spec.argv
	if spec.wrap {
		wrapped, err := ectx.WrapCommand(argv)
		if err != nil {
			return fmt.Errorf("wrap command: %w", err)
		}
		argv = wrapped
	}

	ctx := ectx.Context()
	if spec.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	cmd.Stdout = spec.output
	cmd.Stderr = spec.output
	cmd.WaitDelay = 5 * time.Second

	ectx.Log().WithField("command", strings.Join(argv, " ")).Debug("Running command")
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return &commandError{timedOut: true, err: err}
	}
	if ectx.Context().Err() != nil {
		return &commandError{err: fmt.Errorf("interrupted: %w", err)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return &commandError{exitCode: exitErr.ExitCode(), err: err}
	}
	return &commandError{err: err}
}

// runCaptured runs a local helper command and folds its output into the error.
func runCaptured(ectx *dag.ExecutionContext, timeout time.Duration, dir string, argv ...string) error {
	var out bytes.Buffer
	err := run(ectx, execSpec{argv: argv, dir: dir, output: &out, timeout: timeout})
	if err != nil {
		if msg := strings.TrimSpace(out.String()); msg != "" {
			return fmt.Errorf("%s %s: %w: %s", argv[0], argv[1], err, lastLine(msg))
		}
		return fmt.Errorf("%s %s: %w", argv[0], argv[1], err)
	}
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
