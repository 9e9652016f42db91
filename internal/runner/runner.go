// Package runner executes hypervisor management commands (PowerShell,
// VBoxManage) and captures their output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jbweber/provision/internal/logging"
)

// Runner runs an external command.
//
// In production, this is satisfied by *Exec.
// In tests, by fakes that return canned output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr, trimmed.
func (r Result) Combined() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Command string
	Result  Result
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.Result.ExitCode, msg)
}

// StartError is returned when a command could not be started at all
// (binary missing, permission denied) or was killed by its context.
type StartError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *StartError) Error() string {
	return fmt.Sprintf("failed to run %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *StartError) Unwrap() error {
	return e.Err
}

// Exec runs commands with os/exec.
type Exec struct {
	logger zerolog.Logger
}

// NewExec creates an Exec runner.
func NewExec() *Exec {
	return &Exec{logger: logging.Component("runner")}
}

// Run executes name with args. The process is killed when ctx is done.
func (e *Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	logging.LogCommand(e.logger, name, args)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, &StartError{Command: name, Err: ctxErr}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		e.logger.Debug().
			Str("command", name).
			Int("exit_code", res.ExitCode).
			Str("stderr", strings.TrimSpace(res.Stderr)).
			Msg("Command failed")
		return res, &ExitError{Command: name, Result: res}
	}

	return res, &StartError{Command: name, Err: err}
}
