package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Command describes one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the parent environment.
	Env []string
	// Timeout bounds the invocation when positive; zero means no bound
	// beyond the caller's context.
	Timeout time.Duration
}

// Result captures the outcome of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout and stderr joined for log messages.
func (r Result) Combined() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes external processes. Implementations perform no retries;
// the caller decides how to react to failures.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

// New returns the process-backed runner.
func New() ExecRunner {
	return ExecRunner{}
}

// Run executes the command and captures stdout, stderr and the exit code.
// A non-zero exit is returned as an error alongside the captured output.
func (ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Name == "" {
		return Result{}, errors.New("command name cannot be empty")
	}
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	proc := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = append(os.Environ(), cmd.Env...)

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return result, fmt.Errorf("command %s timed out: %w", cmd.Name, ctx.Err())
		}
		return result, fmt.Errorf("command %s exited with status %d", cmd.Name, result.ExitCode)
	default:
		result.ExitCode = -1
		if ctx.Err() != nil {
			return result, fmt.Errorf("command %s timed out: %w", cmd.Name, ctx.Err())
		}
		return result, fmt.Errorf("run command %s: %w", cmd.Name, err)
	}
}
