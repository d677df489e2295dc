// Package sandbox runs commands either directly on the host or inside a
// hardened container.
//
// ProcessSandbox is the direct backend: an isolated process group, a filtered
// environment, capped output buffers and graceful-then-forced termination.
// DockerSandbox is the container engine, in persistent or one-shot mode.
// Both report failures as ExecutionResult values rather than errors.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Execution modes chosen by the router.
const (
	ModeDirect  = "direct"
	ModeSandbox = "sandbox"
)

// Container network modes.
const (
	NetworkNone   = "none"
	NetworkBridge = "bridge"
)

const (
	// TimeoutExitCode is the sentinel reported for timed-out commands.
	TimeoutExitCode = 124

	// FailureExitCode is reported when the command never produced an exit
	// status (spawn errors, runtime errors, cancellation).
	FailureExitCode = -1

	// MaxOutputBytes caps stdout and stderr independently.
	MaxOutputBytes = 1 << 20 // 1 MiB

	// GracePeriod separates the polite stop signal from the forced kill.
	GracePeriod = 3 * time.Second

	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrEmptyCommand is returned for requests without a command.
	ErrEmptyCommand = errors.New("empty command")

	// ErrClosed is reported once a sandbox has been disposed.
	ErrClosed = errors.New("sandbox closed")
)

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// Streamer executes commands and yields their output incrementally.
type Streamer interface {
	ExecuteStream(ctx context.Context, req ExecutionRequest) *Stream
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is a shell command line, run through the platform shell.
	Command string `json:"command"`

	// WorkingDir overrides the executor's current directory.
	WorkingDir string `json:"working_dir,omitempty"`

	// Timeout bounds the run. Zero means DefaultTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Env adds variables on top of the filtered base environment. Values
	// still go through the secret filter.
	Env map[string]string `json:"env,omitempty"`

	// Stdin is written to the command's standard input.
	Stdin string `json:"stdin,omitempty"`

	// Network is the container network mode ("none" or "bridge").
	// Ignored by the direct backend.
	Network string `json:"network,omitempty"`
}

// ExecutionResult captures the outcome of a command.
//
// When TimedOut is true, ExitCode is TimeoutExitCode and says nothing about
// how the command itself would have finished.
type ExecutionResult struct {
	ExitCode    int           `json:"exit_code"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	Duration    time.Duration `json:"duration"`
	TimedOut    bool          `json:"timed_out"`
	ContainerID string        `json:"container_id,omitempty"`
	Truncated   bool          `json:"truncated,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Success reports a normal zero exit.
func (r *ExecutionResult) Success() bool {
	return r != nil && !r.TimedOut && r.Error == "" && r.ExitCode == 0
}

// ErrorOutput returns the most useful failure text: stderr when present,
// otherwise stdout, otherwise the runtime error.
func (r *ExecutionResult) ErrorOutput() string {
	if r == nil {
		return ""
	}
	for _, s := range []string{r.Stderr, r.Stdout, r.Error} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func failedResult(err error, duration time.Duration) *ExecutionResult {
	return &ExecutionResult{
		ExitCode: FailureExitCode,
		Stderr:   err.Error(),
		Duration: duration,
		Error:    err.Error(),
	}
}

