package runner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/cmdguard/internal/router"
)

var (
	ErrValidationDenied   = errors.New("command denied by validation")
	ErrConfirmationDenied = errors.New("command declined")
	ErrExecutionFailed    = errors.New("command failed")
	ErrTimedOut           = errors.New("command timed out")
	ErrRecoveryExhausted  = errors.New("recovery attempts exhausted")

	// ErrSandboxUnavailable never fails a command. It is only reported as
	// Decision.Warning when a sandboxed command was downgraded.
	ErrSandboxUnavailable = router.ErrSandboxUnavailable
)

// DeniedError is a validation denial. It always names the stage.
type DeniedError struct {
	Stage  string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s (stage %s)", ErrValidationDenied, e.Reason, e.Stage)
}

func (e *DeniedError) Unwrap() error { return ErrValidationDenied }

// ConfirmationError is a declined confirmation. Feedback is what the user
// asked the agent to do instead, if anything.
type ConfirmationError struct {
	Feedback string
}

func (e *ConfirmationError) Error() string {
	if e.Feedback == "" {
		return ErrConfirmationDenied.Error()
	}
	return fmt.Sprintf("%s: %s", ErrConfirmationDenied, e.Feedback)
}

func (e *ConfirmationError) Unwrap() error { return ErrConfirmationDenied }

// ExecutionError is a command that ran and did not succeed.
type ExecutionError struct {
	ExitCode int
	Stderr   string
	TimedOut bool
}

func (e *ExecutionError) Error() string {
	if e.TimedOut {
		return ErrTimedOut.Error()
	}
	msg := fmt.Sprintf("%s with exit code %d", ErrExecutionFailed, e.ExitCode)
	if s := firstLine(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	if e.TimedOut {
		return ErrTimedOut
	}
	return ErrExecutionFailed
}

// RecoveryError reports that every fix attempt failed. The original
// failure stays reachable through errors.Is and errors.As.
type RecoveryError struct {
	Attempts int
	Original error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRecoveryExhausted, e.Attempts, e.Original)
}

func (e *RecoveryError) Unwrap() []error { return []error{ErrRecoveryExhausted, e.Original} }

// ExitCode maps an outcome error to the CLI exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrValidationDenied), errors.Is(err, ErrConfirmationDenied):
		return 2
	case errors.Is(err, ErrTimedOut):
		return 124
	default:
		return 1
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
