// Package shell implements the agent-facing shell tools. Every command goes
// through the runner, so validation, routing, confirmation and auditing
// apply exactly as they do on the CLI.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/cmdguard/internal/router"
	"github.com/jkaninda/cmdguard/internal/runner"
	"github.com/jkaninda/cmdguard/internal/security"
	"github.com/jkaninda/cmdguard/internal/tools"
	"github.com/jkaninda/cmdguard/internal/validation"
)

// Runner is the part of *runner.Runner the shell tools use.
type Runner interface {
	Run(ctx context.Context, req runner.Request) *runner.Outcome
	Route(ctx context.Context, command string) (validation.Verdict, router.Decision)
}

// Tool executes shell commands.
type Tool struct {
	runner Runner
	logger *slog.Logger
}

// NewTool creates the shell_exec tool.
func NewTool(r Runner, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{runner: r, logger: logger}
}

func (t *Tool) Name() string { return "shell_exec" }
func (t *Tool) Description() string {
	return "Execute a shell command. Dangerous commands are denied, commands that may run third-party code are isolated in a container, and the user may be asked to confirm."
}
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":     map[string]any{"type": "string", "description": "The shell command to execute"},
			"timeout":     map[string]any{"type": "string", "description": "Duration string (e.g. '10s', '1m'), overrides default timeout"},
			"timeout_ms":  map[string]any{"type": "integer", "description": "Timeout in milliseconds, used when timeout is not set"},
			"working_dir": map[string]any{"type": "string", "description": "Working directory override"},
			"stdin":       map[string]any{"type": "string", "description": "Data written to the command's standard input"},
		},
		"required": []string{"command"},
	}
}

// Validate checks that required params are present and well-formed.
func (t *Tool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "command"); err != nil {
		return err
	}
	_, err := timeoutParam(params)
	return err
}

// Execute runs the command through the runner. Denials and failed commands
// are returned as unsuccessful results with the reason in the output.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	command, err := tools.RequireString(params, "command")
	if err != nil {
		return nil, err
	}
	timeout, err := timeoutParam(params)
	if err != nil {
		return nil, err
	}
	req := runner.Request{Command: command, Timeout: timeout}
	if dir, ok := params["working_dir"].(string); ok {
		req.WorkingDir = dir
	}
	if stdin, ok := params["stdin"].(string); ok {
		req.Stdin = stdin
	}

	t.logger.InfoContext(ctx, "shell tool executing",
		slog.String("command", security.TruncateCommand(command)),
	)

	out := t.runner.Run(ctx, req)
	return FormatOutcome(out), nil
}

// FormatOutcome renders an outcome as a tool result.
func FormatOutcome(out *runner.Outcome) *tools.Result {
	meta := map[string]any{
		"exit_code": out.ExitCode(),
	}
	if out.Decision.Mode != "" {
		meta["mode"] = out.Decision.Mode
		meta["network"] = out.Decision.Network
	}
	if out.Decision.Downgraded {
		meta["warning"] = out.Decision.Warning
	}
	if out.Checkpoint != "" {
		meta["checkpoint"] = out.Checkpoint
	}

	var denied *runner.DeniedError
	var declined *runner.ConfirmationError
	switch {
	case errors.As(out.Err, &denied):
		meta["denied"] = true
		meta["stage"] = denied.Stage
		return &tools.Result{Output: "Command denied: " + denied.Reason, Metadata: meta}
	case errors.As(out.Err, &declined):
		meta["declined"] = true
		msg := "The user declined to run this command."
		if declined.Feedback != "" {
			msg += " Feedback: " + declined.Feedback
		}
		return &tools.Result{Output: msg, Metadata: meta}
	}

	res := out.Result
	var sb strings.Builder
	if res != nil {
		meta["exit_code"] = res.ExitCode
		meta["duration"] = res.Duration.String()
		meta["timed_out"] = res.TimedOut
		if res.Truncated {
			meta["truncated"] = true
		}
		sb.WriteString(res.Stdout)
		if res.Stderr != "" {
			if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
				sb.WriteString("\n")
			}
			sb.WriteString(res.Stderr)
		}
	}
	if out.Recovery != nil {
		meta["recovery_attempts"] = out.Recovery.Count()
		if out.Recovery.Recovered {
			meta["final_fix"] = out.Recovery.FinalFix
			fmt.Fprintf(&sb, "\n[recovered after %d attempt(s) with: %s]", out.Recovery.Count(), out.Recovery.FinalFix)
		}
	}
	if out.Err != nil {
		fmt.Fprintf(&sb, "\n[%s]", out.Err)
	}

	return &tools.Result{
		Output:   tools.TruncateOutput(strings.TrimLeft(sb.String(), "\n"), tools.MaxOutputBytes),
		Success:  out.Err == nil,
		Metadata: meta,
	}
}

// CheckTool reports whether a command would be allowed and where it would
// run, without executing it.
type CheckTool struct {
	runner Runner
}

// NewCheckTool creates the shell_check tool.
func NewCheckTool(r Runner) *CheckTool { return &CheckTool{runner: r} }

func (t *CheckTool) Name() string { return "shell_check" }
func (t *CheckTool) Description() string {
	return "Check whether a shell command would be allowed and whether it would run directly or in the sandbox, without running it"
}
func (t *CheckTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The shell command to check"},
		},
		"required": []string{"command"},
	}
}

func (t *CheckTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "command")
	return err
}

func (t *CheckTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	command, err := tools.RequireString(params, "command")
	if err != nil {
		return nil, err
	}
	v, d := t.runner.Route(ctx, command)
	if !v.Valid {
		return &tools.Result{
			Output:   fmt.Sprintf("denied at %s: %s", v.Stage, v.Reason),
			Metadata: map[string]any{"valid": false, "stage": v.Stage},
		}, nil
	}
	msg := fmt.Sprintf("allowed, runs %s (network %s): %s", d.Mode, d.Network, d.Reason)
	if d.Warning != "" {
		msg += "; " + d.Warning
	}
	return &tools.Result{
		Output:  msg,
		Success: true,
		Metadata: map[string]any{
			"valid":      true,
			"mode":       d.Mode,
			"network":    d.Network,
			"downgraded": d.Downgraded,
		},
	}, nil
}

// timeoutParam reads "timeout" (a duration string) or "timeout_ms".
func timeoutParam(params map[string]any) (time.Duration, error) {
	if s, ok := params["timeout"].(string); ok && s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("invalid timeout %q: must be positive", s)
		}
		return d, nil
	}
	switch v := params["timeout_ms"].(type) {
	case nil:
		return 0, nil
	case float64:
		if v < 0 {
			return 0, fmt.Errorf("timeout_ms must be positive")
		}
		return time.Duration(v) * time.Millisecond, nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("timeout_ms must be positive")
		}
		return time.Duration(v) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("timeout_ms must be a number, got %T", v)
	}
}
