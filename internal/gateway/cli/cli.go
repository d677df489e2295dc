// Package cli implements the interactive shell gateway: a REPL that runs
// every line through the guarded runner.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/cmdguard/internal/checkpoint"
	"github.com/jkaninda/cmdguard/internal/runner"
	"github.com/jkaninda/cmdguard/internal/sandbox"
	"github.com/jkaninda/cmdguard/internal/security"
)

const cliUserID = "cli-user"

// Runner is the part of *runner.Runner the shell drives.
type Runner interface {
	Run(ctx context.Context, req runner.Request) *runner.Outcome
	Stream(ctx context.Context, req runner.Request) (*sandbox.Stream, *runner.Outcome)
	SetSelfHealing(enabled bool)
	SelfHealing() bool
	SetSandboxing(enabled bool)
	Sandboxing() bool
}

// Gateway is the interactive command-line interface.
type Gateway struct {
	runner      Runner
	checkpoints *checkpoint.Store // nil disables :undo and :checkpoints.
	in          *bufio.Reader
	out         io.Writer
	errOut      io.Writer
	logger      *slog.Logger
	done        chan struct{} // closed by Stop to signal shutdown
}

// NewGateway creates a shell gateway. in must be shared with anything else
// reading stdin, such as the terminal confirmer.
func NewGateway(r Runner, store *checkpoint.Store, in *bufio.Reader, out, errOut io.Writer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		runner:      r,
		checkpoints: store,
		in:          in,
		out:         out,
		errOut:      errOut,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start runs the REPL. Blocks until ctx is cancelled, Stop is called,
// stdin closes, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	fmt.Fprintln(g.out, "cmdguard interactive shell")
	fmt.Fprintln(g.out, "Commands are validated, routed and confirmed before they run. Type :help for shell commands.")
	fmt.Fprintln(g.out)

	for {
		fmt.Fprint(g.out, "cmdguard> ")

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		line, err := g.in.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(g.out)
				return nil
			}
			return fmt.Errorf("reading stdin: %w", err)
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		case strings.HasPrefix(line, ":"):
			g.builtin(line)
		default:
			g.execute(ctx, line)
		}
	}
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

// execute runs one command line. Output streams live unless self-healing
// is on, since only buffered runs go through the recovery loop.
func (g *Gateway) execute(ctx context.Context, line string) {
	correlationID := uuid.NewString()
	ctx = security.ContextWithCorrelationID(ctx, correlationID)
	ctx = security.ContextWithUserID(ctx, cliUserID)

	g.logger.DebugContext(ctx, "cli request",
		slog.String("user_id", cliUserID),
		slog.String("correlation_id", correlationID),
	)

	req := runner.Request{Command: line}
	if g.runner.SelfHealing() {
		out := g.runner.Run(ctx, req)
		if out.Result != nil {
			fmt.Fprint(g.out, out.Result.Stdout)
			fmt.Fprint(g.errOut, out.Result.Stderr)
		}
		g.summarize(out, out.Result)
		return
	}

	st, out := g.runner.Stream(ctx, req)
	if st == nil {
		g.summarize(out, nil)
		return
	}
	var res *sandbox.ExecutionResult
	for {
		e, ok := st.Next(ctx)
		if !ok {
			break
		}
		switch e.Type {
		case sandbox.EventStdout:
			fmt.Fprint(g.out, e.Data)
		case sandbox.EventStderr:
			fmt.Fprint(g.errOut, e.Data)
		case sandbox.EventComplete:
			res = e.Result
		}
	}
	g.summarize(out, res)
}

// summarize prints the status line after a command.
func (g *Gateway) summarize(out *runner.Outcome, res *sandbox.ExecutionResult) {
	if out.Decision.Warning != "" {
		fmt.Fprintf(g.errOut, "warning: %s\n", out.Decision.Warning)
	}
	switch {
	case errors.Is(out.Err, runner.ErrValidationDenied), errors.Is(out.Err, runner.ErrConfirmationDenied):
		fmt.Fprintf(g.errOut, "%v\n", out.Err)
		return
	case res == nil:
		if out.Err != nil {
			fmt.Fprintf(g.errOut, "%v\n", out.Err)
		}
		return
	}

	status := fmt.Sprintf("[exit %d, %s, %s", res.ExitCode, res.Duration.Round(time.Millisecond), out.Decision.Mode)
	if out.Decision.Sandboxed() {
		status += "/" + out.Decision.Network
	}
	if out.Checkpoint != "" {
		status += ", checkpoint " + out.Checkpoint
	}
	status += "]"
	if res.TimedOut {
		status += " timed out"
	}
	if out.Recovery != nil && out.Recovery.Recovered {
		status += fmt.Sprintf(" recovered after %d attempt(s) with: %s", out.Recovery.Count(), out.Recovery.FinalFix)
	}
	fmt.Fprintln(g.errOut, status)
}

// builtin handles the ":" shell commands.
func (g *Gateway) builtin(line string) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case ":help":
		fmt.Fprintln(g.out, "  :heal [on|off]      show or toggle self-healing")
		fmt.Fprintln(g.out, "  :sandbox [on|off]   show or toggle sandbox routing")
		fmt.Fprintln(g.out, "  :checkpoints        list recent checkpoints")
		fmt.Fprintln(g.out, "  :undo [id]          restore a checkpoint (latest by default)")
		fmt.Fprintln(g.out, "  exit                leave the shell")
	case ":heal":
		g.toggle("self-healing", args, g.runner.SelfHealing, g.runner.SetSelfHealing)
	case ":sandbox":
		g.toggle("sandboxing", args, g.runner.Sandboxing, g.runner.SetSandboxing)
	case ":checkpoints":
		g.listCheckpoints()
	case ":undo":
		g.undo(args)
	default:
		fmt.Fprintf(g.errOut, "unknown shell command %s (try :help)\n", name)
	}
}

func (g *Gateway) toggle(what string, args []string, get func() bool, set func(bool)) {
	if len(args) > 0 {
		switch args[0] {
		case "on":
			set(true)
		case "off":
			set(false)
		default:
			fmt.Fprintf(g.errOut, "expected on or off, got %q\n", args[0])
			return
		}
	}
	state := "off"
	if get() {
		state = "on"
	}
	fmt.Fprintf(g.out, "%s is %s\n", what, state)
}

func (g *Gateway) listCheckpoints() {
	if g.checkpoints == nil {
		fmt.Fprintln(g.errOut, "checkpoints are disabled")
		return
	}
	cps, err := g.checkpoints.List()
	if err != nil {
		fmt.Fprintf(g.errOut, "listing checkpoints: %v\n", err)
		return
	}
	if len(cps) == 0 {
		fmt.Fprintln(g.out, "no checkpoints")
		return
	}
	for _, cp := range cps {
		fmt.Fprintf(g.out, "%s  %s  %s\n", cp.ID, cp.CreatedAt.Local().Format("15:04:05"), cp.Command)
	}
}

func (g *Gateway) undo(args []string) {
	if g.checkpoints == nil {
		fmt.Fprintln(g.errOut, "checkpoints are disabled")
		return
	}
	var id string
	if len(args) > 0 {
		id = args[0]
	} else {
		cps, err := g.checkpoints.List()
		if err != nil || len(cps) == 0 {
			fmt.Fprintln(g.errOut, "nothing to undo")
			return
		}
		id = cps[0].ID
	}
	if err := g.checkpoints.Restore(id); err != nil {
		fmt.Fprintf(g.errOut, "undo failed: %v\n", err)
		return
	}
	fmt.Fprintf(g.out, "restored checkpoint %s\n", id)
}
