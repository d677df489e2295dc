package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/cmdguard/internal/runner"
	"github.com/jkaninda/cmdguard/internal/sandbox"
)

var (
	flagTimeout   time.Duration
	flagNoSandbox bool
	flagNoHeal    bool
	flagYes       bool
	flagJSON      bool
	flagWorkdir   string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command>",
	Short: "Validate, route, confirm and execute a command",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

var streamCmd = &cobra.Command{
	Use:   "stream [flags] -- <command>",
	Short: "Like run, but relays output as it is produced (no self-healing)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStream,
}

var validateCmd = &cobra.Command{
	Use:   "validate <command>",
	Short: "Run the validation pipeline only",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

var routeCmd = &cobra.Command{
	Use:   "route <command>",
	Short: "Validate and route a command without executing it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRoute,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, streamCmd} {
		cmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "per-command timeout (default from config)")
		cmd.Flags().BoolVar(&flagNoSandbox, "no-sandbox", false, "run every command directly on the host")
		cmd.Flags().BoolVar(&flagYes, "yes", false, "approve every confirmation")
		cmd.Flags().StringVar(&flagWorkdir, "workdir", "", "working directory for the command")
	}
	runCmd.Flags().BoolVar(&flagNoHeal, "no-heal", false, "disable the self-healing recovery loop")
	for _, cmd := range []*cobra.Command{runCmd, validateCmd, routeCmd} {
		cmd.Flags().BoolVar(&flagJSON, "json", false, "print the outcome as JSON")
	}
	routeCmd.Flags().BoolVar(&flagNoSandbox, "no-sandbox", false, "route as if sandboxing were disabled")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func commandLine(args []string) string { return strings.Join(args, " ") }

func runRun(_ *cobra.Command, args []string) error {
	c, err := initComponents(initOptions{AssumeYes: flagYes, NoSandbox: flagNoSandbox, NoHeal: flagNoHeal})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	ctx, stop := signalContext()
	defer stop()

	out := c.Runner.Run(ctx, runner.Request{
		Command:    commandLine(args),
		Timeout:    flagTimeout,
		WorkingDir: flagWorkdir,
	})

	if flagJSON {
		if err := printJSON(os.Stdout, outcomeJSON(out)); err != nil {
			return err
		}
	} else {
		if out.Result != nil {
			fmt.Fprint(os.Stdout, out.Result.Stdout)
			fmt.Fprint(os.Stderr, out.Result.Stderr)
		}
		report(os.Stderr, out)
	}
	return exitStatus(out)
}

func runStream(_ *cobra.Command, args []string) error {
	c, err := initComponents(initOptions{AssumeYes: flagYes, NoSandbox: flagNoSandbox, NoHeal: true})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	ctx, stop := signalContext()
	defer stop()

	st, out := c.Runner.Stream(ctx, runner.Request{
		Command:    commandLine(args),
		Timeout:    flagTimeout,
		WorkingDir: flagWorkdir,
	})
	if st == nil {
		report(os.Stderr, out)
		return exitStatus(out)
	}

	// The stream outlives ctx cancellation only until the executor reports.
	for {
		e, ok := st.Next(context.Background())
		if !ok {
			break
		}
		switch e.Type {
		case sandbox.EventStdout:
			fmt.Fprint(os.Stdout, e.Data)
		case sandbox.EventStderr:
			fmt.Fprint(os.Stderr, e.Data)
		case sandbox.EventComplete:
			out.Result = e.Result
			out.Err = runner.ResultError(e.Result)
		}
	}
	report(os.Stderr, out)
	return exitStatus(out)
}

func runValidate(_ *cobra.Command, args []string) error {
	c, err := initComponents(initOptions{})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	v := c.Runner.Validate(context.Background(), commandLine(args))
	if flagJSON {
		if err := printJSON(os.Stdout, v); err != nil {
			return err
		}
	} else if v.Valid {
		fmt.Println("allowed")
	} else {
		fmt.Printf("denied at %s: %s\n", v.Stage, v.Reason)
	}
	if !v.Valid {
		return &exitError{code: 2}
	}
	return nil
}

func runRoute(_ *cobra.Command, args []string) error {
	c, err := initComponents(initOptions{NoSandbox: flagNoSandbox})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	v, d := c.Runner.Route(context.Background(), commandLine(args))
	if flagJSON {
		resp := map[string]any{"verdict": v}
		if v.Valid {
			resp["decision"] = d
		}
		if err := printJSON(os.Stdout, resp); err != nil {
			return err
		}
	} else if !v.Valid {
		fmt.Printf("denied at %s: %s\n", v.Stage, v.Reason)
	} else {
		where := d.Mode
		if d.Sandboxed() {
			where += " (network " + d.Network + ")"
		}
		fmt.Printf("%s: %s\n", where, d.Reason)
		if d.Warning != "" {
			fmt.Printf("warning: %s\n", d.Warning)
		}
	}
	if !v.Valid {
		return &exitError{code: 2}
	}
	return nil
}

// report writes warnings, denials and the recovery summary to w.
func report(w io.Writer, out *runner.Outcome) {
	if out.Decision.Warning != "" {
		fmt.Fprintf(w, "cmdguard: warning: %s\n", out.Decision.Warning)
	}
	if out.Recovery != nil && out.Recovery.Recovered {
		fmt.Fprintf(w, "cmdguard: recovered after %d attempt(s) with: %s\n", out.Recovery.Count(), out.Recovery.FinalFix)
	}
	if out.Checkpoint != "" {
		fmt.Fprintf(w, "cmdguard: checkpoint %s (restore with: cmdguard checkpoints restore %s)\n", out.Checkpoint, out.Checkpoint)
	}
	if out.Err != nil {
		fmt.Fprintf(w, "cmdguard: %v\n", out.Err)
	}
}

func exitStatus(out *runner.Outcome) error {
	if code := out.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

type outcomeView struct {
	*runner.Outcome
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
}

func outcomeJSON(out *runner.Outcome) outcomeView {
	v := outcomeView{Outcome: out, ExitCode: out.ExitCode()}
	if out.Err != nil {
		v.Error = out.Err.Error()
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
