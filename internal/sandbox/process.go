package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessConfig configures the direct executor.
type ProcessConfig struct {
	WorkingDir     string           // Initial working directory. Default: the process cwd.
	DefaultTimeout time.Duration    // Default: 30s.
	AllowedEnv     []string         // Appended to DefaultAllowedEnv.
	SecretPatterns []*regexp.Regexp // Default: DefaultSecretPatterns.
}

// ProcessSandbox executes commands as child processes of the host.
//
// Guarantees:
//   - The command runs through "sh -c" in its own process group
//   - Timeout and cancellation signal the whole group, SIGTERM then SIGKILL
//   - Only allowlisted, non-secret environment values reach the child
//   - stdout/stderr are capped at MaxOutputBytes each
//
// The working directory is shared state mutated by "cd". Concurrent cd
// calls racing with other commands are last-writer-wins; callers needing
// isolation use separate instances.
type ProcessSandbox struct {
	defaultTimeout time.Duration
	env            *EnvFilter
	logger         *slog.Logger

	mu  sync.Mutex
	cwd string

	procMu  sync.Mutex
	running map[int]*os.Process
	closed  atomic.Bool
}

// NewProcessSandbox creates a direct executor.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cwd := cfg.WorkingDir
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		} else {
			cwd = os.TempDir()
		}
	}
	allowed := append(append([]string(nil), DefaultAllowedEnv...), cfg.AllowedEnv...)

	return &ProcessSandbox{
		defaultTimeout: timeout,
		env:            NewEnvFilter(allowed, cfg.SecretPatterns),
		logger:         logger,
		cwd:            cwd,
		running:        make(map[int]*os.Process),
	}
}

// WorkingDir returns the directory new commands start in.
func (s *ProcessSandbox) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// Execute runs req.Command and waits for it to finish. The error return is
// reserved for malformed requests; everything else is reported in the result.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, ErrEmptyCommand
	}
	if target, ok := cdTarget(req.Command); ok {
		return s.changeDir(target), nil
	}
	return s.run(ctx, req, nil), nil
}

// ExecuteStream starts req.Command and returns a stream of its output,
// terminated by a single complete event.
func (s *ProcessSandbox) ExecuteStream(ctx context.Context, req ExecutionRequest) *Stream {
	st := newStream()
	go func() {
		st.push(Event{Type: EventStart, Data: req.Command})
		var res *ExecutionResult
		switch target, isCd := cdTarget(req.Command); {
		case strings.TrimSpace(req.Command) == "":
			res = failedResult(ErrEmptyCommand, 0)
		case isCd:
			res = s.changeDir(target)
		default:
			res = s.run(ctx, req, st.emit)
		}
		st.push(Event{Type: EventComplete, Result: res})
	}()
	return st
}

// cdTarget recognises a bare "cd [dir]" command.
func cdTarget(command string) (string, bool) {
	fields := strings.Fields(command)
	if len(fields) == 0 || fields[0] != "cd" || len(fields) > 2 {
		return "", false
	}
	if len(fields) == 1 {
		return "~", true
	}
	return strings.Trim(fields[1], `'"`), true
}

func (s *ProcessSandbox) changeDir(target string) *ExecutionResult {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := target
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return &ExecutionResult{ExitCode: 1, Stderr: "cd: cannot resolve home directory\n", Duration: time.Since(start)}
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.cwd, dir)
	}
	dir = filepath.Clean(dir)

	info, err := os.Stat(dir)
	if err != nil {
		return &ExecutionResult{ExitCode: 1, Stderr: fmt.Sprintf("cd: %s: No such file or directory\n", target), Duration: time.Since(start)}
	}
	if !info.IsDir() {
		return &ExecutionResult{ExitCode: 1, Stderr: fmt.Sprintf("cd: %s: Not a directory\n", target), Duration: time.Since(start)}
	}

	s.cwd = dir
	s.logger.Debug("working directory changed", slog.String("dir", dir))
	return &ExecutionResult{ExitCode: 0, Duration: time.Since(start)}
}

// run spawns the command and supervises it until exit, timeout or
// cancellation. emit, when set, receives every captured chunk.
func (s *ProcessSandbox) run(ctx context.Context, req ExecutionRequest, emit func(EventType, []byte)) *ExecutionResult {
	if s.closed.Load() {
		return failedResult(ErrClosed, 0)
	}

	// 1. Resolve timeout and working directory.
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	dir := req.WorkingDir
	if dir == "" {
		dir = s.WorkingDir()
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return failedResult(fmt.Errorf("working directory %s is not a directory", dir), 0)
	}

	// 2. Build the command: explicit interpreter, own process group.
	cmd := shellCommand(req.Command)
	cmd.Dir = dir
	setProcessGroup(cmd)
	cmd.WaitDelay = GracePeriod

	// 3. Filtered environment. The parent environment is never inherited wholesale.
	cmd.Env = s.env.Build(os.Environ(), req.Env)
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	// 4. Capped output capture.
	stdout := newCapWriter(MaxOutputBytes, EventStdout, emit)
	stderr := newCapWriter(MaxOutputBytes, EventStderr, emit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.logger.Info("executing command",
		slog.String("command", req.Command),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return failedResult(fmt.Errorf("starting command: %w", err), time.Since(start))
	}
	s.track(cmd.Process)
	defer s.untrack(cmd.Process)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// 5. Supervise.
	var (
		waitErr  error
		timedOut bool
		canceled bool
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		waitErr = s.terminate(cmd.Process, done)
	case <-ctx.Done():
		canceled = true
		waitErr = s.terminate(cmd.Process, done)
	}
	duration := time.Since(start)

	// 6. Interpret the result.
	res := &ExecutionResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  duration,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	switch {
	case timedOut:
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
		s.logger.Warn("command timed out",
			slog.String("command", req.Command),
			slog.Duration("timeout", timeout),
		)
	case canceled:
		res.ExitCode = FailureExitCode
		res.Error = fmt.Sprintf("canceled: %v", ctx.Err())
	default:
		res.ExitCode = exitCode(cmd, waitErr)
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			res.Error = waitErr.Error()
		}
	}

	s.logger.Info("command completed",
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", duration),
		slog.Bool("timed_out", res.TimedOut),
		slog.Int("stdout_bytes", len(res.Stdout)),
		slog.Int("stderr_bytes", len(res.Stderr)),
	)
	return res
}

// terminate sends the group a graceful stop and escalates to a kill if it
// has not exited within GracePeriod. Members that ignored the stop are
// killed even when the leader exits in time.
func (s *ProcessSandbox) terminate(proc *os.Process, done <-chan error) error {
	if err := terminateGroup(proc); err != nil {
		s.logger.Debug("graceful termination failed", slog.String("error", err.Error()))
	}
	select {
	case err := <-done:
		_ = killGroup(proc)
		return err
	case <-time.After(GracePeriod):
	}
	if err := killGroup(proc); err != nil {
		s.logger.Warn("force kill failed",
			slog.Int("pid", proc.Pid),
			slog.String("error", err.Error()),
		)
	}
	return <-done
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return FailureExitCode
	}
	return 0
}

func (s *ProcessSandbox) track(p *os.Process) {
	s.procMu.Lock()
	s.running[p.Pid] = p
	s.procMu.Unlock()
}

func (s *ProcessSandbox) untrack(p *os.Process) {
	s.procMu.Lock()
	delete(s.running, p.Pid)
	s.procMu.Unlock()
}

func (s *ProcessSandbox) snapshot() []*os.Process {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	procs := make([]*os.Process, 0, len(s.running))
	for _, p := range s.running {
		procs = append(procs, p)
	}
	return procs
}

// Running returns the number of in-flight commands.
func (s *ProcessSandbox) Running() int {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	return len(s.running)
}

// Close terminates every in-flight command: SIGTERM to each group, then
// SIGKILL to every group after GracePeriod, so members that outlived their
// leader are reaped too. New commands are refused.
func (s *ProcessSandbox) Close() error {
	s.closed.Store(true)
	procs := s.snapshot()
	if len(procs) == 0 {
		return nil
	}
	s.logger.Info("terminating in-flight commands", slog.Int("count", len(procs)))
	for _, p := range procs {
		_ = terminateGroup(p)
	}

	deadline := time.Now().Add(GracePeriod)
	for time.Now().Before(deadline) && s.Running() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	for _, p := range procs {
		_ = killGroup(p)
	}
	return nil
}

// capWriter buffers up to limit bytes and silently drops the rest.
type capWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	remaining int
	truncated bool
	kind      EventType
	emit      func(EventType, []byte)
}

func newCapWriter(limit int, kind EventType, emit func(EventType, []byte)) *capWriter {
	return &capWriter{remaining: limit, kind: kind, emit: emit}
}

func (w *capWriter) Write(p []byte) (int, error) {
	n := len(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.remaining <= 0 {
		if n > 0 {
			w.truncated = true
		}
		return n, nil
	}
	if len(p) > w.remaining {
		p = p[:w.remaining]
		w.truncated = true
	}
	w.buf.Write(p)
	w.remaining -= len(p)
	if w.emit != nil && len(p) > 0 {
		w.emit(w.kind, append([]byte(nil), p...))
	}
	return n, nil
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *capWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
