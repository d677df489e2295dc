package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	defaultDockerImage     = "alpine:3.20"
	defaultDockerMemoryMB  = 512
	defaultDockerCPUCores  = 1.0
	defaultDockerPIDsLimit = 256
	defaultPullTimeout     = 10 * time.Minute

	// containerWorkspace is where the host workspace is mounted.
	containerWorkspace = "/workspace"
)

// Container execution modes.
const (
	DockerPersistent = "persistent"
	DockerOneShot    = "oneshot"
)

// DockerConfig configures the container engine.
type DockerConfig struct {
	Image          string        // Default: "alpine:3.20".
	Mode           string        // "persistent" (default) or "oneshot".
	MemoryMB       int           // Hard memory limit; swap is disabled.
	CPUCores       float64       // CPU rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int64         // Fork bomb protection.
	Workspace      string        // Host directory bind-mounted at /workspace.
	DefaultTimeout time.Duration // Per-command timeout.
	PullTimeout    time.Duration // Image pull timeout, separate from command timeouts.
	SecretPatterns []*regexp.Regexp
}

// Handle is the lifecycle state of the persistent container.
type Handle struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
}

// ResourceUsage is a point-in-time sample of container resource use.
type ResourceUsage struct {
	MemoryBytes uint64  `json:"memory_bytes"`
	MemoryLimit uint64  `json:"memory_limit"`
	CPUPercent  float64 `json:"cpu_percent"`
	PIDs        uint64  `json:"pids"`
}

// Status reports the persistent container's state.
type Status struct {
	Running bool          `json:"running"`
	Handle  *Handle       `json:"handle,omitempty"`
	Usage   ResourceUsage `json:"usage"`
}

// DockerSandbox executes commands inside hardened containers.
//
// Security defaults for every container:
//   - ALL capabilities dropped, a minimal set re-added for file and user ops
//   - no-new-privileges
//   - Memory hard limit with no swap, CPU rate limit, PIDs limit
//   - Network "none" unless the request opts into "bridge"
//   - Host environment never forwarded
//
// In persistent mode one long-lived container serves every command through
// exec. Requests that need the bridge network always run one-shot, since a
// container's network mode is fixed at creation.
type DockerSandbox struct {
	config DockerConfig
	client *client.Client
	env    *EnvFilter
	logger *slog.Logger

	mu     sync.Mutex // guards handle; serialises start/stop
	handle *Handle
}

// NewDockerSandbox creates a container engine from the environment's
// Docker settings (DOCKER_HOST etc.). No daemon connection is made here.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) (*DockerSandbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.Mode == "" {
		cfg.Mode = DockerPersistent
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = defaultPullTimeout
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &DockerSandbox{
		config: cfg,
		client: cli,
		env:    NewEnvFilter(nil, cfg.SecretPatterns),
		logger: logger,
	}, nil
}

// Available pings the daemon.
func (s *DockerSandbox) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := s.client.Ping(ctx); err != nil {
		s.logger.Debug("docker not available", slog.String("error", err.Error()))
		return false
	}
	return true
}

// Execute dispatches by mode.
func (s *DockerSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, ErrEmptyCommand
	}
	return s.execute(ctx, req, nil), nil
}

// ExecuteStream runs req and yields output chunks as they arrive.
func (s *DockerSandbox) ExecuteStream(ctx context.Context, req ExecutionRequest) *Stream {
	if strings.TrimSpace(req.Command) == "" {
		return CompletedStream(req.Command, failedResult(ErrEmptyCommand, 0))
	}
	st := newStream()
	go func() {
		st.push(Event{Type: EventStart, Data: req.Command})
		st.push(Event{Type: EventComplete, Result: s.execute(ctx, req, st.emit)})
	}()
	return st
}

func (s *DockerSandbox) execute(ctx context.Context, req ExecutionRequest, emit func(EventType, []byte)) *ExecutionResult {
	if s.config.Mode == DockerOneShot || req.Network == NetworkBridge {
		return s.runOneShot(ctx, req, emit)
	}
	return s.exec(ctx, req, emit)
}

// Exec runs a command inside the persistent container, starting it first if
// needed.
func (s *DockerSandbox) Exec(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	return s.exec(ctx, req, nil)
}

func (s *DockerSandbox) exec(ctx context.Context, req ExecutionRequest, emit func(EventType, []byte)) *ExecutionResult {
	start := time.Now()
	h, err := s.Start(ctx)
	if err != nil {
		return failedResult(err, time.Since(start))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}

	// 1. Create and attach the exec.
	execResp, err := s.client.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", req.Command},
		Env:          s.env.Container(req.Env),
		WorkingDir:   s.containerDir(req.WorkingDir),
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  req.Stdin != "",
	})
	if err != nil {
		return s.runtimeFailure(ctx, fmt.Errorf("create exec: %w", err), h.ID, start)
	}
	attach, err := s.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return s.runtimeFailure(ctx, fmt.Errorf("attach exec: %w", err), h.ID, start)
	}
	defer attach.Close()

	if req.Stdin != "" {
		go func() {
			_, _ = io.WriteString(attach.Conn, req.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	s.logger.Info("docker exec",
		slog.String("container", h.Name),
		slog.String("command", req.Command),
		slog.Duration("timeout", timeout),
	)

	// 2. Demultiplex output until EOF, timeout or cancellation.
	stdout := newCapWriter(MaxOutputBytes, EventStdout, emit)
	stderr := newCapWriter(MaxOutputBytes, EventStderr, emit)
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	res := &ExecutionResult{ContainerID: h.ID}
	select {
	case err := <-copyDone:
		if err != nil {
			res.Error = fmt.Sprintf("read output: %v", err)
		}
	case <-timer.C:
		attach.Close()
		// There is no way to kill a single exec; the container goes with it.
		s.stopAndClear(h)
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
		s.logger.Warn("docker exec timed out",
			slog.String("container", h.Name),
			slog.Duration("timeout", timeout),
		)
	case <-ctx.Done():
		attach.Close()
		s.stopAndClear(h)
		res.ExitCode = FailureExitCode
		res.Error = fmt.Sprintf("canceled: %v", ctx.Err())
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()
	res.Duration = time.Since(start)

	// 3. Exit code.
	if !res.TimedOut && ctx.Err() == nil {
		inspect, err := s.client.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			res.ExitCode = FailureExitCode
			res.Error = fmt.Sprintf("inspect exec: %v", err)
		} else {
			res.ExitCode = inspect.ExitCode
		}
	}

	s.logger.Info("docker exec completed",
		slog.String("container", h.Name),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
	)
	return res
}

// runtimeFailure converts an engine error into a result. The handle is
// re-checked so that a dead container does not fail every later call.
func (s *DockerSandbox) runtimeFailure(ctx context.Context, err error, id string, start time.Time) *ExecutionResult {
	_, _ = s.Status(ctx)
	res := failedResult(err, time.Since(start))
	res.ContainerID = id
	return res
}

// Start launches the persistent container if none is running and returns
// its handle.
func (s *DockerSandbox) Start(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil && s.handle.Running {
		h := *s.handle
		return &h, nil
	}

	if err := s.ensureImage(ctx); err != nil {
		return nil, err
	}

	name := containerName()
	cfg := s.containerConfig([]string{"tail", "-f", "/dev/null"}, nil, false)
	resp, err := s.client.ContainerCreate(ctx, cfg, s.hostConfig(NetworkNone), nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = s.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	s.handle = &Handle{
		ID:        resp.ID,
		Name:      name,
		Image:     s.config.Image,
		Running:   true,
		StartedAt: time.Now(),
	}
	s.logger.Info("sandbox container started",
		slog.String("container", name),
		slog.String("image", s.config.Image),
	)
	h := *s.handle
	return &h, nil
}

// Stop stops and removes the persistent container.
func (s *DockerSandbox) Stop(ctx context.Context) error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return s.removeContainer(ctx, h.ID, h.Name)
}

// stopAndClear drops h if it is still the current handle and removes the
// container in the background of the caller's request.
func (s *DockerSandbox) stopAndClear(h *Handle) {
	s.mu.Lock()
	if s.handle != nil && s.handle.ID == h.ID {
		s.handle = nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), GracePeriod+10*time.Second)
	defer cancel()
	if err := s.removeContainer(ctx, h.ID, h.Name); err != nil {
		s.logger.Warn("failed to remove container",
			slog.String("container", h.Name),
			slog.String("error", err.Error()),
		)
	}
}

// removeContainer stops with a bounded grace period, then force-removes.
func (s *DockerSandbox) removeContainer(ctx context.Context, id, name string) error {
	grace := int(GracePeriod / time.Second)
	if err := s.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil && !client.IsErrNotFound(err) {
		s.logger.Debug("container stop failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
	}
	if err := s.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	s.logger.Info("sandbox container removed", slog.String("container", name))
	return nil
}

// Status inspects the persistent container. A container that is gone or no
// longer running clears the handle, so the next Exec starts a fresh one.
func (s *DockerSandbox) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return Status{}, nil
	}

	info, err := s.client.ContainerInspect(ctx, s.handle.ID)
	if err != nil {
		if client.IsErrNotFound(err) {
			s.logger.Warn("sandbox container disappeared", slog.String("container", s.handle.Name))
			s.handle = nil
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("inspect container: %w", err)
	}
	if info.State == nil || !info.State.Running {
		s.logger.Warn("sandbox container is not running", slog.String("container", s.handle.Name))
		go s.removeDead(s.handle.ID, s.handle.Name)
		s.handle = nil
		return Status{}, nil
	}

	h := *s.handle
	st := Status{Running: true, Handle: &h}
	usage, err := s.usage(ctx, h.ID)
	if err != nil {
		s.logger.Debug("container stats unavailable", slog.String("error", err.Error()))
		return st, nil
	}
	st.Usage = usage
	return st, nil
}

func (s *DockerSandbox) removeDead(id, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.removeContainer(ctx, id, name)
}

func (s *DockerSandbox) usage(ctx context.Context, id string) (ResourceUsage, error) {
	resp, err := s.client.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return ResourceUsage{}, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return ResourceUsage{}, fmt.Errorf("decode stats: %w", err)
	}
	return usageFromStats(stats), nil
}

func usageFromStats(stats container.StatsResponse) ResourceUsage {
	u := ResourceUsage{
		MemoryBytes: stats.MemoryStats.Usage,
		MemoryLimit: stats.MemoryStats.Limit,
		PIDs:        stats.PidsStats.Current,
	}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	if cpuDelta > 0 && sysDelta > 0 {
		u.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	return u
}

// runOneShot runs req in a fresh container that is removed afterwards.
func (s *DockerSandbox) runOneShot(ctx context.Context, req ExecutionRequest, emit func(EventType, []byte)) *ExecutionResult {
	start := time.Now()
	if err := s.ensureImage(ctx); err != nil {
		return failedResult(err, time.Since(start))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}
	network := req.Network
	if network != NetworkBridge {
		network = NetworkNone
	}

	// 1. Create, attach, start.
	name := containerName()
	cfg := s.containerConfig([]string{"/bin/sh", "-c", req.Command}, s.env.Container(req.Env), req.Stdin != "")
	cfg.WorkingDir = s.containerDir(req.WorkingDir)
	resp, err := s.client.ContainerCreate(ctx, cfg, s.hostConfig(network), nil, nil, name)
	if err != nil {
		return failedResult(fmt.Errorf("create container: %w", err), time.Since(start))
	}
	defer s.removeDead(resp.ID, name)

	attach, err := s.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  req.Stdin != "",
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return failedResult(fmt.Errorf("attach container: %w", err), time.Since(start))
	}
	defer attach.Close()

	waitCh, waitErrCh := s.client.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return failedResult(fmt.Errorf("start container: %w", err), time.Since(start))
	}
	if req.Stdin != "" {
		go func() {
			_, _ = io.WriteString(attach.Conn, req.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	s.logger.Info("docker one-shot run",
		slog.String("container", name),
		slog.String("image", s.config.Image),
		slog.String("network", network),
		slog.String("command", req.Command),
		slog.Duration("timeout", timeout),
	)

	// 2. Collect output and wait for exit.
	stdout := newCapWriter(MaxOutputBytes, EventStdout, emit)
	stderr := newCapWriter(MaxOutputBytes, EventStderr, emit)
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	res := &ExecutionResult{ContainerID: resp.ID}
	select {
	case w := <-waitCh:
		res.ExitCode = int(w.StatusCode)
		if w.Error != nil && w.Error.Message != "" {
			res.Error = w.Error.Message
		}
		// Drain remaining output; the attach stream ends with the container.
		select {
		case <-copyDone:
		case <-time.After(GracePeriod):
		}
	case err := <-waitErrCh:
		res.ExitCode = FailureExitCode
		res.Error = fmt.Sprintf("wait container: %v", err)
	case <-timer.C:
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
		s.logger.Warn("docker one-shot timed out",
			slog.String("container", name),
			slog.Duration("timeout", timeout),
		)
	case <-ctx.Done():
		res.ExitCode = FailureExitCode
		res.Error = fmt.Sprintf("canceled: %v", ctx.Err())
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()
	res.Duration = time.Since(start)

	s.logger.Info("docker one-shot completed",
		slog.String("container", name),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
	)
	return res
}

// ensureImage pulls the image only when it is not present locally. Pulls are
// bounded by PullTimeout rather than the command timeout.
func (s *DockerSandbox) ensureImage(ctx context.Context) error {
	ref := s.config.Image
	_, err := s.client.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	s.logger.Info("pulling sandbox image",
		slog.String("image", ref),
		slog.Duration("timeout", s.config.PullTimeout),
	)
	pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PullTimeout)
	defer cancel()

	start := time.Now()
	reader, err := s.client.ImagePull(pullCtx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Consume output to wait for completion.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	s.logger.Info("sandbox image pulled",
		slog.String("image", ref),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (s *DockerSandbox) containerConfig(cmd, env []string, stdin bool) *container.Config {
	return &container.Config{
		Image:        s.config.Image,
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   containerWorkspace,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin,
		OpenStdin:    stdin,
		StdinOnce:    stdin,
		Tty:          false,
		Labels:       map[string]string{"managed-by": "cmdguard"},
	}
}

// hostConfig returns the hardened host configuration for a container.
func (s *DockerSandbox) hostConfig(network string) *container.HostConfig {
	memory := int64(s.config.MemoryMB) * 1024 * 1024
	pids := s.config.PIDsLimit
	if network != NetworkBridge {
		network = NetworkNone
	}

	hc := &container.HostConfig{
		// --- Security hardening ---
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETUID", "SETGID"},
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: container.NetworkMode(network),

		// --- Resource limits ---
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory, // Same as memory = no swap.
			NanoCPUs:   int64(s.config.CPUCores * 1e9),
			PidsLimit:  &pids,
		},

		Tmpfs: map[string]string{"/tmp": "rw,nosuid,size=64m"},
	}
	if s.config.Workspace != "" {
		hc.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: s.config.Workspace,
			Target: containerWorkspace,
		}}
	}
	return hc
}

// containerDir maps a host directory inside the workspace to its path in
// the container. Anything outside the workspace maps to the workspace root.
func (s *DockerSandbox) containerDir(hostDir string) string {
	if hostDir == "" || s.config.Workspace == "" {
		return containerWorkspace
	}
	rel, err := filepath.Rel(s.config.Workspace, hostDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return containerWorkspace
	}
	return path.Join(containerWorkspace, filepath.ToSlash(rel))
}

// Close removes the persistent container and releases the client.
func (s *DockerSandbox) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), GracePeriod+10*time.Second)
	defer cancel()
	stopErr := s.Stop(ctx)
	return errors.Join(stopErr, s.client.Close())
}

// containerName returns an ephemeral name: cmdguard-<8 hex chars>.
func containerName() string {
	return "cmdguard-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
