package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/cmdguard/internal/approval"
	"github.com/jkaninda/cmdguard/internal/checkpoint"
	"github.com/jkaninda/cmdguard/internal/config"
	"github.com/jkaninda/cmdguard/internal/observability"
	"github.com/jkaninda/cmdguard/internal/recovery"
	"github.com/jkaninda/cmdguard/internal/router"
	"github.com/jkaninda/cmdguard/internal/runner"
	"github.com/jkaninda/cmdguard/internal/sandbox"
	"github.com/jkaninda/cmdguard/internal/security"
	"github.com/jkaninda/cmdguard/internal/storage"
	"github.com/jkaninda/cmdguard/internal/tools"
	"github.com/jkaninda/cmdguard/internal/tools/shell"
	"github.com/jkaninda/cmdguard/internal/tools/undo"
	"github.com/jkaninda/cmdguard/internal/validation"
)

var (
	flagConfig string
	flagDebug  bool
)

// exitError carries a process exit status out of a command.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitCodeOf(err error) (int, bool) {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code, true
	}
	return 0, false
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// configPath resolves --config, then CMDGUARD_CONFIG, then the default.
func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return goutils.Env("CMDGUARD_CONFIG", config.DefaultConfigPath())
}

// initOptions adjust wiring per command.
type initOptions struct {
	AssumeYes  bool // --yes: approve every confirmation.
	NoSandbox  bool
	NoHeal     bool
	WatchFiles bool // hot reload of runtime toggles.
}

// Components holds every initialized subsystem. Built once by
// initComponents, torn down by Cleanup.
type Components struct {
	Config      *config.Config
	Logger      *slog.Logger
	Obs         *observability.Observability
	Audit       security.AuditLogger
	AuditDB     *storage.DB // nil unless audit.storage is configured.
	Router      *router.Router
	Docker      *sandbox.DockerSandbox // nil when the docker client could not be created.
	Runner      *runner.Runner
	Checkpoints *checkpoint.Store // nil when checkpoints are disabled.
	Session     *approval.Session
	Queue       *approval.Queue // non-nil only in queue confirmation mode.
	Tools       *tools.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// initComponents wires the runner and everything around it.
// Callers must call Cleanup when done.
func initComponents(opts initOptions) (*Components, error) {
	logger := newLogger()
	path := configPath()
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if opts.NoSandbox {
		cfg.Sandbox.Enabled = false
	}
	if opts.NoHeal {
		cfg.Execution.SelfHealing = false
	}

	c := &Components{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	metrics := obs.MetricsOrNil()

	// Audit sinks.
	if err := c.initAudit(metrics); err != nil {
		c.Cleanup()
		return nil, err
	}

	// Validation.
	pipeline, err := validation.New(validation.OptionsFromConfig(cfg.Validation), c.Audit, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("building validation pipeline: %w", err)
	}

	// Executors.
	secrets, err := sandbox.CompileSecretPatterns(cfg.Execution.SecretPatterns)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("compiling secret patterns: %w", err)
	}
	direct := sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		DefaultTimeout: cfg.DefaultTimeout(),
		AllowedEnv:     cfg.Execution.AllowedEnv,
		SecretPatterns: secrets,
	}, logger)
	c.addCleanup(func() { _ = direct.Close() })

	workspace := cfg.Sandbox.Workspace
	if workspace == "" {
		workspace = direct.WorkingDir()
	}
	docker, err := sandbox.NewDockerSandbox(sandbox.DockerConfig{
		Image:          cfg.Sandbox.Image,
		Mode:           cfg.Sandbox.Mode,
		MemoryMB:       cfg.Sandbox.MemoryMB,
		CPUCores:       cfg.Sandbox.CPUCores,
		PIDsLimit:      int64(cfg.Sandbox.PIDsLimit),
		Workspace:      workspace,
		DefaultTimeout: cfg.DefaultTimeout(),
		PullTimeout:    cfg.PullTimeout(),
		SecretPatterns: secrets,
	}, logger)
	if err != nil {
		logger.Warn("container engine unavailable, sandboxed commands will run directly",
			slog.String("error", err.Error()),
		)
	} else {
		c.Docker = docker
		c.addCleanup(func() { _ = docker.Close() })
	}

	// Routing.
	routerOpts := router.OptionsFromConfig(cfg.Sandbox)
	routerOpts.Audit = c.Audit
	routerOpts.Metrics = metrics
	routerOpts.Logger = logger
	if c.Docker != nil {
		routerOpts.Prober = router.ProberFunc(c.Docker.Available)
	}
	c.Router, err = router.New(routerOpts)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("building router: %w", err)
	}

	// Checkpoints.
	if cfg.Checkpoint.Enabled {
		c.Checkpoints, err = checkpoint.NewStore(cfg.CheckpointDir(), cfg.Checkpoint.MaxBytes, logger)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("initializing checkpoints: %w", err)
		}
	}

	// Recovery.
	strategy, err := recovery.NewPatternStrategy(cfg.Execution.FixRules)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("building fix rules: %w", err)
	}
	loop := recovery.NewLoop(strategy, cfg.Execution.MaxRetries, c.Audit, metrics, logger)

	// Confirmation.
	if opts.AssumeYes {
		c.Session = approval.NewSession(approval.ApproveAll{}, c.Audit, logger)
	} else {
		c.Session, c.Queue = approval.FromConfig(cfg.Confirmation, c.Audit, logger)
	}

	runnerOpts := runner.Options{
		Pipeline:       pipeline,
		Router:         c.Router,
		Confirmer:      c.Session,
		Direct:         direct,
		Checkpoints:    c.Checkpoints,
		Recovery:       loop,
		SelfHealing:    cfg.Execution.SelfHealing,
		DefaultTimeout: cfg.DefaultTimeout(),
		Audit:          c.Audit,
		Metrics:        metrics,
		Tracer:         obs.TracerOrNil(),
		Logger:         logger,
	}
	// A typed nil must not reach the interface field.
	if c.Docker != nil {
		runnerOpts.Container = c.Docker
	}
	c.Runner = runner.New(runnerOpts)

	// Tools.
	c.Tools = tools.NewRegistry()
	c.Tools.Register(shell.NewTool(c.Runner, logger))
	c.Tools.Register(shell.NewCheckTool(c.Runner))
	if c.Checkpoints != nil {
		c.Tools.Register(undo.NewListTool(c.Checkpoints))
		c.Tools.Register(undo.NewRestoreTool(c.Checkpoints, logger))
	}

	c.initHealth()

	if opts.WatchFiles {
		c.watchConfig(path, opts)
	}

	logger.Debug("components initialized",
		slog.String("config", path),
		slog.Bool("sandbox", cfg.Sandbox.Enabled),
		slog.Bool("self_healing", cfg.Execution.SelfHealing),
		slog.String("confirmation", cfg.Confirmation.Mode),
		slog.Bool("checkpoints", c.Checkpoints != nil),
	)
	return c, nil
}

func (c *Components) initAudit(metrics *observability.MetricsCollector) error {
	cfg := c.Config

	fileAudit, err := security.NewFileAuditLogger(cfg.AuditLogPath(), c.Logger)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	c.addCleanup(func() { _ = fileAudit.Close() })
	sinks := security.MultiAuditLogger{fileAudit}

	if st := cfg.Audit.Storage; st != nil {
		db, err := storage.Open(storage.Config{
			Driver:   st.StorageDriver(),
			Path:     cfg.DatabasePath(),
			DSN:      st.DSN,
			MaxConns: st.MaxConns,
		}, c.Logger)
		if err != nil {
			return fmt.Errorf("opening audit database: %w", err)
		}
		c.AuditDB = db
		c.addCleanup(func() {
			if err := db.Close(); err != nil {
				c.Logger.Error("closing audit database", slog.String("error", err.Error()))
			}
		})
		sinks = append(sinks, security.NewDBAuditLogger(storage.NewAuditRepository(db), c.Logger))
	}

	if metrics != nil {
		sinks = append(sinks, observability.NewAuditMetrics(metrics))
	}
	c.Audit = sinks
	return nil
}

// initHealth registers readiness checks for the configured dependencies.
func (c *Components) initHealth() {
	if c.Obs == nil || c.Obs.Health == nil {
		return
	}
	health := c.Config.Observability.Health
	if health == nil {
		return
	}
	if health.IncludeDB && c.AuditDB != nil {
		c.Obs.Health.AddCheck("audit_db", c.AuditDB.Ping)
	}
	if health.IncludeSandbox && c.Docker != nil {
		c.Obs.Health.AddRuntimeCheck("container_runtime", c.Docker.Available)
	}
}

// watchConfig applies the runtime toggles whenever the config file changes.
// Command-line overrides keep winning over the file.
func (c *Components) watchConfig(path string, opts initOptions) {
	w, err := config.NewWatcher(path, func(next *config.Config) {
		c.Runner.SetSandboxing(next.Sandbox.Enabled && !opts.NoSandbox)
		c.Runner.SetSelfHealing(next.Execution.SelfHealing && !opts.NoHeal)
	}, c.Logger)
	if err != nil {
		c.Logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		return
	}
	if err := w.Start(); err != nil {
		c.Logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		return
	}
	c.addCleanup(func() { _ = w.Stop() })
}
