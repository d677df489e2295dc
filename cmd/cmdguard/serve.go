package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/cmdguard/internal/approval"
	"github.com/jkaninda/cmdguard/internal/config"
	"github.com/jkaninda/cmdguard/internal/gateway"
	"github.com/jkaninda/cmdguard/internal/gateway/cli"
	"github.com/jkaninda/cmdguard/internal/gateway/httpapi"
	"github.com/jkaninda/cmdguard/internal/gateway/mcpserver"
	"github.com/jkaninda/cmdguard/internal/ratelimit"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE:  runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the tools to an MCP client over stdio",
	RunE:  runMCP,
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive guarded shell",
	RunE:  runShell,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "override the HTTP listen address (e.g. :8080)")
	for _, cmd := range []*cobra.Command{serveCmd, mcpCmd, shellCmd} {
		cmd.Flags().BoolVar(&flagNoSandbox, "no-sandbox", false, "run every command directly on the host")
		cmd.Flags().BoolVar(&flagNoHeal, "no-heal", false, "disable the self-healing recovery loop")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	c, err := initComponents(initOptions{NoSandbox: flagNoSandbox, NoHeal: flagNoHeal, WatchFiles: true})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	srv := c.Config.Server
	if srv == nil {
		srv = &config.ServerConfig{}
	}
	if flagListen != "" {
		srv.ListenAddr = flagListen
	}
	if srv.ListenAddr == "" {
		srv.ListenAddr = ":8080"
	}
	if len(srv.APIKeys) == 0 {
		return fmt.Errorf("server.api_keys is required to serve the HTTP API")
	}
	if c.Config.Confirmation.Mode == config.ConfirmPrompt {
		c.Logger.Warn("confirmation.mode is prompt: requests will wait on this terminal, consider queue")
	}

	ctx, stop := signalContext()
	defer stop()

	if c.Queue != nil {
		cancelCleanup := c.Queue.StartCleanup(ctx, time.Minute)
		defer cancelCleanup()
	}

	hc := httpapi.Config{
		ListenAddr: srv.ListenAddr,
		EnableDocs: srv.EnableDocs,
		APIKeys:    srv.APIKeys,
	}
	if rl := srv.RateLimit; rl != nil {
		hc.Limiter = ratelimit.New(ratelimit.Config{CommandsPerMinute: rl.CommandsPerMinute, Burst: rl.Burst})
		go pruneLimiter(ctx, hc.Limiter)
	}
	if c.Obs != nil {
		hc.HealthChecker = c.Obs.Health
		if c.Obs.Metrics != nil {
			hc.Metrics = c.Obs.Metrics
			hc.MetricsRegistry = c.Obs.Metrics.Registry
			hc.MetricsPath = metricsPath(c.Config)
		}
		if c.Obs.Tracer != nil {
			hc.Tracer = c.Obs.Tracer.Tracer()
		}
	}

	gw := httpapi.NewGateway(hc, c.Runner, c.Logger).
		WithApprovals(c.Queue).
		WithTools(c.Tools)
	return serveGateways(ctx, c.Logger, gw)
}

func runMCP(_ *cobra.Command, _ []string) error {
	c, err := initComponents(initOptions{NoSandbox: flagNoSandbox, NoHeal: flagNoHeal, WatchFiles: true})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	// stdin carries the protocol, so a terminal prompt can never be answered.
	if c.Config.Confirmation.Mode == config.ConfirmPrompt && !c.Config.Confirmation.SessionApproval {
		c.Logger.Warn("confirmation.mode is prompt: every command will be declined over MCP, use auto, queue or session_approval")
	}

	gw, err := mcpserver.NewGateway(c.Tools, version, c.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	return serveGateways(ctx, c.Logger, gw)
}

func runShell(_ *cobra.Command, _ []string) error {
	c, err := initComponents(initOptions{NoSandbox: flagNoSandbox, NoHeal: flagNoHeal, WatchFiles: true})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	ctx, stop := signalContext()
	defer stop()

	gw := cli.NewGateway(c.Runner, c.Checkpoints, approval.StdinReader(), os.Stdout, os.Stderr, c.Logger)
	return serveGateways(ctx, c.Logger, gw)
}

// serveGateways runs gateways until the signal context ends or one of them
// exits, then stops all of them within a grace period.
func serveGateways(ctx context.Context, logger *slog.Logger, gateways ...gateway.Gateway) error {
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errs:
		if runErr != nil {
			logger.Error("gateway exited with error", slog.String("error", runErr.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return runErr
}

// pruneLimiter drops idle per-user buckets until ctx ends.
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(time.Hour)
		}
	}
}

func metricsPath(cfg *config.Config) string {
	if m := cfg.Observability.Metrics; m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}
