// Package mcpserver exposes the tool registry to MCP clients over stdio.
// Every call goes through the same validation, routing, confirmation and
// audit path as the CLI, because the tools wrap the runner.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/cmdguard/internal/security"
	"github.com/jkaninda/cmdguard/internal/tools"
)

const mcpUserID = "mcp-client"

// Gateway serves MCP on a pair of streams, normally stdin and stdout.
type Gateway struct {
	registry *tools.Registry
	server   *server.MCPServer
	in       io.Reader
	out      io.Writer
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// NewGateway registers every tool of reg with a new MCP server.
func NewGateway(reg *tools.Registry, version string, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		registry: reg,
		server: server.NewMCPServer("cmdguard", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		in:     os.Stdin,
		out:    os.Stdout,
		logger: logger,
	}

	for _, t := range reg.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("encoding schema of %s: %w", t.Name(), err)
		}
		g.server.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), g.handler(t.Name()))
	}
	return g, nil
}

// Start serves until ctx is cancelled, Stop is called or the input closes.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	stdio := server.NewStdioServer(g.server)
	stdio.SetErrorLogger(slog.NewLogLogger(g.logger.Handler(), slog.LevelError))

	g.logger.Info("mcp gateway starting", slog.Int("tools", len(g.registry.List())))
	if err := stdio.Listen(ctx, g.in, g.out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}

// Stop ends Start.
func (g *Gateway) Stop(_ context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	return nil
}

// handler adapts one registry tool to an MCP tool handler. Tool failures
// are reported as error results so the client can show them to the model.
func (g *Gateway) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		correlationID := uuid.NewString()
		ctx = security.ContextWithCorrelationID(ctx, correlationID)
		ctx = security.ContextWithUserID(ctx, mcpUserID)

		g.logger.DebugContext(ctx, "mcp tool call",
			slog.String("tool", name),
			slog.String("correlation_id", correlationID),
		)

		res, err := g.registry.Call(ctx, name, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toCallResult(res), nil
	}
}

func toCallResult(res *tools.Result) *mcp.CallToolResult {
	if !res.Success {
		return mcp.NewToolResultError(res.Output)
	}
	return mcp.NewToolResultText(res.Output)
}
