// Package gateway defines the interface shared by the entry points that
// drive the runner: the interactive shell, the HTTP API and the MCP server.
package gateway

import "context"

// Gateway is a long-running entry point.
type Gateway interface {
	// Start blocks until the gateway exits or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period.
	Stop(ctx context.Context) error
}
