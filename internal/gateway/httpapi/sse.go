package httpapi

import (
	"log/slog"
	"strings"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/cmdguard/internal/sandbox"
)

// SSEEvent is the payload of every server-sent event on /v1/exec/stream.
// The event name carries the type: "start", "stdout", "stderr", "complete"
// or "error".
type SSEEvent struct {
	CorrelationID string                   `json:"correlation_id"`
	Data          string                   `json:"data,omitempty"`
	Result        *sandbox.ExecutionResult `json:"result,omitempty"`
	Error         string                   `json:"error,omitempty"`
	ErrorKind     string                   `json:"error_kind,omitempty"`
	ExitCode      int                      `json:"exit_code"`
}

// handleExecStream handles POST /v1/exec/stream. Output chunks are relayed
// as they arrive; a denied command produces a single "error" event.
func (g *Gateway) handleExecStream(c *okapi.Context) error {
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Command) == "" {
		return c.AbortBadRequest("command is required")
	}
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	ctx, correlationID := g.requestContext(c)
	g.logger.InfoContext(ctx, "http exec stream",
		slog.String("user_id", c.GetString("userID")),
		slog.String("correlation_id", correlationID),
	)

	st, out := g.runner.Stream(ctx, req.toRunner())
	if st == nil {
		c.SSEvent("error", SSEEvent{
			CorrelationID: correlationID,
			Error:         errString(out.Err),
			ErrorKind:     errorKind(out.Err),
			ExitCode:      out.ExitCode(),
		})
		return nil
	}

	for {
		e, ok := st.Next(ctx)
		if !ok {
			return nil
		}
		c.SSEvent(string(e.Type), streamEvent(correlationID, e))
	}
}

func streamEvent(correlationID string, e sandbox.Event) SSEEvent {
	ev := SSEEvent{CorrelationID: correlationID, Data: e.Data, Result: e.Result}
	if e.Result != nil {
		ev.ExitCode = e.Result.ExitCode
		ev.Error = e.Result.Error
	}
	return ev
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
