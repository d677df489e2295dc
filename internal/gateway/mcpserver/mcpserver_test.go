package mcpserver

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/cmdguard/internal/security"
	"github.com/jkaninda/cmdguard/internal/tools"
)

type greetTool struct {
	gotUser string
}

func (t *greetTool) Name() string        { return "greet" }
func (t *greetTool) Description() string { return "Say hello" }
func (t *greetTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"name": map[string]any{"type": "string"}},
		"required":   []string{"name"},
	}
}
func (t *greetTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "name")
	return err
}
func (t *greetTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	t.gotUser = security.UserIDFromContext(ctx)
	name := params["name"].(string)
	if name == "nobody" {
		return &tools.Result{Output: "refused", Success: false}, nil
	}
	if name == "crash" {
		return nil, errors.New("backend exploded")
	}
	return &tools.Result{Output: "hello " + name, Success: true}, nil
}

func call(t *testing.T, g *Gateway, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := g.handler(name)(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return tc.Text
}

func newTestGateway(t *testing.T) (*Gateway, *greetTool) {
	t.Helper()
	tool := &greetTool{}
	reg := tools.NewRegistry()
	reg.Register(tool)
	g, err := NewGateway(reg, "test", nil)
	require.NoError(t, err)
	return g, tool
}

func TestHandler_Success(t *testing.T) {
	g, tool := newTestGateway(t)
	res := call(t, g, "greet", map[string]any{"name": "ada"})
	assert.False(t, res.IsError)
	assert.Equal(t, "hello ada", text(t, res))
	assert.Equal(t, mcpUserID, tool.gotUser)
}

func TestHandler_ToolFailureIsErrorResult(t *testing.T) {
	g, _ := newTestGateway(t)

	res := call(t, g, "greet", map[string]any{"name": "nobody"})
	assert.True(t, res.IsError)
	assert.Equal(t, "refused", text(t, res))

	res = call(t, g, "greet", map[string]any{"name": "crash"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "backend exploded")
}

func TestHandler_InvalidParams(t *testing.T) {
	g, _ := newTestGateway(t)
	res := call(t, g, "greet", map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "name")
}

func TestStopBeforeStart(t *testing.T) {
	g, _ := newTestGateway(t)
	assert.NoError(t, g.Stop(context.Background()))
}
