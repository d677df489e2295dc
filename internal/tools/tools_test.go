package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct{ name string }

func (e echoTool) Name() string                { return e.name }
func (e echoTool) Description() string         { return "echo " + e.name }
func (e echoTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (e echoTool) Validate(p map[string]any) error {
	if _, ok := p["bad"]; ok {
		return errors.New("bad param")
	}
	return nil
}
func (e echoTool) Execute(_ context.Context, p map[string]any) (*Result, error) {
	return &Result{Output: e.name, Success: true, Metadata: p}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool{"b"})
	r.Register(echoTool{"a"})

	assert.Equal(t, []string{"a", "b"}, r.List())
	assert.Nil(t, r.Get("missing"))
	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].Name)
	assert.Equal(t, "echo a", defs[0].Description)

	assert.Panics(t, func() { r.Register(echoTool{"a"}) })
}

func TestRegistry_Call(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool{"a"})

	res, err := r.Call(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Output)

	_, err = r.Call(context.Background(), "a", map[string]any{"bad": true})
	assert.EqualError(t, err, "bad param")

	_, err = r.Call(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "short", TruncateOutput("short", 10))
	got := TruncateOutput("0123456789012345678901234567890123456789", 30)
	assert.Len(t, got, 30)
	assert.Contains(t, got, "[output truncated]")
	assert.Equal(t, "0123", TruncateOutput("0123456789", 4))
}

func TestRequireString(t *testing.T) {
	_, err := RequireString(map[string]any{}, "command")
	assert.ErrorContains(t, err, "missing")
	_, err = RequireString(map[string]any{"command": 3}, "command")
	assert.ErrorContains(t, err, "must be a string")
	_, err = RequireString(map[string]any{"command": ""}, "command")
	assert.ErrorContains(t, err, "must not be empty")
	s, err := RequireString(map[string]any{"command": "ls"}, "command")
	require.NoError(t, err)
	assert.Equal(t, "ls", s)
}
