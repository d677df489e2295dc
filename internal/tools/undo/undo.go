// Package undo exposes the checkpoint store as tools so an agent can list
// and restore the snapshots taken before file-destroying commands.
package undo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/cmdguard/internal/checkpoint"
	"github.com/jkaninda/cmdguard/internal/tools"
)

// maxListed bounds checkpoint_list output.
const maxListed = 20

// ListTool lists recent checkpoints.
type ListTool struct {
	store *checkpoint.Store
}

// NewListTool creates the checkpoint_list tool.
func NewListTool(store *checkpoint.Store) *ListTool { return &ListTool{store: store} }

func (t *ListTool) Name() string        { return "checkpoint_list" }
func (t *ListTool) Description() string { return "List the most recent file checkpoints, newest first" }
func (t *ListTool) InputSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *ListTool) Validate(map[string]any) error { return nil }

func (t *ListTool) Execute(_ context.Context, _ map[string]any) (*tools.Result, error) {
	cps, err := t.store.List()
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	if len(cps) > maxListed {
		cps = cps[:maxListed]
	}
	var sb strings.Builder
	for _, cp := range cps {
		fmt.Fprintf(&sb, "%s  %s  %s  (%d paths)\n", cp.ID, cp.CreatedAt.Format("2006-01-02 15:04:05"), cp.Command, len(cp.Entries))
	}
	if sb.Len() == 0 {
		sb.WriteString("no checkpoints")
	}
	return &tools.Result{
		Output:   strings.TrimRight(sb.String(), "\n"),
		Success:  true,
		Metadata: map[string]any{"count": len(cps)},
	}, nil
}

// RestoreTool restores a checkpoint.
type RestoreTool struct {
	store  *checkpoint.Store
	logger *slog.Logger
}

// NewRestoreTool creates the checkpoint_restore tool.
func NewRestoreTool(store *checkpoint.Store, logger *slog.Logger) *RestoreTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &RestoreTool{store: store, logger: logger}
}

func (t *RestoreTool) Name() string { return "checkpoint_restore" }
func (t *RestoreTool) Description() string {
	return "Restore every path saved in a checkpoint, undoing the command that followed it"
}
func (t *RestoreTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "description": "Checkpoint ID from checkpoint_list or a shell_exec result"},
		},
		"required": []string{"id"},
	}
}

func (t *RestoreTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "id")
	return err
}

func (t *RestoreTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	id, err := tools.RequireString(params, "id")
	if err != nil {
		return nil, err
	}
	cp, err := t.store.Get(id)
	if err != nil {
		return &tools.Result{Output: err.Error()}, nil
	}
	if err := t.store.Restore(id); err != nil {
		t.logger.WarnContext(ctx, "checkpoint restore incomplete",
			slog.String("checkpoint_id", id),
			slog.String("error", err.Error()),
		)
		return &tools.Result{Output: "restore incomplete: " + err.Error(), Metadata: map[string]any{"id": id}}, nil
	}
	paths := make([]string, 0, len(cp.Entries))
	for _, e := range cp.Entries {
		if e.Skipped == "" {
			paths = append(paths, e.Path)
		}
	}
	return &tools.Result{
		Output:   "restored:\n" + strings.Join(paths, "\n"),
		Success:  true,
		Metadata: map[string]any{"id": id, "paths": len(paths)},
	}, nil
}
