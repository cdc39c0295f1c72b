// Package remember provides long-term memory capture and deletion.
package remember

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/palomabot/paloma"
)

// Tool saves facts to the user's long-term memory.
type Tool struct {
	store   paloma.Store
	indexer *paloma.Indexer
	mirror  *paloma.Mirror // nil = no Markdown mirror
}

var _ paloma.Tool = (*Tool)(nil)

// New creates a remember Tool.
func New(store paloma.Store, indexer *paloma.Indexer, mirror *paloma.Mirror) *Tool {
	return &Tool{store: store, indexer: indexer, mirror: mirror}
}

func (t *Tool) Definitions() []paloma.ToolDefinition {
	return []paloma.ToolDefinition{
		{
			Name:        "remember",
			Description: "Save a fact about the user to long-term memory. Use when the user explicitly asks to remember something, or states a lasting preference.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"fact":{"type":"string","description":"The fact to remember, phrased in third person"},"category":{"type":"string","description":"Category like preference, person, routine"}},"required":["fact"]}`),
			Category:    "remember",
		},
		{
			Name:        "forget",
			Description: "Remove a memory by its id. Use when the user asks to forget something.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"integer","description":"Memory id to forget"}},"required":["id"]}`),
			Category:    "remember",
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (paloma.ToolResult, error) {
	var params struct {
		Fact     string `json:"fact"`
		Category string `json:"category"`
		ID       int64  `json:"id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return paloma.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	switch name {
	case "remember":
		return t.remember(ctx, params.Fact, params.Category)
	case "forget":
		return t.forget(ctx, params.ID)
	default:
		return paloma.ToolResult{Error: "unknown tool: " + name}, nil
	}
}

func (t *Tool) remember(ctx context.Context, fact, category string) (paloma.ToolResult, error) {
	if fact == "" {
		return paloma.ToolResult{Error: "fact is required"}, nil
	}
	id, err := t.store.AddMemory(ctx, paloma.Memory{
		Text:      fact,
		Category:  category,
		Active:    true,
		CreatedAt: paloma.NowUnix(),
	})
	if err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}
	if t.indexer != nil {
		t.indexer.IndexMemory(id, fact)
	}
	t.refreshMirror(ctx)
	return paloma.ToolResult{Content: fmt.Sprintf("Remembered (id %d): %s", id, fact)}, nil
}

func (t *Tool) forget(ctx context.Context, id int64) (paloma.ToolResult, error) {
	if id == 0 {
		return paloma.ToolResult{Error: "id is required"}, nil
	}
	if err := t.store.SoftDeleteMemory(ctx, id); err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}
	if t.indexer != nil {
		t.indexer.Remove(ctx, paloma.EmbedKindMemory, id)
	}
	t.refreshMirror(ctx)
	return paloma.ToolResult{Content: fmt.Sprintf("Forgot memory %d", id)}, nil
}

func (t *Tool) refreshMirror(ctx context.Context) {
	if t.mirror == nil {
		return
	}
	if err := t.mirror.WriteFile(ctx); err != nil {
		// Mirror lag is acceptable; the store is the source of truth.
		_ = err
	}
}
