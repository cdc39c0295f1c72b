// Package notes provides free-form note capture and semantic search over
// the note store.
package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/palomabot/paloma"
)

// Tool saves and searches user notes.
type Tool struct {
	store    paloma.Store
	embedder paloma.EmbeddingProvider
	indexer  *paloma.Indexer
}

var _ paloma.Tool = (*Tool)(nil)

// New creates a notes Tool. indexer may be nil, leaving new notes
// unsearchable until the next backfill.
func New(store paloma.Store, embedder paloma.EmbeddingProvider, indexer *paloma.Indexer) *Tool {
	return &Tool{store: store, embedder: embedder, indexer: indexer}
}

func (t *Tool) Definitions() []paloma.ToolDefinition {
	return []paloma.ToolDefinition{
		{
			Name:        "note_save",
			Description: "Save a note with a title. Use when the user asks to jot something down or keep a note.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"title":{"type":"string","description":"Short note title"},"content":{"type":"string","description":"Note body"}},"required":["title","content"]}`),
			Category:    "notes",
		},
		{
			Name:        "note_search",
			Description: "Search saved notes by meaning. Returns the closest matches with their content.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"What to look for"}},"required":["query"]}`),
			Category:    "notes",
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (paloma.ToolResult, error) {
	var params struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		Query   string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return paloma.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	switch name {
	case "note_save":
		return t.save(ctx, params.Title, params.Content)
	case "note_search":
		return t.search(ctx, params.Query)
	default:
		return paloma.ToolResult{Error: "unknown tool: " + name}, nil
	}
}

func (t *Tool) save(ctx context.Context, title, content string) (paloma.ToolResult, error) {
	if title == "" || content == "" {
		return paloma.ToolResult{Error: "title and content are required"}, nil
	}
	id, err := t.store.AddNote(ctx, paloma.Note{
		Title:     title,
		Content:   content,
		CreatedAt: paloma.NowUnix(),
	})
	if err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}
	if t.indexer != nil {
		t.indexer.IndexNote(id, title, content)
	}
	return paloma.ToolResult{Content: fmt.Sprintf("Saved note %q (id %d)", title, id)}, nil
}

func (t *Tool) search(ctx context.Context, query string) (paloma.ToolResult, error) {
	if query == "" {
		return paloma.ToolResult{Error: "query is required"}, nil
	}
	vec, err := t.embedder.Embed(ctx, query)
	if err != nil {
		return paloma.ToolResult{Error: "embedding failed: " + err.Error()}, nil
	}
	notes, err := t.store.SearchNotes(ctx, vec, 5)
	if err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}
	if len(notes) == 0 {
		return paloma.ToolResult{Content: "No matching notes."}, nil
	}

	var sb strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&sb, "- %s: %s\n", n.Note.Title, n.Note.Content)
	}
	return paloma.ToolResult{Content: sb.String()}, nil
}
