package paloma

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// compactThreshold is the tool-output size (runes) above which compaction
// kicks in.
const compactThreshold = 4000

// canonicalFields are the JSON keys whose values must survive compaction
// byte-for-byte, in priority order. Names and IDs feed follow-up tool calls,
// so lossy summarisation of them breaks the loop.
var canonicalFields = []string{"id", "name", "title", "summary", "description", "status", "url", "error"}

// Compactor shrinks oversized tool outputs. The ladder is: JSON-aware
// canonical-field extraction first, LLM summarisation second, character
// truncation last.
type Compactor struct {
	provider Provider // nil disables the LLM rung
	model    string
	logger   *slog.Logger
}

// NewCompactor creates a Compactor. provider may be nil, dropping straight
// from JSON extraction to truncation.
func NewCompactor(provider Provider, model string, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = nopLogger
	}
	return &Compactor{provider: provider, model: model, logger: logger}
}

// Compact returns raw unchanged when it is under the threshold, otherwise
// the first ladder rung that produces a structured fit.
func (c *Compactor) Compact(ctx context.Context, raw string) string {
	if len([]rune(raw)) <= compactThreshold {
		return raw
	}

	if extracted, ok := extractCanonical(raw); ok {
		return extracted
	}

	if c.provider != nil {
		resp, err := c.provider.Chat(ctx, ChatRequest{
			Messages: []ChatMessage{
				SystemMessage("Summarize the following tool output concisely. Preserve every name, ID, URL, and numeric value exactly as written. Omit redundant prose."),
				UserMessage(truncateStr(raw, 12000)),
			},
			Model: c.model,
		})
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return resp.Content
		}
		c.logger.Debug("llm compaction failed, falling back to truncation", "error", err)
	}

	return truncateStr(raw, compactThreshold) + "\n[output truncated]"
}

// extractCanonical attempts JSON-aware extraction: when raw parses as JSON,
// canonical name/ID/summary fields are collected verbatim from every object.
// Returns false when raw is not JSON or yields no canonical fields.
func extractCanonical(raw string) (string, bool) {
	var parsed any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return "", false
	}

	var lines []string
	collectCanonical(parsed, &lines)
	if len(lines) == 0 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

// collectCanonical walks a decoded JSON value depth-first, emitting one
// "key: value" line per canonical field found. Values are re-serialised with
// json.Marshal for non-strings; string values pass through untouched.
func collectCanonical(v any, lines *[]string) {
	switch val := v.(type) {
	case map[string]any:
		for _, field := range canonicalFields {
			fv, ok := val[field]
			if !ok {
				continue
			}
			switch s := fv.(type) {
			case string:
				*lines = append(*lines, field+": "+s)
			case float64, bool:
				*lines = append(*lines, fmt.Sprintf("%s: %v", field, s))
			}
		}
		// Recurse into nested containers in stable key order.
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch val[k].(type) {
			case map[string]any, []any:
				collectCanonical(val[k], lines)
			}
		}
	case []any:
		for _, item := range val {
			collectCanonical(item, lines)
		}
	}
}
