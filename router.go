package paloma

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// DefaultToolBudget is the global tool selection budget B.
const DefaultToolBudget = 8

// MetaToolName is the expandable meta-tool handled inline by the executor
// rather than by a registered handler. It is always prepended to the
// selected set outside the budget.
const MetaToolName = "request_more_tools"

// CategoryNone is the classifier's "no tools needed" answer.
const CategoryNone = "none"

// CategoryFetch is forced by the URL fast path.
const CategoryFetch = "fetch"

var urlPattern = regexp.MustCompile(`https?://\S+`)

// MetaToolDefinition returns the request_more_tools schema.
func MetaToolDefinition() ToolDefinition {
	return ToolDefinition{
		Name:        MetaToolName,
		Description: "Request additional tool categories when the current tool set is insufficient for the task. Available categories are listed in the system context.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"categories":{"type":"array","items":{"type":"string"},"description":"Category names to add"},"reason":{"type":"string","description":"Why the current tools are insufficient"}},"required":["categories"]}`),
	}
}

// Router classifies user intent into tool categories and selects tools under
// a proportional budget.
type Router struct {
	registry   *Registry
	classifier Provider
	model      string
	logger     *slog.Logger
}

// NewRouter creates a Router. classifier is the small LLM used for intent
// classification; model overrides its default when non-empty.
func NewRouter(registry *Registry, classifier Provider, model string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = nopLogger
	}
	return &Router{registry: registry, classifier: classifier, model: model, logger: logger}
}

// Classify maps a user message to tool categories with a short LLM call
// (think=false, token-list output). The URL fast path always forces "fetch"
// into the result. When the classifier answers none (or fails) and a recent
// sticky set exists, the sticky set wins.
func (r *Router) Classify(ctx context.Context, text string, historyTail []Message, sticky []string) []string {
	cats := r.classifyLLM(ctx, text, historyTail)

	if urlPattern.MatchString(text) && !containsStr(cats, CategoryFetch) {
		cats = append(cats, CategoryFetch)
	}

	if isNone(cats) && len(sticky) > 0 {
		r.logger.Debug("classifier returned none, falling back to sticky", "sticky", sticky)
		return append([]string(nil), sticky...)
	}
	if isNone(cats) {
		return []string{CategoryNone}
	}
	return withoutNone(cats)
}

// classifyLLM runs the classification call and filters the answer against
// the closed category set. Failures return none; the caller's fallbacks
// (URL fast path, sticky) still apply.
func (r *Router) classifyLLM(ctx context.Context, text string, historyTail []Message) []string {
	known := r.registry.Categories()
	var tail strings.Builder
	for _, m := range historyTail {
		tail.WriteString(m.Role)
		tail.WriteString(": ")
		tail.WriteString(truncateStr(m.Text, 200))
		tail.WriteString("\n")
	}

	prompt := "Classify the user message into tool categories. " +
		"Reply with a comma-separated list from: " + strings.Join(known, ", ") + ", none.\n" +
		"Reply \"none\" when no tools are needed (small talk, opinion, general knowledge).\n\n" +
		"Recent conversation:\n" + tail.String() + "\nUser message: " + text

	resp, err := r.classifier.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{UserMessage(prompt)},
		Think:    false,
		Model:    r.model,
	})
	if err != nil {
		r.logger.Warn("intent classification failed", "error", err)
		return []string{CategoryNone}
	}

	knownSet := make(map[string]bool, len(known))
	for _, c := range known {
		knownSet[c] = true
	}
	var cats []string
	for _, tok := range strings.FieldsFunc(resp.Content, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n'
	}) {
		tok = strings.ToLower(strings.Trim(tok, ".\"'`"))
		if knownSet[tok] && !containsStr(cats, tok) {
			cats = append(cats, tok)
		}
	}
	if len(cats) == 0 {
		return []string{CategoryNone}
	}
	return cats
}

// SelectTools picks up to budget tools across the given categories with a
// proportional per-category share: per_cat = max(2, budget/len(cats)). Each
// category contributes its tools in declared order; the concatenation is
// truncated to budget. The meta-tool is prepended outside the budget.
func SelectTools(reg *Registry, cats []string, budget int) []ToolDefinition {
	if budget <= 0 {
		budget = DefaultToolBudget
	}
	selected := []ToolDefinition{MetaToolDefinition()}
	cats = withoutNone(cats)
	if len(cats) == 0 {
		return selected
	}

	perCat := budget / len(cats)
	if perCat < 2 {
		perCat = 2
	}

	seen := make(map[string]bool)
	var pool []ToolDefinition
	for _, cat := range cats {
		defs := reg.ToolsForCategory(cat)
		if len(defs) > perCat {
			defs = defs[:perCat]
		}
		for _, d := range defs {
			if !seen[d.Name] {
				seen[d.Name] = true
				pool = append(pool, d)
			}
		}
	}
	if len(pool) > budget {
		pool = pool[:budget]
	}
	return append(selected, pool...)
}

func isNone(cats []string) bool {
	for _, c := range cats {
		if c != CategoryNone {
			return false
		}
	}
	return true
}

func withoutNone(cats []string) []string {
	var out []string
	for _, c := range cats {
		if c != CategoryNone {
			out = append(out, c)
		}
	}
	return out
}

func containsStr(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
