package paloma

import (
	"context"
	"encoding/json"
	"sync"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Error carries a handler
// failure back to the LLM as text; it never aborts the loop.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Registry holds all registered tools, their category index, and dynamically
// registered categories. The name index is a single-writer cache invalidated
// by ResetCache and by successful skill reload.
type Registry struct {
	mu      sync.RWMutex
	tools   []Tool
	index   map[string]Tool     // tool name -> owning Tool, built lazily
	dynamic map[string][]string // dynamic category -> tool names
	skills  map[string]*Skill   // tool name -> owning skill (lazy instructions)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		dynamic: make(map[string][]string),
		skills:  make(map[string]*Skill),
	}
}

// Add registers a tool. Declared order is preserved for budget selection.
func (r *Registry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append(r.tools, t)
	r.index = nil
}

// AddSkill registers all tools of a skill and remembers the manifest so the
// skill's instructions can be attached lazily on first use.
func (r *Registry) AddSkill(s *Skill, t Tool) {
	r.Add(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range s.Tools {
		r.skills[name] = s
	}
}

// Definitions returns all tool definitions in declared order.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Categories returns the closed category set: every declared tool category
// plus dynamically registered ones, first-seen order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var cats []string
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Category != "" && !seen[d.Category] {
				seen[d.Category] = true
				cats = append(cats, d.Category)
			}
		}
	}
	for c := range r.dynamic {
		if !seen[c] {
			seen[c] = true
			cats = append(cats, c)
		}
	}
	return cats
}

// ToolsForCategory returns the category's tool definitions in declared order.
// Dynamic categories resolve their member names against the registry.
func (r *Registry) ToolsForCategory(cat string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if names, ok := r.dynamic[cat]; ok {
		member := make(map[string]bool, len(names))
		for _, n := range names {
			member[n] = true
		}
		var defs []ToolDefinition
		for _, t := range r.tools {
			for _, d := range t.Definitions() {
				if member[d.Name] {
					defs = append(defs, d)
				}
			}
		}
		return defs
	}
	var defs []ToolDefinition
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Category == cat {
				defs = append(defs, d)
			}
		}
	}
	return defs
}

// RegisterDynamicCategory adds or replaces a runtime category mapping to
// existing tool names. Callable at runtime (MCP reload, skill install).
func (r *Registry) RegisterDynamicCategory(name string, toolNames []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dynamic[name] = append([]string(nil), toolNames...)
	r.index = nil
}

// ResetCache invalidates the lazily built name index.
func (r *Registry) ResetCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = nil
}

// Execute dispatches a tool call by name. Unknown tools return a tool-level
// error string, never a Go error, so the loop keeps running.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	r.mu.Lock()
	if r.index == nil {
		r.index = make(map[string]Tool)
		for _, t := range r.tools {
			for _, d := range t.Definitions() {
				r.index[d.Name] = t
			}
		}
	}
	t := r.index[name]
	r.mu.Unlock()

	if t == nil {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	return t.Execute(ctx, name, args)
}

// InstructionsFor returns the owning skill's instructions for a tool,
// loading them from disk on first use. Returns "" when the tool belongs to
// no skill or the manifest body is empty.
func (r *Registry) InstructionsFor(toolName string) string {
	r.mu.RLock()
	s := r.skills[toolName]
	r.mu.RUnlock()
	if s == nil {
		return ""
	}
	return s.Instructions()
}
