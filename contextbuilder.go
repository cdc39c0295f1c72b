package paloma

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	// defaultMemoryThreshold is the maximum vector distance for a memory to
	// enter the prompt on merit (lower distance = closer match).
	defaultMemoryThreshold = 0.8

	// memoryFallbackCount memories are injected by rank when nothing clears
	// the threshold, so the prompt never goes in memory-blind.
	memoryFallbackCount = 3

	// defaultContextTokens is the assumed model context window.
	defaultContextTokens = 8192
)

// ContextInput carries everything Build needs, pre-fetched by the caller.
// Build itself performs no store reads; assembling the prompt is pure.
type ContextInput struct {
	Persona           string
	Now               time.Time
	Timezone          *time.Location
	Memories          []ScoredMemory
	Notes             []ScoredNote
	Summary           *Summary
	History           []Message
	Capabilities      []string // tool categories selected for this turn
	ActiveProjects    string   // pre-rendered project list, "" omits the section
	RecentActivity    string   // today's activity log tail, "" omits the section
	ScratchpadContext string   // active agent session scratchpad, "" omits the section
	UserText          string
}

// ContextBuilder assembles the single system message plus windowed history
// for a generation call.
type ContextBuilder struct {
	memoryThreshold float64
	maxTokens       int
	logger          *slog.Logger
}

// ContextBuilderOption configures a ContextBuilder.
type ContextBuilderOption func(*ContextBuilder)

// WithMemoryThreshold overrides the memory inclusion distance cutoff.
func WithMemoryThreshold(t float64) ContextBuilderOption {
	return func(b *ContextBuilder) { b.memoryThreshold = t }
}

// WithContextTokens sets the model context window used for budget warnings.
func WithContextTokens(n int) ContextBuilderOption {
	return func(b *ContextBuilder) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

// WithContextLogger sets the logger.
func WithContextLogger(l *slog.Logger) ContextBuilderOption {
	return func(b *ContextBuilder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewContextBuilder creates a ContextBuilder.
func NewContextBuilder(opts ...ContextBuilderOption) *ContextBuilder {
	b := &ContextBuilder{
		memoryThreshold: defaultMemoryThreshold,
		maxTokens:       defaultContextTokens,
		logger:          nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the chat messages for one generation: exactly one system
// message (persona + XML-tagged sections) followed by the history and the
// current user message. Budget overruns are logged, never truncated here;
// the windowing upstream is the size control.
func (b *ContextBuilder) Build(in ContextInput) []ChatMessage {
	var sys strings.Builder
	sys.WriteString(in.Persona)

	loc := in.Timezone
	if loc == nil {
		loc = time.Local
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	section(&sys, "current_time", now.In(loc).Format("Monday, 2 January 2006 15:04 (MST)"))

	if mems := b.selectMemories(in.Memories); len(mems) > 0 {
		var lines []string
		for _, m := range mems {
			lines = append(lines, "- ["+m.Memory.Category+"] "+m.Memory.Text)
		}
		section(&sys, "user_memories", strings.Join(lines, "\n"))
	}

	if facts := extractUserFacts(in.History); len(facts) > 0 {
		section(&sys, "user_facts", strings.Join(facts, "\n"))
	}

	if in.ActiveProjects != "" {
		section(&sys, "active_projects", in.ActiveProjects)
	}

	if len(in.Notes) > 0 {
		var lines []string
		for _, n := range in.Notes {
			lines = append(lines, "- "+n.Note.Title+": "+truncateStr(n.Note.Content, 300))
		}
		section(&sys, "relevant_notes", strings.Join(lines, "\n"))
	}

	if in.RecentActivity != "" {
		section(&sys, "recent_activity", in.RecentActivity)
	}

	if in.Summary != nil && in.Summary.Text != "" {
		section(&sys, "conversation_summary", in.Summary.Text)
	}

	if caps := withoutNone(in.Capabilities); len(caps) > 0 {
		section(&sys, "capabilities",
			"You currently have tools from these categories: "+strings.Join(caps, ", ")+".\n"+
				"Use "+MetaToolName+" if the task needs a category you do not have.")
	}

	if in.ScratchpadContext != "" {
		section(&sys, "scratchpad_context", in.ScratchpadContext)
	}

	msgs := []ChatMessage{SystemMessage(sys.String())}
	for _, m := range in.History {
		msgs = append(msgs, ChatMessage{Role: m.Role, Content: m.Text})
	}
	msgs = append(msgs, UserMessage(in.UserText))

	b.checkBudget(msgs)
	return msgs
}

// selectMemories keeps memories within the distance cutoff; when none
// qualify, the closest memoryFallbackCount are used instead.
func (b *ContextBuilder) selectMemories(mems []ScoredMemory) []ScoredMemory {
	var kept []ScoredMemory
	for _, m := range mems {
		if m.Distance <= b.memoryThreshold {
			kept = append(kept, m)
		}
	}
	if len(kept) > 0 {
		return kept
	}
	if len(mems) > memoryFallbackCount {
		mems = mems[:memoryFallbackCount]
	}
	return mems
}

// checkBudget estimates prompt size at chars/4 tokens and logs when the
// estimate crosses 80% (warn) or 100% (error) of the window.
func (b *ContextBuilder) checkBudget(msgs []ChatMessage) {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
	}
	estimate := chars / 4
	switch {
	case estimate > b.maxTokens:
		b.logger.Error("prompt exceeds context window", "estimated_tokens", estimate, "window", b.maxTokens)
	case estimate*10 > b.maxTokens*8:
		b.logger.Warn("prompt nearing context window", "estimated_tokens", estimate, "window", b.maxTokens)
	}
}

func section(sb *strings.Builder, tag, content string) {
	sb.WriteString("\n\n<")
	sb.WriteString(tag)
	sb.WriteString(">\n")
	sb.WriteString(content)
	sb.WriteString("\n</")
	sb.WriteString(tag)
	sb.WriteString(">")
}

// Lightweight self-description patterns mined from the raw history. These
// catch facts stated in passing that never became explicit memories.
var userFactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bme llamo ([\p{L} ]{2,40})`),
	regexp.MustCompile(`(?i)\bmy name is ([\p{L} ]{2,40})`),
	regexp.MustCompile(`(?i)\bvivo en ([\p{L} ,]{2,60})`),
	regexp.MustCompile(`(?i)\bI live in ([\p{L} ,]{2,60})`),
	regexp.MustCompile(`(?i)\btrabajo (?:en|como) ([\p{L} ,]{2,60})`),
	regexp.MustCompile(`(?i)\bI work (?:at|as) ([\p{L} ,]{2,60})`),
}

// extractUserFacts scans user-authored history for self-descriptions and
// returns deduplicated "- fact" lines, most recent mention winning.
func extractUserFacts(history []Message) []string {
	seen := make(map[string]bool)
	var facts []string
	for _, m := range history {
		if m.Role != "user" {
			continue
		}
		for _, p := range userFactPatterns {
			for _, match := range p.FindAllStringSubmatch(m.Text, -1) {
				fact := strings.TrimSpace(strings.TrimRight(match[0], ".,!?"))
				key := strings.ToLower(fact)
				if !seen[key] {
					seen[key] = true
					facts = append(facts, "- "+fact)
				}
			}
		}
	}
	return facts
}

// WindowHistory trims history to the most recent messages fitting maxChars,
// never splitting below minMessages when they fit individually.
func WindowHistory(history []Message, maxChars, minMessages int) []Message {
	if len(history) == 0 {
		return history
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += len(history[i].Text)
		if total > maxChars && len(history)-i > minMessages {
			break
		}
		start = i
	}
	if start == 0 {
		return history
	}
	return history[start:]
}

// SummarizePrompt builds the rolling-summary request for a conversation
// chunk. The previous summary, when present, seeds the new one.
func SummarizePrompt(prev *Summary, chunk []Message) []ChatMessage {
	var sb strings.Builder
	if prev != nil && prev.Text != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(prev.Text)
		sb.WriteString("\n\nNew messages:\n")
	}
	for _, m := range chunk {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, truncateStr(m.Text, 400))
	}
	return []ChatMessage{
		SystemMessage("Update the running conversation summary. Keep stable facts about the user, open threads, and commitments. Stay under 200 words. Answer with only the summary."),
		UserMessage(sb.String()),
	}
}
