package paloma

import "encoding/json"

// --- Domain types (store records) ---

// Conversation is the per-principal chat container. Lazily created on the
// first inbound message and never deleted; archival is a tag, not a removal.
type Conversation struct {
	ID        int64  `json:"id"`
	Principal string `json:"principal"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Message belongs to a conversation. Ordering is strictly by ID.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Role           string `json:"role"` // "user", "assistant", "system", "tool"
	Text           string `json:"text"`
	ProviderMsgID  string `json:"provider_message_id,omitempty"` // unique when present
	CreatedAt      int64  `json:"created_at"`
}

// Summary condenses older conversation history. Produced in background once
// the covered message count reaches the configured threshold.
type Summary struct {
	ID              int64  `json:"id"`
	ConversationID  int64  `json:"conversation_id"`
	Text            string `json:"text"`
	CoveredMessages int    `json:"covered_message_count"`
	CreatedAt       int64  `json:"created_at"`
}

// Memory is a globally scoped long-term fact. Deactivation is a soft delete.
// Category "self_correction" is never mirrored to the Markdown file and
// carries a 24h TTL.
type Memory struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Category  string `json:"category,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at"`
}

// CategorySelfCorrection marks memories written by guardrail feedback.
const CategorySelfCorrection = "self_correction"

// Note is a user-scoped free-form note.
type Note struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// ScoredMemory pairs a memory with its vector distance (lower is closer).
type ScoredMemory struct {
	Memory
	Distance float64 `json:"distance"`
}

// ScoredNote pairs a note with its vector distance.
type ScoredNote struct {
	Note
	Distance float64 `json:"distance"`
}

// --- Observability records ---

// Trace is the root unit of observability: one end-to-end observation of
// processing a single inbound message or agent session.
type Trace struct {
	ID            string `json:"id"`
	Principal     string `json:"principal"`
	MessageType   string `json:"message_type"` // "chat" or "agent"
	Status        string `json:"status"`       // "started", "completed", "failed"
	ProviderMsgID string `json:"provider_message_id,omitempty"`
	StartedAt     int64  `json:"started_at"`
	CompletedAt   int64  `json:"completed_at,omitempty"`
}

// Span kinds.
const (
	SpanKindGeneration = "generation"
	SpanKindTool       = "tool"
	SpanKindGuardrail  = "guardrail"
	SpanKindRetrieval  = "retrieval"
	SpanKindOther      = "other"
)

// SpanRecord is one measurable sub-operation within a trace. Spans form a
// tree via ParentSpanID. Output payloads are truncated to 1000 chars before
// persistence.
type SpanRecord struct {
	ID           string          `json:"id"`
	TraceID      string          `json:"trace_id"`
	ParentSpanID string          `json:"parent_span_id,omitempty"`
	Name         string          `json:"name"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	StartedAt    int64           `json:"started_at"`
	LatencyMS    int64           `json:"latency_ms"`
	Input        string          `json:"input,omitempty"`
	Output       string          `json:"output,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// ScoreRecord attaches an evaluation to a trace. Value is in [0,1].
type ScoreRecord struct {
	TraceID string  `json:"trace_id"`
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Source  string  `json:"source"` // "system", "user", "human"
	Comment string  `json:"comment,omitempty"`
}

// Dataset entry types.
const (
	DatasetFailure    = "failure"
	DatasetGolden     = "golden"
	DatasetCorrection = "correction"
)

// DatasetEntry is a curated interaction for downstream evaluation.
type DatasetEntry struct {
	ID        int64           `json:"id"`
	TraceID   string          `json:"trace_id,omitempty"`
	EntryType string          `json:"entry_type"`
	Input     string          `json:"input"`
	Output    string          `json:"output"`
	Expected  string          `json:"expected_output,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// PromptVersion is one version of a named prompt. At most one version per
// prompt name is active (application-enforced).
type PromptVersion struct {
	Name      string `json:"prompt_name"`
	Version   int    `json:"version"`
	Content   string `json:"content"`
	Active    bool   `json:"is_active"`
	CreatedBy string `json:"created_by"` // "human" or "agent"
	CreatedAt int64  `json:"created_at"`
}

// --- Agent session ---

// Agent session statuses.
const (
	SessionRunning       = "running"
	SessionAwaitingHuman = "awaiting_human"
	SessionCompleted     = "completed"
	SessionFailed        = "failed"
	SessionCancelled     = "cancelled"
)

// AgentSession is a durable multi-round work session started by /agent.
type AgentSession struct {
	ID         string `json:"id"`
	Principal  string `json:"principal"`
	Objective  string `json:"objective"`
	Status     string `json:"status"`
	TaskPlan   string `json:"task_plan_markdown,omitempty"`
	Scratchpad string `json:"scratchpad,omitempty"`
	RoundCount int    `json:"round_count"`
	CreatedAt  int64  `json:"created_at"`
}

// SessionRound is one append-only journal record of an agent session round.
type SessionRound struct {
	Round        int      `json:"round"`
	ToolCalls    []string `json:"tool_calls"`
	ReplyPreview string   `json:"reply_preview"`
	TaskPlan     string   `json:"task_plan_snapshot"`
	Scratchpad   string   `json:"scratchpad"`
}

// CronJob is a durable recurring reminder registration.
type CronJob struct {
	ID         int64  `json:"id"`
	Principal  string `json:"principal"`
	Expression string `json:"expression"` // 5-field cron
	Message    string `json:"message"`
	Timezone   string `json:"timezone"` // IANA name
	Active     bool   `json:"active"`
}

// --- LLM protocol types ---

// ChatMessage is one turn in an LLM conversation.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a single function invocation requested by the LLM.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatRequest carries messages, available tools, and the thinking flag.
// Think and Tools are mutually exclusive: providers must not enable
// chain-of-thought when the tool set is non-empty.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Think    bool             `json:"think,omitempty"`
	Model    string           `json:"model,omitempty"` // override per role; "" = provider default
}

// ChatResponse is the provider's reply, with token usage when available.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage reports token accounting for one generation.
type Usage struct {
	InputTokens     int    `json:"input_tokens"`
	OutputTokens    int    `json:"output_tokens"`
	Model           string `json:"model,omitempty"`
	TotalDurationMS int64  `json:"total_duration_ms,omitempty"`
}

// ToolDefinition is the declarative metadata the router and the LLM see.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
	Category    string          `json:"-"`          // routing only, not sent to the LLM
}

// --- Inbound envelope ---

// Envelope is a validated inbound message. Transport framing, signature
// verification, and media download happen outside the core.
type Envelope struct {
	ProviderMsgID string
	Principal     string
	Text          string
	ReplyToID     string // provider id of the quoted message, optional
	ReplyToText   string // expanded quote context, optional
	HasAudio      bool
	HasImage      bool
}

// Reaction is an inbound emoji reaction to a previously sent message.
type Reaction struct {
	TargetMsgID string
	Emoji       string
	Principal   string
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
