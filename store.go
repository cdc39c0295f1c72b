package paloma

import "context"

// Store is the narrow persistence contract the pipeline consumes. Implementers
// may back it with any engine that provides ordered integer ids and
// transactional inserts; store/sqlite is the included implementation.
//
// All operations either run short critical sections or return promptly;
// writers must never starve readers.
type Store interface {
	// --- Conversations & messages ---
	GetOrCreateConversation(ctx context.Context, principal string) (Conversation, error)
	SaveMessage(ctx context.Context, msg Message) (int64, error)
	GetRecentMessages(ctx context.Context, conversationID int64, n int) ([]Message, error)
	// GetMessageByProviderID resolves a stored message by its provider id
	// (nil when unknown or the id is empty).
	GetMessageByProviderID(ctx context.Context, providerMsgID string) (*Message, error)
	// GetWindowedHistory returns the last verbatimN messages plus the latest
	// summary covering anything older (nil when no summary exists).
	GetWindowedHistory(ctx context.Context, conversationID int64, verbatimN int) ([]Message, *Summary, error)
	LatestSummary(ctx context.Context, conversationID int64) (*Summary, error)
	WriteSummary(ctx context.Context, s Summary) error
	CountMessagesSince(ctx context.Context, conversationID int64, sinceMessageID int64) (int, error)
	// ClearMessages removes a conversation's messages after snapshotting them.
	// Memories are untouched.
	ClearMessages(ctx context.Context, conversationID int64) ([]Message, error)

	// --- Memories ---
	AddMemory(ctx context.Context, m Memory) (int64, error)
	SoftDeleteMemory(ctx context.Context, id int64) error
	ListActiveMemories(ctx context.Context, limit int) ([]Memory, error)
	SearchMemories(ctx context.Context, embedding []float32, topK int) ([]ScoredMemory, error)

	// --- Notes ---
	AddNote(ctx context.Context, n Note) (int64, error)
	SearchNotes(ctx context.Context, embedding []float32, topK int) ([]ScoredNote, error)

	// --- Embeddings (weak back-reference to source rows) ---
	SetEmbedding(ctx context.Context, kind string, sourceID int64, vec []float32) error
	RemoveEmbedding(ctx context.Context, kind string, sourceID int64) error
	// MissingEmbeddings lists source ids of the given kind without a vector.
	MissingEmbeddings(ctx context.Context, kind string) ([]int64, error)

	// --- Processed-message ledger (dedup) ---
	// ClaimProcessedMessage inserts providerID first-wins. Returns true when
	// this caller claimed it, false when it was already seen.
	ClaimProcessedMessage(ctx context.Context, providerID string) (bool, error)

	// --- Traces ---
	StartTrace(ctx context.Context, t Trace) error
	FinishTrace(ctx context.Context, id, status, providerMsgID string, completedAt int64) error
	AppendSpan(ctx context.Context, s SpanRecord) error
	AppendScore(ctx context.Context, s ScoreRecord) error
	GetTraceByProviderMsgID(ctx context.Context, providerMsgID string) (*Trace, error)
	GetTracesByPrincipal(ctx context.Context, principal string, limit int) ([]Trace, error)
	CleanupTracesOlderThan(ctx context.Context, days int) (int, error)

	// --- Dataset ---
	AddDatasetEntry(ctx context.Context, e DatasetEntry) (int64, error)
	ExportDatasetJSONL(ctx context.Context, entryType string) (string, error)

	// --- Prompts ---
	SavePromptVersion(ctx context.Context, p PromptVersion) error
	// ActivatePromptVersion deactivates every other version of the prompt.
	ActivatePromptVersion(ctx context.Context, name string, version int) error
	GetActivePrompt(ctx context.Context, name string) (*PromptVersion, error)

	// --- Sticky categories ---
	GetStickyCategories(ctx context.Context, conversationID int64) ([]string, error)
	SetStickyCategories(ctx context.Context, conversationID int64, cats []string) error

	// --- Cron jobs ---
	SaveCronJob(ctx context.Context, j CronJob) (int64, error)
	ListActiveCronJobs(ctx context.Context) ([]CronJob, error)
	DeactivateCronJob(ctx context.Context, id int64) error

	// --- Agent sessions ---
	SaveSession(ctx context.Context, s AgentSession) error
	GetSession(ctx context.Context, id string) (*AgentSession, error)
	LatestSession(ctx context.Context, principal string) (*AgentSession, error)
	// AppendSessionRound adds one journal record; the journal is append-only
	// and ordered by insertion.
	AppendSessionRound(ctx context.Context, sessionID string, r SessionRound) error
	ListSessionRounds(ctx context.Context, sessionID string) ([]SessionRound, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

// Embedding source kinds for SetEmbedding / RemoveEmbedding.
const (
	EmbedKindMemory = "memory"
	EmbedKindNote   = "note"
)
