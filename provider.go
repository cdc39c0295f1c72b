package paloma

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools is
	// non-empty the response may contain ToolCalls and req.Think must be false
	// (thinking and tools are mutually exclusive on local models).
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "ollama").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns the embedding vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// Messenger abstracts the outbound messaging provider (WhatsApp Cloud API).
type Messenger interface {
	// SendMessage splits long text into ≤4096-char chunks and returns the
	// provider message ID of the first chunk, used to link trace ↔ message.
	SendMessage(ctx context.Context, principal, text string) (string, error)
	// SendReaction reacts to a previously sent or received message.
	SendReaction(ctx context.Context, principal, providerMsgID, emoji string) error
	// MarkAsRead marks an inbound message as read.
	MarkAsRead(ctx context.Context, providerMsgID string) error
}

// ToolServer abstracts an external MCP-style tool server.
type ToolServer interface {
	// Call invokes a remote tool and returns its textual result.
	Call(ctx context.Context, tool string, args map[string]any) (string, error)
}
