// Package ollama implements paloma.Provider and paloma.EmbeddingProvider
// against a local Ollama server's native /api endpoints. The native API is
// used instead of the OpenAI-compatible shim because only the native one
// exposes the think flag and total_duration accounting.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/palomabot/paloma"
)

// DefaultBaseURL is the standard local Ollama endpoint.
const DefaultBaseURL = "http://localhost:11434"

// Provider talks to one Ollama server.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client
}

var _ paloma.Provider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithHTTPClient replaces the HTTP client (timeouts, proxies, tests).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// New creates a Provider. model is the default when requests carry none.
func New(baseURL, model string, opts ...ProviderOption) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		baseURL: baseURL,
		model:   model,
		// Local models can be slow on first load; generous default.
		client: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "ollama".
func (p *Provider) Name() string { return "ollama" }

// --- wire types (native /api/chat) ---

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatBody struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Think    bool          `json:"think"`
	Stream   bool          `json:"stream"`
}

type chatReply struct {
	Message         wireMessage `json:"message"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	TotalDuration   int64       `json:"total_duration"` // nanoseconds
	Model           string      `json:"model"`
}

// Chat sends one non-streaming chat request. The think flag passes through
// as-is; the caller guarantees it is off when tools are present.
func (p *Provider) Chat(ctx context.Context, req paloma.ChatRequest) (paloma.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := chatBody{Model: model, Think: req.Think}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				Function: wireFunctionCall{Name: tc.Name, Arguments: tc.Args},
			})
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	var reply chatReply
	if err := p.post(ctx, "/api/chat", body, &reply); err != nil {
		return paloma.ChatResponse{}, err
	}

	resp := paloma.ChatResponse{
		Content: reply.Message.Content,
		Usage: paloma.Usage{
			InputTokens:     reply.PromptEvalCount,
			OutputTokens:    reply.EvalCount,
			Model:           reply.Model,
			TotalDurationMS: reply.TotalDuration / int64(time.Millisecond),
		},
	}
	for i, tc := range reply.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, paloma.ToolCall{
			// Ollama does not assign call ids; synthesize stable ones.
			ID:   fmt.Sprintf("call_%d", i),
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		})
	}
	return resp, nil
}

// --- embeddings (/api/embed) ---

// Embedder implements paloma.EmbeddingProvider against Ollama's embed
// endpoint.
type Embedder struct {
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
}

var _ paloma.EmbeddingProvider = (*Embedder)(nil)

// NewEmbedder creates an Embedder. dimensions is the model's output size,
// used for store validation.
func NewEmbedder(baseURL, model string, dimensions int) *Embedder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Embedder{
		baseURL:    baseURL,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

// Name returns "ollama".
func (e *Embedder) Name() string { return "ollama" }

// Dimensions returns the configured vector size.
func (e *Embedder) Dimensions() int { return e.dimensions }

type embedBody struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedReply struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector for one text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var reply embedReply
	if err := postJSON(ctx, e.client, e.baseURL+"/api/embed", embedBody{Model: e.model, Input: text}, &reply); err != nil {
		return nil, err
	}
	if len(reply.Embeddings) == 0 {
		return nil, &paloma.ErrLLM{Provider: "ollama", Message: "embed returned no vectors"}
	}
	return reply.Embeddings[0], nil
}

// post sends a JSON request to an API path and decodes the reply.
func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	return postJSON(ctx, p.client, p.baseURL+path, body, out)
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &paloma.ErrLLM{Provider: "ollama", Message: fmt.Sprintf("marshal request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &paloma.ErrLLM{Provider: "ollama", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return &paloma.ErrLLM{Provider: "ollama", Message: fmt.Sprintf("send request: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &paloma.ErrHTTP{Status: resp.StatusCode, Body: string(b)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &paloma.ErrLLM{Provider: "ollama", Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}
