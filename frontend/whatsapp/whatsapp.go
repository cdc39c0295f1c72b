// Package whatsapp implements paloma.Messenger against a WhatsApp Cloud
// API-compatible gateway, plus webhook parsing for the inbound direction.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

// maxMessageLength is WhatsApp's per-message text limit.
const maxMessageLength = 4096

// Client talks to the gateway for one phone number.
type Client struct {
	baseURL    string // e.g. https://graph.facebook.com/v19.0/<phone_id>
	token      string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// NewClient creates a Client for the given gateway base URL and bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendMessage sends text to the principal, splitting into chunks when it
// exceeds the per-message limit. Returns the provider id of the FIRST chunk;
// reactions quote the beginning of a long reply, so that is the id traces
// link to.
func (c *Client) SendMessage(ctx context.Context, to, text string) (string, error) {
	var firstID string
	for _, chunk := range splitMessage(text) {
		body := map[string]any{
			"messaging_product": "whatsapp",
			"to":                to,
			"type":              "text",
			"text":              map[string]any{"body": chunk},
		}
		var resp sendResponse
		if err := c.callAPI(ctx, "/messages", body, &resp); err != nil {
			return firstID, err
		}
		if firstID == "" && len(resp.Messages) > 0 {
			firstID = resp.Messages[0].ID
		}
	}
	return firstID, nil
}

// SendReaction reacts to a message with an emoji. Empty emoji removes the
// reaction.
func (c *Client) SendReaction(ctx context.Context, to, targetMsgID, emoji string) error {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "reaction",
		"reaction": map[string]any{
			"message_id": targetMsgID,
			"emoji":      emoji,
		},
	}
	return c.callAPI(ctx, "/messages", body, nil)
}

// MarkAsRead sends a read receipt for an inbound message.
func (c *Client) MarkAsRead(ctx context.Context, providerMsgID string) error {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        providerMsgID,
	}
	return c.callAPI(ctx, "/messages", body, nil)
}

// callAPI posts JSON to a gateway path and decodes the result.
func (c *Client) callAPI(ctx context.Context, path string, reqBody, result any) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("whatsapp: decode response: %w", err)
		}
	}
	return nil
}

// apiError represents a gateway error response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("whatsapp API error %d: %s", e.Status, e.Body)
}

// splitMessage splits text into chunks fitting the per-message limit,
// preferring newline boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}
	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= maxMessageLength {
			chunks = append(chunks, remaining)
			break
		}
		splitAt := remaining[:maxMessageLength]
		splitPos := strings.LastIndex(splitAt, "\n")
		if splitPos == -1 {
			// Hard split: back up to a rune boundary so a multi-byte
			// character is never cut in half.
			splitPos = maxMessageLength
			for splitPos > 0 && !utf8.RuneStart(remaining[splitPos]) {
				splitPos--
			}
			if splitPos == 0 {
				splitPos = maxMessageLength
			}
		} else {
			splitPos++ // include the newline in the current chunk
		}
		chunks = append(chunks, remaining[:splitPos])
		remaining = remaining[splitPos:]
	}
	return chunks
}
