package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/palomabot/paloma"
)

var _ paloma.Messenger = (*Client)(nil)

// Event is one parsed inbound webhook item: either a message or a reaction.
type Event struct {
	Message  *paloma.Envelope
	Reaction *paloma.Reaction
}

// VerifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>")
// against the raw body using the app secret. Constant-time comparison.
func VerifySignature(body []byte, header, appSecret string) bool {
	if appSecret == "" {
		return true // verification disabled
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}

// --- Cloud API webhook payload shapes (inbound subset) ---

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Reaction *struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	} `json:"reaction"`
	Audio *struct {
		ID string `json:"id"`
	} `json:"audio"`
	Image *struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
}

// ParseWebhook extracts messages and reactions from a webhook body. Status
// updates and unsupported message types are skipped, not errors.
func ParseWebhook(body []byte) ([]Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("whatsapp: parse webhook: %w", err)
	}

	var events []Event
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if ev, ok := mapInbound(m); ok {
					events = append(events, ev)
				}
			}
		}
	}
	return events, nil
}

// mapInbound converts one raw message into an Event.
func mapInbound(m inboundMessage) (Event, bool) {
	if m.Reaction != nil {
		return Event{Reaction: &paloma.Reaction{
			TargetMsgID: m.Reaction.MessageID,
			Emoji:       m.Reaction.Emoji,
			Principal:   m.From,
		}}, true
	}

	env := paloma.Envelope{
		ProviderMsgID: m.ID,
		Principal:     m.From,
	}
	if m.Context != nil {
		env.ReplyToID = m.Context.ID
	}
	switch {
	case m.Text != nil:
		env.Text = m.Text.Body
	case m.Audio != nil:
		env.HasAudio = true
	case m.Image != nil:
		env.HasImage = true
		env.Text = m.Image.Caption
	default:
		return Event{}, false
	}
	return Event{Message: &env}, true
}
