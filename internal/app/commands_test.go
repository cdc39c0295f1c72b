package app

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	paloma "github.com/palomabot/paloma"
	"github.com/palomabot/paloma/internal/config"
	"github.com/palomabot/paloma/store/sqlite"
)

// recordingMessenger captures outbound texts.
type recordingMessenger struct {
	mu   sync.Mutex
	sent []string
}

func (m *recordingMessenger) SendMessage(ctx context.Context, to, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return "wamid.cmd", nil
}

func (m *recordingMessenger) SendReaction(ctx context.Context, to, targetMsgID, emoji string) error {
	return nil
}

func (m *recordingMessenger) MarkAsRead(ctx context.Context, providerMsgID string) error {
	return nil
}

func (m *recordingMessenger) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1]
}

func newCommandApp(t *testing.T) (*App, *sqlite.Store, *recordingMessenger) {
	t.Helper()
	store := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Brain.SnapshotDir = t.TempDir()
	msgr := &recordingMessenger{}
	tracker := paloma.NewTaskTracker(context.Background(), nil)
	a := New(cfg, nil, nil, store, msgr, nil, nil, tracker, nil)
	return a, store, msgr
}

func command(a *App, text string) {
	a.handleCommand(context.Background(), paloma.Envelope{Principal: "34600111222", Text: text})
}

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in, cmd, rest string
	}{
		{"/help", "/help", ""},
		{"/remember likes oat milk", "/remember", "likes oat milk"},
		{"  /Rate 4  ", "/rate", "4"},
		{"/feedback\nuse fewer words", "/feedback", "use fewer words"},
	}
	for _, tc := range cases {
		cmd, rest := splitCommand(tc.in)
		if cmd != tc.cmd || rest != tc.rest {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)", tc.in, cmd, rest, tc.cmd, tc.rest)
		}
	}
}

func TestCmdRememberForgetMemories(t *testing.T) {
	a, store, msgr := newCommandApp(t)

	command(a, "/remember User's sister is called Lucía")
	if !strings.Contains(msgr.last(), "Remembered") {
		t.Fatalf("reply = %q", msgr.last())
	}
	mems, _ := store.ListActiveMemories(context.Background(), 0)
	if len(mems) != 1 {
		t.Fatalf("memories = %+v", mems)
	}

	command(a, "/memories")
	if !strings.Contains(msgr.last(), "sister is called Lucía") {
		t.Errorf("listing = %q", msgr.last())
	}

	command(a, "/forget 1")
	mems, _ = store.ListActiveMemories(context.Background(), 0)
	if len(mems) != 0 {
		t.Errorf("memories = %+v after forget", mems)
	}

	command(a, "/memories")
	if msgr.last() != "No memories yet." {
		t.Errorf("empty listing = %q", msgr.last())
	}
}

func TestCmdRememberUsage(t *testing.T) {
	a, _, msgr := newCommandApp(t)
	command(a, "/remember")
	if !strings.HasPrefix(msgr.last(), "Usage:") {
		t.Errorf("reply = %q", msgr.last())
	}
}

func TestCmdClearSnapshots(t *testing.T) {
	a, store, msgr := newCommandApp(t)
	ctx := context.Background()

	conv, _ := store.GetOrCreateConversation(ctx, "34600111222")
	_, _ = store.SaveMessage(ctx, paloma.Message{ConversationID: conv.ID, Role: "user", Text: "hola", CreatedAt: 1})

	command(a, "/clear")
	if !strings.Contains(msgr.last(), "Cleared 1 messages") || !strings.Contains(msgr.last(), "Snapshot saved") {
		t.Errorf("reply = %q", msgr.last())
	}
	msgs, _ := store.GetRecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 0 {
		t.Error("messages must be gone")
	}
}

func TestCmdFeedbackRecordsCorrection(t *testing.T) {
	a, store, msgr := newCommandApp(t)
	ctx := context.Background()

	conv, _ := store.GetOrCreateConversation(ctx, "34600111222")
	_, _ = store.SaveMessage(ctx, paloma.Message{ConversationID: conv.ID, Role: "user", Text: "what time is it", CreatedAt: 1})
	_, _ = store.SaveMessage(ctx, paloma.Message{ConversationID: conv.ID, Role: "assistant", Text: "half past nine", CreatedAt: 2})

	command(a, "/feedback just give the exact time")
	if !strings.Contains(msgr.last(), "noted") {
		t.Fatalf("reply = %q", msgr.last())
	}

	out, _ := store.ExportDatasetJSONL(ctx, paloma.DatasetCorrection)
	if !strings.Contains(out, "just give the exact time") || !strings.Contains(out, "half past nine") {
		t.Errorf("dataset = %q", out)
	}
}

func TestCmdRate(t *testing.T) {
	a, store, msgr := newCommandApp(t)
	ctx := context.Background()

	command(a, "/rate 6")
	if !strings.HasPrefix(msgr.last(), "Usage:") {
		t.Errorf("reply = %q", msgr.last())
	}

	command(a, "/rate 4")
	if msgr.last() != "Nothing to rate yet." {
		t.Errorf("reply = %q", msgr.last())
	}

	_ = store.StartTrace(ctx, paloma.Trace{ID: "t1", Principal: "34600111222", MessageType: "chat", Status: "completed", StartedAt: paloma.NowUnix()})
	command(a, "/rate 4")
	if msgr.last() != "Rated, thank you." {
		t.Errorf("reply = %q", msgr.last())
	}
}

func TestCmdAgentUnconfigured(t *testing.T) {
	a, _, msgr := newCommandApp(t)
	command(a, "/agent book the flights")
	if msgr.last() != "Agent mode is not configured." {
		t.Errorf("reply = %q", msgr.last())
	}
}

func TestUnknownCommand(t *testing.T) {
	a, _, msgr := newCommandApp(t)
	command(a, "/frobnicate")
	if msgr.last() != "Unknown command. Try /help." {
		t.Errorf("reply = %q", msgr.last())
	}
}
