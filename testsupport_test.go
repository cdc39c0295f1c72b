package paloma

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
)

// mockProvider is a test Provider that returns canned responses in order and
// records every request it sees.
type mockProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	errs      []error // parallel to responses; nil entries mean success
	requests  []ChatRequest
	idx       int
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.idx >= len(m.responses) {
		return ChatResponse{Content: "exhausted"}, nil
	}
	resp := m.responses[m.idx]
	var err error
	if m.idx < len(m.errs) {
		err = m.errs[m.idx]
	}
	m.idx++
	return resp, err
}

func (m *mockProvider) calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

// stubMessenger records outbound sends.
type stubMessenger struct {
	mu        sync.Mutex
	sent      []string
	reactions []string
	reads     []string
	nextID    string
	err       error
}

func (s *stubMessenger) SendMessage(ctx context.Context, principal, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, text)
	if s.nextID != "" {
		return s.nextID, nil
	}
	return "wamid.test", nil
}

func (s *stubMessenger) SendReaction(ctx context.Context, principal, providerMsgID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, emoji)
	return nil
}

func (s *stubMessenger) MarkAsRead(ctx context.Context, providerMsgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, providerMsgID)
	return nil
}

func (s *stubMessenger) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// stubEmbedder returns a fixed vector.
type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.vec != nil {
		return s.vec, nil
	}
	return []float32{1, 0, 0}, nil
}

func (s *stubEmbedder) Dimensions() int { return 3 }
func (s *stubEmbedder) Name() string    { return "stub-embed" }

// testTool is a scriptable tool with a fixed category.
type testTool struct {
	name     string
	category string
	fn       func(ctx context.Context, args json.RawMessage) (ToolResult, error)
	mu       sync.Mutex
	calls    int
}

func (t *testTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:       t.name,
		Parameters: json.RawMessage(`{"type":"object"}`),
		Category:   t.category,
	}}
}

func (t *testTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.fn != nil {
		return t.fn(ctx, args)
	}
	return ToolResult{Content: t.name + " ok"}, nil
}

func (t *testTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// memStore is a full in-memory Store for tests.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      []Message
	summaries     []Summary
	memories      []Memory
	notes         []Note
	embeddings    map[string][]float32 // kind/id -> vec
	processed     map[string]bool
	traces        map[string]*Trace
	spans         []SpanRecord
	scores        []ScoreRecord
	dataset       []DatasetEntry
	prompts       []PromptVersion
	sticky        map[int64][]string
	cronJobs      []CronJob
	sessions      map[string]AgentSession
	sessionOrder  []string
	rounds        map[string][]SessionRound
	nextID        int64
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]Conversation),
		embeddings:    make(map[string][]float32),
		processed:     make(map[string]bool),
		traces:        make(map[string]*Trace),
		sticky:        make(map[int64][]string),
		sessions:      make(map[string]AgentSession),
		rounds:        make(map[string][]SessionRound),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) GetOrCreateConversation(ctx context.Context, principal string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[principal]; ok {
		return c, nil
	}
	c := Conversation{ID: s.id(), Principal: principal, CreatedAt: NowUnix()}
	s.conversations[principal] = c
	return c, nil
}

func (s *memStore) SaveMessage(ctx context.Context, msg Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = s.id()
	s.messages = append(s.messages, msg)
	return msg.ID, nil
}

func (s *memStore) GetMessageByProviderID(ctx context.Context, providerMsgID string) (*Message, error) {
	if providerMsgID == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ProviderMsgID == providerMsgID {
			m := s.messages[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetRecentMessages(ctx context.Context, conversationID int64, n int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (s *memStore) GetWindowedHistory(ctx context.Context, conversationID int64, verbatimN int) ([]Message, *Summary, error) {
	msgs, err := s.GetRecentMessages(ctx, conversationID, verbatimN)
	if err != nil {
		return nil, nil, err
	}
	sum, _ := s.LatestSummary(ctx, conversationID)
	return msgs, sum, nil
}

func (s *memStore) LatestSummary(ctx context.Context, conversationID int64) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.summaries) - 1; i >= 0; i-- {
		if s.summaries[i].ConversationID == conversationID {
			sum := s.summaries[i]
			return &sum, nil
		}
	}
	return nil, nil
}

func (s *memStore) WriteSummary(ctx context.Context, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum.ID = s.id()
	s.summaries = append(s.summaries, sum)
	return nil
}

func (s *memStore) CountMessagesSince(ctx context.Context, conversationID, sinceMessageID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.ID > sinceMessageID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ClearMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cleared, kept []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			cleared = append(cleared, m)
		} else {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	var keptSums []Summary
	for _, sum := range s.summaries {
		if sum.ConversationID != conversationID {
			keptSums = append(keptSums, sum)
		}
	}
	s.summaries = keptSums
	return cleared, nil
}

func (s *memStore) AddMemory(ctx context.Context, m Memory) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.id()
	s.memories = append(s.memories, m)
	return m.ID, nil
}

func (s *memStore) SoftDeleteMemory(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.memories {
		if m.ID == id {
			s.memories[i].Active = false
			return nil
		}
	}
	return errors.New("memory not found")
}

func (s *memStore) ListActiveMemories(ctx context.Context, limit int) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for _, m := range s.memories {
		if m.Active {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SearchMemories(ctx context.Context, embedding []float32, topK int) ([]ScoredMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredMemory
	for _, m := range s.memories {
		if m.Active {
			out = append(out, ScoredMemory{Memory: m, Distance: 0.1})
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *memStore) AddNote(ctx context.Context, n Note) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = s.id()
	s.notes = append(s.notes, n)
	return n.ID, nil
}

func (s *memStore) SearchNotes(ctx context.Context, embedding []float32, topK int) ([]ScoredNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredNote
	for _, n := range s.notes {
		out = append(out, ScoredNote{Note: n, Distance: 0.2})
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *memStore) SetEmbedding(ctx context.Context, kind string, sourceID int64, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[embedKeySimple(kind, sourceID)] = vec
	return nil
}

func (s *memStore) RemoveEmbedding(ctx context.Context, kind string, sourceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.embeddings, embedKeySimple(kind, sourceID))
	return nil
}

func (s *memStore) MissingEmbeddings(ctx context.Context, kind string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	switch kind {
	case EmbedKindMemory:
		for _, m := range s.memories {
			if m.Active && s.embeddings[embedKeySimple(kind, m.ID)] == nil {
				out = append(out, m.ID)
			}
		}
	case EmbedKindNote:
		for _, n := range s.notes {
			if s.embeddings[embedKeySimple(kind, n.ID)] == nil {
				out = append(out, n.ID)
			}
		}
	}
	return out, nil
}

func (s *memStore) ClaimProcessedMessage(ctx context.Context, providerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed[providerID] {
		return false, nil
	}
	s.processed[providerID] = true
	return true, nil
}

func (s *memStore) StartTrace(ctx context.Context, t Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt := t
	s.traces[t.ID] = &tt
	return nil
}

func (s *memStore) FinishTrace(ctx context.Context, id, status, providerMsgID string, completedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.traces[id]; ok {
		t.Status = status
		t.ProviderMsgID = providerMsgID
		t.CompletedAt = completedAt
	}
	return nil
}

func (s *memStore) AppendSpan(ctx context.Context, sp SpanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spans = append(s.spans, sp)
	return nil
}

func (s *memStore) AppendScore(ctx context.Context, sc ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, sc)
	return nil
}

func (s *memStore) GetTraceByProviderMsgID(ctx context.Context, providerMsgID string) (*Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if providerMsgID == "" {
		return nil, nil
	}
	for _, t := range s.traces {
		if t.ProviderMsgID == providerMsgID {
			tt := *t
			return &tt, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetTracesByPrincipal(ctx context.Context, principal string, limit int) ([]Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Trace
	for _, t := range s.traces {
		if t.Principal == principal {
			out = append(out, *t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CleanupTracesOlderThan(ctx context.Context, days int) (int, error) {
	return 0, nil
}

func (s *memStore) AddDatasetEntry(ctx context.Context, e DatasetEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.id()
	s.dataset = append(s.dataset, e)
	return e.ID, nil
}

func (s *memStore) ExportDatasetJSONL(ctx context.Context, entryType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sb strings.Builder
	for _, e := range s.dataset {
		if entryType != "" && e.EntryType != entryType {
			continue
		}
		b, _ := json.Marshal(e)
		sb.Write(b)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func (s *memStore) SavePromptVersion(ctx context.Context, p PromptVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p)
	return nil
}

func (s *memStore) ActivatePromptVersion(ctx context.Context, name string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for i := range s.prompts {
		if s.prompts[i].Name == name {
			s.prompts[i].Active = s.prompts[i].Version == version
			if s.prompts[i].Active {
				found = true
			}
		}
	}
	if !found {
		return errors.New("prompt version not found")
	}
	return nil
}

func (s *memStore) GetActivePrompt(ctx context.Context, name string) (*PromptVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts {
		if p.Name == name && p.Active {
			pp := p
			return &pp, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetStickyCategories(ctx context.Context, conversationID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sticky[conversationID]...), nil
}

func (s *memStore) SetStickyCategories(ctx context.Context, conversationID int64, cats []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky[conversationID] = append([]string(nil), cats...)
	return nil
}

func (s *memStore) SaveCronJob(ctx context.Context, j CronJob) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == 0 {
		j.ID = s.id()
	}
	s.cronJobs = append(s.cronJobs, j)
	return j.ID, nil
}

func (s *memStore) ListActiveCronJobs(ctx context.Context) ([]CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CronJob
	for _, j := range s.cronJobs {
		if j.Active {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memStore) DeactivateCronJob(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cronJobs {
		if s.cronJobs[i].ID == id {
			s.cronJobs[i].Active = false
			return nil
		}
	}
	return errors.New("cron job not found")
}

func (s *memStore) SaveSession(ctx context.Context, sess AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		s.sessionOrder = append(s.sessionOrder, sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *memStore) GetSession(ctx context.Context, id string) (*AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return &sess, nil
	}
	return nil, nil
}

func (s *memStore) LatestSession(ctx context.Context, principal string) (*AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sessionOrder) - 1; i >= 0; i-- {
		sess := s.sessions[s.sessionOrder[i]]
		if sess.Principal == principal {
			return &sess, nil
		}
	}
	return nil, nil
}

func (s *memStore) AppendSessionRound(ctx context.Context, sessionID string, r SessionRound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[sessionID] = append(s.rounds[sessionID], r)
	return nil
}

func (s *memStore) ListSessionRounds(ctx context.Context, sessionID string) ([]SessionRound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SessionRound(nil), s.rounds[sessionID]...), nil
}

func (s *memStore) Init(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

func embedKeySimple(kind string, id int64) string {
	return kind + "/" + strconv.FormatInt(id, 10)
}

var _ Store = (*memStore)(nil)

// argsJSON builds a raw args payload for tool calls in tests.
func argsJSON(t map[string]any) json.RawMessage {
	b, _ := json.Marshal(t)
	return b
}
