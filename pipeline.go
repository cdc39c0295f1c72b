package paloma

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// defaultHistoryWindow is how many verbatim messages ride along with the
	// rolling summary.
	defaultHistoryWindow = 20

	// defaultSummaryEvery triggers a background summary refresh once this many
	// messages accumulate past the last covered one.
	defaultSummaryEvery = 30

	// defaultRetrievalTopK memories/notes are fetched per turn.
	defaultRetrievalTopK = 5

	// classifyTimeout bounds the concurrent intent classification; on expiry
	// the sticky fallback applies.
	classifyTimeout = 10 * time.Second

	// maxActivityLines caps the recent-activity section.
	maxActivityLines = 20

	// selfCorrectionCooldown spaces out self_correction memory writes so a
	// repeatedly failing check does not flood the store.
	selfCorrectionCooldown = 2 * time.Hour
)

// Reaction emoji to score values. Unlisted emoji score neutral.
var reactionScores = map[string]float64{
	"👍": 1.0, "❤️": 1.0, "❤": 1.0,
	"😂": 0.8,
	"👎": 0.0,
}

// Pipeline is the critical path from a validated inbound envelope to a sent
// reply. One Handle call per message; phases overlap where data dependencies
// allow (classification and embedding run concurrently with persistence).
type Pipeline struct {
	store      Store
	provider   Provider
	embedder   EmbeddingProvider // nil disables retrieval
	messenger  Messenger
	router     *Router
	executor   *Executor
	guardrails *Guardrails
	builder    *ContextBuilder
	recorder   *Recorder
	dedup      *DedupLedger
	limiter    *RateLimiter
	tracker    *TaskTracker
	logger     *slog.Logger

	persona       string
	model         string
	toolBudget    int
	historyWindow int
	summaryEvery  int
	retrievalTopK int
	timezone      *time.Location
	projectsRoot  string
	activityDir   string
	autoCurate    bool
	memoryFlush   bool

	flushMu   sync.Mutex
	lastFlush time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPersona sets the base system persona.
func WithPersona(p string) PipelineOption {
	return func(pl *Pipeline) { pl.persona = p }
}

// WithPipelineModel sets the main generation model.
func WithPipelineModel(m string) PipelineOption {
	return func(pl *Pipeline) { pl.model = m }
}

// WithToolBudget overrides the selection budget.
func WithToolBudget(n int) PipelineOption {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.toolBudget = n
		}
	}
}

// WithHistoryWindow sets the verbatim history length.
func WithHistoryWindow(n int) PipelineOption {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.historyWindow = n
		}
	}
}

// WithSummaryEvery sets the summary refresh interval in messages.
func WithSummaryEvery(n int) PipelineOption {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.summaryEvery = n
		}
	}
}

// WithEmbedder enables vector retrieval of memories and notes.
func WithEmbedder(e EmbeddingProvider) PipelineOption {
	return func(pl *Pipeline) { pl.embedder = e }
}

// WithRateLimiter sets the per-principal rate limiter.
func WithRateLimiter(l *RateLimiter) PipelineOption {
	return func(pl *Pipeline) { pl.limiter = l }
}

// WithTimezone sets the user's timezone for the prompt clock.
func WithTimezone(loc *time.Location) PipelineOption {
	return func(pl *Pipeline) {
		if loc != nil {
			pl.timezone = loc
		}
	}
}

// WithRetrievalTopK sets how many memories and notes are fetched per turn.
func WithRetrievalTopK(n int) PipelineOption {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.retrievalTopK = n
		}
	}
}

// WithProjectsRoot enables the active_projects prompt section from the given
// directory.
func WithProjectsRoot(dir string) PipelineOption {
	return func(pl *Pipeline) { pl.projectsRoot = dir }
}

// WithActivityDir enables the daily activity log and the recent_activity
// prompt section.
func WithActivityDir(dir string) PipelineOption {
	return func(pl *Pipeline) { pl.activityDir = dir }
}

// WithAutoCurate toggles automatic dataset curation (failure and golden
// tiers).
func WithAutoCurate(on bool) PipelineOption {
	return func(pl *Pipeline) { pl.autoCurate = on }
}

// WithMemoryFlush toggles the self_correction memory writer.
func WithMemoryFlush(on bool) PipelineOption {
	return func(pl *Pipeline) { pl.memoryFlush = on }
}

// WithPipelineLogger sets the structured logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(pl *Pipeline) {
		if l != nil {
			pl.logger = l
		}
	}
}

// NewPipeline wires the critical path. All collaborators are required except
// those injected via options.
func NewPipeline(store Store, provider Provider, messenger Messenger, router *Router,
	executor *Executor, guardrails *Guardrails, builder *ContextBuilder,
	recorder *Recorder, tracker *TaskTracker, opts ...PipelineOption) *Pipeline {
	pl := &Pipeline{
		store:         store,
		provider:      provider,
		messenger:     messenger,
		router:        router,
		executor:      executor,
		guardrails:    guardrails,
		builder:       builder,
		recorder:      recorder,
		dedup:         NewDedupLedger(store, nil),
		tracker:       tracker,
		logger:        nopLogger,
		toolBudget:    DefaultToolBudget,
		historyWindow: defaultHistoryWindow,
		summaryEvery:  defaultSummaryEvery,
		retrievalTopK: defaultRetrievalTopK,
		timezone:      time.Local,
		autoCurate:    true,
		memoryFlush:   true,
	}
	for _, opt := range opts {
		opt(pl)
	}
	pl.dedup = NewDedupLedger(store, pl.logger)
	return pl
}

// classifyOutcome is the result of the concurrently spawned classification.
type classifyOutcome struct {
	categories []string
}

// retrievalOutcome is the result of the embedding-gated retrieval.
type retrievalOutcome struct {
	memories []ScoredMemory
	notes    []ScoredNote
}

// Handle processes one inbound envelope end to end. Duplicate deliveries are
// dropped silently; every other path produces exactly one reply (or a rate
// limit notice). Errors are returned after the trace is finished.
func (pl *Pipeline) Handle(ctx context.Context, env Envelope) error {
	// Phase 0: dedup, rate limit, read receipt.
	if claimed := pl.dedup.Claim(ctx, env.ProviderMsgID); !claimed {
		pl.logger.Debug("duplicate delivery dropped", "provider_msg_id", env.ProviderMsgID)
		return nil
	}
	if pl.limiter != nil && !pl.limiter.Allow(env.Principal) {
		pl.logger.Warn("rate limited, message dropped", "principal", env.Principal)
		return &ErrRateLimited{Principal: env.Principal}
	}
	if err := pl.messenger.MarkAsRead(ctx, env.ProviderMsgID); err != nil {
		pl.logger.Debug("mark-as-read failed", "error", err)
	}

	ctx, _ = pl.recorder.Begin(ctx, env.Principal, "chat")
	status, providerMsgID := "completed", ""
	defer func() { pl.recorder.Finish(ctx, status, providerMsgID) }()

	userText := env.Text
	if env.ReplyToText == "" && env.ReplyToID != "" {
		if quoted, err := pl.store.GetMessageByProviderID(ctx, env.ReplyToID); err == nil && quoted != nil {
			env.ReplyToText = quoted.Text
		}
	}
	if env.ReplyToText != "" {
		userText = "[replying to: " + truncateStr(env.ReplyToText, 200) + "]\n" + userText
	}
	if env.HasAudio && userText == "" {
		userText = "[voice message, transcription unavailable]"
	}
	if env.HasImage {
		userText = "[image attached]\n" + userText
	}

	// Phase A: persist inbound, spawn classification and embedding. History is
	// read before the current turn is saved; the builder appends the user text
	// itself, so the window must not contain it too.
	conv, err := pl.store.GetOrCreateConversation(ctx, env.Principal)
	if err != nil {
		status = "failed"
		return err
	}
	history, summary, err := pl.store.GetWindowedHistory(ctx, conv.ID, pl.historyWindow)
	if err != nil {
		pl.logger.Warn("history load failed", "error", err)
	}
	activity := pl.loadRecentActivity()
	if _, err := pl.store.SaveMessage(ctx, Message{
		ConversationID: conv.ID,
		Role:           "user",
		Text:           env.Text,
		ProviderMsgID:  env.ProviderMsgID,
		CreatedAt:      NowUnix(),
	}); err != nil {
		status = "failed"
		return err
	}
	pl.logDailyActivity("user", userText)

	classifyCh := pl.spawnClassify(ctx, conv.ID, userText, history)
	retrieveCh := pl.spawnRetrieval(ctx, userText)

	// Phase B: collect retrieval (embedding-gated) and classification,
	// alongside the filesystem-backed sections.
	projects := pl.loadProjectsSummary()
	scratchpad := pl.loadScratchpadContext(ctx, env.Principal)
	retrieval := <-retrieveCh
	outcome := <-classifyCh

	// Phase C: context assembly and the tool loop.
	msgs := pl.builder.Build(ContextInput{
		Persona:           pl.persona,
		Now:               time.Now(),
		Timezone:          pl.timezone,
		Memories:          retrieval.memories,
		Notes:             retrieval.notes,
		Summary:           summary,
		History:           history,
		Capabilities:      outcome.categories,
		ActiveProjects:    projects,
		RecentActivity:    activity,
		ScratchpadContext: scratchpad,
		UserText:          userText,
	})
	tools := SelectTools(pl.executor.registry, outcome.categories, pl.toolBudget)

	res, err := pl.executor.Run(ctx, ExecRequest{
		Messages:   msgs,
		Tools:      tools,
		Categories: outcome.categories,
		Budget:     pl.toolBudget,
		Model:      pl.model,
		Think:      true,
	})
	if err != nil {
		status = "failed"
		pl.curateFailure(ctx, userText, err)
		_, _ = pl.messenger.SendMessage(ctx, env.Principal,
			"Algo salió mal procesando tu mensaje, inténtalo de nuevo. / Something went wrong, please try again.")
		return err
	}

	// Phase D: guardrails, egress, bookkeeping.
	reply, checkResults := pl.guardrails.Review(ctx, pl.recorder, userText, res.Text)

	sentID, err := pl.messenger.SendMessage(ctx, env.Principal, reply)
	if err != nil {
		status = "failed"
		return err
	}
	providerMsgID = sentID

	if _, err := pl.store.SaveMessage(ctx, Message{
		ConversationID: conv.ID,
		Role:           "assistant",
		Text:           reply,
		ProviderMsgID:  sentID,
		CreatedAt:      NowUnix(),
	}); err != nil {
		pl.logger.Warn("assistant message save failed", "error", err)
	}
	pl.logDailyActivity("assistant", reply)

	pl.afterReply(conv.ID, outcome.categories, res, checkResults)
	return nil
}

// HandleReaction scores the trace linked to the reacted-to message. Unknown
// targets are ignored. A top-score reaction promotes the interaction into the
// golden dataset tier.
func (pl *Pipeline) HandleReaction(ctx context.Context, r Reaction) {
	score, known := reactionScores[r.Emoji]
	if !known {
		score = 0.5
	}
	if !pl.recorder.ScoreTrace(ctx, r.TargetMsgID, "user_reaction", score, "user", r.Emoji) {
		pl.logger.Debug("reaction to untraced message ignored", "emoji", r.Emoji)
		return
	}
	if score >= 1.0 && pl.autoCurate {
		pl.curateGolden(ctx, r.TargetMsgID)
	}
}

// spawnClassify runs intent classification concurrently with persistence.
// The returned channel yields exactly one outcome.
func (pl *Pipeline) spawnClassify(ctx context.Context, conversationID int64, text string, history []Message) <-chan classifyOutcome {
	ch := make(chan classifyOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				pl.logger.Error("classification panic", "panic", p)
				ch <- classifyOutcome{categories: []string{CategoryNone}}
			}
		}()
		cctx, cancel := context.WithTimeout(ctx, classifyTimeout)
		defer cancel()

		sticky, err := pl.store.GetStickyCategories(cctx, conversationID)
		if err != nil {
			pl.logger.Debug("sticky category load failed", "error", err)
		}
		tail := history
		if len(tail) > 4 {
			tail = tail[len(tail)-4:]
		}
		ch <- classifyOutcome{categories: pl.router.Classify(cctx, text, tail, sticky)}
	}()
	return ch
}

// spawnRetrieval embeds the user text and searches memories and notes under
// a retrieval span. Without an embedder the outcome is empty.
func (pl *Pipeline) spawnRetrieval(ctx context.Context, text string) <-chan retrievalOutcome {
	ch := make(chan retrievalOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				pl.logger.Error("retrieval panic", "panic", p)
				ch <- retrievalOutcome{}
			}
		}()
		if pl.embedder == nil {
			ch <- retrievalOutcome{}
			return
		}
		sctx, span := pl.recorder.StartSpan(ctx, "retrieval", SpanKindRetrieval)
		defer span.End(ctx)
		span.SetInput(truncateStr(text, 200))

		vec, err := pl.embedder.Embed(sctx, text)
		if err != nil {
			pl.logger.Warn("embedding failed, retrieval skipped", "error", err)
			span.SetStatus("failed")
			ch <- retrievalOutcome{}
			return
		}
		var out retrievalOutcome
		if out.memories, err = pl.store.SearchMemories(sctx, vec, pl.retrievalTopK); err != nil {
			pl.logger.Warn("memory search failed", "error", err)
		}
		if out.notes, err = pl.store.SearchNotes(sctx, vec, pl.retrievalTopK); err != nil {
			pl.logger.Warn("note search failed", "error", err)
		}
		ch <- out
	}()
	return ch
}

// afterReply schedules post-send background work: sticky category update,
// summary maintenance, and the self-correction memory flush. None of them
// delay the reply.
func (pl *Pipeline) afterReply(conversationID int64, cats []string, res ExecResult, checks []GuardrailResult) {
	if pl.tracker == nil {
		return
	}
	pl.tracker.Go("sticky-categories", func(ctx context.Context) {
		var sticky []string
		if len(res.ToolCalls) > 0 {
			sticky = withoutNone(cats)
		}
		if err := pl.store.SetStickyCategories(ctx, conversationID, sticky); err != nil {
			pl.logger.Debug("sticky category save failed", "error", err)
		}
	})
	pl.tracker.Go("summary-maintenance", func(ctx context.Context) {
		pl.maintainSummary(ctx, conversationID)
	})
	pl.tracker.Go("memory-flush", func(ctx context.Context) {
		pl.flushSelfCorrections(ctx, checks)
	})
}

// flushSelfCorrections turns lingering guardrail failures into short-lived
// self_correction memories so the next turns see what went wrong. Writes are
// spaced by a cooldown; the rows expire store-side after 24h.
func (pl *Pipeline) flushSelfCorrections(ctx context.Context, checks []GuardrailResult) {
	if !pl.memoryFlush {
		return
	}
	var notes []string
	for _, c := range checks {
		if c.Passed {
			continue
		}
		note := c.Check
		if c.Detail != "" {
			note += " (" + c.Detail + ")"
		}
		notes = append(notes, note)
	}
	if len(notes) == 0 {
		return
	}

	pl.flushMu.Lock()
	if time.Since(pl.lastFlush) < selfCorrectionCooldown {
		pl.flushMu.Unlock()
		return
	}
	pl.lastFlush = time.Now()
	pl.flushMu.Unlock()

	if _, err := pl.store.AddMemory(ctx, Memory{
		Text:      "Recent replies failed checks: " + strings.Join(notes, "; ") + ". Adjust upcoming replies.",
		Category:  CategorySelfCorrection,
		Active:    true,
		CreatedAt: NowUnix(),
	}); err != nil {
		pl.logger.Debug("self-correction write failed", "error", err)
	}
}

// logDailyActivity appends one line to today's activity log. Best-effort.
func (pl *Pipeline) logDailyActivity(role, text string) {
	if pl.activityDir == "" {
		return
	}
	if err := os.MkdirAll(pl.activityDir, 0o755); err != nil {
		pl.logger.Debug("activity dir create failed", "error", err)
		return
	}
	now := time.Now().In(pl.timezone)
	f, err := os.OpenFile(filepath.Join(pl.activityDir, DayStamp(now)+".log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		pl.logger.Debug("activity log open failed", "error", err)
		return
	}
	defer f.Close()
	line := truncateStr(strings.ReplaceAll(text, "\n", " "), 120)
	fmt.Fprintf(f, "%s %s: %s\n", now.Format("15:04"), role, line)
}

// loadRecentActivity returns the tail of today's activity log, or "".
func (pl *Pipeline) loadRecentActivity() string {
	if pl.activityDir == "" {
		return ""
	}
	now := time.Now().In(pl.timezone)
	data, err := os.ReadFile(filepath.Join(pl.activityDir, DayStamp(now)+".log"))
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > maxActivityLines {
		lines = lines[len(lines)-maxActivityLines:]
	}
	return strings.Join(lines, "\n")
}

// loadProjectsSummary lists project directories under the projects root, each
// described by the first content line of its README when one exists.
func (pl *Pipeline) loadProjectsSummary() string {
	if pl.projectsRoot == "" {
		return ""
	}
	entries, err := os.ReadDir(pl.projectsRoot)
	if err != nil {
		return ""
	}
	var lines []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		line := "- " + e.Name()
		if desc := projectDescription(filepath.Join(pl.projectsRoot, e.Name())); desc != "" {
			line += ": " + desc
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// projectDescription reads the first non-empty, non-heading line of the
// project's README.md.
func projectDescription(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "README.md"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			return truncateStr(line, 120)
		}
	}
	return ""
}

// loadScratchpadContext surfaces the scratchpad of the principal's latest
// still-active agent session, so chat turns see in-flight work.
func (pl *Pipeline) loadScratchpadContext(ctx context.Context, principal string) string {
	sess, err := pl.store.LatestSession(ctx, principal)
	if err != nil || sess == nil || sess.Scratchpad == "" {
		return ""
	}
	switch sess.Status {
	case SessionRunning, SessionAwaitingHuman:
		return truncateStr(sess.Scratchpad, 1000)
	}
	return ""
}

// curateGolden records a positively rated interaction as a golden dataset
// entry linked to its trace.
func (pl *Pipeline) curateGolden(ctx context.Context, providerMsgID string) {
	tr, err := pl.store.GetTraceByProviderMsgID(ctx, providerMsgID)
	if err != nil || tr == nil {
		return
	}
	reply, err := pl.store.GetMessageByProviderID(ctx, providerMsgID)
	if err != nil || reply == nil {
		return
	}
	var input string
	if recent, err := pl.store.GetRecentMessages(ctx, reply.ConversationID, 50); err == nil {
		for i := len(recent) - 1; i >= 0; i-- {
			if recent[i].Role == "user" && recent[i].ID < reply.ID {
				input = recent[i].Text
				break
			}
		}
	}
	if _, err := pl.store.AddDatasetEntry(ctx, DatasetEntry{
		TraceID:   tr.ID,
		EntryType: DatasetGolden,
		Input:     truncateStr(input, 1000),
		Output:    truncateStr(reply.Text, 1000),
		Tags:      []string{"user_reaction"},
		CreatedAt: NowUnix(),
	}); err != nil {
		pl.logger.Debug("golden curation failed", "error", err)
	}
}

// maintainSummary refreshes the rolling summary once enough messages have
// accumulated past the last covered point.
func (pl *Pipeline) maintainSummary(ctx context.Context, conversationID int64) {
	prev, err := pl.store.LatestSummary(ctx, conversationID)
	if err != nil {
		pl.logger.Debug("summary load failed", "error", err)
		return
	}
	var sinceID int64
	if prev != nil {
		sinceID = int64(prev.CoveredMessages)
	}
	count, err := pl.store.CountMessagesSince(ctx, conversationID, sinceID)
	if err != nil || count < pl.summaryEvery {
		return
	}

	chunk, err := pl.store.GetRecentMessages(ctx, conversationID, count)
	if err != nil || len(chunk) == 0 {
		return
	}
	resp, err := pl.provider.Chat(ctx, ChatRequest{
		Messages: SummarizePrompt(prev, chunk),
		Model:    pl.model,
	})
	if err != nil || resp.Content == "" {
		pl.logger.Debug("summary generation failed", "error", err)
		return
	}
	covered := int(chunk[len(chunk)-1].ID)
	if err := pl.store.WriteSummary(ctx, Summary{
		ConversationID:  conversationID,
		Text:            resp.Content,
		CoveredMessages: covered,
		CreatedAt:       NowUnix(),
	}); err != nil {
		pl.logger.Debug("summary write failed", "error", err)
	}
}

// curateFailure records a failed interaction in the evaluation dataset. Only
// sampled traces are curated; without a trace id the failure is not linkable
// and is skipped.
func (pl *Pipeline) curateFailure(ctx context.Context, input string, cause error) {
	if !pl.autoCurate {
		return
	}
	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		return
	}
	if _, err := pl.store.AddDatasetEntry(ctx, DatasetEntry{
		TraceID:   traceID,
		EntryType: DatasetFailure,
		Input:     truncateStr(input, 1000),
		Output:    cause.Error(),
		Tags:      []string{"pipeline_error"},
		CreatedAt: NowUnix(),
	}); err != nil {
		pl.logger.Debug("failure curation failed", "error", err)
	}
}
