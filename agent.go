package paloma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	// defaultMaxReplans bounds plan revisions per session.
	defaultMaxReplans = 3

	// maxReactiveRounds bounds the fallback loop when no plan could be parsed.
	maxReactiveRounds = 15

	// loopWarnThreshold repeated identical tool calls inject a warning;
	// loopBreakThreshold trips the circuit breaker and fails the session.
	loopWarnThreshold  = 3
	loopBreakThreshold = 5

	// defaultHITLTimeout is how long a FLAG decision waits for the human
	// before it counts as denied.
	defaultHITLTimeout = 5 * time.Minute
)

// workerToolSets maps a planned task's declared tool set to categories. The
// planner picks the set name; the worker gets only those categories.
var workerToolSets = map[string][]string{
	"research": {"fetch", "search"},
	"files":    {"file", "shell"},
	"notes":    {"notes", "remember"},
	"schedule": {"schedule"},
	"general":  {"fetch", "search", "file", "notes"},
}

// AgentPlan is the planner's structured output.
type AgentPlan struct {
	Objective string        `json:"objective"`
	Tasks     []PlannedTask `json:"tasks"`
}

// PlannedTask is one delegable unit of work.
type PlannedTask struct {
	Description string `json:"description"`
	ToolSet     string `json:"tool_set"`
}

// ErrSessionLooping is returned when the circuit breaker trips.
var ErrSessionLooping = errors.New("agent: repeated identical tool calls, session aborted")

// ApprovalMailbox is a one-slot human-in-the-loop channel. A FLAG decision
// parks the session in awaiting_human and waits here; the next chat message
// from the user resolves it. Only one approval can be pending at a time;
// a second request while one is parked is denied immediately.
type ApprovalMailbox struct {
	mu      sync.Mutex
	slot    chan bool
	waiting bool
}

// NewApprovalMailbox creates an empty mailbox.
func NewApprovalMailbox() *ApprovalMailbox {
	return &ApprovalMailbox{}
}

// Waiting reports whether an approval is parked.
func (m *ApprovalMailbox) Waiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

// Deliver resolves a parked approval from a chat reply. Affirmatives are
// yes/sí/si/ok/dale; anything else denies. Returns false when nothing was
// waiting, so the caller can route the message to the normal pipeline.
func (m *ApprovalMailbox) Deliver(text string) bool {
	m.mu.Lock()
	if !m.waiting {
		m.mu.Unlock()
		return false
	}
	slot := m.slot
	m.waiting = false
	m.mu.Unlock()

	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "sí", "si", "ok", "dale", "approve":
		slot <- true
	default:
		slot <- false
	}
	return true
}

// park registers a pending approval. Fails when one is already parked.
func (m *ApprovalMailbox) park() (chan bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting {
		return nil, false
	}
	m.slot = make(chan bool, 1)
	m.waiting = true
	return m.slot, true
}

func (m *ApprovalMailbox) unpark() {
	m.mu.Lock()
	m.waiting = false
	m.mu.Unlock()
}

// Agent runs durable multi-round work sessions: plan, delegate to workers,
// synthesize. Sessions survive restarts via the store journal.
type Agent struct {
	store     Store
	provider  Provider
	registry  *Registry
	executor  *Executor
	recorder  *Recorder
	messenger Messenger
	mailbox   *ApprovalMailbox
	logger    *slog.Logger

	model        string
	toolBudget   int
	maxReplans   int
	hitlTimeout  time.Duration
	writeEnabled bool

	mu        sync.Mutex
	principal string // active session's principal, for HITL notifications
	sessionID string // active session's id, for status flips around HITL
}

var _ Approver = (*Agent)(nil)

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithAgentModel sets the planner/worker model.
func WithAgentModel(m string) AgentOption {
	return func(a *Agent) { a.model = m }
}

// WithAgentToolBudget overrides the per-worker tool budget.
func WithAgentToolBudget(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.toolBudget = n
		}
	}
}

// WithAgentMaxReplans overrides the plan-revision budget.
func WithAgentMaxReplans(n int) AgentOption {
	return func(a *Agent) {
		if n >= 0 {
			a.maxReplans = n
		}
	}
}

// WithAgentHITLTimeout overrides how long an approval waits for the human.
func WithAgentHITLTimeout(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.hitlTimeout = d
		}
	}
}

// WithAgentWriteEnabled toggles write-capable tool categories (file, shell)
// for workers. Disabled, workers run read-only tool sets.
func WithAgentWriteEnabled(on bool) AgentOption {
	return func(a *Agent) { a.writeEnabled = on }
}

// WithAgentLogger sets the structured logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAgent creates an Agent. The executor must carry the security policy;
// agent-driven tool calls are always policy-checked.
func NewAgent(store Store, provider Provider, registry *Registry, executor *Executor,
	recorder *Recorder, messenger Messenger, mailbox *ApprovalMailbox, opts ...AgentOption) *Agent {
	a := &Agent{
		store:        store,
		provider:     provider,
		registry:     registry,
		executor:     executor,
		recorder:     recorder,
		messenger:    messenger,
		mailbox:      mailbox,
		logger:       nopLogger,
		toolBudget:   DefaultToolBudget,
		maxReplans:   defaultMaxReplans,
		hitlTimeout:  defaultHITLTimeout,
		writeEnabled: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Mailbox returns the HITL mailbox, for routing chat replies.
func (a *Agent) Mailbox() *ApprovalMailbox { return a.mailbox }

// RequestApproval implements Approver: notify the human over chat, park in
// the mailbox, and wait. The active session shows awaiting_human while
// parked. Timeout and cancellation count as denial.
func (a *Agent) RequestApproval(ctx context.Context, call ToolCall, reason string) (bool, error) {
	slot, ok := a.mailbox.park()
	if !ok {
		return false, errors.New("agent: another approval is already pending")
	}
	a.mu.Lock()
	principal := a.principal
	a.mu.Unlock()
	_, err := a.messenger.SendMessage(ctx, principal, fmt.Sprintf(
		"⚠️ Quiero ejecutar %s (%s). ¿Lo apruebas? (sí/no)\nI want to run %s (%s). Approve? (yes/no)",
		call.Name, reason, call.Name, reason))
	if err != nil {
		a.mailbox.unpark()
		return false, err
	}
	a.flipSessionStatus(ctx, SessionRunning, SessionAwaitingHuman)
	defer a.flipSessionStatus(ctx, SessionAwaitingHuman, SessionRunning)

	select {
	case approved := <-slot:
		return approved, nil
	case <-time.After(a.hitlTimeout):
		a.mailbox.unpark()
		return false, errors.New("agent: approval timed out")
	case <-ctx.Done():
		a.mailbox.unpark()
		return false, ctx.Err()
	}
}

// flipSessionStatus moves the active session from one status to another.
// A session in any other state (cancelled out of band) is left alone.
func (a *Agent) flipSessionStatus(ctx context.Context, from, to string) {
	a.mu.Lock()
	id := a.sessionID
	a.mu.Unlock()
	if id == "" {
		return
	}
	sess, err := a.store.GetSession(ctx, id)
	if err != nil || sess == nil || sess.Status != from {
		return
	}
	sess.Status = to
	if err := a.store.SaveSession(ctx, *sess); err != nil {
		a.logger.Debug("session status flip failed", "error", err)
	}
}

// Run starts a session for objective and drives it to completion. The final
// synthesis (or the failure notice) is sent to the principal.
func (a *Agent) Run(ctx context.Context, principal, objective string) error {
	session := AgentSession{
		ID:        NewID(),
		Principal: principal,
		Objective: objective,
		Status:    SessionRunning,
		CreatedAt: NowUnix(),
	}
	if err := a.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	a.mu.Lock()
	a.principal = principal
	a.sessionID = session.ID
	a.mu.Unlock()

	ctx, _ = a.recorder.Begin(ctx, principal, "agent")
	status := "completed"
	defer func() { a.recorder.Finish(ctx, status, "") }()

	reply, err := a.drive(ctx, &session)
	if err != nil {
		status = "failed"
		session.Status = SessionFailed
		if errors.Is(err, errSessionCancelled) {
			session.Status = SessionCancelled
		}
		_ = a.store.SaveSession(ctx, session)
		_, _ = a.messenger.SendMessage(ctx, principal,
			"No pude completar la tarea: "+err.Error())
		return err
	}

	session.Status = SessionCompleted
	if err := a.store.SaveSession(ctx, session); err != nil {
		a.logger.Warn("session save failed", "error", err)
	}
	_, err = a.messenger.SendMessage(ctx, principal, reply)
	return err
}

// Resume continues the latest non-terminal session for principal, feeding in
// the human's new input as extra context.
func (a *Agent) Resume(ctx context.Context, principal, input string) error {
	session, err := a.store.LatestSession(ctx, principal)
	if err != nil || session == nil {
		return errors.New("agent: no session to resume")
	}
	switch session.Status {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return errors.New("agent: latest session already finished")
	}
	// Pick up where the journal left off. The last record carries the plan
	// and scratchpad as they stood when the session was interrupted.
	if rounds, err := a.store.ListSessionRounds(ctx, session.ID); err == nil && len(rounds) > 0 {
		last := rounds[len(rounds)-1]
		if last.TaskPlan != "" {
			session.TaskPlan = last.TaskPlan
		}
		if last.Scratchpad != "" {
			session.Scratchpad = last.Scratchpad
		}
	}
	if input != "" {
		session.Scratchpad += "\nHuman input on resume: " + input
	}
	session.Status = SessionRunning
	if err := a.store.SaveSession(ctx, *session); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	a.mu.Lock()
	a.principal = principal
	a.sessionID = session.ID
	a.mu.Unlock()

	ctx, _ = a.recorder.Begin(ctx, principal, "agent")
	status := "completed"
	defer func() { a.recorder.Finish(ctx, status, "") }()

	reply, err := a.drive(ctx, session)
	if err != nil {
		status = "failed"
		session.Status = SessionFailed
		_ = a.store.SaveSession(ctx, *session)
		return err
	}
	session.Status = SessionCompleted
	_ = a.store.SaveSession(ctx, *session)
	_, err = a.messenger.SendMessage(ctx, principal, reply)
	return err
}

// Cancel marks the latest active session cancelled.
func (a *Agent) Cancel(ctx context.Context, principal string) error {
	session, err := a.store.LatestSession(ctx, principal)
	if err != nil || session == nil {
		return errors.New("agent: no active session")
	}
	if session.Status != SessionRunning && session.Status != SessionAwaitingHuman {
		return errors.New("agent: latest session is not active")
	}
	session.Status = SessionCancelled
	return a.store.SaveSession(ctx, *session)
}

var errSessionCancelled = errors.New("agent: session cancelled")

// drive runs the plan/delegate/synthesize loop, falling back to reactive
// mode when no plan parses.
func (a *Agent) drive(ctx context.Context, session *AgentSession) (string, error) {
	loop := newLoopDetector()

	for replan := 0; replan <= a.maxReplans; replan++ {
		plan, planErr := a.createPlan(ctx, session)
		if planErr != nil {
			a.logger.Warn("plan creation failed, switching to reactive mode", "error", planErr)
			return a.reactive(ctx, session, loop)
		}

		session.TaskPlan = renderTaskPlan(plan)
		a.journal(ctx, session, nil, "plan created")

		results, workErr := a.runWorkers(ctx, session, plan, loop)
		if workErr != nil {
			if errors.Is(workErr, ErrSessionLooping) || errors.Is(workErr, errSessionCancelled) {
				return "", workErr
			}
			if replan < a.maxReplans {
				session.Scratchpad += "\nWorker failure: " + workErr.Error()
				a.logger.Info("replanning after worker failure", "replan", replan+1)
				continue
			}
			return "", workErr
		}
		return a.synthesize(ctx, session, plan, results)
	}
	return "", errors.New("agent: replan budget exhausted")
}

// createPlan asks the planner for a JSON task plan under planner:create_plan.
func (a *Agent) createPlan(ctx context.Context, session *AgentSession) (*AgentPlan, error) {
	sctx, span := a.recorder.StartSpan(ctx, "planner:create_plan", SpanKindGeneration)
	defer span.End(ctx)
	span.SetInput(session.Objective)

	var sets []string
	for name := range workerToolSets {
		sets = append(sets, name)
	}
	resp, err := a.provider.Chat(sctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage("Break the objective into 1-5 independent tasks. Respond with only JSON: " +
				`{"objective":"...","tasks":[{"description":"...","tool_set":"..."}]}` +
				" where tool_set is one of: " + strings.Join(sets, ", ") + "." +
				scratchpadSection(session)),
			UserMessage(session.Objective),
		},
		Model: a.model,
	})
	if err != nil {
		span.SetStatus("failed")
		return nil, err
	}
	span.RecordUsage(resp.Usage)
	span.SetOutput(resp.Content)

	plan, err := parsePlan(resp.Content)
	if err != nil {
		span.SetStatus("unparseable")
		return nil, err
	}
	return plan, nil
}

// runWorkers executes each planned task under worker:task_N, checking off
// plan items as they finish.
func (a *Agent) runWorkers(ctx context.Context, session *AgentSession, plan *AgentPlan, loop *loopDetector) ([]string, error) {
	results := make([]string, 0, len(plan.Tasks))
	for i, task := range plan.Tasks {
		if cancelled, err := a.checkCancelled(ctx, session); err != nil {
			return nil, err
		} else if cancelled {
			return nil, errSessionCancelled
		}

		sctx, span := a.recorder.StartSpan(ctx, fmt.Sprintf("worker:task_%d", i+1), SpanKindOther)
		span.SetInput(task.Description)

		cats := a.toolCategories(task.ToolSet)
		res, err := a.executor.Run(sctx, ExecRequest{
			Messages: []ChatMessage{
				SystemMessage("You are a focused worker completing one task of a larger plan. " +
					"Complete the task and report the outcome concisely. Wrap anything later " +
					"rounds need to know in <scratchpad>...</scratchpad> tags." +
					scratchpadSection(session)),
				UserMessage("Task: " + task.Description),
			},
			Tools:      SelectTools(a.registry, cats, a.toolBudget),
			Categories: cats,
			Budget:     a.toolBudget,
			TaskPlan:   session.TaskPlan,
			Model:      a.model,
		})
		if err != nil {
			span.SetStatus("failed")
			span.End(ctx)
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		span.SetOutput(res.Text)
		span.End(ctx)

		if err := loop.observe(res.ToolCalls, a.logger); err != nil {
			return nil, err
		}

		notes, cleaned := extractScratchpad(res.Text)
		if notes != "" {
			session.Scratchpad += "\n" + notes
		}
		session.TaskPlan = checkOffTask(session.TaskPlan, i)
		session.RoundCount++
		results = append(results, cleaned)
		a.journal(ctx, session, res.ToolCalls, cleaned)
	}
	return results, nil
}

// toolCategories resolves a planned tool set, dropping write-capable
// categories when writes are disabled.
func (a *Agent) toolCategories(set string) []string {
	cats := workerToolSets[set]
	if cats == nil {
		cats = workerToolSets["general"]
	}
	if a.writeEnabled {
		return cats
	}
	var out []string
	for _, c := range cats {
		if c == "file" || c == "shell" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// synthesize combines worker results into the final reply under
// planner:synthesize.
func (a *Agent) synthesize(ctx context.Context, session *AgentSession, plan *AgentPlan, results []string) (string, error) {
	sctx, span := a.recorder.StartSpan(ctx, "planner:synthesize", SpanKindGeneration)
	defer span.End(ctx)

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "Task %d (%s):\n%s\n\n", i+1, plan.Tasks[i].Description, r)
	}
	span.SetInput(sb.String())

	resp, err := a.provider.Chat(sctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage("Combine the task results into one final answer for the user. Be concise and concrete."),
			UserMessage("Objective: " + session.Objective + "\n\n" + sb.String()),
		},
		Think: true,
		Model: a.model,
	})
	if err != nil {
		span.SetStatus("failed")
		return "", err
	}
	span.RecordUsage(resp.Usage)
	span.SetOutput(resp.Content)
	return resp.Content, nil
}

// reactive is the fallback mode: iterate the executor against the raw
// objective until the task plan the model maintains is fully checked off or
// the round budget runs out. Completion is judged only by plan checkboxes,
// never by "done"-sounding prose.
func (a *Agent) reactive(ctx context.Context, session *AgentSession, loop *loopDetector) (string, error) {
	if session.TaskPlan == "" {
		session.TaskPlan = "- [ ] " + session.Objective
	}
	var lastText string

	for round := 0; round < maxReactiveRounds; round++ {
		if cancelled, err := a.checkCancelled(ctx, session); err != nil {
			return "", err
		} else if cancelled {
			return "", errSessionCancelled
		}

		cats := a.toolCategories("general")
		res, err := a.executor.Run(ctx, ExecRequest{
			Messages: []ChatMessage{
				SystemMessage("Work toward the objective step by step. Maintain a Markdown checklist " +
					"of sub-tasks in your reply, marking finished items with - [x]. " +
					"Keep working until every item is checked. Wrap anything later rounds " +
					"need to know in <scratchpad>...</scratchpad> tags." + scratchpadSection(session)),
				UserMessage("Objective: " + session.Objective),
			},
			Tools:      SelectTools(a.registry, cats, a.toolBudget),
			Categories: cats,
			Budget:     a.toolBudget,
			TaskPlan:   session.TaskPlan,
			Model:      a.model,
		})
		if err != nil {
			return "", err
		}
		if err := loop.observe(res.ToolCalls, a.logger); err != nil {
			return "", err
		}

		notes, cleaned := extractScratchpad(res.Text)
		if notes != "" {
			session.Scratchpad += "\n" + notes
		}
		lastText = cleaned
		if plan := extractTaskPlan(cleaned); plan != "" {
			session.TaskPlan = plan
		}
		session.RoundCount++
		a.journal(ctx, session, res.ToolCalls, cleaned)

		if planComplete(session.TaskPlan) {
			return lastText, nil
		}
	}
	return lastText, errors.New("agent: round budget exhausted before plan completion")
}

// checkCancelled re-reads the session row so an out-of-band /cancel takes
// effect between rounds.
func (a *Agent) checkCancelled(ctx context.Context, session *AgentSession) (bool, error) {
	stored, err := a.store.GetSession(ctx, session.ID)
	if err != nil {
		a.logger.Debug("session reload failed", "error", err)
		return false, nil
	}
	return stored != nil && stored.Status == SessionCancelled, nil
}

// journal appends one round record to the session's durable journal and
// saves the session row. Records are append-only; Resume replays the last
// one after a restart.
func (a *Agent) journal(ctx context.Context, session *AgentSession, calls []ToolCall, preview string) {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	round := SessionRound{
		Round:        session.RoundCount,
		ToolCalls:    names,
		ReplyPreview: truncateStr(preview, 200),
		TaskPlan:     session.TaskPlan,
		Scratchpad:   session.Scratchpad,
	}
	if err := a.store.AppendSessionRound(ctx, session.ID, round); err != nil {
		a.logger.Warn("journal append failed", "error", err)
	}
	if err := a.store.SaveSession(ctx, *session); err != nil {
		a.logger.Warn("session save failed", "error", err)
	}
}

// --- plan helpers ---

// parsePlan extracts the first JSON object from the planner output. Models
// wrap JSON in fences or prose often enough that a plain Unmarshal is not
// enough.
func parsePlan(content string) (*AgentPlan, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in plan output")
	}
	var plan AgentPlan
	if err := json.Unmarshal([]byte(content[start:end+1]), &plan); err != nil {
		return nil, err
	}
	if len(plan.Tasks) == 0 {
		return nil, errors.New("plan has no tasks")
	}
	if len(plan.Tasks) > 5 {
		plan.Tasks = plan.Tasks[:5]
	}
	return &plan, nil
}

func renderTaskPlan(plan *AgentPlan) string {
	var sb strings.Builder
	for _, t := range plan.Tasks {
		sb.WriteString("- [ ] ")
		sb.WriteString(t.Description)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// checkOffTask marks the idx-th checklist item done.
func checkOffTask(plan string, idx int) string {
	lines := strings.Split(plan, "\n")
	n := 0
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "- [") {
			if n == idx {
				lines[i] = strings.Replace(line, "- [ ]", "- [x]", 1)
				break
			}
			n++
		}
	}
	return strings.Join(lines, "\n")
}

var scratchpadTagPattern = regexp.MustCompile(`(?s)<scratchpad>\s*(.*?)\s*</scratchpad>`)

// extractScratchpad pulls <scratchpad> notes out of a model reply and returns
// them together with the reply stripped of the tags.
func extractScratchpad(text string) (notes, cleaned string) {
	var found []string
	for _, m := range scratchpadTagPattern.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			found = append(found, m[1])
		}
	}
	cleaned = strings.TrimSpace(scratchpadTagPattern.ReplaceAllString(text, ""))
	return strings.Join(found, "\n"), cleaned
}

// extractTaskPlan pulls the Markdown checklist out of a model reply.
func extractTaskPlan(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "- [ ]") || strings.HasPrefix(t, "- [x]") || strings.HasPrefix(t, "- [X]") {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n")
}

// planComplete reports whether every checklist item is checked. An empty
// plan is not complete.
func planComplete(plan string) bool {
	any := false
	for _, line := range strings.Split(plan, "\n") {
		t := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(t, "- [ ]"):
			return false
		case strings.HasPrefix(t, "- [x]"), strings.HasPrefix(t, "- [X]"):
			any = true
		}
	}
	return any
}

func scratchpadSection(session *AgentSession) string {
	if session.Scratchpad == "" {
		return ""
	}
	return "\n\nSession notes so far:\n" + truncateStr(session.Scratchpad, 2000)
}

// loopDetector watches tool call signatures across rounds. Identical
// name+args seen loopWarnThreshold times logs a warning; loopBreakThreshold
// trips the breaker.
type loopDetector struct {
	counts map[string]int
}

func newLoopDetector() *loopDetector {
	return &loopDetector{counts: make(map[string]int)}
}

func (d *loopDetector) observe(calls []ToolCall, logger *slog.Logger) error {
	for _, c := range calls {
		sig := c.Name + "|" + string(c.Args)
		d.counts[sig]++
		switch {
		case d.counts[sig] >= loopBreakThreshold:
			return ErrSessionLooping
		case d.counts[sig] == loopWarnThreshold:
			logger.Warn("repeated identical tool call", "tool", c.Name, "count", d.counts[sig])
		}
	}
	return nil
}
