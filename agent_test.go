package paloma

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParsePlan(t *testing.T) {
	t.Run("fenced json with prose", func(t *testing.T) {
		content := "Here is the plan:\n```json\n" +
			`{"objective":"trip","tasks":[{"description":"find flights","tool_set":"research"}]}` +
			"\n```\nLet me know."
		plan, err := parsePlan(content)
		if err != nil {
			t.Fatal(err)
		}
		if plan.Objective != "trip" || len(plan.Tasks) != 1 || plan.Tasks[0].ToolSet != "research" {
			t.Errorf("plan = %+v", plan)
		}
	})

	t.Run("no json", func(t *testing.T) {
		if _, err := parsePlan("I cannot make a plan for that."); err == nil {
			t.Error("prose without JSON must fail")
		}
	})

	t.Run("empty task list", func(t *testing.T) {
		if _, err := parsePlan(`{"objective":"x","tasks":[]}`); err == nil {
			t.Error("a plan with no tasks must fail")
		}
	})

	t.Run("oversized plan truncated", func(t *testing.T) {
		var tasks []string
		for n := 0; n < 8; n++ {
			tasks = append(tasks, `{"description":"t","tool_set":"general"}`)
		}
		plan, err := parsePlan(`{"objective":"x","tasks":[` + strings.Join(tasks, ",") + `]}`)
		if err != nil {
			t.Fatal(err)
		}
		if len(plan.Tasks) != 5 {
			t.Errorf("tasks = %d, want capped at 5", len(plan.Tasks))
		}
	})
}

func TestRenderAndCheckOffTaskPlan(t *testing.T) {
	plan := renderTaskPlan(&AgentPlan{Tasks: []PlannedTask{
		{Description: "first thing"},
		{Description: "second thing"},
	}})
	want := "- [ ] first thing\n- [ ] second thing"
	if plan != want {
		t.Fatalf("renderTaskPlan = %q, want %q", plan, want)
	}

	plan = checkOffTask(plan, 1)
	if !strings.Contains(plan, "- [ ] first thing") || !strings.Contains(plan, "- [x] second thing") {
		t.Errorf("checkOffTask = %q", plan)
	}
}

func TestExtractTaskPlan(t *testing.T) {
	text := "Progress so far:\n- [x] gathered the sources\nSome commentary.\n- [ ] write the summary\nDone for now."
	got := extractTaskPlan(text)
	want := "- [x] gathered the sources\n- [ ] write the summary"
	if got != want {
		t.Errorf("extractTaskPlan = %q, want %q", got, want)
	}
}

func TestPlanComplete(t *testing.T) {
	tests := []struct {
		name string
		plan string
		want bool
	}{
		{"empty", "", false},
		{"no checklist", "working on it", false},
		{"open item", "- [x] one\n- [ ] two", false},
		{"all checked", "- [x] one\n- [x] two", true},
		{"uppercase check", "- [X] one", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := planComplete(tt.plan); got != tt.want {
				t.Errorf("planComplete(%q) = %v, want %v", tt.plan, got, tt.want)
			}
		})
	}
}

func TestLoopDetector(t *testing.T) {
	d := newLoopDetector()
	call := ToolCall{Name: "web_search", Args: argsJSON(map[string]any{"query": "same"})}

	for i := 0; i < loopBreakThreshold-1; i++ {
		if err := d.observe([]ToolCall{call}, nopLogger); err != nil {
			t.Fatalf("observation %d tripped early: %v", i+1, err)
		}
	}
	if err := d.observe([]ToolCall{call}, nopLogger); !errors.Is(err, ErrSessionLooping) {
		t.Errorf("err = %v, want ErrSessionLooping at the break threshold", err)
	}

	// Different arguments are a different signature.
	d = newLoopDetector()
	for i := 0; i < 10; i++ {
		c := ToolCall{Name: "web_search", Args: argsJSON(map[string]any{"query": strings.Repeat("x", i+1)})}
		if err := d.observe([]ToolCall{c}, nopLogger); err != nil {
			t.Fatalf("varied calls must not trip the breaker: %v", err)
		}
	}
}

func TestApprovalMailboxDeliver(t *testing.T) {
	m := NewApprovalMailbox()
	if m.Deliver("yes") {
		t.Error("Deliver with nothing parked must return false")
	}

	tests := []struct {
		text string
		want bool
	}{
		{"yes", true}, {"y", true}, {"sí", true}, {"si", true},
		{"OK", true}, {"dale", true}, {" Approve ", true},
		{"no", false}, {"nope", false}, {"what?", false},
	}
	for _, tt := range tests {
		slot, ok := m.park()
		if !ok {
			t.Fatal("park failed")
		}
		if !m.Deliver(tt.text) {
			t.Fatalf("Deliver(%q) found nothing parked", tt.text)
		}
		if got := <-slot; got != tt.want {
			t.Errorf("Deliver(%q) = %v, want %v", tt.text, got, tt.want)
		}
		if m.Waiting() {
			t.Error("mailbox still waiting after delivery")
		}
	}
}

func TestApprovalMailboxSingleSlot(t *testing.T) {
	m := NewApprovalMailbox()
	if _, ok := m.park(); !ok {
		t.Fatal("first park failed")
	}
	if _, ok := m.park(); ok {
		t.Error("second park must fail while one is pending")
	}
}

func newTestAgent(planner, worker *mockProvider, reg *Registry, store *memStore, msgr *stubMessenger) *Agent {
	rec := NewRecorder(store, 0)
	exec := NewExecutor(worker, reg, rec, NewCompactor(nil, "", nil))
	return NewAgent(store, planner, reg, exec, rec, msgr, NewApprovalMailbox())
}

func TestAgentRunPlanAndSynthesize(t *testing.T) {
	planner := &mockProvider{responses: []ChatResponse{
		{Content: `{"objective":"trip","tasks":[{"description":"find flights","tool_set":"research"}]}`},
		{Content: "Flights found: two options on Friday morning."},
	}}
	worker := &mockProvider{responses: []ChatResponse{{Content: "Two candidate flights located."}}}
	store := newMemStore()
	msgr := &stubMessenger{}
	a := newTestAgent(planner, worker, NewRegistry(), store, msgr)

	if err := a.Run(context.Background(), "user1", "plan my trip"); err != nil {
		t.Fatal(err)
	}

	sent := msgr.sentMessages()
	if len(sent) != 1 || sent[0] != "Flights found: two options on Friday morning." {
		t.Errorf("sent = %v, want the synthesis", sent)
	}

	sess, err := store.LatestSession(context.Background(), "user1")
	if err != nil || sess == nil {
		t.Fatal("session not journaled")
	}
	if sess.Status != SessionCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
	if !strings.Contains(sess.TaskPlan, "- [x] find flights") {
		t.Errorf("task not checked off: %q", sess.TaskPlan)
	}
	if sess.RoundCount != 1 {
		t.Errorf("RoundCount = %d, want 1", sess.RoundCount)
	}
}

func TestAgentJournalAppendsRounds(t *testing.T) {
	planner := &mockProvider{responses: []ChatResponse{
		{Content: `{"objective":"trip","tasks":[{"description":"find flights","tool_set":"research"},{"description":"find hotels","tool_set":"research"}]}`},
		{Content: "All booked."},
	}}
	worker := &mockProvider{responses: []ChatResponse{
		{Content: "Two candidate flights located."},
		{Content: "Three hotels shortlisted."},
	}}
	store := newMemStore()
	a := newTestAgent(planner, worker, NewRegistry(), store, &stubMessenger{})

	if err := a.Run(context.Background(), "user1", "plan my trip"); err != nil {
		t.Fatal(err)
	}

	sess, _ := store.LatestSession(context.Background(), "user1")
	rounds, err := store.ListSessionRounds(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	// One record for the plan, one per worker round.
	if len(rounds) != 3 {
		t.Fatalf("rounds = %d, want 3", len(rounds))
	}
	last := rounds[len(rounds)-1]
	if last.Round != 2 || !strings.Contains(last.ReplyPreview, "Three hotels") {
		t.Errorf("last round = %+v", last)
	}
	if !strings.Contains(last.TaskPlan, "- [x] find hotels") {
		t.Errorf("task plan snapshot = %q", last.TaskPlan)
	}
	// The scratchpad holds prose notes, never serialized journal records.
	if strings.Contains(sess.Scratchpad, `"reply_preview"`) {
		t.Errorf("journal leaked into the scratchpad: %q", sess.Scratchpad)
	}
}

func TestAgentScratchpadTagsExtracted(t *testing.T) {
	planner := &mockProvider{responses: []ChatResponse{
		{Content: `{"objective":"trip","tasks":[{"description":"find flights","tool_set":"research"},{"description":"book the best","tool_set":"research"}]}`},
		{Content: "Booked IB123."},
	}}
	worker := &mockProvider{responses: []ChatResponse{
		{Content: "Two options found.\n<scratchpad>IB123 is the cheapest at 89 euros</scratchpad>"},
		{Content: "Booked it."},
	}}
	store := newMemStore()
	a := newTestAgent(planner, worker, NewRegistry(), store, &stubMessenger{})

	if err := a.Run(context.Background(), "user1", "plan my trip"); err != nil {
		t.Fatal(err)
	}

	sess, _ := store.LatestSession(context.Background(), "user1")
	if !strings.Contains(sess.Scratchpad, "IB123 is the cheapest") {
		t.Errorf("scratchpad = %q, want the extracted note", sess.Scratchpad)
	}
	if strings.Contains(sess.Scratchpad, "<scratchpad>") {
		t.Errorf("tags survived extraction: %q", sess.Scratchpad)
	}
	// The second worker sees the first worker's note in its session context.
	calls := worker.calls()
	if len(calls) != 2 {
		t.Fatalf("worker calls = %d", len(calls))
	}
	if !strings.Contains(calls[1].Messages[0].Content, "IB123 is the cheapest") {
		t.Errorf("second worker prompt missing the note: %q", calls[1].Messages[0].Content)
	}
}

func TestAgentResumeContinuesFromJournal(t *testing.T) {
	store := newMemStore()
	_ = store.SaveSession(context.Background(), AgentSession{
		ID: "s1", Principal: "user1", Objective: "collect the report data",
		Status: SessionAwaitingHuman, CreatedAt: NowUnix(),
	})
	_ = store.AppendSessionRound(context.Background(), "s1", SessionRound{
		Round:      1,
		TaskPlan:   "- [x] gather sources\n- [ ] write summary",
		Scratchpad: "sources live in /data/reports",
	})

	planner := &mockProvider{
		responses: []ChatResponse{{}},
		errs:      []error{errors.New("planner down")},
	}
	worker := &mockProvider{responses: []ChatResponse{
		{Content: "Summary written.\n- [x] gather sources\n- [x] write summary"},
	}}
	msgr := &stubMessenger{}
	a := newTestAgent(planner, worker, NewRegistry(), store, msgr)

	if err := a.Resume(context.Background(), "user1", "use the Q3 numbers"); err != nil {
		t.Fatal(err)
	}

	// The worker picks up the journaled scratchpad plus the new human input.
	prompt := worker.calls()[0].Messages[0].Content
	if !strings.Contains(prompt, "sources live in /data/reports") {
		t.Errorf("journaled scratchpad not restored: %q", prompt)
	}
	if !strings.Contains(prompt, "Human input on resume: use the Q3 numbers") {
		t.Errorf("resume input missing: %q", prompt)
	}
	sess, _ := store.GetSession(context.Background(), "s1")
	if sess.Status != SessionCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
}

func TestRequestApprovalMarksSessionAwaitingHuman(t *testing.T) {
	store := newMemStore()
	_ = store.SaveSession(context.Background(), AgentSession{
		ID: "s1", Principal: "user1", Status: SessionRunning, CreatedAt: NowUnix(),
	})
	msgr := &stubMessenger{}
	a := newTestAgent(&mockProvider{}, &mockProvider{}, NewRegistry(), store, msgr)
	a.mu.Lock()
	a.principal = "user1"
	a.sessionID = "s1"
	a.mu.Unlock()

	done := make(chan bool, 1)
	go func() {
		ok, _ := a.RequestApproval(context.Background(), ToolCall{Name: "shell_exec"}, "flagged")
		done <- ok
	}()

	deadline := time.After(2 * time.Second)
	for {
		sess, _ := store.GetSession(context.Background(), "s1")
		if sess.Status == SessionAwaitingHuman {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("status = %q, want awaiting_human while parked", sess.Status)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	a.Mailbox().Deliver("yes")
	if !<-done {
		t.Fatal("approval lost")
	}
	sess, _ := store.GetSession(context.Background(), "s1")
	if sess.Status != SessionRunning {
		t.Errorf("status = %q, want running restored after approval", sess.Status)
	}
}

func TestAgentWriteDisabledDropsWriteCategories(t *testing.T) {
	a := &Agent{writeEnabled: false}
	cats := a.toolCategories("files")
	for _, c := range cats {
		if c == "file" || c == "shell" {
			t.Errorf("write category %q leaked with writes disabled", c)
		}
	}
	a.writeEnabled = true
	if got := a.toolCategories("files"); len(got) != 2 {
		t.Errorf("cats = %v, want the full files set", got)
	}
}

func TestAgentRunReplansAfterWorkerFailure(t *testing.T) {
	plan := `{"objective":"x","tasks":[{"description":"do the thing","tool_set":"general"}]}`
	planner := &mockProvider{responses: []ChatResponse{
		{Content: plan},
		{Content: plan},
		{Content: "Done on the second attempt."},
	}}
	worker := &mockProvider{
		responses: []ChatResponse{{}, {Content: "thing done"}},
		errs:      []error{errors.New("worker boom"), nil},
	}
	store := newMemStore()
	msgr := &stubMessenger{}
	a := newTestAgent(planner, worker, NewRegistry(), store, msgr)

	if err := a.Run(context.Background(), "user1", "do the thing"); err != nil {
		t.Fatal(err)
	}

	if calls := planner.calls(); len(calls) != 3 {
		t.Errorf("planner calls = %d, want plan+replan+synthesis", len(calls))
	}
	sess, _ := store.LatestSession(context.Background(), "user1")
	if !strings.Contains(sess.Scratchpad, "Worker failure: task 1: worker boom") {
		t.Errorf("failure not journaled: %q", sess.Scratchpad)
	}
}

func TestAgentReactiveFallback(t *testing.T) {
	// An unparseable plan drops the agent into reactive mode; completion is
	// judged purely by the checklist.
	planner := &mockProvider{
		responses: []ChatResponse{{}},
		errs:      []error{errors.New("planner down")},
	}
	worker := &mockProvider{responses: []ChatResponse{
		{Content: "Started.\n- [ ] check the docs"},
		{Content: "Finished everything.\n- [x] check the docs"},
	}}
	store := newMemStore()
	msgr := &stubMessenger{}
	a := newTestAgent(planner, worker, NewRegistry(), store, msgr)

	if err := a.Run(context.Background(), "user1", "check the docs"); err != nil {
		t.Fatal(err)
	}

	if calls := worker.calls(); len(calls) != 2 {
		t.Errorf("reactive rounds = %d, want 2", len(calls))
	}
	sent := msgr.sentMessages()
	if len(sent) != 1 || !strings.Contains(sent[0], "Finished everything.") {
		t.Errorf("sent = %v, want the final round's reply", sent)
	}
	sess, _ := store.LatestSession(context.Background(), "user1")
	if sess.Status != SessionCompleted || sess.RoundCount != 2 {
		t.Errorf("session = %+v", sess)
	}
}

func TestAgentReactiveDoneProseDoesNotComplete(t *testing.T) {
	// "Done"-sounding prose without a checked plan must not end the session.
	planner := &mockProvider{
		responses: []ChatResponse{{}},
		errs:      []error{errors.New("planner down")},
	}
	var responses []ChatResponse
	for n := 0; n < maxReactiveRounds; n++ {
		responses = append(responses, ChatResponse{Content: "All done, task complete!"})
	}
	worker := &mockProvider{responses: responses}
	store := newMemStore()
	a := newTestAgent(planner, worker, NewRegistry(), store, &stubMessenger{})

	err := a.Run(context.Background(), "user1", "do something open ended")
	if err == nil {
		t.Fatal("session must fail when the checklist never completes")
	}
	if calls := worker.calls(); len(calls) != maxReactiveRounds {
		t.Errorf("rounds = %d, want the full budget %d", len(calls), maxReactiveRounds)
	}
	sess, _ := store.LatestSession(context.Background(), "user1")
	if sess.Status != SessionFailed {
		t.Errorf("status = %q, want failed", sess.Status)
	}
}

func TestAgentCancel(t *testing.T) {
	store := newMemStore()
	a := newTestAgent(&mockProvider{}, &mockProvider{}, NewRegistry(), store, &stubMessenger{})

	if err := a.Cancel(context.Background(), "user1"); err == nil {
		t.Error("cancel without a session must fail")
	}

	_ = store.SaveSession(context.Background(), AgentSession{
		ID: "s1", Principal: "user1", Status: SessionRunning, CreatedAt: NowUnix(),
	})
	if err := a.Cancel(context.Background(), "user1"); err != nil {
		t.Fatal(err)
	}
	sess, _ := store.GetSession(context.Background(), "s1")
	if sess.Status != SessionCancelled {
		t.Errorf("status = %q, want cancelled", sess.Status)
	}

	// A finished session cannot be cancelled again.
	if err := a.Cancel(context.Background(), "user1"); err == nil {
		t.Error("cancelling a terminal session must fail")
	}
}

func TestAgentResumeRequiresActiveSession(t *testing.T) {
	store := newMemStore()
	a := newTestAgent(&mockProvider{}, &mockProvider{}, NewRegistry(), store, &stubMessenger{})

	if err := a.Resume(context.Background(), "user1", "more input"); err == nil {
		t.Error("resume without a session must fail")
	}

	_ = store.SaveSession(context.Background(), AgentSession{
		ID: "s1", Principal: "user1", Status: SessionCompleted, CreatedAt: NowUnix(),
	})
	if err := a.Resume(context.Background(), "user1", "more input"); err == nil {
		t.Error("resume of a finished session must fail")
	}
}

func TestRequestApprovalRoundTrip(t *testing.T) {
	msgr := &stubMessenger{}
	a := newTestAgent(&mockProvider{}, &mockProvider{}, NewRegistry(), newMemStore(), msgr)

	type outcome struct {
		approved bool
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		ok, err := a.RequestApproval(context.Background(),
			ToolCall{Name: "shell_exec"}, "flagged by ruleset")
		done <- outcome{ok, err}
	}()

	deadline := time.After(2 * time.Second)
	for !a.Mailbox().Waiting() {
		select {
		case <-deadline:
			t.Fatal("approval never parked")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// The human is notified before the wait.
	sent := msgr.sentMessages()
	if len(sent) != 1 || !strings.Contains(sent[0], "shell_exec") {
		t.Errorf("notification = %v", sent)
	}

	if !a.Mailbox().Deliver("sí") {
		t.Fatal("Deliver found nothing parked")
	}
	res := <-done
	if res.err != nil || !res.approved {
		t.Errorf("RequestApproval = (%v, %v), want approved", res.approved, res.err)
	}
}

func TestRequestApprovalDenied(t *testing.T) {
	msgr := &stubMessenger{}
	a := newTestAgent(&mockProvider{}, &mockProvider{}, NewRegistry(), newMemStore(), msgr)

	done := make(chan bool, 1)
	go func() {
		ok, _ := a.RequestApproval(context.Background(), ToolCall{Name: "file_write"}, "flagged")
		done <- ok
	}()

	deadline := time.After(2 * time.Second)
	for !a.Mailbox().Waiting() {
		select {
		case <-deadline:
			t.Fatal("approval never parked")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	a.Mailbox().Deliver("better not")
	if <-done {
		t.Error("non-affirmative reply must deny")
	}
}
