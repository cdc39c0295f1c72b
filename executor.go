package paloma

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// MaxToolIterations bounds the LLM ↔ tools loop per invocation (per round in
// agent mode). The final iteration always runs without tools to force a
// textual reply.
const MaxToolIterations = 5

// stalePruneAfter is how many iterations a tool result stays verbatim in the
// message list before being replaced with a short summary.
const stalePruneAfter = 2

// maxParallelDispatch caps concurrent tool call goroutines to avoid
// overwhelming external services with unbounded parallelism.
const maxParallelDispatch = 10

// Approver resolves FLAG policy decisions, typically by asking the human
// over the chat channel and waiting for an approval reply.
type Approver interface {
	// RequestApproval blocks until the human approves or denies the call, or
	// the HITL timeout expires (expiry counts as deny).
	RequestApproval(ctx context.Context, call ToolCall, reason string) (bool, error)
}

// ExecRequest is one executor invocation.
type ExecRequest struct {
	Messages   []ChatMessage    // system context + history + user input
	Tools      []ToolDefinition // selected set, meta-tool first
	Categories []string         // active categories, for meta-tool de-dup
	Budget     int              // selection budget for meta-tool expansion
	TaskPlan   string           // agent-mode checklist, re-injected between iterations
	Model      string           // "" = provider default
	Think      bool             // honoured only when the tool set is empty
}

// ExecResult is the executor's outcome.
type ExecResult struct {
	Text        string
	Usage       Usage
	Iterations  int
	ToolCalls   []ToolCall // every regular call executed, in order
}

// Executor drives the bounded LLM ↔ tools loop with parallel per-iteration
// dispatch, span wrapping, output compaction, and stale-result pruning.
type Executor struct {
	provider  Provider
	registry  *Registry
	recorder  *Recorder
	compactor *Compactor
	policy    PolicyFunc // nil = no policy evaluation (chat mode)
	approver  Approver   // resolves FLAG decisions; nil = deny
	maxIter   int
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorPolicy enables policy evaluation for every non-meta tool call
// (agent mode). approver resolves FLAG decisions.
func WithExecutorPolicy(policy PolicyFunc, approver Approver) ExecutorOption {
	return func(e *Executor) {
		e.policy = policy
		e.approver = approver
	}
}

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithMaxIterations overrides MaxToolIterations.
func WithMaxIterations(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxIter = n
		}
	}
}

// NewExecutor creates an Executor. recorder may record to an unsampled trace;
// spans become no-ops and the code path is unchanged.
func NewExecutor(provider Provider, registry *Registry, recorder *Recorder, compactor *Compactor, opts ...ExecutorOption) *Executor {
	e := &Executor{
		provider:  provider,
		registry:  registry,
		recorder:  recorder,
		compactor: compactor,
		maxIter:   MaxToolIterations,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the loop. Generation-call count never exceeds the iteration
// bound; on the last iteration the call is made with tools disabled.
func (e *Executor) Run(ctx context.Context, req ExecRequest) (ExecResult, error) {
	messages := append([]ChatMessage(nil), req.Messages...)
	tools := append([]ToolDefinition(nil), req.Tools...)
	activeCats := append([]string(nil), req.Categories...)

	var result ExecResult
	toolMsgIter := make(map[int]int)   // message index -> iteration appended
	injectedSkills := make(map[string]bool)

	for i := 0; i < e.maxIter; i++ {
		result.Iterations = i + 1
		final := i == e.maxIter-1

		callTools := tools
		if final {
			// Force a textual reply on the last iteration.
			callTools = nil
		}

		iterMessages := messages
		if req.TaskPlan != "" && i > 0 {
			// Agent mode: re-inject the current checklist so the model sees it.
			iterMessages = append(iterMessages, SystemMessage("Current task plan:\n"+req.TaskPlan))
		}

		resp, err := e.generate(ctx, i, iterMessages, callTools, req)
		if err != nil {
			return result, err
		}
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 || final {
			result.Text = resp.Content
			return result, nil
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Split meta-calls from regular calls preserving original indices.
		metaIdx := make(map[int]bool)
		var regular []ToolCall
		regularIdx := make([]int, 0, len(resp.ToolCalls))
		for j, tc := range resp.ToolCalls {
			if tc.Name == MetaToolName {
				metaIdx[j] = true
			} else {
				regular = append(regular, tc)
				regularIdx = append(regularIdx, j)
			}
		}

		// Execute regular calls concurrently; results come back in call order.
		results := e.dispatchParallel(ctx, regular)

		// Reassemble tool-result messages in original call order.
		ordered := make([]ChatMessage, len(resp.ToolCalls))
		for j, tc := range resp.ToolCalls {
			if metaIdx[j] {
				content, added := e.handleMetaCall(tc, &tools, &activeCats, req.Budget)
				e.logger.Info("meta-tool handled", "added", added)
				ordered[j] = ToolResultMessage(tc.ID, content)
			}
		}
		for k, tc := range regular {
			ordered[regularIdx[k]] = ToolResultMessage(tc.ID, results[k])
			result.ToolCalls = append(result.ToolCalls, tc)
			if instr := e.registry.InstructionsFor(tc.Name); instr != "" && !injectedSkills[tc.Name] {
				injectedSkills[tc.Name] = true
				messages = append(messages, SystemMessage(instr))
			}
		}
		for _, m := range ordered {
			toolMsgIter[len(messages)] = i
			messages = append(messages, m)
		}

		messages = pruneStaleResults(messages, toolMsgIter, i)
	}

	// Unreachable: the final-iteration branch above always returns.
	return result, nil
}

// generate runs one LLM call inside a generation span named llm:iteration_N,
// capturing token usage as span metadata. Thinking is enabled only when the
// tool set is empty (chain-of-thought and tools are mutually exclusive).
func (e *Executor) generate(ctx context.Context, iter int, messages []ChatMessage, tools []ToolDefinition, req ExecRequest) (ChatResponse, error) {
	spanCtx, span := e.recorder.StartSpan(ctx, fmt.Sprintf("llm:iteration_%d", iter+1), SpanKindGeneration)
	defer span.End(ctx)

	think := req.Think && len(tools) == 0
	resp, err := e.provider.Chat(spanCtx, ChatRequest{
		Messages: messages,
		Tools:    tools,
		Think:    think,
		Model:    req.Model,
	})
	if err != nil {
		span.SetStatus("failed")
		span.SetOutput(err.Error())
		return ChatResponse{}, err
	}
	span.RecordUsage(resp.Usage)
	span.SetOutput(resp.Content)
	return resp, nil
}

// handleMetaCall expands the active tool set with the requested categories,
// de-duplicating against tools already present. Unknown or already-present
// categories add nothing.
func (e *Executor) handleMetaCall(tc ToolCall, tools *[]ToolDefinition, activeCats *[]string, budget int) (string, int) {
	var params struct {
		Categories []string `json:"categories"`
		Reason     string   `json:"reason"`
	}
	if err := json.Unmarshal(tc.Args, &params); err != nil {
		return "No new tools added: invalid request", 0
	}
	if budget <= 0 {
		budget = DefaultToolBudget
	}
	perCat := budget / max(1, len(params.Categories))
	if perCat < 2 {
		perCat = 2
	}

	present := make(map[string]bool, len(*tools))
	for _, d := range *tools {
		present[d.Name] = true
	}

	var added []string
	for _, cat := range params.Categories {
		cat = strings.ToLower(strings.TrimSpace(cat))
		if cat == "" || containsStr(*activeCats, cat) {
			continue
		}
		defs := e.registry.ToolsForCategory(cat)
		if len(defs) == 0 {
			continue
		}
		if len(defs) > perCat {
			defs = defs[:perCat]
		}
		*activeCats = append(*activeCats, cat)
		for _, d := range defs {
			if !present[d.Name] {
				present[d.Name] = true
				*tools = append(*tools, d)
				added = append(added, d.Name)
			}
		}
	}
	if len(added) == 0 {
		return "No new tools added: requested categories are unknown or already active", 0
	}
	return "Added tools: [" + strings.Join(added, ", ") + "]", len(added)
}

// executeOne runs a single regular tool call: policy check, tool span, tool
// execution, output compaction. Errors become the tool's output string.
func (e *Executor) executeOne(ctx context.Context, tc ToolCall) string {
	if e.policy != nil {
		decision := e.policy(ctx, tc)
		switch decision.Action {
		case PolicyDeny:
			return "Command blocked: " + decision.Reason
		case PolicyFlag:
			approved := false
			if e.approver != nil {
				ok, err := e.approver.RequestApproval(ctx, tc, decision.Reason)
				approved = ok && err == nil
			}
			if !approved {
				return "Command blocked: human approval denied or timed out"
			}
		}
	}

	spanCtx, span := e.recorder.StartSpan(ctx, "tool:"+tc.Name, SpanKindTool)
	span.SetInput(string(tc.Args))
	defer span.End(ctx)

	res, err := e.registry.Execute(spanCtx, tc.Name, tc.Args)
	var out string
	switch {
	case err != nil:
		out = "error: " + err.Error()
		span.SetStatus("failed")
	case res.Error != "":
		out = "error: " + res.Error
		span.SetStatus("failed")
	default:
		out = e.compactor.Compact(spanCtx, res.Content)
	}
	span.SetOutput(out)
	return out
}

// indexedResult pairs a tool output with its position in the original call
// slice, allowing channel-based collection in order.
type indexedResult struct {
	idx int
	out string
}

// dispatchParallel runs all regular tool calls concurrently and returns
// outputs in the same order as the input calls. Single calls run inline.
// Multiple calls use a fixed worker pool pulling from a shared work channel.
// Panicking tools are converted to error outputs instead of crashing.
func (e *Executor) dispatchParallel(ctx context.Context, calls []ToolCall) []string {
	if len(calls) == 0 {
		return nil
	}
	if len(calls) == 1 {
		return []string{e.safeExecute(ctx, calls[0])}
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	resultCh := make(chan indexedResult, len(calls))
	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, "error: " + ctx.Err().Error()}
					continue
				}
				resultCh <- indexedResult{w.idx, e.safeExecute(ctx, w.tc)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]string, len(calls))
	seen := make([]bool, len(calls))
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				received = len(calls)
				break
			}
			results[r.idx] = r.out
			seen[r.idx] = true
		case <-ctx.Done():
			for i := range results {
				if !seen[i] {
					results[i] = "error: " + ctx.Err().Error()
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = "error: result not received"
		}
	}
	return results
}

// safeExecute wraps executeOne with panic recovery so a broken tool handler
// becomes an error result instead of crashing the pipeline.
func (e *Executor) safeExecute(ctx context.Context, tc ToolCall) (out string) {
	defer func() {
		if p := recover(); p != nil {
			out = fmt.Sprintf("error: tool %q panic: %v", tc.Name, p)
		}
	}()
	start := time.Now()
	out = e.executeOne(ctx, tc)
	e.logger.Debug("tool executed", "tool", tc.Name, "duration", time.Since(start))
	return out
}

// pruneStaleResults replaces tool-result messages older than the last
// stalePruneAfter iterations with a short summary, capping context length
// across iterations.
func pruneStaleResults(messages []ChatMessage, toolMsgIter map[int]int, currentIter int) []ChatMessage {
	var idxs []int
	for idx, iter := range toolMsgIter {
		if currentIter-iter >= stalePruneAfter {
			idxs = append(idxs, idx)
		}
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		m := messages[idx]
		if m.ToolCallID == "" || strings.HasPrefix(m.Content, "[stale") {
			continue
		}
		messages[idx] = ToolResultMessage(m.ToolCallID,
			"[stale tool result pruned] "+truncateStr(m.Content, 120))
	}
	return messages
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Fast path: byte length ≤ n guarantees rune count ≤ n.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
