package paloma

import (
	"context"
	"strings"
	"testing"
)

func TestRecorderSampling(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, 0.5)

	rec.randFn = func() float64 { return 0.4 }
	ctx, h := rec.Begin(context.Background(), "user1", "chat")
	if !h.sampled || TraceIDFromContext(ctx) == "" {
		t.Error("rand below the rate must sample")
	}

	rec.randFn = func() float64 { return 0.6 }
	ctx, h = rec.Begin(context.Background(), "user1", "chat")
	if h.sampled || TraceIDFromContext(ctx) != "" {
		t.Error("rand above the rate must skip")
	}

	if len(store.traces) != 1 {
		t.Errorf("stored traces = %d, want only the sampled one", len(store.traces))
	}
}

func TestRecorderFinishLinksProviderMsgID(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, 1.0)

	ctx, h := rec.Begin(context.Background(), "user1", "chat")
	rec.Finish(ctx, "completed", "wamid.sent")

	tr := store.traces[h.ID]
	if tr.Status != "completed" || tr.ProviderMsgID != "wamid.sent" || tr.CompletedAt == 0 {
		t.Errorf("trace = %+v", tr)
	}
	got, err := store.GetTraceByProviderMsgID(context.Background(), "wamid.sent")
	if err != nil || got == nil || got.ID != h.ID {
		t.Errorf("trace not linkable by provider id: %v, %v", got, err)
	}
}

func TestSpanTree(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, 1.0)
	ctx, _ := rec.Begin(context.Background(), "user1", "chat")

	pctx, parent := rec.StartSpan(ctx, "llm:iteration_1", SpanKindGeneration)
	_, child := rec.StartSpan(pctx, "tool:web_search", SpanKindTool)
	child.SetInput("query")
	child.SetOutput("results")
	child.End(ctx)
	parent.End(ctx)

	if len(store.spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(store.spans))
	}
	// Children end first, so index 0 is the child.
	if store.spans[0].ParentSpanID != store.spans[1].ID {
		t.Error("child span must point at its parent")
	}
	if store.spans[1].ParentSpanID != "" {
		t.Error("root span must have no parent")
	}
	if store.spans[0].Input != "query" || store.spans[0].Output != "results" {
		t.Errorf("payloads = %+v", store.spans[0])
	}
}

func TestSpanNoOpWhenUnsampled(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, 0)

	ctx, _ := rec.Begin(context.Background(), "user1", "chat")
	sctx, span := rec.StartSpan(ctx, "llm:iteration_1", SpanKindGeneration)
	span.SetOutput("text")
	span.End(sctx)

	if len(store.spans) != 0 {
		t.Errorf("spans = %d, unsampled trace must record nothing", len(store.spans))
	}
}

func TestSpanEndIdempotent(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, 1.0)
	ctx, _ := rec.Begin(context.Background(), "user1", "chat")

	_, span := rec.StartSpan(ctx, "retrieval", SpanKindRetrieval)
	span.End(ctx)
	span.End(ctx)

	if len(store.spans) != 1 {
		t.Errorf("spans = %d, double End must record once", len(store.spans))
	}
}

func TestSpanPayloadTruncation(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, 1.0)
	ctx, _ := rec.Begin(context.Background(), "user1", "chat")

	_, span := rec.StartSpan(ctx, "llm:iteration_1", SpanKindGeneration)
	span.SetInput(strings.Repeat("x", maxSpanPayloadLen*2))
	span.End(ctx)

	if got := len([]rune(store.spans[0].Input)); got > maxSpanPayloadLen+1 {
		t.Errorf("persisted input length = %d, want capped near %d", got, maxSpanPayloadLen)
	}
}

func TestRecordUsageMetadata(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, 1.0)
	ctx, _ := rec.Begin(context.Background(), "user1", "chat")

	_, span := rec.StartSpan(ctx, "llm:iteration_1", SpanKindGeneration)
	span.RecordUsage(Usage{InputTokens: 120, OutputTokens: 45, Model: "qwen3:8b"})
	span.End(ctx)

	meta := string(store.spans[0].Metadata)
	for _, want := range []string{
		`"` + MetaInputTokens + `":"120"`,
		`"` + MetaOutputTokens + `":"45"`,
		`"` + MetaResponseModel + `":"qwen3:8b"`,
	} {
		if !strings.Contains(meta, want) {
			t.Errorf("metadata missing %s: %s", want, meta)
		}
	}
}

func TestScoreOutsideTraceIsNoOp(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, 1.0)

	rec.Score(context.Background(), "guardrail:not_empty", 0.0, "system", "")
	if len(store.scores) != 0 {
		t.Error("score without an active trace must be dropped")
	}
}

func TestScoreTraceUnknownTarget(t *testing.T) {
	rec := NewRecorder(newMemStore(), 1.0)
	if rec.ScoreTrace(context.Background(), "wamid.nope", "user_reaction", 1.0, "user", "👍") {
		t.Error("unknown provider id must return false")
	}
}
