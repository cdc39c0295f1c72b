package paloma

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strconv"
	"time"
)

// maxSpanPayloadLen caps span input/output payloads before persistence.
const maxSpanPayloadLen = 1000

// Token accounting metadata keys attached to generation spans.
const (
	MetaInputTokens   = "gen_ai.usage.input_tokens"
	MetaOutputTokens  = "gen_ai.usage.output_tokens"
	MetaResponseModel = "gen_ai.response.model"
)

// Recorder creates traces, hierarchical spans, and scores. Recording is
// best-effort: every sink failure is swallowed and logged at debug, the
// pipeline never blocks or fails on it. The active trace and span ride on
// the context so forked goroutines inherit them without argument plumbing.
type Recorder struct {
	store      Store
	remote     RemoteSink // nil = store only
	sampleRate float64
	logger     *slog.Logger
	randFn     func() float64 // test hook
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRemoteSink forwards sampled spans to a remote collector (observer OTLP).
func WithRemoteSink(s RemoteSink) RecorderOption {
	return func(r *Recorder) { r.remote = s }
}

// WithRecorderLogger sets the structured logger.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder creates a Recorder. sampleRate in [0,1] decides per trace
// whether anything is recorded; unsampled traces make every span a no-op.
func NewRecorder(store Store, sampleRate float64, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:      store,
		sampleRate: sampleRate,
		logger:     nopLogger,
		randFn:     rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type traceCtxKey struct{}
type spanCtxKey struct{}

// TraceHandle is the context-bound handle for one trace.
type TraceHandle struct {
	ID      string
	sampled bool
	rec     *Recorder
}

// traceFromContext returns the active trace handle, or nil.
func traceFromContext(ctx context.Context) *TraceHandle {
	h, _ := ctx.Value(traceCtxKey{}).(*TraceHandle)
	return h
}

// TraceIDFromContext returns the active sampled trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	if h := traceFromContext(ctx); h != nil && h.sampled {
		return h.ID
	}
	return ""
}

// Begin starts a trace for one inbound message or agent session and binds it
// to the returned context. When sampling skips the trace, the handle is
// retained (so Finish stays balanced) but records nothing.
func (r *Recorder) Begin(ctx context.Context, principal, messageType string) (context.Context, *TraceHandle) {
	h := &TraceHandle{ID: NewID(), rec: r, sampled: r.randFn() < r.sampleRate}
	if h.sampled {
		err := r.store.StartTrace(ctx, Trace{
			ID:          h.ID,
			Principal:   principal,
			MessageType: messageType,
			Status:      "started",
			StartedAt:   NowUnix(),
		})
		if err != nil {
			r.logger.Debug("trace start failed", "error", err)
			h.sampled = false
		}
	}
	return context.WithValue(ctx, traceCtxKey{}, h), h
}

// Finish closes the trace. providerMsgID links the trace to the sent reply
// and may be empty when nothing was sent.
func (r *Recorder) Finish(ctx context.Context, status, providerMsgID string) {
	h := traceFromContext(ctx)
	if h == nil || !h.sampled {
		return
	}
	if err := r.store.FinishTrace(ctx, h.ID, status, providerMsgID, NowUnix()); err != nil {
		r.logger.Debug("trace finish failed", "error", err)
	}
}

// Score attaches an evaluation to the active trace.
func (r *Recorder) Score(ctx context.Context, name string, value float64, source, comment string) {
	h := traceFromContext(ctx)
	if h == nil || !h.sampled {
		return
	}
	err := r.store.AppendScore(ctx, ScoreRecord{
		TraceID: h.ID,
		Name:    name,
		Value:   value,
		Source:  source,
		Comment: comment,
	})
	if err != nil {
		r.logger.Debug("score append failed", "name", name, "error", err)
	}
}

// ScoreTrace attaches an evaluation to a trace found by its linked provider
// message id (reaction scoring path). Returns false when no trace matches.
func (r *Recorder) ScoreTrace(ctx context.Context, providerMsgID, name string, value float64, source, comment string) bool {
	t, err := r.store.GetTraceByProviderMsgID(ctx, providerMsgID)
	if err != nil || t == nil {
		return false
	}
	err = r.store.AppendScore(ctx, ScoreRecord{
		TraceID: t.ID,
		Name:    name,
		Value:   value,
		Source:  source,
		Comment: comment,
	})
	if err != nil {
		r.logger.Debug("score append failed", "name", name, "error", err)
	}
	return true
}

// SpanHandle is one in-flight span. Zero-cost no-op when the trace is
// unsampled.
type SpanHandle struct {
	rec      *Recorder
	trace    *TraceHandle
	id       string
	parentID string
	name     string
	kind     string
	started  time.Time
	input    string
	output   string
	status   string
	meta     map[string]string
	remote   RemoteSpan // nil unless forwarding
	ended    bool
}

// StartSpan opens a span under the context's trace (and under the enclosing
// span, forming a tree). Always returns a usable handle; callers must call
// End exactly once.
func (r *Recorder) StartSpan(ctx context.Context, name, kind string) (context.Context, *SpanHandle) {
	h := traceFromContext(ctx)
	s := &SpanHandle{rec: r, trace: h, name: name, kind: kind, started: time.Now(), status: "completed"}
	if h == nil || !h.sampled {
		return ctx, s
	}
	s.id = NewID()
	if parent, _ := ctx.Value(spanCtxKey{}).(*SpanHandle); parent != nil && parent.id != "" {
		s.parentID = parent.id
	}
	if r.remote != nil {
		ctx, s.remote = r.remote.SpanStarted(ctx, name, kind)
	}
	return context.WithValue(ctx, spanCtxKey{}, s), s
}

// SetInput records the span's input payload (truncated on persist).
func (s *SpanHandle) SetInput(in string) { s.input = in }

// SetOutput records the span's output payload (truncated on persist).
func (s *SpanHandle) SetOutput(out string) { s.output = out }

// SetStatus overrides the default "completed" status.
func (s *SpanHandle) SetStatus(status string) { s.status = status }

// Meta attaches a free-form metadata key to the span.
func (s *SpanHandle) Meta(key, value string) {
	if s.meta == nil {
		s.meta = map[string]string{}
	}
	s.meta[key] = value
}

// RecordUsage attaches token accounting metadata to a generation span.
func (s *SpanHandle) RecordUsage(u Usage) {
	s.Meta(MetaInputTokens, strconv.Itoa(u.InputTokens))
	s.Meta(MetaOutputTokens, strconv.Itoa(u.OutputTokens))
	if u.Model != "" {
		s.Meta(MetaResponseModel, u.Model)
	}
}

// End persists the span. Safe to call on unsampled handles; calling twice
// records once.
func (s *SpanHandle) End(ctx context.Context) {
	if s.ended {
		return
	}
	s.ended = true
	if s.trace == nil || !s.trace.sampled {
		return
	}
	var meta json.RawMessage
	if len(s.meta) > 0 {
		meta, _ = json.Marshal(s.meta)
	}
	rec := SpanRecord{
		ID:           s.id,
		TraceID:      s.trace.ID,
		ParentSpanID: s.parentID,
		Name:         s.name,
		Kind:         s.kind,
		Status:       s.status,
		StartedAt:    s.started.Unix(),
		LatencyMS:    time.Since(s.started).Milliseconds(),
		Input:        truncateStr(s.input, maxSpanPayloadLen),
		Output:       truncateStr(s.output, maxSpanPayloadLen),
		Metadata:     meta,
	}
	if s.remote != nil {
		s.remote.Finish(rec)
	}
	if err := s.rec.store.AppendSpan(ctx, rec); err != nil {
		s.rec.logger.Debug("span append failed", "span", s.name, "error", err)
	}
}
