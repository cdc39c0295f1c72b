package observer

import (
	"context"
	"encoding/json"
	"strconv"

	paloma "github.com/palomabot/paloma"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// sink forwards recorder spans to the global OTEL TracerProvider.
type sink struct {
	tracer trace.Tracer
}

// NewSink returns a paloma.RemoteSink backed by the global OTEL
// TracerProvider. Call observer.Init() first to configure the provider;
// otherwise spans go to a no-op backend.
func NewSink() paloma.RemoteSink {
	return &sink{tracer: otel.Tracer(scopeName)}
}

func (s *sink) SpanStarted(ctx context.Context, name, kind string) (context.Context, paloma.RemoteSpan) {
	ctx, span := s.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("paloma.span.kind", kind)))
	return ctx, &remoteSpan{inner: span}
}

// remoteSpan holds an open OTEL span until the recorder finishes its side.
type remoteSpan struct {
	inner trace.Span
}

// Finish copies the persisted record onto the OTEL span and closes it.
// Generation metadata (gen_ai.* keys) passes through under its own names so
// OTEL backends that understand the gen_ai conventions pick it up directly.
func (r *remoteSpan) Finish(rec paloma.SpanRecord) {
	attrs := []attribute.KeyValue{
		attribute.String("paloma.span.status", rec.Status),
		attribute.Int64("paloma.span.latency_ms", rec.LatencyMS),
	}
	if rec.Input != "" {
		attrs = append(attrs, attribute.String("paloma.span.input", rec.Input))
	}
	if rec.Output != "" {
		attrs = append(attrs, attribute.String("paloma.span.output", rec.Output))
	}
	if len(rec.Metadata) > 0 {
		var meta map[string]string
		if json.Unmarshal(rec.Metadata, &meta) == nil {
			for k, v := range meta {
				attrs = append(attrs, metaAttr(k, v))
			}
		}
	}
	r.inner.SetAttributes(attrs...)
	if rec.Status != "" && rec.Status != "completed" {
		r.inner.SetStatus(codes.Error, rec.Status)
	}
	r.inner.End()
}

// metaAttr keeps numeric metadata (token counts) numeric on the wire.
func metaAttr(k, v string) attribute.KeyValue {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return attribute.Int64(k, n)
	}
	return attribute.String(k, v)
}

var _ paloma.RemoteSink = (*sink)(nil)
