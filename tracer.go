package paloma

import "context"

// RemoteSink mirrors sampled recorder spans to an external collector. The
// observer package provides the OTLP-backed implementation; without a sink,
// spans live only in the Store.
type RemoteSink interface {
	// SpanStarted opens the remote counterpart of a recorder span. The
	// returned context carries the remote span so children nest under it.
	SpanStarted(ctx context.Context, name, kind string) (context.Context, RemoteSpan)
}

// RemoteSpan is the remote half of one recorder span. Finish is called
// exactly once, with the final record the recorder is about to persist.
type RemoteSpan interface {
	Finish(rec SpanRecord)
}
