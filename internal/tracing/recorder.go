// Package tracing records the causal trace spans that tie one logical
// flow (receive, publish, consume, task-create, resume) together. This
// is the application's own span model persisted in trace_spans, not
// OpenTelemetry; OTel instrumentation lives in the HTTP middleware and
// queue metrics.
package tracing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torii-sh/torii/internal/model"
	"github.com/torii-sh/torii/internal/storage"
)

// Recorder creates and closes trace spans.
//
// StartSpan is awaited synchronously and returns only after the row is
// durably written, so a span's parent always exists before any child
// referencing it is created. Root-span write failure is fatal to trace
// continuity for that flow; callers must treat it as such. EndSpan
// failures on error-handling paths must be swallowed; use
// EndSpanBestEffort there.
type Recorder interface {
	StartSpan(ctx context.Context, traceID uuid.UUID, parentID *uuid.UUID, service, operation string, metadata map[string]any) (uuid.UUID, error)
	EndSpan(ctx context.Context, spanID uuid.UUID, durationMs int64, status model.SpanStatus) error
}

// DBRecorder persists spans through the storage layer.
type DBRecorder struct {
	db *storage.DB
}

// NewRecorder creates a storage-backed span recorder.
func NewRecorder(db *storage.DB) *DBRecorder {
	return &DBRecorder{db: db}
}

// StartSpan inserts a span row with no terminal fields and returns its
// generated ID for later linking.
func (r *DBRecorder) StartSpan(ctx context.Context, traceID uuid.UUID, parentID *uuid.UUID, service, operation string, metadata map[string]any) (uuid.UUID, error) {
	span, err := r.db.CreateSpan(ctx, model.TraceSpan{
		TraceID:   traceID,
		ParentID:  parentID,
		Service:   service,
		Operation: operation,
		Metadata:  metadata,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return span.ID, nil
}

// EndSpan writes the span's terminal duration and status.
func (r *DBRecorder) EndSpan(ctx context.Context, spanID uuid.UUID, durationMs int64, status model.SpanStatus) error {
	return r.db.EndSpan(ctx, spanID, durationMs, status)
}

// EndSpanBestEffort closes a span, logging and swallowing any failure.
// For error-handling branches where a secondary write must never
// displace the primary outcome.
func EndSpanBestEffort(ctx context.Context, rec Recorder, logger *slog.Logger, spanID uuid.UUID, durationMs int64, status model.SpanStatus) {
	if err := rec.EndSpan(ctx, spanID, durationMs, status); err != nil {
		logger.Warn("tracing: best-effort span close failed",
			"span_id", spanID, "status", string(status), "error", err)
	}
}

// MillisSince returns wall-clock milliseconds elapsed since start,
// clamped to zero.
func MillisSince(start time.Time) int64 {
	ms := time.Since(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
