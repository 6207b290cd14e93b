package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torii-sh/torii/internal/model"
)

// CreateSpan inserts a span row with no terminal fields set. The write
// is awaited synchronously: a span's parent is always durably visible
// before any child referencing it is created.
func (db *DB) CreateSpan(ctx context.Context, span model.TraceSpan) (model.TraceSpan, error) {
	if span.ID == uuid.Nil {
		span.ID = uuid.New()
	}
	if span.CreatedAt.IsZero() {
		span.CreatedAt = time.Now().UTC()
	}
	if span.Metadata == nil {
		span.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO trace_spans (id, trace_id, parent_id, service, operation, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		span.ID, span.TraceID, span.ParentID, span.Service, span.Operation,
		span.Metadata, span.CreatedAt,
	)
	if err != nil {
		return model.TraceSpan{}, fmt.Errorf("storage: create span: %w", err)
	}
	return span, nil
}

// EndSpan writes a span's terminal fields. Returns ErrNotFound if the
// span does not exist; the terminal fields are written at most once
// (a second end is a no-op that reports ErrNotFound).
func (db *DB) EndSpan(ctx context.Context, spanID uuid.UUID, durationMs int64, status model.SpanStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE trace_spans SET duration_ms = $1, status = $2
		 WHERE id = $3 AND status IS NULL`,
		durationMs, string(status), spanID,
	)
	if err != nil {
		return fmt.Errorf("storage: end span: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSpansByTrace returns all spans of a trace ordered by creation time.
func (db *DB) GetSpansByTrace(ctx context.Context, traceID uuid.UUID) ([]model.TraceSpan, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, trace_id, parent_id, service, operation, duration_ms, status, metadata, created_at
		 FROM trace_spans WHERE trace_id = $1
		 ORDER BY created_at ASC, id ASC`, traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get spans by trace: %w", err)
	}
	defer rows.Close()

	var spans []model.TraceSpan
	for rows.Next() {
		var s model.TraceSpan
		var status *string
		if err := rows.Scan(
			&s.ID, &s.TraceID, &s.ParentID, &s.Service, &s.Operation,
			&s.DurationMs, &status, &s.Metadata, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		if status != nil {
			st := model.SpanStatus(*status)
			s.Status = &st
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}
