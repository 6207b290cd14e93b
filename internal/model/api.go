package model

import (
	"time"

	"github.com/google/uuid"
)

// WebhookRequest is the body of POST /webhook.
type WebhookRequest struct {
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload"`
}

// WebhookResponse is the success body of POST /webhook.
type WebhookResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	TraceID   string `json:"traceId"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// StatsResponse is the body of GET /api/stats: the audit counters plus
// process uptime, computed from a start timestamp captured once at boot.
type StatsResponse struct {
	TotalReceived  int64   `json:"totalReceived"`
	TotalPublished int64   `json:"totalPublished"`
	TotalFailed    int64   `json:"totalFailed"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
}

// ErrorResponse is the body of every non-2xx gateway response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ApproveResponse is the success body of POST /api/tasks/{task_id}/approve.
type ApproveResponse struct {
	Status    string    `json:"status"`
	TaskID    uuid.UUID `json:"taskId"`
	MessageID string    `json:"messageId"`
}

// TraceResponse is the body of GET /api/traces/{trace_id}: all spans of
// one trace ordered by creation time.
type TraceResponse struct {
	TraceID uuid.UUID   `json:"trace_id"`
	Spans   []TraceSpan `json:"spans"`
}

// TaskListResponse is the body of GET /api/tasks.
type TaskListResponse struct {
	Tasks []Task    `json:"tasks"`
	Count int       `json:"count"`
	AsOf  time.Time `json:"as_of"`
}
