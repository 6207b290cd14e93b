package model

import (
	"time"

	"github.com/google/uuid"
)

// SpanStatus is the terminal status of a trace span.
type SpanStatus string

const (
	SpanStatusOK    SpanStatus = "OK"
	SpanStatusError SpanStatus = "ERROR"
)

// TraceSpan is one timed sub-operation within a trace. Spans sharing a
// TraceID form the causal timeline of one logical flow; ParentID links
// them into a tree rooted at the span with no parent.
//
// DurationMs and Status are nil until the span is ended. A span is
// created once at operation start and its terminal fields are written
// once at operation end; rows are never deleted.
type TraceSpan struct {
	ID         uuid.UUID      `json:"id"`
	TraceID    uuid.UUID      `json:"trace_id"`
	ParentID   *uuid.UUID     `json:"parent_id,omitempty"`
	Service    string         `json:"service"`
	Operation  string         `json:"operation"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	Status     *SpanStatus    `json:"status,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Span operation names recorded by the gateway and the worker.
const (
	OpWebhookReceive = "webhook_receive"
	OpPublish        = "pubsub_publish"
	OpProcessMessage = "process_message"
	OpResumeAgent    = "resume_agent"
	OpAgentLookup    = "agent_lookup"
	OpTaskCreate     = "task_create"
)

// Service names used in span rows.
const (
	ServiceIngress      = "ingress"
	ServiceOrchestrator = "orchestrator"
)
