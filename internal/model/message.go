package model

import (
	"time"
)

// SignalTypeResume marks a control message that resumes a previously
// created task after human approval.
const SignalTypeResume = "RESUME"

// AttrTraceID is the queue attribute key carrying the trace ID.
const AttrTraceID = "traceId"

// SignalMessage is the JSON wire format published by the gateway and
// consumed by the worker. A normal signal carries Source/Payload; a
// RESUME control message carries Type/TaskID and optionally AgentID
// instead.
type SignalMessage struct {
	Type       string         `json:"type,omitempty"`
	Source     string         `json:"source,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	TraceID    string         `json:"traceId,omitempty"`
	TaskID     string         `json:"taskId,omitempty"`
	AgentID    string         `json:"agentId,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt,omitzero"`
}

// IsResume reports whether the message is a RESUME control signal.
func (m SignalMessage) IsResume() bool {
	return m.Type == SignalTypeResume
}
