package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the approval state of a task. The worker never reads or
// writes it; only the approve endpoint transitions pending_approval to
// approved.
type TaskStatus string

const (
	TaskStatusPendingApproval TaskStatus = "pending_approval"
	TaskStatusApproved        TaskStatus = "approved"
)

// Task is one unit of work awaiting human approval. Created exactly
// once per matched signal delivery (duplicate deliveries produce
// duplicate rows; see the idempotence note in the worker package).
type Task struct {
	ID           uuid.UUID      `json:"id"`
	Description  string         `json:"description"`
	InputPayload map[string]any `json:"input_payload"`
	AgentID      uuid.UUID      `json:"agent_id"`
	Status       TaskStatus     `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TaskDescription builds the human-readable description for a task
// created from an inbound signal.
func TaskDescription(source string, payload map[string]any) string {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("{}")
	}
	return fmt.Sprintf("Process %s signal: %s", source, body)
}
