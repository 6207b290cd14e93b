package model

import (
	"time"

	"github.com/google/uuid"
)

// UsageAction is the billable action recorded in a usage log row.
type UsageAction string

const (
	UsageActionToolCall UsageAction = "tool_call"
	UsageActionResume   UsageAction = "resume"
)

// Fixed-cost accounting placeholders. Real tool invocation is out of
// scope; every matched signal and every resume is billed at a flat rate.
const (
	ToolCallTokens  int64   = 120
	ToolCallCostUSD float64 = 0.0012
	ResumeTokens    int64   = 50
	ResumeCostUSD   float64 = 0.0005
)

// UsageLog is one row of the append-only accounting ledger.
type UsageLog struct {
	ID        uuid.UUID      `json:"id"`
	AgentID   uuid.UUID      `json:"agent_id"`
	Action    UsageAction    `json:"action"`
	Tokens    int64          `json:"tokens"`
	CostUSD   float64        `json:"cost_usd"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}
