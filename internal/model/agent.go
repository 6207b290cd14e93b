package model

import (
	"time"

	"github.com/google/uuid"
)

// Agent is a registered automation profile. Role is the routing key
// matched against an inbound signal's declared source. Agents are
// created administratively (via torii-seed) and read-only to the
// pipeline.
type Agent struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Goal         string    `json:"goal"`
	SystemPrompt string    `json:"system_prompt"`
	Tools        []Tool    `json:"tools,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tool is read-only reference data describing a capability an agent
// may invoke once its task is approved.
type Tool struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}
