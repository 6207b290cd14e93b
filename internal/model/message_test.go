package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalMessageIsResume(t *testing.T) {
	assert.True(t, SignalMessage{Type: SignalTypeResume}.IsResume())
	assert.False(t, SignalMessage{Type: "resume"}.IsResume())
	assert.False(t, SignalMessage{Source: "github"}.IsResume())
}

func TestSignalMessageWireKeys(t *testing.T) {
	msg := SignalMessage{
		Source:     "github",
		Payload:    map[string]any{"pr": float64(7)},
		TraceID:    "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d",
		ReceivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	// Camel-case wire keys; empty control fields are omitted entirely.
	assert.Contains(t, raw, "source")
	assert.Contains(t, raw, "payload")
	assert.Contains(t, raw, "traceId")
	assert.Contains(t, raw, "receivedAt")
	assert.NotContains(t, raw, "type")
	assert.NotContains(t, raw, "taskId")
	assert.NotContains(t, raw, "agentId")
}

func TestSignalMessageResumeRoundTrip(t *testing.T) {
	data := []byte(`{"type":"RESUME","taskId":"task-1","agentId":"agent-1"}`)

	var msg SignalMessage
	require.NoError(t, json.Unmarshal(data, &msg))

	assert.True(t, msg.IsResume())
	assert.Equal(t, "task-1", msg.TaskID)
	assert.Equal(t, "agent-1", msg.AgentID)
	assert.True(t, msg.ReceivedAt.IsZero())
}
