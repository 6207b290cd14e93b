package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskDescription(t *testing.T) {
	desc := TaskDescription("github", map[string]any{"pr": float64(42), "action": "opened"})
	// json.Marshal sorts map keys, so the body is deterministic.
	assert.Equal(t, `Process github signal: {"action":"opened","pr":42}`, desc)
}

func TestTaskDescriptionEmptyPayload(t *testing.T) {
	assert.Equal(t, "Process slack signal: null", TaskDescription("slack", nil))
	assert.Equal(t, "Process slack signal: {}", TaskDescription("slack", map[string]any{}))
}
