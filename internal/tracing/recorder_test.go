package tracing

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/torii-sh/torii/internal/model"
)

type failingRecorder struct{}

func (failingRecorder) StartSpan(context.Context, uuid.UUID, *uuid.UUID, string, string, map[string]any) (uuid.UUID, error) {
	return uuid.Nil, errors.New("down")
}

func (failingRecorder) EndSpan(context.Context, uuid.UUID, int64, model.SpanStatus) error {
	return errors.New("down")
}

func TestEndSpanBestEffortSwallowsErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	// Must not panic or propagate the recorder failure.
	EndSpanBestEffort(context.Background(), failingRecorder{}, logger,
		uuid.New(), 10, model.SpanStatusError)
}

func TestMillisSince(t *testing.T) {
	assert.GreaterOrEqual(t, MillisSince(time.Now().Add(-50*time.Millisecond)), int64(50))
	// Clock skew must never produce a negative duration.
	assert.Equal(t, int64(0), MillisSince(time.Now().Add(time.Minute)))
}
