package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-sh/torii/internal/audit"
	"github.com/torii-sh/torii/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubPublisher records publishes and optionally fails them.
type stubPublisher struct {
	mu    sync.Mutex
	err   error
	calls []publishCall
}

type publishCall struct {
	topic      string
	payload    []byte
	attributes map[string]string
	messageID  string
}

func (p *stubPublisher) Publish(_ context.Context, topic string, payload []byte, attributes map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	call := publishCall{topic: topic, payload: payload, attributes: attributes, messageID: uuid.New().String()}
	p.calls = append(p.calls, call)
	return call.messageID, nil
}

func (p *stubPublisher) published() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.calls...)
}

// memSpan is one span recorded by memRecorder.
type memSpan struct {
	id         uuid.UUID
	traceID    uuid.UUID
	parentID   *uuid.UUID
	service    string
	operation  string
	metadata   map[string]any
	durationMs int64
	status     model.SpanStatus
	ended      bool
}

// memRecorder is an in-memory tracing.Recorder.
type memRecorder struct {
	mu       sync.Mutex
	startErr error
	spans    []*memSpan
}

func (r *memRecorder) StartSpan(_ context.Context, traceID uuid.UUID, parentID *uuid.UUID, service, operation string, metadata map[string]any) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return uuid.Nil, r.startErr
	}
	s := &memSpan{
		id:        uuid.New(),
		traceID:   traceID,
		parentID:  parentID,
		service:   service,
		operation: operation,
		metadata:  metadata,
	}
	r.spans = append(r.spans, s)
	return s.id, nil
}

func (r *memRecorder) EndSpan(_ context.Context, spanID uuid.UUID, durationMs int64, status model.SpanStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.spans {
		if s.id == spanID {
			s.durationMs = durationMs
			s.status = status
			s.ended = true
			return nil
		}
	}
	return errors.New("span not found")
}

func (r *memRecorder) find(operation string) *memSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.spans {
		if s.operation == operation {
			return s
		}
	}
	return nil
}

func newTestHandlers(pub *stubPublisher, rec *memRecorder) (*Handlers, *audit.Counters) {
	counters := audit.NewCounters()
	h := NewHandlers(HandlersDeps{
		Publisher: pub,
		Recorder:  rec,
		Counters:  counters,
		Logger:    testLogger(),
		Topic:     "signals",
		Service:   "torii",
		MaxBody:   1 << 20,
	})
	return h, counters
}

func TestHandleWebhookQueued(t *testing.T) {
	pub := &stubPublisher{}
	rec := &memRecorder{}
	h, counters := newTestHandlers(pub, rec)

	body := `{"source": "github", "payload": {"pr": 42}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleWebhook(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp model.WebhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
	traceID, err := uuid.Parse(resp.TraceID)
	require.NoError(t, err)

	calls := pub.published()
	require.Len(t, calls, 1)
	assert.Equal(t, "signals", calls[0].topic)
	assert.Equal(t, calls[0].messageID, resp.MessageID)
	assert.Equal(t, resp.TraceID, calls[0].attributes["traceId"])

	var msg model.SignalMessage
	require.NoError(t, json.Unmarshal(calls[0].payload, &msg))
	assert.Equal(t, "github", msg.Source)
	assert.Equal(t, resp.TraceID, msg.TraceID)
	assert.False(t, msg.ReceivedAt.IsZero())

	// Root span closed OK, publish span a child of it.
	root := rec.find(model.OpWebhookReceive)
	require.NotNil(t, root)
	assert.Equal(t, model.ServiceIngress, root.service)
	assert.Equal(t, traceID, root.traceID)
	assert.Nil(t, root.parentID)
	assert.True(t, root.ended)
	assert.Equal(t, model.SpanStatusOK, root.status)

	pubSpan := rec.find(model.OpPublish)
	require.NotNil(t, pubSpan)
	require.NotNil(t, pubSpan.parentID)
	assert.Equal(t, root.id, *pubSpan.parentID)
	assert.True(t, pubSpan.ended)
	assert.Equal(t, model.SpanStatusOK, pubSpan.status)

	snap := counters.Snapshot()
	assert.Equal(t, int64(1), snap.Received)
	assert.Equal(t, int64(1), snap.Published)
	assert.Equal(t, int64(0), snap.Failed)
}

func TestHandleWebhookRejectsNonObjectBodies(t *testing.T) {
	bodies := map[string]string{
		"json null":    `null`,
		"json array":   `[1, 2]`,
		"json string":  `"hello"`,
		"invalid json": `{not json`,
		"empty body":   ``,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			pub := &stubPublisher{}
			rec := &memRecorder{}
			h, counters := newTestHandlers(pub, rec)

			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
			w := httptest.NewRecorder()
			h.HandleWebhook(w, req)

			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.JSONEq(t, `{"error": "Request body must be a JSON object"}`, w.Body.String())

			// Rejected before any side effect.
			assert.Empty(t, pub.published())
			assert.Empty(t, rec.spans)
			snap := counters.Snapshot()
			assert.Equal(t, int64(0), snap.Received)
			assert.Equal(t, int64(0), snap.Failed)
		})
	}
}

func TestHandleWebhookPublishFailure(t *testing.T) {
	pub := &stubPublisher{err: errors.New("broker down")}
	rec := &memRecorder{}
	h, counters := newTestHandlers(pub, rec)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"source": "github"}`))
	w := httptest.NewRecorder()
	h.HandleWebhook(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error": "Failed to queue message"}`, w.Body.String())

	root := rec.find(model.OpWebhookReceive)
	require.NotNil(t, root)
	assert.True(t, root.ended)
	assert.Equal(t, model.SpanStatusError, root.status)
	assert.Nil(t, rec.find(model.OpPublish))

	snap := counters.Snapshot()
	assert.Equal(t, int64(1), snap.Received)
	assert.Equal(t, int64(0), snap.Published)
	assert.Equal(t, int64(1), snap.Failed)
}

func TestHandleWebhookRootSpanFailure(t *testing.T) {
	pub := &stubPublisher{}
	rec := &memRecorder{startErr: errors.New("db down")}
	h, counters := newTestHandlers(pub, rec)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"source": "github"}`))
	w := httptest.NewRecorder()
	h.HandleWebhook(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error": "Failed to queue message"}`, w.Body.String())

	// Nothing is published without trace continuity.
	assert.Empty(t, pub.published())

	snap := counters.Snapshot()
	assert.Equal(t, int64(1), snap.Received)
	assert.Equal(t, int64(0), snap.Published)
	assert.Equal(t, int64(1), snap.Failed)
}

func TestHandleHealth(t *testing.T) {
	h, _ := newTestHandlers(&stubPublisher{}, &memRecorder{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.HandleHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "ok", "service": "torii"}`, w.Body.String())
}

func TestHandleStats(t *testing.T) {
	h, counters := newTestHandlers(&stubPublisher{}, &memRecorder{})
	counters.IncReceived()
	counters.IncReceived()
	counters.IncPublished()
	counters.IncFailed()

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	h.HandleStats(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp model.StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.TotalReceived)
	assert.Equal(t, int64(1), resp.TotalPublished)
	assert.Equal(t, int64(1), resp.TotalFailed)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, 0.0)
}

func TestServerRouting(t *testing.T) {
	h, _ := newTestHandlers(&stubPublisher{}, &memRecorder{})
	srv := New(ServerConfig{Handlers: h, Logger: testLogger(), Port: 0})

	// Health through the full middleware chain.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	// Method mismatch on the webhook route.
	req = httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	// Unknown path.
	req = httptest.NewRequest(http.MethodPost, "/nope", bytes.NewReader(nil))
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
