package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/torii-sh/torii/internal/audit"
	"github.com/torii-sh/torii/internal/model"
	"github.com/torii-sh/torii/internal/queue"
	"github.com/torii-sh/torii/internal/storage"
	"github.com/torii-sh/torii/internal/tracing"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db        *storage.DB
	publisher queue.Publisher
	recorder  tracing.Recorder
	counters  *audit.Counters
	logger    *slog.Logger
	topic     string
	service   string
	maxBody   int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB        *storage.DB
	Publisher queue.Publisher
	Recorder  tracing.Recorder
	Counters  *audit.Counters
	Logger    *slog.Logger
	Topic     string
	Service   string
	MaxBody   int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:        d.DB,
		publisher: d.Publisher,
		recorder:  d.Recorder,
		counters:  d.Counters,
		logger:    d.Logger,
		topic:     d.Topic,
		service:   d.Service,
		maxBody:   d.MaxBody,
	}
}

// HandleWebhook handles POST /webhook: validate, open a trace, publish,
// record the publish outcome, reply.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}

	// The body must be a JSON object; anything else (including JSON
	// null, which decodes into a struct without error) is rejected
	// before the received counter moves.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		writeError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}
	var req model.WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}

	h.counters.IncReceived()

	traceID := uuid.New()
	rootSpanID, err := h.recorder.StartSpan(ctx, traceID, nil,
		model.ServiceIngress, model.OpWebhookReceive,
		map[string]any{"source": req.Source},
	)
	if err != nil {
		// The root span is the anchor of the whole trace; without it
		// the flow has no trace continuity, so the request fails.
		h.counters.IncFailed()
		h.logger.Error("webhook: root span write failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to queue message")
		return
	}

	msg := model.SignalMessage{
		Source:     req.Source,
		Payload:    req.Payload,
		TraceID:    traceID.String(),
		ReceivedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.counters.IncFailed()
		tracing.EndSpanBestEffort(ctx, h.recorder, h.logger, rootSpanID,
			tracing.MillisSince(start), model.SpanStatusError)
		writeError(w, http.StatusInternalServerError, "Failed to queue message")
		return
	}

	publishStart := time.Now()
	messageID, err := h.publisher.Publish(ctx, h.topic, data,
		map[string]string{model.AttrTraceID: traceID.String()})
	if err != nil {
		h.counters.IncFailed()
		h.logger.Error("webhook: publish failed",
			"source", req.Source, "trace_id", traceID, "error", err)
		tracing.EndSpanBestEffort(ctx, h.recorder, h.logger, rootSpanID,
			tracing.MillisSince(start), model.SpanStatusError)
		writeError(w, http.StatusInternalServerError, "Failed to queue message")
		return
	}

	h.counters.IncPublished()

	// Publish child span. Recorder failures past the root span are
	// non-fatal to the request.
	if pubSpanID, err := h.recorder.StartSpan(ctx, traceID, &rootSpanID,
		model.ServiceIngress, model.OpPublish,
		map[string]any{"messageId": messageID, "topic": h.topic},
	); err != nil {
		h.logger.Warn("webhook: publish span write failed", "trace_id", traceID, "error", err)
	} else {
		tracing.EndSpanBestEffort(ctx, h.recorder, h.logger, pubSpanID,
			tracing.MillisSince(publishStart), model.SpanStatusOK)
	}

	tracing.EndSpanBestEffort(ctx, h.recorder, h.logger, rootSpanID,
		tracing.MillisSince(start), model.SpanStatusOK)

	writeJSON(w, http.StatusOK, model.WebhookResponse{
		Status:    "queued",
		MessageID: messageID,
		TraceID:   traceID.String(),
	})
}

// HandleHealth handles GET /health. No dependency checks.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{Status: "ok", Service: h.service})
}

// HandleReady handles GET /readyz: liveness of the database behind the
// gateway. Health stays dependency-free; this is the probe that gates
// traffic.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Error("readiness ping failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, model.HealthResponse{Status: "ready", Service: h.service})
}

// HandleStats handles GET /api/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	snap := h.counters.Snapshot()
	writeJSON(w, http.StatusOK, model.StatsResponse{
		TotalReceived:  snap.Received,
		TotalPublished: snap.Published,
		TotalFailed:    snap.Failed,
		UptimeSeconds:  snap.Uptime.Seconds(),
	})
}

// HandleListTasks handles GET /api/tasks.
func (h *Handlers) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.db.ListTasks(r.Context(), 100)
	if err != nil {
		h.logger.Error("list tasks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, model.TaskListResponse{
		Tasks: tasks,
		Count: len(tasks),
		AsOf:  time.Now().UTC(),
	})
}

// HandleGetTask handles GET /api/tasks/{task_id}.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(r.PathValue("task_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid task id")
		return
	}
	task, err := h.db.GetTask(r.Context(), taskID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		h.logger.Error("get task failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandleApproveTask handles POST /api/tasks/{task_id}/approve: the
// human approval action. Transitions the task to approved, then
// publishes the RESUME control message that resumes the paused flow.
func (h *Handlers) HandleApproveTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(r.PathValue("task_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid task id")
		return
	}

	task, err := h.db.ApproveTask(r.Context(), taskID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if errors.Is(err, storage.ErrTaskNotPending) {
		writeError(w, http.StatusConflict, "Task is not pending approval")
		return
	}
	if err != nil {
		h.logger.Error("approve task failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to approve task")
		return
	}

	resume := model.SignalMessage{
		Type:    model.SignalTypeResume,
		TaskID:  task.ID.String(),
		AgentID: task.AgentID.String(),
	}
	data, _ := json.Marshal(resume)
	messageID, err := h.publisher.Publish(r.Context(), h.topic, data, nil)
	if err != nil {
		// The status transition already happened; surface the publish
		// failure so the caller can retry the resume.
		h.logger.Error("approve task: resume publish failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to queue message")
		return
	}

	h.logger.Info("task approved", "task_id", taskID, "message_id", messageID)
	writeJSON(w, http.StatusOK, model.ApproveResponse{
		Status:    "approved",
		TaskID:    task.ID,
		MessageID: messageID,
	})
}

/// HandleGetTrace handles GET /api/traces/{trace_id}: the span tree of
// one logical flow.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID, err := uuid.Parse(r.PathValue("trace_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid trace id")
		return
	}
	spans, err := h.db.GetSpansByTrace(r.Context(), traceID)
	if err != nil {
		h.logger.Error("get trace failed", "trace_id", traceID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get trace")
		return
	}
	if len(spans) == 0 {
		writeError(w, http.StatusNotFound, "Trace not found")
		return
	}
	writeJSON(w, http.StatusOK, model.TraceResponse{TraceID: traceID, Spans: spans})
}

// HandleGetAgent handles GET /api/agents/{agent_id}, returning the
// agent with its attached tools.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(r.PathValue("agent_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid agent id")
		return
	}
	agent, err := h.db.GetAgent(r.Context(), agentID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Agent not found")
		return
	}
	if err != nil {
		h.logger.Error("get agent failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get agent")
		return
	}
	tools, err := h.db.GetToolsByAgent(r.Context(), agentID)
	if err != nil {
		h.logger.Error("get agent tools failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get agent")
		return
	}
	agent.Tools = tools
	writeJSON(w, http.StatusOK, agent)
}

// HandleListAgents handles GET /api/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.db.ListAgents(r.Context())
	if err != nil {
		h.logger.Error("list agents failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list agents")
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}
