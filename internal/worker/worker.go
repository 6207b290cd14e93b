// Package worker implements the orchestrator: a long-lived queue
// subscriber that matches inbound signals to registered agents, opens
// tasks awaiting human approval, and resumes flows when approval
// arrives.
//
// Every delivery terminates in an acknowledgement. Failures are logged
// and the message is acked anyway: the trade-off is "drop and log"
// over a poison-message redelivery loop. Combined with
// at-least-once delivery this means duplicate deliveries produce
// duplicate tasks; there is no idempotency guarantee.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torii-sh/torii/internal/model"
	"github.com/torii-sh/torii/internal/queue"
	"github.com/torii-sh/torii/internal/storage"
	"github.com/torii-sh/torii/internal/tracing"
)

// Worker consumes signal messages from the queue.
type Worker struct {
	db       *storage.DB
	recorder tracing.Recorder
	q        *queue.Queue
	logger   *slog.Logger
	topic    string
}

// New creates a worker. Run must be called to start consuming.
func New(db *storage.DB, recorder tracing.Recorder, q *queue.Queue, logger *slog.Logger, topic string) *Worker {
	return &Worker{
		db:       db,
		recorder: recorder,
		q:        q,
		logger:   logger,
		topic:    topic,
	}
}

// Run subscribes to the topic and blocks until ctx is cancelled.
// Subscription-level transport errors are logged and the worker keeps
// listening; they never terminate the process.
func (w *Worker) Run(ctx context.Context) {
	w.q.Subscribe(ctx, w.topic, w.HandleMessage, func(err error) {
		w.logger.Error("worker: subscription error", "error", err)
	})
}

// HandleMessage processes one delivery end to end and always
// acknowledges it, success or failure.
func (w *Worker) HandleMessage(ctx context.Context, msg *queue.Message) {
	start := time.Now()
	defer w.ack(ctx, msg)

	var sig model.SignalMessage
	if err := json.Unmarshal(msg.Data, &sig); err != nil {
		// No traceId is known yet, so there is no span to close; the
		// flow never started.
		w.logger.Error("worker: unparseable message payload",
			"message_id", msg.ID, "error", err)
		return
	}

	traceID := w.resolveTraceID(msg, sig)

	rootSpanID, err := w.recorder.StartSpan(ctx, traceID, nil,
		model.ServiceOrchestrator, model.OpProcessMessage,
		map[string]any{"messageId": msg.ID.String()},
	)
	if err != nil {
		w.logger.Error("worker: root span write failed",
			"message_id", msg.ID, "trace_id", traceID, "error", err)
		return
	}

	if sig.IsResume() {
		err = w.handleResume(ctx, traceID, rootSpanID, sig, start)
	} else {
		err = w.handleSignal(ctx, traceID, rootSpanID, sig)
	}
	if err != nil {
		w.logger.Error("worker: message processing failed",
			"message_id", msg.ID, "trace_id", traceID, "error", err)
		tracing.EndSpanBestEffort(ctx, w.recorder, w.logger, rootSpanID,
			tracing.MillisSince(start), model.SpanStatusError)
		return
	}

	tracing.EndSpanBestEffort(ctx, w.recorder, w.logger, rootSpanID,
		tracing.MillisSince(start), model.SpanStatusOK)
}

// resolveTraceID prefers the transport attribute, falls back to the
// payload's own traceId, and mints a fresh one when neither parses.
func (w *Worker) resolveTraceID(msg *queue.Message, sig model.SignalMessage) uuid.UUID {
	if raw, ok := msg.Attributes[model.AttrTraceID]; ok {
		if id, err := uuid.Parse(raw); err == nil {
			return id
		}
	}
	if id, err := uuid.Parse(sig.TraceID); err == nil {
		return id
	}
	return uuid.New()
}

// handleResume accounts a fixed-cost resume action. No task state is
// read or written here: approval state lives entirely with the approve
// endpoint, and a RESUME for an unknown task is accepted as-is.
func (w *Worker) handleResume(ctx context.Context, traceID, rootSpanID uuid.UUID, sig model.SignalMessage, start time.Time) error {
	if sig.AgentID != "" {
		agentID, err := uuid.Parse(sig.AgentID)
		if err != nil {
			return fmt.Errorf("worker: invalid agentId on resume: %w", err)
		}
		if _, err := w.db.InsertUsageLog(ctx, model.UsageLog{
			AgentID: agentID,
			Action:  model.UsageActionResume,
			Tokens:  model.ResumeTokens,
			CostUSD: model.ResumeCostUSD,
			Metadata: map[string]any{
				"taskId":  sig.TaskID,
				"traceId": traceID.String(),
			},
		}); err != nil {
			return err
		}
	}

	w.recordChildSpan(ctx, traceID, rootSpanID, model.OpResumeAgent,
		tracing.MillisSince(start), map[string]any{"taskId": sig.TaskID})

	w.logger.Info("agent resumed", "task_id", sig.TaskID, "trace_id", traceID)
	return nil
}

// handleSignal matches the signal's source against agent roles and, on
// a match, opens a task pending approval plus its usage row. The
// writes are issued as independent statements, never grouped in a
// transaction: a crash mid-flow can leave partial state, and that is
// an accepted property of this pipeline.
func (w *Worker) handleSignal(ctx context.Context, traceID, rootSpanID uuid.UUID, sig model.SignalMessage) error {
	source := sig.Source
	if source == "" {
		source = "unknown"
	}

	lookupStart := time.Now()
	agent, err := w.db.GetAgentByRole(ctx, source)
	found := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	w.recordChildSpan(ctx, traceID, rootSpanID, model.OpAgentLookup,
		tracing.MillisSince(lookupStart), map[string]any{"source": source, "found": found})

	if !found {
		w.logger.Info("no agent registered for source", "source", source, "trace_id", traceID)
		return nil
	}

	createStart := time.Now()
	task, err := w.db.CreateTask(ctx, model.Task{
		Description:  model.TaskDescription(source, sig.Payload),
		InputPayload: sig.Payload,
		AgentID:      agent.ID,
	})
	if err != nil {
		return err
	}

	w.recordChildSpan(ctx, traceID, rootSpanID, model.OpTaskCreate,
		tracing.MillisSince(createStart),
		map[string]any{"taskId": task.ID.String(), "agentName": agent.Name})

	if _, err := w.db.InsertUsageLog(ctx, model.UsageLog{
		AgentID: agent.ID,
		Action:  model.UsageActionToolCall,
		Tokens:  model.ToolCallTokens,
		CostUSD: model.ToolCallCostUSD,
		Metadata: map[string]any{
			"taskId":  task.ID.String(),
			"source":  source,
			"traceId": traceID.String(),
		},
	}); err != nil {
		return err
	}

	w.logger.Info("task created, pending approval",
		"task_id", task.ID, "agent", agent.Name, "source", source, "trace_id", traceID)
	return nil
}

// recordChildSpan creates and immediately closes a child span.
// Best-effort: recorder failures past the root span never displace the
// primary flow.
func (w *Worker) recordChildSpan(ctx context.Context, traceID, parentID uuid.UUID, operation string, durationMs int64, metadata map[string]any) {
	spanID, err := w.recorder.StartSpan(ctx, traceID, &parentID,
		model.ServiceOrchestrator, operation, metadata)
	if err != nil {
		w.logger.Warn("worker: child span write failed",
			"operation", operation, "trace_id", traceID, "error", err)
		return
	}
	tracing.EndSpanBestEffort(ctx, w.recorder, w.logger, spanID, durationMs, model.SpanStatusOK)
}

// ack acknowledges the delivery. There is no retry state: every
// message is acked exactly once per delivery regardless of outcome.
func (w *Worker) ack(ctx context.Context, msg *queue.Message) {
	if err := msg.Ack(ctx); err != nil {
		w.logger.Error("worker: ack failed", "message_id", msg.ID, "error", err)
	}
}
