// Package queue implements a topic/subscription message queue on top of
// Postgres. Delivery is at-least-once: rows are claimed under a lease
// with FOR UPDATE SKIP LOCKED, ack deletes the row, and nack (or lease
// expiry) makes it deliverable again. Subscribers are woken by
// pg_notify on publish and also poll on an interval, so notify is an
// optimization rather than a correctness requirement. No ordering is
// guaranteed across messages.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/torii-sh/torii/internal/storage"
	"github.com/torii-sh/torii/internal/telemetry"
)

// ErrPublish indicates a transport failure while publishing. Callers
// must surface it to the original caller (HTTP 5xx) rather than retry
// internally.
var ErrPublish = errors.New("queue: publish failed")

// Publisher is the publish side of the queue.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, attributes map[string]string) (string, error)
}

// Handler is invoked once per delivered message. Duplicates and
// reordering are possible; idempotency is the handler's concern.
type Handler func(ctx context.Context, msg *Message)

// ErrorHandler receives transport-level subscription errors. It must
// not panic; the subscription loop continues after it returns.
type ErrorHandler func(err error)

// Queue is a Postgres-backed queue client. It implements Publisher and
// hosts long-lived subscriptions.
type Queue struct {
	db           *storage.DB
	logger       *slog.Logger
	subscription string
	pollInterval time.Duration
	lease        time.Duration
	batchSize    int
	metricsOnce  sync.Once
}

// Options tune subscription behavior. Zero values get defaults.
type Options struct {
	// Subscription names the consumer group in logs and metrics.
	Subscription string
	// PollInterval bounds how long a subscriber waits between claim
	// attempts when no notification arrives. Default 5s.
	PollInterval time.Duration
	// Lease is how long a claimed message is invisible to other
	// subscribers before it becomes redeliverable. Default 60s.
	Lease time.Duration
	// BatchSize caps messages claimed per poll. Default 16.
	BatchSize int
}

// New creates a queue client over the given storage handle.
func New(db *storage.DB, logger *slog.Logger, opts Options) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 60 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	return &Queue{
		db:           db,
		logger:       logger,
		subscription: opts.Subscription,
		pollInterval: opts.PollInterval,
		lease:        opts.Lease,
		batchSize:    opts.BatchSize,
	}
}

// notifyChannel maps a topic to its pg_notify channel name.
func notifyChannel(topic string) string {
	return "torii_queue_" + topic
}

// Publish inserts the message and wakes subscribers. Returns the
// generated message ID. All failures are wrapped in ErrPublish.
func (q *Queue) Publish(ctx context.Context, topic string, payload []byte, attributes map[string]string) (string, error) {
	messageID := uuid.New()
	if attributes == nil {
		attributes = map[string]string{}
	}

	_, err := q.db.Pool().Exec(ctx,
		`INSERT INTO queue_messages (message_id, topic, payload, attributes)
		 VALUES ($1, $2, $3, $4)`,
		messageID, topic, payload, attributes,
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert on topic %s: %v", ErrPublish, topic, err)
	}

	// Wakeup only; a lost notification is recovered by the poll loop.
	if err := q.db.Notify(ctx, notifyChannel(topic), messageID.String()); err != nil {
		q.logger.Warn("queue: notify after publish failed", "topic", topic, "error", err)
	}

	return messageID.String(), nil
}

// Message is one delivery. Ack permanently removes it from redelivery;
// Nack returns it to the queue after a backoff. Exactly one of the two
// should be called per delivery; extra calls are no-ops.
type Message struct {
	ID         uuid.UUID
	Data       []byte
	Attributes map[string]string
	// Attempts counts deliveries including this one; 1 on first delivery.
	Attempts int

	rowID   int64
	q       *Queue
	settled atomic.Bool
}

// Ack permanently removes the message from redelivery.
func (m *Message) Ack(ctx context.Context) error {
	if !m.settled.CompareAndSwap(false, true) {
		return nil
	}
	_, err := m.q.db.Pool().Exec(ctx,
		`DELETE FROM queue_messages WHERE id = $1`, m.rowID,
	)
	if err != nil {
		return fmt.Errorf("queue: ack message %s: %w", m.ID, err)
	}
	return nil
}

// Nack makes the message deliverable again after an exponential backoff
// derived from its attempt count (capped at 5 minutes).
func (m *Message) Nack(ctx context.Context) error {
	if !m.settled.CompareAndSwap(false, true) {
		return nil
	}
	_, err := m.q.db.Pool().Exec(ctx,
		`UPDATE queue_messages
		 SET leased_until = now() + LEAST(POWER(2, attempts), 300) * interval '1 second'
		 WHERE id = $1`, m.rowID,
	)
	if err != nil {
		return fmt.Errorf("queue: nack message %s: %w", m.ID, err)
	}
	return nil
}

// Subscribe delivers messages on the topic to handler until ctx is
// cancelled. Each delivered message is handled in its own goroutine.
// Transport errors go to onError and the loop continues; Subscribe
// itself only returns on context cancellation.
func (q *Queue) Subscribe(ctx context.Context, topic string, handler Handler, onError ErrorHandler) {
	// One gauge per Queue, bound to the first subscribed topic;
	// re-subscribing must not stack duplicate callbacks.
	q.metricsOnce.Do(func() { q.registerMetrics(topic) })

	listening := false
	if q.db.HasNotifyConn() {
		if err := q.db.Listen(ctx, notifyChannel(topic)); err != nil {
			onError(err)
		} else {
			listening = true
		}
	}

	q.logger.Info("queue: subscribed",
		"topic", topic, "subscription", q.subscription, "listen", listening)

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := q.claim(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			onError(err)
			// Back off briefly so a down database doesn't spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}

		for _, msg := range msgs {
			go handler(ctx, msg)
		}

		if len(msgs) > 0 {
			// Drain the backlog before waiting again.
			continue
		}

		q.wait(ctx, listening, onError)
	}
}

// wait blocks until a notification arrives, the poll interval elapses,
// or ctx is cancelled.
func (q *Queue) wait(ctx context.Context, listening bool, onError ErrorHandler) {
	if !listening {
		select {
		case <-ctx.Done():
		case <-time.After(q.pollInterval):
		}
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, q.pollInterval)
	defer cancel()
	_, _, err := q.db.WaitForNotification(waitCtx)
	if err != nil && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
		onError(err)
	}
}

// claim leases up to batchSize deliverable messages on the topic.
func (q *Queue) claim(ctx context.Context, topic string) ([]*Message, error) {
	tx, err := q.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, message_id, payload, attributes, attempts
		 FROM queue_messages
		 WHERE topic = $1 AND (leased_until IS NULL OR leased_until < now())
		 ORDER BY published_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		topic, q.batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: select deliverable: %w", err)
	}

	var msgs []*Message
	var rowIDs []int64
	for rows.Next() {
		m := &Message{q: q}
		if err := rows.Scan(&m.rowID, &m.ID, &m.Data, &m.Attributes, &m.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: scan message: %w", err)
		}
		// The row's counter is incremented below under the same lease
		// write; reflect this delivery in the handed-out message.
		m.Attempts++
		msgs = append(msgs, m)
		rowIDs = append(rowIDs, m.rowID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate deliverable: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE queue_messages
		 SET leased_until = now() + $1 * interval '1 second', attempts = attempts + 1
		 WHERE id = ANY($2)`,
		int(q.lease.Seconds()), rowIDs,
	); err != nil {
		return nil, fmt.Errorf("queue: lease messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: commit claim: %w", err)
	}
	return msgs, nil
}

// registerMetrics exposes an observable gauge for queue depth.
func (q *Queue) registerMetrics(topic string) {
	meter := telemetry.Meter("torii/queue")

	_, _ = meter.Int64ObservableGauge("torii.queue.depth",
		metric.WithDescription("Number of deliverable messages on the topic"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := q.db.Pool().QueryRow(ctx,
				`SELECT count(*) FROM queue_messages
				 WHERE topic = $1 AND (leased_until IS NULL OR leased_until < now())`, topic,
			).Scan(&count)
			if err != nil {
				return nil // Non-fatal: skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}
