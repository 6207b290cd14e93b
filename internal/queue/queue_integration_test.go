package queue_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/torii-sh/torii/internal/queue"
	"github.com/torii-sh/torii/internal/storage"
	"github.com/torii-sh/torii/internal/testutil"
)

var (
	testDB *storage.DB
	testTC *testutil.TestContainer
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	testTC = testutil.MustStartPostgres()

	db, err := testTC.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		testTC.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()

	db.Close(ctx)
	testTC.Terminate()
	os.Exit(code)
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	return queue.New(testDB, testutil.TestLogger(), queue.Options{
		Subscription: "test-sub",
		PollInterval: 200 * time.Millisecond,
		Lease:        30 * time.Second,
		BatchSize:    8,
	})
}

// uniqueTopic isolates each test's messages.
func uniqueTopic(t *testing.T) string {
	t.Helper()
	return "topic-" + uuid.NewString()
}

// subscribe runs q.Subscribe in a goroutine. The notify connection is
// single-threaded, so cleanup waits for the subscription to fully exit
// before the next test starts one.
func subscribe(t *testing.T, q *queue.Queue, topic string, handler queue.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Subscribe(ctx, topic, handler, func(err error) {
			t.Errorf("subscription error: %v", err)
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// topicDepth counts a topic's rows. Errors yield -1 so it is safe
// inside Eventually conditions.
func topicDepth(topic string) int64 {
	var count int64
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT count(*) FROM queue_messages WHERE topic = $1`, topic,
	).Scan(&count)
	if err != nil {
		return -1
	}
	return count
}

func TestPublishDeliverAck(t *testing.T) {
	ctx := context.Background()

	q := newTestQueue(t)
	topic := uniqueTopic(t)

	messageID, err := q.Publish(ctx, topic, []byte(`{"source":"github"}`),
		map[string]string{"traceId": "abc"})
	require.NoError(t, err)
	require.NotEmpty(t, messageID)

	delivered := make(chan *queue.Message, 1)
	subscribe(t, q, topic, func(ctx context.Context, msg *queue.Message) {
		assert.NoError(t, msg.Ack(ctx))
		delivered <- msg
	})

	select {
	case msg := <-delivered:
		assert.Equal(t, messageID, msg.ID.String())
		assert.Equal(t, `{"source":"github"}`, string(msg.Data))
		assert.Equal(t, "abc", msg.Attributes["traceId"])
		assert.Equal(t, 1, msg.Attempts)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	// Ack deletes the row.
	require.Eventually(t, func() bool {
		return topicDepth(topic) == 0
	}, 5*time.Second, 100*time.Millisecond)
}

func TestLeaseBlocksRedelivery(t *testing.T) {
	ctx := context.Background()

	q := newTestQueue(t)
	topic := uniqueTopic(t)

	_, err := q.Publish(ctx, topic, []byte("one"), nil)
	require.NoError(t, err)

	var mu sync.Mutex
	deliveries := 0
	subscribe(t, q, topic, func(ctx context.Context, msg *queue.Message) {
		// Never settle: the lease must keep the message invisible.
		mu.Lock()
		deliveries++
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 1
	}, 10*time.Second, 100*time.Millisecond)

	// Several poll intervals pass without a second delivery.
	time.Sleep(time.Second)
	mu.Lock()
	assert.Equal(t, 1, deliveries)
	mu.Unlock()
}

func TestNackRedelivers(t *testing.T) {
	ctx := context.Background()

	q := newTestQueue(t)
	topic := uniqueTopic(t)

	_, err := q.Publish(ctx, topic, []byte("retry me"), nil)
	require.NoError(t, err)

	attempts := make(chan int, 4)
	subscribe(t, q, topic, func(ctx context.Context, msg *queue.Message) {
		attempts <- msg.Attempts
		if msg.Attempts == 1 {
			assert.NoError(t, msg.Nack(ctx))
			return
		}
		assert.NoError(t, msg.Ack(ctx))
	})

	// First delivery, nacked with a ~2s backoff, then redelivered.
	require.Equal(t, 1, waitAttempt(t, attempts))
	require.Equal(t, 2, waitAttempt(t, attempts))

	require.Eventually(t, func() bool {
		return topicDepth(topic) == 0
	}, 5*time.Second, 100*time.Millisecond)
}

func waitAttempt(t *testing.T, attempts <-chan int) int {
	t.Helper()
	select {
	case n := <-attempts:
		return n
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for delivery attempt")
		return 0
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()

	q := newTestQueue(t)
	topic := uniqueTopic(t)

	_, err := q.Publish(ctx, topic, []byte("once"), nil)
	require.NoError(t, err)

	done := make(chan struct{})
	subscribe(t, q, topic, func(ctx context.Context, msg *queue.Message) {
		assert.NoError(t, msg.Ack(ctx))
		// Extra settles are no-ops.
		assert.NoError(t, msg.Ack(ctx))
		assert.NoError(t, msg.Nack(ctx))
		close(done)
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	assert.Equal(t, int64(0), topicDepth(topic))
}

func TestPublishFailureWrapsErrPublish(t *testing.T) {
	ctx := context.Background()

	// A closed pool makes the insert fail at the transport level.
	broken, err := storage.New(ctx, testTC.DSN, "", testutil.TestLogger())
	require.NoError(t, err)
	broken.Close(ctx)

	q := queue.New(broken, testutil.TestLogger(), queue.Options{Subscription: "test-sub"})
	_, err = q.Publish(ctx, "any-topic", []byte("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrPublish)
}

// gaugeCountingProvider counts observable gauge registrations so a
// test can assert how many callbacks a queue installs.
type gaugeCountingProvider struct {
	noop.MeterProvider
	registrations *atomic.Int64
}

func (p *gaugeCountingProvider) Meter(string, ...metric.MeterOption) metric.Meter {
	return &gaugeCountingMeter{registrations: p.registrations}
}

type gaugeCountingMeter struct {
	noop.Meter
	registrations *atomic.Int64
}

func (m *gaugeCountingMeter) Int64ObservableGauge(name string, opts ...metric.Int64ObservableGaugeOption) (metric.Int64ObservableGauge, error) {
	m.registrations.Add(1)
	return m.Meter.Int64ObservableGauge(name, opts...)
}

func TestResubscribeRegistersGaugeOnce(t *testing.T) {
	var registrations atomic.Int64
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(&gaugeCountingProvider{registrations: &registrations})
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	q := newTestQueue(t)
	topic := uniqueTopic(t)

	// A cancelled context makes Subscribe return right after setup.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	onError := func(error) {}
	q.Subscribe(ctx, topic, func(context.Context, *queue.Message) {}, onError)
	q.Subscribe(ctx, topic, func(context.Context, *queue.Message) {}, onError)

	assert.Equal(t, int64(1), registrations.Load(),
		"restarting a subscription must not stack gauge callbacks")
}
