package measurer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzbench/fuzzbench/pkg/store"
)

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "exp-1-measure-requests", RequestQueueName("exp-1"))
	assert.Equal(t, "exp-1-measure-responses", ResponseQueueName("exp-1"))
}

func TestDecodeAttributes(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    bool
		wantErr bool
	}{
		{name: "no headers", headers: nil, want: false},
		{name: "bool", headers: amqp.Table{retryHeader: true}, want: true},
		{name: "string", headers: amqp.Table{retryHeader: "true"}, want: true},
		{name: "int", headers: amqp.Table{retryHeader: int32(0)}, want: false},
		{name: "other headers", headers: amqp.Table{"x-trace": "abc"}, want: false},
		{name: "garbage", headers: amqp.Table{retryHeader: "maybe"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs, err := decodeAttributes(tt.headers)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, attrs.Retry)
		})
	}
}

type memoryBroker struct {
	mu     sync.Mutex
	queues map[string][]amqp.Delivery
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{queues: make(map[string][]amqp.Delivery)}
}

func (b *memoryBroker) open() error  { return nil }
func (b *memoryBroker) close() error { return nil }

func (b *memoryBroker) publish(_ context.Context, queue string, body []byte, headers amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queues[queue] = append(b.queues[queue], amqp.Delivery{
		MessageId: fmt.Sprintf("%s-%d", queue, len(b.queues[queue])),
		Headers:   headers,
		Body:      body,
	})

	return nil
}

func (b *memoryBroker) get(queue string) (*amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queues[queue]) == 0 {
		return nil, nil
	}

	d := b.queues[queue][0]
	b.queues[queue] = b.queues[queue][1:]

	return &d, nil
}

func newMemoryTransport(t *testing.T) (*AMQPQueue, *AMQPWorker, *memoryBroker) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	b := newMemoryBroker()

	q := NewAMQPQueue(log, "amqp://unused", "exp")
	q.conn = b

	w := NewAMQPWorker(log, "amqp://unused", "exp")
	w.conn = b

	return q, w, b
}

func TestAMQP_RequestRoundTrip(t *testing.T) {
	q, w, _ := newMemoryTransport(t)
	ctx := context.Background()

	assert.Nil(t, w.GetTaskFromRequestQueue(ctx))

	req := SnapshotMeasureRequest{Fuzzer: "afl", Benchmark: "zlib", TrialID: 4, Cycle: 2}
	require.NoError(t, q.PutRequest(ctx, req))

	got := w.GetTaskFromRequestQueue(ctx)
	require.NotNil(t, got)
	assert.Equal(t, req, *got)
	assert.Nil(t, w.GetTaskFromRequestQueue(ctx), "requests are consumed once")
}

func TestAMQP_ResultsCarryRetryHeader(t *testing.T) {
	q, w, b := newMemoryTransport(t)
	ctx := context.Background()

	req := SnapshotMeasureRequest{Fuzzer: "afl", Benchmark: "zlib", TrialID: 4, Cycle: 2}
	snapshot := store.Snapshot{TrialID: 4, Time: 1800, EdgesCovered: 42}

	w.PutResultInResponseQueue(ctx, &SnapshotResult{Snapshot: snapshot}, false)
	w.PutResultInResponseQueue(ctx, &RetryRequest{SnapshotMeasureRequest: req}, true)

	b.mu.Lock()
	published := append([]amqp.Delivery(nil), b.queues[ResponseQueueName("exp")]...)
	b.mu.Unlock()

	require.Len(t, published, 2)
	assert.Equal(t, amqp.Table{retryHeader: false}, published[0].Headers)
	assert.Equal(t, amqp.Table{retryHeader: true}, published[1].Headers)

	results, err := q.DrainResults(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	snap, ok := results[0].(*SnapshotResult)
	require.True(t, ok, "got %T", results[0])
	assert.Equal(t, snapshot.TrialID, snap.Snapshot.TrialID)
	assert.Equal(t, snapshot.Time, snap.Snapshot.Time)
	assert.Equal(t, snapshot.EdgesCovered, snap.Snapshot.EdgesCovered)

	retry, ok := results[1].(*RetryRequest)
	require.True(t, ok, "got %T", results[1])
	assert.Equal(t, req, retry.SnapshotMeasureRequest)
}

func TestAMQP_DrainDropsUndecodableMessages(t *testing.T) {
	q, _, b := newMemoryTransport(t)
	ctx := context.Background()
	responses := ResponseQueueName("exp")

	body, _, err := EncodeResult(&RetryRequest{SnapshotMeasureRequest: SnapshotMeasureRequest{
		Fuzzer: "afl", Benchmark: "zlib", TrialID: 1, Cycle: 1,
	}})
	require.NoError(t, err)

	require.NoError(t, b.publish(ctx, responses, body, amqp.Table{retryHeader: "maybe"}))
	require.NoError(t, b.publish(ctx, responses, []byte("{}"), amqp.Table{retryHeader: true}))
	require.NoError(t, b.publish(ctx, responses, body, amqp.Table{retryHeader: true}))

	results, err := q.DrainResults(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.IsType(t, &RetryRequest{}, results[0])

	results, err = q.DrainResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}
