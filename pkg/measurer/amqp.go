package measurer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	// retryHeader carries the retry flag of a published result.
	retryHeader = "retry"

	// maxDrain bounds the messages pulled by one DrainResults call.
	maxDrain = 1000
)

// RequestQueueName returns the request queue of an experiment.
func RequestQueueName(experiment string) string {
	return experiment + "-measure-requests"
}

// ResponseQueueName returns the response queue of an experiment.
func ResponseQueueName(experiment string) string {
	return experiment + "-measure-responses"
}

// messageAttributes are the out-of-band fields of a result message.
type messageAttributes struct {
	Retry bool `mapstructure:"retry"`
}

func decodeAttributes(headers amqp.Table) (messageAttributes, error) {
	var attrs messageAttributes

	if len(headers) == 0 {
		return attrs, nil
	}

	if err := mapstructure.WeakDecode(map[string]interface{}(headers), &attrs); err != nil {
		return attrs, fmt.Errorf("decoding message headers: %w", err)
	}

	return attrs, nil
}

// broker is the message transport under the AMQP queue and worker.
type broker interface {
	open() error
	publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error
	get(queue string) (*amqp.Delivery, error)
	close() error
}

var _ broker = (*amqpConn)(nil)

// amqpConn is a lazily reconnecting AMQP channel. The underlying channel
// is reopened after any broker error.
type amqpConn struct {
	log    logrus.FieldLogger
	url    string
	queues []string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func newAMQPConn(log logrus.FieldLogger, url string, queues ...string) *amqpConn {
	return &amqpConn{log: log, url: url, queues: queues}
}

// channel returns an open channel, dialing and declaring queues as needed.
// Callers must hold c.mu.
func (c *amqpConn) channel() (*amqp.Channel, error) {
	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("dialing broker: %w", err)
		}

		c.conn = conn
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	c.ch = ch

	for _, name := range c.queues {
		if _, err := c.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			// The queue may already exist with other arguments. A failed
			// declare closes the channel, so reopen it.
			c.log.WithError(err).WithField("queue", name).Warn("Failed to declare queue")

			ch, err := c.conn.Channel()
			if err != nil {
				return nil, fmt.Errorf("reopening channel: %w", err)
			}

			c.ch = ch
		}
	}

	return c.ch, nil
}

func (c *amqpConn) open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.channel()

	return err
}

func (c *amqpConn) publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
}

// get pulls one message and acknowledges it immediately. Messages lost
// between ack and processing are rediscovered by the manager.
func (c *amqpConn) get(queue string) (*amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel()
	if err != nil {
		return nil, err
	}

	d, ok, err := ch.Get(queue, false)
	if err != nil {
		return nil, fmt.Errorf("getting message from %s: %w", queue, err)
	}

	if !ok {
		return nil, nil
	}

	if err := d.Ack(false); err != nil {
		return nil, fmt.Errorf("acking message from %s: %w", queue, err)
	}

	return &d, nil
}

func (c *amqpConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if c.ch != nil && !c.ch.IsClosed() {
		errs = append(errs, c.ch.Close())
	}

	if c.conn != nil && !c.conn.IsClosed() {
		errs = append(errs, c.conn.Close())
	}

	c.ch, c.conn = nil, nil

	return errors.Join(errs...)
}

// AMQPQueue is the manager side of the distributed transport. Workers run
// elsewhere and consume the request queue.
type AMQPQueue struct {
	log       logrus.FieldLogger
	conn      broker
	requests  string
	responses string
}

// Ensure interface compliance.
var (
	_ TaskQueue = (*AMQPQueue)(nil)
	_ Worker    = (*AMQPWorker)(nil)
)

// NewAMQPQueue creates the manager side of the distributed transport.
func NewAMQPQueue(log logrus.FieldLogger, url, experiment string) *AMQPQueue {
	log = log.WithField("component", "amqp-measure-queue")
	requests, responses := RequestQueueName(experiment), ResponseQueueName(experiment)

	return &AMQPQueue{
		log:       log,
		conn:      newAMQPConn(log, url, requests, responses),
		requests:  requests,
		responses: responses,
	}
}

// Start connects to the broker and declares the queues.
func (q *AMQPQueue) Start(_ context.Context) error {
	if err := q.conn.open(); err != nil {
		return err
	}

	q.log.WithFields(logrus.Fields{
		"requests":  q.requests,
		"responses": q.responses,
	}).Info("Connected to measure queues")

	return nil
}

// Stop closes the broker connection.
func (q *AMQPQueue) Stop() error {
	return q.conn.close()
}

// PutRequest publishes a request.
func (q *AMQPQueue) PutRequest(ctx context.Context, req SnapshotMeasureRequest) error {
	body, err := EncodeRequest(req)
	if err != nil {
		return err
	}

	if err := q.conn.publish(ctx, q.requests, body, nil); err != nil {
		return fmt.Errorf("publishing request: %w", err)
	}

	return nil
}

// DrainResults pulls the available results. Undecodable messages are
// logged and dropped.
func (q *AMQPQueue) DrainResults(ctx context.Context) ([]Result, error) {
	var results []Result

	for len(results) < maxDrain {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		d, err := q.conn.get(q.responses)
		if err != nil {
			return results, err
		}

		if d == nil {
			break
		}

		attrs, err := decodeAttributes(d.Headers)
		if err != nil {
			q.log.WithError(err).WithField("message_id", d.MessageId).Error("Dropping result")

			continue
		}

		result, err := DecodeResult(d.Body, attrs.Retry)
		if err != nil {
			q.log.WithError(err).WithField("message_id", d.MessageId).Error("Dropping result")

			continue
		}

		results = append(results, result)
	}

	return results, nil
}

// AMQPWorker is the worker side of the distributed transport.
type AMQPWorker struct {
	log       logrus.FieldLogger
	conn      broker
	requests  string
	responses string
}

// NewAMQPWorker creates the worker side of the distributed transport.
func NewAMQPWorker(log logrus.FieldLogger, url, experiment string) *AMQPWorker {
	log = log.WithField("component", "amqp-measure-worker")
	requests, responses := RequestQueueName(experiment), ResponseQueueName(experiment)

	return &AMQPWorker{
		log:       log,
		conn:      newAMQPConn(log, url, requests, responses),
		requests:  requests,
		responses: responses,
	}
}

// Start connects to the broker and declares the queues.
func (w *AMQPWorker) Start(_ context.Context) error {
	return w.conn.open()
}

// Stop closes the broker connection.
func (w *AMQPWorker) Stop() error {
	return w.conn.close()
}

// GetTaskFromRequestQueue pulls one request. Transport and decode failures
// are logged and reported as no task.
func (w *AMQPWorker) GetTaskFromRequestQueue(_ context.Context) *SnapshotMeasureRequest {
	d, err := w.conn.get(w.requests)
	if err != nil {
		w.log.WithError(err).Warn("Failed to get measure request")

		return nil
	}

	if d == nil {
		return nil
	}

	req, err := DecodeRequest(d.Body)
	if err != nil {
		w.log.WithError(err).WithField("message_id", d.MessageId).Error("Dropping request")

		return nil
	}

	return &req
}

// PutResultInResponseQueue publishes a result with its retry header.
func (w *AMQPWorker) PutResultInResponseQueue(ctx context.Context, result Result, retry bool) {
	body, _, err := EncodeResult(result)
	if err != nil {
		w.log.WithError(err).Error("Dropping result")

		return
	}

	if err := w.conn.publish(ctx, w.responses, body, amqp.Table{retryHeader: retry}); err != nil {
		w.log.WithError(err).Warn("Failed to publish result")
	}
}
