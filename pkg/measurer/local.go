package measurer

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/sirupsen/logrus"
)

// queue is an unbounded FIFO. Pushes never block, so the manager cannot
// deadlock against workers blocked on publishing results.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ready: make(chan struct{}, 1)}
}

func (q *queue[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available or ctx is done.
func (q *queue[T]) pop(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()

			// Pass the wakeup on to the next waiter.
			if more {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}

			return item, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T

			return zero, false
		case <-q.ready:
		}
	}
}

func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// LocalQueue runs a pool of measure workers inside the process, connected
// to the manager through in-memory queues.
type LocalQueue struct {
	log       logrus.FieldLogger
	extractor CoverageExtractor
	workers   int
	cfg       WorkerConfig

	requests  *queue[SnapshotMeasureRequest]
	responses *queue[Result]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Ensure interface compliance.
var (
	_ TaskQueue = (*LocalQueue)(nil)
	_ Worker    = (*localWorker)(nil)
)

// NewLocalQueue creates a local worker pool. A non-positive workers uses
// one worker per logical CPU.
func NewLocalQueue(
	log logrus.FieldLogger,
	extractor CoverageExtractor,
	workers int,
	cfg WorkerConfig,
) *LocalQueue {
	if workers <= 0 {
		workers = defaultWorkers()
	}

	return &LocalQueue{
		log:       log.WithField("component", "local-measure-queue"),
		extractor: extractor,
		workers:   workers,
		cfg:       cfg,
		requests:  newQueue[SnapshotMeasureRequest](),
		responses: newQueue[Result](),
	}
}

func defaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}

	return n
}

// Workers returns the pool size.
func (q *LocalQueue) Workers() int {
	return q.workers
}

// Start launches the worker pool.
func (q *LocalQueue) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.workers; i++ {
		cfg := q.cfg
		cfg.Name = fmt.Sprintf("local-%d", i)

		q.wg.Add(1)

		go func() {
			defer q.wg.Done()

			RunWorkerLoop(ctx, q.log, &localWorker{queue: q}, q.extractor, cfg)
		}()
	}

	q.log.WithField("workers", q.workers).Info("Started local measure workers")

	return nil
}

// Stop cancels the workers and waits for them to exit.
func (q *LocalQueue) Stop() error {
	if q.cancel != nil {
		q.cancel()
	}

	q.wg.Wait()

	q.log.WithField("unprocessed", q.requests.len()).Info("Stopped local measure workers")

	return nil
}

// PutRequest enqueues a request for the pool.
func (q *LocalQueue) PutRequest(_ context.Context, req SnapshotMeasureRequest) error {
	q.requests.push(req)

	return nil
}

// DrainResults returns every result published so far.
func (q *LocalQueue) DrainResults(_ context.Context) ([]Result, error) {
	return q.responses.drain(), nil
}

type localWorker struct {
	queue *LocalQueue
}

func (w *localWorker) GetTaskFromRequestQueue(ctx context.Context) *SnapshotMeasureRequest {
	req, ok := w.queue.requests.pop(ctx)
	if !ok {
		return nil
	}

	return &req
}

func (w *localWorker) PutResultInResponseQueue(_ context.Context, result Result, _ bool) {
	w.queue.responses.push(result)
}
