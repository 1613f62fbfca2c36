package measurer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/fuzzbench/fuzzbench/pkg/config"
	"github.com/fuzzbench/fuzzbench/pkg/loop"
	"github.com/fuzzbench/fuzzbench/pkg/store"
)

// defaultBatchSize bounds the number of snapshots saved per transaction.
const defaultBatchSize = 50

// TaskQueue connects the manager to its measure workers.
type TaskQueue interface {
	// Start brings up the transport and, for local queues, the workers.
	Start(ctx context.Context) error
	Stop() error
	// PutRequest publishes one request. It never blocks on workers.
	PutRequest(ctx context.Context, req SnapshotMeasureRequest) error
	// DrainResults returns every result available right now without
	// blocking. Partial results may accompany an error.
	DrainResults(ctx context.Context) ([]Result, error)
}

// Store is the subset of the store used by the manager.
type Store interface {
	ListUnmeasuredTrials(ctx context.Context, experiment string) ([]store.Trial, error)
	ListLatestSnapshots(ctx context.Context, experiment string) ([]store.LatestSnapshot, error)
	BulkSaveSnapshots(ctx context.Context, snapshots []store.Snapshot) error
	AllTrialsEnded(ctx context.Context, experiment string) (bool, error)
}

// Config holds the measurer settings of one experiment.
type Config struct {
	Experiment     string
	SnapshotPeriod int
	MaxCycle       int
	PollInterval   time.Duration
	FailureBackoff time.Duration
	BatchSize      int
	// MaxRetries abandons a cycle after that many retry results; zero
	// retries forever.
	MaxRetries int
	// TaskTimeout re-enqueues a request that got no result within it, as
	// when a worker dies after taking the task. Zero waits forever.
	TaskTimeout time.Duration

	BackOff backoff.BackOff
}

// NewConfig derives the measurer settings from the experiment config.
func NewConfig(cfg *config.Config) *Config {
	return &Config{
		Experiment:     cfg.Experiment,
		SnapshotPeriod: cfg.SnapshotPeriod,
		MaxCycle:       cfg.MaxCycle(),
		PollInterval:   cfg.Measurer.PollInterval,
		FailureBackoff: cfg.Measurer.FailureBackoff,
		BatchSize:      cfg.Measurer.BatchSize,
		MaxRetries:     cfg.Measurer.MaxRetries,
		TaskTimeout:    cfg.Measurer.TaskTimeout,
	}
}

// Manager discovers unmeasured snapshots, dispatches them to workers and
// persists the results.
type Manager struct {
	log   logrus.FieldLogger
	cfg   *Config
	store Store
	queue TaskQueue

	mu        sync.Mutex
	queued    map[SnapshotID]time.Time
	retries   map[SnapshotID]int
	abandoned map[SnapshotID]struct{}
}

// NewManager creates a Manager.
func NewManager(log logrus.FieldLogger, cfg *Config, st Store, q TaskQueue) *Manager {
	return &Manager{
		log: log.WithFields(logrus.Fields{
			"component":  "measurer",
			"experiment": cfg.Experiment,
		}),
		cfg:       cfg,
		store:     st,
		queue:     q,
		queued:    make(map[SnapshotID]time.Time),
		retries:   make(map[SnapshotID]int),
		abandoned: make(map[SnapshotID]struct{}),
	}
}

// InFlight returns the number of requests awaiting a result.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queued)
}

// cycleOf maps a snapshot time to the cycle that produced it.
func (m *Manager) cycleOf(t int64) int {
	if m.cfg.SnapshotPeriod <= 0 {
		return 0
	}

	return int(t / int64(m.cfg.SnapshotPeriod))
}

// GetUnmeasuredSnapshots returns the next cycle to measure for every trial:
// cycle 1 for started trials without snapshots, and the cycle after the
// latest snapshot for the others, up to MaxCycle.
func (m *Manager) GetUnmeasuredSnapshots(ctx context.Context) ([]SnapshotMeasureRequest, error) {
	first, err := m.store.ListUnmeasuredTrials(ctx, m.cfg.Experiment)
	if err != nil {
		return nil, fmt.Errorf("listing unmeasured trials: %w", err)
	}

	latest, err := m.store.ListLatestSnapshots(ctx, m.cfg.Experiment)
	if err != nil {
		return nil, fmt.Errorf("listing latest snapshots: %w", err)
	}

	reqs := make([]SnapshotMeasureRequest, 0, len(first)+len(latest))

	if m.cfg.MaxCycle >= 1 {
		for _, trial := range first {
			reqs = append(reqs, SnapshotMeasureRequest{
				Fuzzer:    trial.Fuzzer,
				Benchmark: trial.Benchmark,
				TrialID:   trial.ID,
				Cycle:     1,
			})
		}
	}

	for _, snap := range latest {
		next := m.cycleOf(snap.Time) + 1
		if next > m.cfg.MaxCycle {
			continue
		}

		reqs = append(reqs, SnapshotMeasureRequest{
			Fuzzer:    snap.Fuzzer,
			Benchmark: snap.Benchmark,
			TrialID:   snap.TrialID,
			Cycle:     next,
		})
	}

	return reqs, nil
}

// InnerLoop runs one measuring pass: enqueue newly discovered work, collect
// finished results and save them. It reports whether any measurable work
// remains.
func (m *Manager) InnerLoop(ctx context.Context) (bool, error) {
	reqs, err := m.GetUnmeasuredSnapshots(ctx)
	if err != nil {
		return false, err
	}

	work, enqueued := 0, 0

	for _, req := range reqs {
		id := req.ID()

		m.mu.Lock()
		_, abandoned := m.abandoned[id]
		queuedAt, queued := m.queued[id]
		m.mu.Unlock()

		if abandoned {
			continue
		}

		work++

		if queued {
			if m.cfg.TaskTimeout <= 0 || time.Since(queuedAt) < m.cfg.TaskTimeout {
				continue
			}

			m.log.WithField("snapshot", id.String()).
				Warn("Measure request timed out, enqueueing again")
		}

		if err := m.queue.PutRequest(ctx, req); err != nil {
			m.log.WithError(err).WithField("snapshot", id.String()).
				Warn("Failed to enqueue measure request")

			continue
		}

		m.mu.Lock()
		m.queued[id] = time.Now()
		m.mu.Unlock()

		enqueued++
	}

	snapshots := m.ConsumeSnapshotsFromResponseQueue(ctx)

	if err := m.saveSnapshots(ctx, snapshots); err != nil {
		return false, err
	}

	m.log.WithFields(logrus.Fields{
		"discovered": work,
		"enqueued":   enqueued,
		"saved":      len(snapshots),
		"in_flight":  m.InFlight(),
	}).Debug("Measuring pass finished")

	return work > 0, nil
}

// ConsumeSnapshotsFromResponseQueue drains the response queue. Snapshots
// are returned for saving; retries free their in-flight slot so the
// request is rediscovered.
func (m *Manager) ConsumeSnapshotsFromResponseQueue(ctx context.Context) []store.Snapshot {
	results, err := m.queue.DrainResults(ctx)
	if err != nil {
		m.log.WithError(err).Warn("Failed to drain response queue")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots := make([]store.Snapshot, 0, len(results))

	for _, result := range results {
		switch r := result.(type) {
		case *SnapshotResult:
			id := SnapshotID{TrialID: r.Snapshot.TrialID, Cycle: m.cycleOf(r.Snapshot.Time)}

			delete(m.queued, id)
			delete(m.retries, id)

			snapshots = append(snapshots, r.Snapshot)
		case *RetryRequest:
			id := r.ID()

			delete(m.queued, id)

			m.retries[id]++

			if m.cfg.MaxRetries > 0 && m.retries[id] >= m.cfg.MaxRetries {
				m.abandoned[id] = struct{}{}
				delete(m.retries, id)

				m.log.WithFields(logrus.Fields{
					"snapshot":  id.String(),
					"fuzzer":    r.Fuzzer,
					"benchmark": r.Benchmark,
				}).Warn("Giving up on snapshot after too many retries")
			}
		default:
			m.log.WithField("type", fmt.Sprintf("%T", result)).
				Error("Unexpected result type in response queue")
		}
	}

	return snapshots
}

func (m *Manager) saveSnapshots(ctx context.Context, snapshots []store.Snapshot) error {
	size := m.cfg.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}

	for start := 0; start < len(snapshots); start += size {
		end := min(start+size, len(snapshots))

		if err := m.store.BulkSaveSnapshots(ctx, snapshots[start:end]); err != nil {
			return fmt.Errorf("saving snapshots: %w", err)
		}
	}

	return nil
}

// MeasureLoop measures snapshots until every trial has ended and no
// measurable work remains, or the context is done.
func (m *Manager) MeasureLoop(ctx context.Context) error {
	if err := m.queue.Start(ctx); err != nil {
		return fmt.Errorf("starting measure queue: %w", err)
	}

	defer func() {
		if err := m.queue.Stop(); err != nil {
			m.log.WithError(err).Warn("Failed to stop measure queue")
		}
	}()

	m.log.WithFields(logrus.Fields{
		"snapshot_period": m.cfg.SnapshotPeriod,
		"max_cycle":       m.cfg.MaxCycle,
	}).Info("Starting measurer loop")

	err := loop.Forever(ctx, m.log, loop.Options{
		Interval:       m.cfg.PollInterval,
		FailureBackoff: m.cfg.FailureBackoff,
		BackOff:        m.cfg.BackOff,
	}, func(ctx context.Context) (bool, error) {
		// Read before measuring so a trial ending mid-pass still gets its
		// final cycles measured on the next pass.
		allEnded, err := m.store.AllTrialsEnded(ctx, m.cfg.Experiment)
		if err != nil {
			return false, fmt.Errorf("checking trial state: %w", err)
		}

		more, err := m.InnerLoop(ctx)
		if err != nil {
			return false, err
		}

		return !more && allEnded, nil
	})
	if err != nil {
		return err
	}

	m.log.Info("Finished measuring")

	return nil
}
