package measurer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fuzzbench/fuzzbench/pkg/store"
)

// CoverageExtractor measures the coverage of one trial at one cycle. It
// returns (nil, nil) when the cycle cannot be measured yet.
type CoverageExtractor interface {
	MeasureSnapshotCoverage(
		ctx context.Context,
		fuzzer, benchmark string,
		trialID uint,
		cycle int,
		regionCoverage bool,
	) (*store.Snapshot, error)
}

// Worker is the transport side of a measure worker.
type Worker interface {
	// GetTaskFromRequestQueue returns the next task, or nil when there is
	// none or the transport failed.
	GetTaskFromRequestQueue(ctx context.Context) *SnapshotMeasureRequest
	// PutResultInResponseQueue publishes a result. Failures are logged and
	// the result is dropped.
	PutResultInResponseQueue(ctx context.Context, result Result, retry bool)
}

// WorkerConfig tunes RunWorkerLoop.
type WorkerConfig struct {
	// Name identifies the worker in logs.
	Name           string
	RegionCoverage bool
	// Idle is the sleep between two fetches.
	Idle time.Duration
}

// ProcessMeasuredSnapshotResult wraps a measurement outcome. A nil
// snapshot becomes a RetryRequest for the same task.
func ProcessMeasuredSnapshotResult(
	snapshot *store.Snapshot, req SnapshotMeasureRequest,
) (Result, bool) {
	if snapshot == nil {
		return &RetryRequest{SnapshotMeasureRequest: req}, true
	}

	return &SnapshotResult{Snapshot: *snapshot}, false
}

// RunWorkerLoop fetches tasks, measures them and publishes the results
// until the context is done.
func RunWorkerLoop(
	ctx context.Context,
	log logrus.FieldLogger,
	w Worker,
	extractor CoverageExtractor,
	cfg WorkerConfig,
) {
	log = log.WithFields(logrus.Fields{
		"component": "measure-worker",
		"worker":    cfg.Name,
	})

	log.Debug("Measure worker started")

	for {
		if ctx.Err() != nil {
			log.Debug("Measure worker stopped")

			return
		}

		if req := w.GetTaskFromRequestQueue(ctx); req != nil {
			measureOne(ctx, log, w, extractor, cfg.RegionCoverage, *req)
		}

		if cfg.Idle > 0 {
			timer := time.NewTimer(cfg.Idle)

			select {
			case <-ctx.Done():
			case <-timer.C:
			}

			timer.Stop()
		}
	}
}

func measureOne(
	ctx context.Context,
	log logrus.FieldLogger,
	w Worker,
	extractor CoverageExtractor,
	regionCoverage bool,
	req SnapshotMeasureRequest,
) {
	log = log.WithFields(logrus.Fields{
		"trial_id":  req.TrialID,
		"cycle":     req.Cycle,
		"fuzzer":    req.Fuzzer,
		"benchmark": req.Benchmark,
	})

	snapshot, err := extractor.MeasureSnapshotCoverage(
		ctx, req.Fuzzer, req.Benchmark, req.TrialID, req.Cycle, regionCoverage,
	)
	if err != nil {
		// Retried through re-discovery like a cycle that is not ready.
		log.WithError(err).Warn("Failed to measure snapshot")

		snapshot = nil
	}

	result, retry := ProcessMeasuredSnapshotResult(snapshot, req)
	w.PutResultInResponseQueue(ctx, result, retry)

	log.WithField("retry", retry).Debug("Processed measure request")
}
