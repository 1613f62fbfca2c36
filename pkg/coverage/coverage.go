package coverage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/fuzzbench/fuzzbench/pkg/filestore"
	"github.com/fuzzbench/fuzzbench/pkg/store"
)

// Artifact directories inside a trial folder.
const (
	coverageDir = "coverage"
	resultsDir  = "results"
	crashesDir  = "crashes"
)

// Summary is the subset of an llvm-cov export summary that is read.
type Summary struct {
	Data []struct {
		Totals Totals `json:"totals"`
	} `json:"data"`
}

// Totals holds aggregated counters of a coverage export.
type Totals struct {
	Branches  Counter `json:"branches"`
	Regions   Counter `json:"regions"`
	Lines     Counter `json:"lines"`
	Functions Counter `json:"functions"`
}

// Counter is one llvm-cov counter group.
type Counter struct {
	Count   int64   `json:"count"`
	Covered int64   `json:"covered"`
	Percent float64 `json:"percent"`
}

// Extractor builds snapshots from the coverage artifacts that trial
// runners sync into the filestore.
type Extractor struct {
	log            logrus.FieldLogger
	reader         filestore.Reader
	snapshotPeriod int64
}

// NewExtractor creates an Extractor. snapshotPeriod is in seconds.
func NewExtractor(
	log logrus.FieldLogger,
	reader filestore.Reader,
	snapshotPeriod int,
) *Extractor {
	return &Extractor{
		log:            log.WithField("component", "coverage"),
		reader:         reader,
		snapshotPeriod: int64(snapshotPeriod),
	}
}

// SummaryKey returns the key of the coverage summary of a cycle.
func SummaryKey(benchmark, fuzzer string, trialID uint, cycle int) string {
	return path.Join(
		filestore.TrialDir(benchmark, fuzzer, trialID),
		coverageDir, fmt.Sprintf("summary-%04d.json", cycle),
	)
}

// FuzzerStatsKey returns the key of the fuzzer stats of a cycle.
func FuzzerStatsKey(benchmark, fuzzer string, trialID uint, cycle int) string {
	return path.Join(
		filestore.TrialDir(benchmark, fuzzer, trialID),
		resultsDir, fmt.Sprintf("fuzzer-stats-%04d.json", cycle),
	)
}

// CrashKeyKey returns the key of the crash key file of a cycle.
func CrashKeyKey(benchmark, fuzzer string, trialID uint, cycle int) string {
	return path.Join(
		filestore.TrialDir(benchmark, fuzzer, trialID),
		crashesDir, fmt.Sprintf("crash-key-%04d.txt", cycle),
	)
}

// MeasureSnapshotCoverage returns the snapshot of a trial at cycle, or
// (nil, nil) when the cycle's coverage summary has not been synced yet.
func (e *Extractor) MeasureSnapshotCoverage(
	ctx context.Context,
	fuzzer, benchmark string,
	trialID uint,
	cycle int,
	regionCoverage bool,
) (*store.Snapshot, error) {
	log := e.log.WithFields(logrus.Fields{
		"fuzzer":    fuzzer,
		"benchmark": benchmark,
		"trial_id":  trialID,
		"cycle":     cycle,
	})

	raw, err := e.reader.Get(ctx, SummaryKey(benchmark, fuzzer, trialID, cycle))
	if err != nil {
		return nil, fmt.Errorf("reading coverage summary: %w", err)
	}

	if raw == nil {
		log.Debug("Coverage summary not available yet")

		return nil, nil
	}

	var summary Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("parsing coverage summary: %w", err)
	}

	if len(summary.Data) == 0 {
		return nil, fmt.Errorf("coverage summary has no data")
	}

	totals := summary.Data[0].Totals

	edges := totals.Branches.Covered
	if regionCoverage {
		edges = totals.Regions.Covered
	}

	snapshot := &store.Snapshot{
		TrialID:      trialID,
		Time:         int64(cycle) * e.snapshotPeriod,
		EdgesCovered: edges,
	}

	stats, err := e.reader.Get(ctx, FuzzerStatsKey(benchmark, fuzzer, trialID, cycle))
	if err != nil {
		return nil, fmt.Errorf("reading fuzzer stats: %w", err)
	}

	if stats != nil {
		if json.Valid(stats) && bytes.HasPrefix(bytes.TrimSpace(stats), []byte("{")) {
			snapshot.FuzzerStats = datatypes.JSON(stats)
		} else {
			log.Warn("Ignoring malformed fuzzer stats")
		}
	}

	crash, err := e.reader.Get(ctx, CrashKeyKey(benchmark, fuzzer, trialID, cycle))
	if err != nil {
		return nil, fmt.Errorf("reading crash key: %w", err)
	}

	if key := string(bytes.TrimSpace(crash)); key != "" {
		snapshot.CrashKey = &key
	}

	log.WithField("edges_covered", edges).Debug("Measured snapshot")

	return snapshot, nil
}
