package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/fuzzbench/fuzzbench/pkg/config"
	"github.com/fuzzbench/fuzzbench/pkg/store"
)

const testExperiment = "test-exp"

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	require.NoError(t, s.CreateExperiment(context.Background(), &store.Experiment{
		Name:                testExperiment,
		ExperimentFilestore: "/tmp/filestore",
	}))

	return s
}

func createTrials(t *testing.T, s store.Store, n int) []store.Trial {
	t.Helper()

	trials := make([]store.Trial, 0, n)
	for i := 0; i < n; i++ {
		trials = append(trials, store.Trial{
			Fuzzer:     "afl",
			Benchmark:  "zlib",
			Experiment: testExperiment,
		})
	}

	require.NoError(t, s.CreateTrials(context.Background(), trials))

	listed, err := s.ListExperimentTrials(context.Background(), testExperiment)
	require.NoError(t, err)
	require.Len(t, listed, n)

	return listed
}

func ids(trials []store.Trial) []uint {
	out := make([]uint, 0, len(trials))
	for _, t := range trials {
		out = append(out, t.ID)
	}

	return out
}

func TestStore_CreateExperimentIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, &store.Experiment{
		Name:        testExperiment,
		Description: "second attempt",
	}))

	exp, err := s.GetExperiment(ctx, testExperiment)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/filestore", exp.ExperimentFilestore)
	assert.Empty(t, exp.Description)

	_, err = s.GetExperiment(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_TrialLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	trials := createTrials(t, s, 3)

	pending, err := s.ListPendingTrials(ctx, testExperiment)
	require.NoError(t, err)
	assert.Equal(t, ids(trials), ids(pending))

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	n, err := s.MarkTrialsStarted(ctx, ids(trials[:2]), start)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Already started rows are not restarted.
	n, err = s.MarkTrialsStarted(ctx, ids(trials[:2]), start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	pending, err = s.ListPendingTrials(ctx, testExperiment)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, trials[2].ID, pending[0].ID)

	expired, err := s.ListExpiredTrials(ctx, testExperiment, start.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = s.ListExpiredTrials(ctx, testExperiment, start)
	require.NoError(t, err)
	assert.Equal(t, ids(trials[:2]), ids(expired))

	end := start.Add(2 * time.Hour)

	// The pending trial is not ended.
	n, err = s.MarkTrialsEnded(ctx, ids(trials), end)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// time_ended is set at most once.
	n, err = s.MarkTrialsEnded(ctx, ids(trials), end.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	all, err := s.ListExperimentTrials(ctx, testExperiment)
	require.NoError(t, err)
	require.NotNil(t, all[0].TimeEnded)
	assert.True(t, all[0].TimeEnded.Equal(end))
	assert.True(t, all[0].Ended())
	assert.True(t, all[2].Pending())

	done, err := s.AllTrialsEnded(ctx, testExperiment)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = s.MarkTrialsStarted(ctx, []uint{trials[2].ID}, end)
	require.NoError(t, err)
	_, err = s.MarkTrialsEnded(ctx, []uint{trials[2].ID}, end.Add(time.Hour))
	require.NoError(t, err)

	done, err = s.AllTrialsEnded(ctx, testExperiment)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestStore_SnapshotQueries(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	trials := createTrials(t, s, 3)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.MarkTrialsStarted(ctx, ids(trials[:2]), start)
	require.NoError(t, err)

	// Only started trials are unmeasured.
	unmeasured, err := s.ListUnmeasuredTrials(ctx, testExperiment)
	require.NoError(t, err)
	assert.Equal(t, ids(trials[:2]), ids(unmeasured))

	crash := "crash-abc"
	require.NoError(t, s.BulkSaveSnapshots(ctx, []store.Snapshot{
		{TrialID: trials[0].ID, Time: 900, EdgesCovered: 10},
		{TrialID: trials[0].ID, Time: 1800, EdgesCovered: 15, CrashKey: &crash},
		{
			TrialID:      trials[1].ID,
			Time:         900,
			EdgesCovered: 7,
			FuzzerStats:  datatypes.JSON(`{"execs_per_sec":100}`),
		},
	}))

	unmeasured, err = s.ListUnmeasuredTrials(ctx, testExperiment)
	require.NoError(t, err)
	assert.Empty(t, unmeasured)

	latest, err := s.ListLatestSnapshots(ctx, testExperiment)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, store.LatestSnapshot{
		TrialID: trials[0].ID, Fuzzer: "afl", Benchmark: "zlib", Time: 1800,
	}, latest[0])
	assert.Equal(t, int64(900), latest[1].Time)

	snaps, err := s.ListSnapshots(ctx, trials[0].ID)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(900), snaps[0].Time)
	require.NotNil(t, snaps[1].CrashKey)
	assert.Equal(t, crash, *snaps[1].CrashKey)

	summary, err := s.Summarize(ctx, testExperiment)
	require.NoError(t, err)
	assert.Equal(t, &store.TrialSummary{
		Pending: 1, Running: 2, Snapshots: 3,
	}, summary)
}

func TestStore_BulkSaveSnapshotsSkipsExisting(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	trials := createTrials(t, s, 1)

	require.NoError(t, s.BulkSaveSnapshots(ctx, []store.Snapshot{
		{TrialID: trials[0].ID, Time: 900, EdgesCovered: 10},
	}))

	// A re-measured (trial_id, time) does not overwrite the stored row.
	require.NoError(t, s.BulkSaveSnapshots(ctx, []store.Snapshot{
		{TrialID: trials[0].ID, Time: 1800, EdgesCovered: 12},
		{TrialID: trials[0].ID, Time: 900, EdgesCovered: 11},
	}))

	snaps, err := s.ListSnapshots(ctx, trials[0].ID)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(10), snaps[0].EdgesCovered)
	assert.Equal(t, int64(12), snaps[1].EdgesCovered)
}

func TestStore_PreemptedTrialsExcluded(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	trials := []store.Trial{
		{Fuzzer: "afl", Benchmark: "zlib", Experiment: testExperiment, Preempted: true},
		{Fuzzer: "afl", Benchmark: "zlib", Experiment: testExperiment},
	}
	require.NoError(t, s.CreateTrials(ctx, trials))

	pending, err := s.ListPendingTrials(ctx, testExperiment)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Preempted)

	// Run the only schedulable trial to completion.
	now := time.Now().UTC()
	_, err = s.MarkTrialsStarted(ctx, ids(pending), now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = s.MarkTrialsEnded(ctx, ids(pending), now)
	require.NoError(t, err)

	ended, err := s.AllTrialsEnded(ctx, testExperiment)
	require.NoError(t, err)
	assert.True(t, ended, "a preempted pending trial must not keep the experiment open")
}

func TestStore_ExperimentPrivacy(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		private bool
	}{
		{name: "public", private: false},
		{name: "private", private: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.CreateExperiment(ctx, &store.Experiment{
				Name:    "exp-" + tt.name,
				Private: tt.private,
			}))

			exp, err := s.GetExperiment(ctx, "exp-"+tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.private, exp.Private)
		})
	}
}
