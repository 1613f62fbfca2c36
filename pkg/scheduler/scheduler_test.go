package scheduler_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzbench/fuzzbench/pkg/config"
	"github.com/fuzzbench/fuzzbench/pkg/fuzzerconfig"
	"github.com/fuzzbench/fuzzbench/pkg/provisioner"
	"github.com/fuzzbench/fuzzbench/pkg/scheduler"
	"github.com/fuzzbench/fuzzbench/pkg/store"
)

const testExperiment = "sched-exp"

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProvisioner struct {
	mu         sync.Mutex
	alive      map[string]bool
	created    []string
	scripts    []string
	deleted    [][]string
	failCreate map[string]bool
	deleteErr  error
	listErrs   int
	// capacity caps the live instances when non-zero.
	capacity int
	calls    []string
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		alive:      make(map[string]bool),
		failCreate: make(map[string]bool),
	}
}

func (f *fakeProvisioner) ListInstances(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErrs > 0 {
		f.listErrs--

		return nil, errors.New("compute api unavailable")
	}

	names := make([]string, 0, len(f.alive))
	for name := range f.alive {
		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

func (f *fakeProvisioner) CreateInstance(_ context.Context, req *provisioner.InstanceRequest) error {
	script, err := os.ReadFile(req.StartupScript)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.created = append(f.created, req.Name)
	f.scripts = append(f.scripts, string(script))
	f.calls = append(f.calls, "create "+req.Name)

	if f.failCreate[req.Name] {
		return errors.New("quota exceeded")
	}

	if f.capacity > 0 && len(f.alive) >= f.capacity {
		return errors.New("no capacity left")
	}

	f.alive[req.Name] = true

	return nil
}

func (f *fakeProvisioner) DeleteInstances(_ context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, names)

	for _, name := range names {
		f.calls = append(f.calls, "delete "+name)
	}

	if f.deleteErr != nil {
		return f.deleteErr
	}

	for _, name := range names {
		delete(f.alive, name)
	}

	return nil
}

type clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now
	c.now = c.now.Add(c.step)

	return now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t
}

type fixture struct {
	store   store.Store
	prov    *fakeProvisioner
	clock   *clock
	sched   *scheduler.Scheduler
	trials  []store.Trial
	scripts string
}

func setup(t *testing.T, numTrials int) *fixture {
	t.Helper()

	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(ctx))
	t.Cleanup(func() { _ = st.Stop() })

	require.NoError(t, st.CreateExperiment(ctx, &store.Experiment{Name: testExperiment}))

	trials := make([]store.Trial, 0, numTrials)
	for i := 0; i < numTrials; i++ {
		trials = append(trials, store.Trial{
			Fuzzer:     "afl",
			Benchmark:  "zlib",
			Experiment: testExperiment,
		})
	}

	require.NoError(t, st.CreateTrials(ctx, trials))

	trials, err := st.ListExperimentTrials(ctx, testExperiment)
	require.NoError(t, err)

	fuzzersDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(fuzzersDir, "afl"), 0o755))

	scriptDir := t.TempDir()
	clk := &clock{now: baseTime}
	prov := newFakeProvisioner()

	cfg := &scheduler.Config{
		Experiment:          testExperiment,
		ExperimentFilestore: "/tmp/filestore",
		MaxTotalTime:        time.Hour,
		SnapshotPeriod:      900,
		GracePeriod:         5 * time.Minute,
		Concurrency:         2,
		DockerRegistry:      "registry.local",
		ScriptDir:           scriptDir,
		Now:                 clk.Now,
		BackOff:             &backoff.ZeroBackOff{},
	}

	return &fixture{
		store:   st,
		prov:    prov,
		clock:   clk,
		sched:   scheduler.New(log, cfg, st, prov, fuzzerconfig.NewResolver(fuzzersDir)),
		trials:  trials,
		scripts: scriptDir,
	}
}

func (f *fixture) startAll(t *testing.T, at time.Time) {
	t.Helper()

	f.clock.Set(at)

	started, err := f.sched.StartTrials(context.Background(), f.trials)
	require.NoError(t, err)
	require.Len(t, started, len(f.trials))
}

func (f *fixture) reload(t *testing.T) []store.Trial {
	t.Helper()

	trials, err := f.store.ListExperimentTrials(context.Background(), testExperiment)
	require.NoError(t, err)

	return trials
}

func TestStartTrials_FailedCreationsStayPending(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()

	failing := provisioner.TrialInstanceName(testExperiment, f.trials[1].ID)
	f.prov.failCreate[failing] = true

	pending, err := f.sched.GetPendingTrials(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	started, err := f.sched.StartTrials(ctx, pending)
	require.NoError(t, err)
	require.Len(t, started, 2)

	trials := f.reload(t)
	assert.True(t, trials[0].Running())
	assert.True(t, trials[1].Pending())
	assert.True(t, trials[2].Running())

	// The failed trial is retried on the next pass.
	delete(f.prov.failCreate, failing)

	pending, err = f.sched.GetPendingTrials(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	started, err = f.sched.StartTrials(ctx, pending)
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, f.trials[1].ID, started[0].ID)

	// Startup scripts are removed after each creation.
	entries, err := os.ReadDir(f.scripts)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStartTrials_SkipsStartedTrials(t *testing.T) {
	f := setup(t, 2)
	f.startAll(t, baseTime)

	started, err := f.sched.StartTrials(context.Background(), f.reload(t))
	require.NoError(t, err)
	assert.Empty(t, started)
	assert.Len(t, f.prov.created, 2)
}

func TestCreateTrialInstance_DeterministicName(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	spec := scheduler.TrialSpec{ID: f.trials[0].ID, Fuzzer: "afl", Benchmark: "zlib"}

	require.True(t, f.sched.CreateTrialInstance(ctx, spec))
	require.True(t, f.sched.CreateTrialInstance(ctx, spec))

	require.Len(t, f.prov.created, 2)
	assert.Equal(t, f.prov.created[0], f.prov.created[1])
	assert.Equal(t, provisioner.TrialInstanceName(testExperiment, spec.ID), f.prov.created[0])
	assert.Equal(t, f.prov.scripts[0], f.prov.scripts[1])
	assert.Contains(t, f.prov.scripts[0], "registry.local/runners/afl/zlib:"+testExperiment)
}

func TestCreateTrialInstance_UnknownFuzzer(t *testing.T) {
	f := setup(t, 1)

	ok := f.sched.CreateTrialInstance(context.Background(), scheduler.TrialSpec{
		ID: f.trials[0].ID, Fuzzer: "nope", Benchmark: "zlib",
	})
	assert.False(t, ok)
	assert.Empty(t, f.prov.created)
}

func TestEndExpiredTrials_NotYetExpired(t *testing.T) {
	f := setup(t, 2)
	f.startAll(t, baseTime)

	// Budget elapsed but still inside the grace period.
	f.clock.Set(baseTime.Add(time.Hour + time.Minute))

	require.NoError(t, f.sched.EndExpiredTrials(context.Background()))

	for _, trial := range f.reload(t) {
		assert.True(t, trial.Running())
	}

	assert.Empty(t, f.prov.deleted)
}

func TestEndExpiredTrials_DeletionFailureWithholdsBatch(t *testing.T) {
	f := setup(t, 3)
	f.startAll(t, baseTime)

	f.prov.deleteErr = errors.New("delete failed for one instance")
	f.clock.Set(baseTime.Add(2 * time.Hour))

	err := f.sched.EndExpiredTrials(context.Background())
	require.ErrorIs(t, err, scheduler.ErrInstanceDeletion)

	for _, trial := range f.reload(t) {
		assert.Nil(t, trial.TimeEnded)
	}

	// Schedule tolerates the deletion failure.
	require.NoError(t, f.sched.Schedule(context.Background()))

	// The next pass retries the whole batch.
	f.prov.deleteErr = nil

	require.NoError(t, f.sched.EndExpiredTrials(context.Background()))

	for _, trial := range f.reload(t) {
		assert.True(t, trial.Ended())
	}
}

func TestEndExpiredTrials_MissingInstanceIsNotFailure(t *testing.T) {
	f := setup(t, 3)
	f.startAll(t, baseTime)

	// The third trial's instance already exited on its own.
	gone := provisioner.TrialInstanceName(testExperiment, f.trials[2].ID)
	delete(f.prov.alive, gone)

	f.clock.Set(baseTime.Add(2 * time.Hour))

	require.NoError(t, f.sched.EndExpiredTrials(context.Background()))

	require.Len(t, f.prov.deleted, 1)
	assert.ElementsMatch(t, []string{
		provisioner.TrialInstanceName(testExperiment, f.trials[0].ID),
		provisioner.TrialInstanceName(testExperiment, f.trials[1].ID),
	}, f.prov.deleted[0])

	for _, trial := range f.reload(t) {
		require.True(t, trial.Ended())
		assert.False(t, trial.TimeEnded.Before(*trial.TimeStarted))
	}

	done, err := f.sched.AllTrialsEnded(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestEndExpiredTrials_ListFailure(t *testing.T) {
	f := setup(t, 1)
	f.startAll(t, baseTime)

	f.prov.listErrs = 1
	f.clock.Set(baseTime.Add(2 * time.Hour))

	err := f.sched.EndExpiredTrials(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, scheduler.ErrInstanceDeletion)
	assert.True(t, f.reload(t)[0].Running())
}

func TestScheduleLoop_RunsUntilAllTrialsEnded(t *testing.T) {
	f := setup(t, 3)

	// Each clock read advances past the budget, so trials started in one
	// pass expire in the next.
	f.clock.step = 2 * time.Hour
	f.prov.listErrs = 1

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, f.sched.ScheduleLoop(ctx))

	for _, trial := range f.reload(t) {
		require.True(t, trial.Ended())
		assert.True(t, trial.TimeEnded.After(*trial.TimeStarted))
	}

	assert.Empty(t, f.prov.alive)
}

func TestSchedule_EndsBeforeStarting(t *testing.T) {
	f := setup(t, 2)
	f.prov.capacity = 1
	ctx := context.Background()

	// Only one of the two trials fits.
	require.NoError(t, f.sched.Schedule(ctx))

	var first, second store.Trial

	for _, trial := range f.reload(t) {
		if trial.Running() {
			first = trial
		} else {
			second = trial
		}
	}

	require.NotZero(t, first.ID)
	require.True(t, second.Pending())

	firstName := provisioner.TrialInstanceName(testExperiment, first.ID)
	secondName := provisioner.TrialInstanceName(testExperiment, second.ID)

	// The freed slot goes to the waiting trial in the same pass.
	f.clock.Set(baseTime.Add(2 * time.Hour))
	f.prov.calls = nil

	require.NoError(t, f.sched.Schedule(ctx))

	assert.Equal(t, []string{"delete " + firstName, "create " + secondName}, f.prov.calls)

	trials := f.reload(t)
	for _, trial := range trials {
		switch trial.ID {
		case first.ID:
			assert.True(t, trial.Ended())
		case second.ID:
			assert.True(t, trial.Running())
		}
	}
}

func TestScheduleLoop_IgnoresPreemptedTrials(t *testing.T) {
	f := setup(t, 2)
	f.clock.step = 2 * time.Hour

	require.NoError(t, f.store.CreateTrials(context.Background(), []store.Trial{
		{Fuzzer: "afl", Benchmark: "zlib", Experiment: testExperiment, Preempted: true},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, f.sched.ScheduleLoop(ctx))

	for _, trial := range f.reload(t) {
		if trial.Preempted {
			assert.True(t, trial.Pending())

			continue
		}

		assert.True(t, trial.Ended())
	}

	assert.Len(t, f.prov.created, 2)
}
