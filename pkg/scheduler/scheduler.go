package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fuzzbench/fuzzbench/pkg/config"
	"github.com/fuzzbench/fuzzbench/pkg/fuzzerconfig"
	"github.com/fuzzbench/fuzzbench/pkg/loop"
	"github.com/fuzzbench/fuzzbench/pkg/provisioner"
	"github.com/fuzzbench/fuzzbench/pkg/store"
)

// defaultConcurrency is the number of instances created in parallel when
// no explicit concurrency value is configured.
const defaultConcurrency = 4

// ErrInstanceDeletion is returned when expired trial instances could not
// be deleted. The trials stay running until a later pass succeeds.
var ErrInstanceDeletion = errors.New("deleting expired trial instances")

// Store is the subset of the store used by the scheduler.
type Store interface {
	ListPendingTrials(ctx context.Context, experiment string) ([]store.Trial, error)
	ListExpiredTrials(
		ctx context.Context, experiment string, startedBefore time.Time,
	) ([]store.Trial, error)
	MarkTrialsStarted(ctx context.Context, ids []uint, t time.Time) (int64, error)
	MarkTrialsEnded(ctx context.Context, ids []uint, t time.Time) (int64, error)
	AllTrialsEnded(ctx context.Context, experiment string) (bool, error)
}

// FuzzerResolver resolves fuzzer display names.
type FuzzerResolver interface {
	GetByVariantName(name string) (*fuzzerconfig.FuzzerConfig, error)
}

// Config holds the scheduler settings of one experiment.
type Config struct {
	Experiment          string
	ExperimentFilestore string
	MaxTotalTime        time.Duration
	SnapshotPeriod      int
	GracePeriod         time.Duration
	PollInterval        time.Duration
	FailureBackoff      time.Duration
	Concurrency         int

	DockerRegistry   string
	CloudProject     string
	CloudComputeZone string
	NumCPUCores      int
	MemoryBytes      int64
	Network          string
	// ScriptDir receives rendered startup scripts; empty uses the OS temp dir.
	ScriptDir string

	// Now and BackOff default to time.Now and a constant FailureBackoff.
	Now     func() time.Time
	BackOff backoff.BackOff
}

// NewConfig derives the scheduler settings from the experiment config.
func NewConfig(cfg *config.Config) *Config {
	return &Config{
		Experiment:          cfg.Experiment,
		ExperimentFilestore: cfg.ExperimentFilestore,
		MaxTotalTime:        cfg.MaxTotalTime(),
		SnapshotPeriod:      cfg.SnapshotPeriod,
		GracePeriod:         cfg.Scheduler.GracePeriod,
		PollInterval:        cfg.Scheduler.PollInterval,
		FailureBackoff:      cfg.Scheduler.FailureBackoff,
		Concurrency:         cfg.Scheduler.Concurrency,
		DockerRegistry:      cfg.DockerRegistry,
		CloudProject:        cfg.CloudProject,
		CloudComputeZone:    cfg.CloudComputeZone,
		NumCPUCores:         cfg.RunnerNumCPUCores,
		MemoryBytes:         cfg.RunnerMemoryBytes(),
		Network:             cfg.Provisioner.DockerNetwork,
	}
}

// TrialSpec is the immutable identity of a trial handed to pool workers.
type TrialSpec struct {
	ID        uint
	Fuzzer    string
	Benchmark string
}

// Scheduler owns the trial lifecycle: it starts instances for pending
// trials and reclaims the instances of expired ones.
type Scheduler struct {
	log         logrus.FieldLogger
	cfg         *Config
	store       Store
	provisioner provisioner.Provisioner
	resolver    FuzzerResolver
	now         func() time.Time
}

// New creates a Scheduler.
func New(
	log logrus.FieldLogger,
	cfg *Config,
	st Store,
	prov provisioner.Provisioner,
	resolver FuzzerResolver,
) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		log: log.WithFields(logrus.Fields{
			"component":  "scheduler",
			"experiment": cfg.Experiment,
		}),
		cfg:         cfg,
		store:       st,
		provisioner: prov,
		resolver:    resolver,
		now:         now,
	}
}

// GetPendingTrials returns the trials waiting for an instance, by id.
func (s *Scheduler) GetPendingTrials(ctx context.Context) ([]store.Trial, error) {
	return s.store.ListPendingTrials(ctx, s.cfg.Experiment)
}

// GetExpiredTrials returns running trials whose budget plus grace period
// has elapsed.
func (s *Scheduler) GetExpiredTrials(ctx context.Context) ([]store.Trial, error) {
	cutoff := s.now().Add(-(s.cfg.MaxTotalTime + s.cfg.GracePeriod))

	return s.store.ListExpiredTrials(ctx, s.cfg.Experiment, cutoff)
}

// EndExpiredTrials deletes the live instances of expired trials and marks
// the trials ended. When any deletion fails no trial of the batch is
// marked, so a trial is never ended while its instance is alive.
func (s *Scheduler) EndExpiredTrials(ctx context.Context) error {
	expired, err := s.GetExpiredTrials(ctx)
	if err != nil {
		return fmt.Errorf("getting expired trials: %w", err)
	}

	if len(expired) == 0 {
		return nil
	}

	expected := make(map[string]struct{}, len(expired))
	ids := make([]uint, 0, len(expired))

	for _, trial := range expired {
		expected[provisioner.TrialInstanceName(s.cfg.Experiment, trial.ID)] = struct{}{}
		ids = append(ids, trial.ID)
	}

	running, err := s.provisioner.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("listing instances: %w", err)
	}

	toDelete := make([]string, 0, len(expired))

	for _, name := range running {
		if _, ok := expected[name]; ok {
			toDelete = append(toDelete, name)
		}
	}

	if len(toDelete) > 0 {
		if err := s.provisioner.DeleteInstances(ctx, toDelete); err != nil {
			return fmt.Errorf("%w: %w", ErrInstanceDeletion, err)
		}
	}

	ended, err := s.store.MarkTrialsEnded(ctx, ids, s.now())
	if err != nil {
		return fmt.Errorf("marking trials ended: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"expired":   len(expired),
		"deleted":   len(toDelete),
		"ended":     ended,
		"trial_ids": ids,
	}).Info("Ended expired trials")

	return nil
}

// StartTrials creates instances for the pending trials in parallel and
// marks the successfully created ones started. Trials whose instance
// could not be created stay pending for the next pass.
func (s *Scheduler) StartTrials(ctx context.Context, trials []store.Trial) ([]TrialSpec, error) {
	specs := make([]TrialSpec, 0, len(trials))

	for _, trial := range trials {
		if !trial.Pending() || trial.Preempted {
			continue
		}

		specs = append(specs, TrialSpec{
			ID:        trial.ID,
			Fuzzer:    trial.Fuzzer,
			Benchmark: trial.Benchmark,
		})
	}

	if len(specs) == 0 {
		return nil, nil
	}

	concurrency := s.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	created := make([]bool, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, spec := range specs {
		g.Go(func() error {
			created[i] = s.CreateTrialInstance(gctx, spec)

			return nil
		})
	}

	_ = g.Wait()

	started := make([]TrialSpec, 0, len(specs))
	ids := make([]uint, 0, len(specs))

	for i, ok := range created {
		if ok {
			started = append(started, specs[i])
			ids = append(ids, specs[i].ID)
		}
	}

	if len(ids) > 0 {
		if _, err := s.store.MarkTrialsStarted(ctx, ids, s.now()); err != nil {
			return nil, fmt.Errorf("marking trials started: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"pending": len(specs),
		"started": len(started),
	}).Info("Started trials")

	return started, nil
}

// CreateTrialInstance provisions the instance of one trial. It reports
// whether the instance was created; failures are logged.
func (s *Scheduler) CreateTrialInstance(ctx context.Context, spec TrialSpec) bool {
	name := provisioner.TrialInstanceName(s.cfg.Experiment, spec.ID)

	log := s.log.WithFields(logrus.Fields{
		"trial_id":  spec.ID,
		"fuzzer":    spec.Fuzzer,
		"benchmark": spec.Benchmark,
		"instance":  name,
	})

	fuzzerCfg, err := s.resolver.GetByVariantName(spec.Fuzzer)
	if err != nil {
		log.WithError(err).Error("Failed to resolve fuzzer")

		return false
	}

	params := &provisioner.StartupParams{
		InstanceName:        name,
		Experiment:          s.cfg.Experiment,
		ExperimentFilestore: s.cfg.ExperimentFilestore,
		TrialID:             spec.ID,
		Fuzzer:              spec.Fuzzer,
		FuzzerImpl:          fuzzerCfg.Fuzzer,
		Benchmark:           spec.Benchmark,
		MaxTotalTime:        int(s.cfg.MaxTotalTime / time.Second),
		SnapshotPeriod:      s.cfg.SnapshotPeriod,
		DockerRegistry:      s.cfg.DockerRegistry,
		CloudProject:        s.cfg.CloudProject,
		CloudComputeZone:    s.cfg.CloudComputeZone,
		NumCPUCores:         s.cfg.NumCPUCores,
		MemoryBytes:         s.cfg.MemoryBytes,
		Network:             s.cfg.Network,
		VariantEnv:          fuzzerCfg.Env,
	}

	scriptPath, err := provisioner.WriteStartupScript(s.cfg.ScriptDir, params)
	if err != nil {
		log.WithError(err).Error("Failed to write startup script")

		return false
	}

	defer func() {
		if rmErr := os.Remove(scriptPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithError(rmErr).Warn("Failed to remove startup script")
		}
	}()

	if err := s.provisioner.CreateInstance(ctx, &provisioner.InstanceRequest{
		Name:          name,
		Experiment:    s.cfg.Experiment,
		StartupScript: scriptPath,
		Zone:          s.cfg.CloudComputeZone,
	}); err != nil {
		log.WithError(err).Warn("Failed to create instance")

		return false
	}

	log.WithField("memory", units.BytesSize(float64(s.cfg.MemoryBytes))).
		Debug("Created trial instance")

	return true
}

// Schedule runs one scheduling pass. Expired trials are ended before
// pending ones are started so freed capacity is reused in the same pass.
func (s *Scheduler) Schedule(ctx context.Context) error {
	if err := s.EndExpiredTrials(ctx); err != nil {
		if !errors.Is(err, ErrInstanceDeletion) {
			return err
		}

		s.log.WithError(err).Warn("Expired trials left running until next pass")
	}

	pending, err := s.GetPendingTrials(ctx)
	if err != nil {
		return fmt.Errorf("getting pending trials: %w", err)
	}

	if _, err := s.StartTrials(ctx, pending); err != nil {
		return err
	}

	return nil
}

// AllTrialsEnded reports whether every trial of the experiment has ended.
func (s *Scheduler) AllTrialsEnded(ctx context.Context) (bool, error) {
	return s.store.AllTrialsEnded(ctx, s.cfg.Experiment)
}

// ScheduleLoop runs scheduling passes until all trials have ended or the
// context is done. A failed pass is retried after the failure backoff.
func (s *Scheduler) ScheduleLoop(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"max_total_time": units.HumanDuration(s.cfg.MaxTotalTime),
		"grace_period":   s.cfg.GracePeriod.String(),
	}).Info("Starting scheduler loop")

	err := loop.Forever(ctx, s.log, loop.Options{
		Interval:       s.cfg.PollInterval,
		FailureBackoff: s.cfg.FailureBackoff,
		BackOff:        s.cfg.BackOff,
	}, func(ctx context.Context) (bool, error) {
		if err := s.Schedule(ctx); err != nil {
			return false, err
		}

		return s.AllTrialsEnded(ctx)
	})
	if err != nil {
		return err
	}

	s.log.Info("All trials ended")

	return nil
}
