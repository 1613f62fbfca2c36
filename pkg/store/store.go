package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fuzzbench/fuzzbench/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// defaultBatchSize bounds the rows per INSERT statement in bulk writes.
const defaultBatchSize = 100

// Store provides persistence for experiments, trials and snapshots.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Experiment setup.
	CreateExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, name string) (*Experiment, error)
	CreateTrials(ctx context.Context, trials []Trial) error
	ListExperimentTrials(ctx context.Context, experiment string) ([]Trial, error)

	// Trial lifecycle.
	ListPendingTrials(ctx context.Context, experiment string) ([]Trial, error)
	ListExpiredTrials(
		ctx context.Context, experiment string, startedBefore time.Time,
	) ([]Trial, error)
	MarkTrialsStarted(ctx context.Context, ids []uint, t time.Time) (int64, error)
	MarkTrialsEnded(ctx context.Context, ids []uint, t time.Time) (int64, error)
	AllTrialsEnded(ctx context.Context, experiment string) (bool, error)

	// Snapshot lifecycle.
	ListUnmeasuredTrials(ctx context.Context, experiment string) ([]Trial, error)
	ListLatestSnapshots(ctx context.Context, experiment string) ([]LatestSnapshot, error)
	BulkSaveSnapshots(ctx context.Context, snapshots []Snapshot) error
	ListSnapshots(ctx context.Context, trialID uint) ([]Snapshot, error)

	Summarize(ctx context.Context, experiment string) (*TrialSummary, error)
}

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	// SQLite allows a single writer; one connection serializes all
	// sessions in this process and keeps ":memory:" databases shared.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Experiment{},
		&Trial{},
		&Snapshot{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Experiment setup ---

// CreateExperiment inserts the experiment row unless it already exists.
func (s *store) CreateExperiment(ctx context.Context, exp *Experiment) error {
	if exp.TimeCreated.IsZero() {
		exp.TimeCreated = time.Now().UTC()
	}

	result := s.db.WithContext(ctx).
		Where("name = ?", exp.Name).
		FirstOrCreate(exp)
	if result.Error != nil {
		return fmt.Errorf("creating experiment: %w", result.Error)
	}

	return nil
}

func (s *store) GetExperiment(ctx context.Context, name string) (*Experiment, error) {
	var exp Experiment
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&exp).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("experiment %q: %w", name, ErrNotFound)
		}

		return nil, fmt.Errorf("getting experiment: %w", err)
	}

	return &exp, nil
}

func (s *store) CreateTrials(ctx context.Context, trials []Trial) error {
	if len(trials) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		CreateInBatches(&trials, defaultBatchSize).Error; err != nil {
		return fmt.Errorf("creating trials: %w", err)
	}

	return nil
}

func (s *store) ListExperimentTrials(
	ctx context.Context, experiment string,
) ([]Trial, error) {
	var trials []Trial
	if err := s.db.WithContext(ctx).
		Where("experiment = ?", experiment).
		Order("id ASC").
		Find(&trials).Error; err != nil {
		return nil, fmt.Errorf("listing experiment trials: %w", err)
	}

	return trials, nil
}

// --- Trial lifecycle ---

// ListPendingTrials returns trials that have not been started, by id.
func (s *store) ListPendingTrials(
	ctx context.Context, experiment string,
) ([]Trial, error) {
	var trials []Trial
	if err := s.db.WithContext(ctx).
		Where("experiment = ? AND time_started IS NULL AND preempted = ?",
			experiment, false).
		Order("id ASC").
		Find(&trials).Error; err != nil {
		return nil, fmt.Errorf("listing pending trials: %w", err)
	}

	return trials, nil
}

// ListExpiredTrials returns running trials started at or before
// startedBefore.
func (s *store) ListExpiredTrials(
	ctx context.Context, experiment string, startedBefore time.Time,
) ([]Trial, error) {
	var trials []Trial
	if err := s.db.WithContext(ctx).
		Where("experiment = ? AND time_started <= ? AND time_ended IS NULL",
			experiment, startedBefore.UTC()).
		Order("id ASC").
		Find(&trials).Error; err != nil {
		return nil, fmt.Errorf("listing expired trials: %w", err)
	}

	return trials, nil
}

// MarkTrialsStarted sets time_started on trials that are still pending.
func (s *store) MarkTrialsStarted(
	ctx context.Context, ids []uint, t time.Time,
) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var affected int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Trial{}).
			Where("id IN ? AND time_started IS NULL", ids).
			Update("time_started", t.UTC())
		if result.Error != nil {
			return result.Error
		}

		affected = result.RowsAffected

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("marking trials started: %w", err)
	}

	return affected, nil
}

// MarkTrialsEnded sets time_ended once on running trials. Rows that are
// pending or already ended are left untouched, as are rows started
// after t.
func (s *store) MarkTrialsEnded(
	ctx context.Context, ids []uint, t time.Time,
) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var affected int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Trial{}).
			Where("id IN ? AND time_ended IS NULL AND time_started IS NOT NULL AND time_started <= ?",
				ids, t.UTC()).
			Update("time_ended", t.UTC())
		if result.Error != nil {
			return result.Error
		}

		affected = result.RowsAffected

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("marking trials ended: %w", err)
	}

	return affected, nil
}

// AllTrialsEnded reports whether no trial of the experiment is still open.
// Preempted trials are never scheduled, so they do not count.
func (s *store) AllTrialsEnded(ctx context.Context, experiment string) (bool, error) {
	var open int64
	if err := s.db.WithContext(ctx).
		Model(&Trial{}).
		Where("experiment = ? AND time_ended IS NULL AND preempted = ?", experiment, false).
		Count(&open).Error; err != nil {
		return false, fmt.Errorf("counting open trials: %w", err)
	}

	return open == 0, nil
}

// --- Snapshot lifecycle ---

// ListUnmeasuredTrials returns started, non-preempted trials without any
// snapshot row.
func (s *store) ListUnmeasuredTrials(
	ctx context.Context, experiment string,
) ([]Trial, error) {
	var trials []Trial
	if err := s.db.WithContext(ctx).
		Where("experiment = ? AND time_started IS NOT NULL AND preempted = ?",
			experiment, false).
		Where("NOT EXISTS (?)",
			s.db.Model(&Snapshot{}).
				Select("1").
				Where("snapshot.trial_id = trial.id")).
		Order("id ASC").
		Find(&trials).Error; err != nil {
		return nil, fmt.Errorf("listing unmeasured trials: %w", err)
	}

	return trials, nil
}

// ListLatestSnapshots returns the latest measured time of every
// non-preempted trial with at least one snapshot.
func (s *store) ListLatestSnapshots(
	ctx context.Context, experiment string,
) ([]LatestSnapshot, error) {
	var latest []LatestSnapshot
	if err := s.db.WithContext(ctx).
		Model(&Trial{}).
		Select("trial.id AS trial_id, trial.fuzzer AS fuzzer, "+
			"trial.benchmark AS benchmark, MAX(snapshot.time) AS time").
		Joins("JOIN snapshot ON snapshot.trial_id = trial.id").
		Where("trial.experiment = ? AND trial.preempted = ?", experiment, false).
		Group("trial.id, trial.fuzzer, trial.benchmark").
		Order("trial.id ASC").
		Scan(&latest).Error; err != nil {
		return nil, fmt.Errorf("listing latest snapshots: %w", err)
	}

	return latest, nil
}

// BulkSaveSnapshots inserts all snapshots in a single transaction. A
// snapshot whose (trial_id, time) already exists is skipped; stored
// snapshots are never updated.
func (s *store) BulkSaveSnapshots(ctx context.Context, snapshots []Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&snapshots, defaultBatchSize).Error; err != nil {
			return fmt.Errorf("bulk inserting snapshots: %w", err)
		}

		return nil
	})
}

func (s *store) ListSnapshots(ctx context.Context, trialID uint) ([]Snapshot, error) {
	var snapshots []Snapshot
	if err := s.db.WithContext(ctx).
		Where("trial_id = ?", trialID).
		Order("time ASC").
		Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	return snapshots, nil
}

// Summarize counts trials by lifecycle state and snapshots for an experiment.
func (s *store) Summarize(ctx context.Context, experiment string) (*TrialSummary, error) {
	var summary TrialSummary

	counts := []struct {
		dst   *int64
		where string
	}{
		{&summary.Pending, "time_started IS NULL AND preempted = false"},
		{&summary.Running, "time_started IS NOT NULL AND time_ended IS NULL AND preempted = false"},
		{&summary.Ended, "time_ended IS NOT NULL"},
		{&summary.Preempted, "preempted = true"},
	}

	for _, c := range counts {
		if err := s.db.WithContext(ctx).
			Model(&Trial{}).
			Where("experiment = ?", experiment).
			Where(c.where).
			Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("counting trials: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).
		Model(&Snapshot{}).
		Joins("JOIN trial ON trial.id = snapshot.trial_id").
		Where("trial.experiment = ?", experiment).
		Count(&summary.Snapshots).Error; err != nil {
		return nil, fmt.Errorf("counting snapshots: %w", err)
	}

	return &summary, nil
}
