package store

import (
	"time"

	"gorm.io/datatypes"
)

// Experiment identifies one top-level run. Rows are immutable once created.
type Experiment struct {
	Name                string `gorm:"primaryKey"`
	TimeCreated         time.Time
	GitHash             string
	Private             bool `gorm:"not null"`
	ExperimentFilestore string
	Description         string `gorm:"type:text"`
}

// TableName pins the table name.
func (Experiment) TableName() string { return "experiment" }

// Trial is one (fuzzer, benchmark) execution instance.
//
// A trial with TimeStarted == nil is pending, with TimeStarted set and
// TimeEnded == nil it is running, and with TimeEnded set it has ended.
type Trial struct {
	ID          uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Fuzzer      string     `gorm:"not null;index:idx_trial_pair" json:"fuzzer"`
	Benchmark   string     `gorm:"not null;index:idx_trial_pair" json:"benchmark"`
	Experiment  string     `gorm:"not null;index" json:"experiment"`
	TimeStarted *time.Time `json:"time_started"`
	TimeEnded   *time.Time `json:"time_ended"`
	Preempted   bool       `gorm:"not null;default:false" json:"preempted"`

	ExperimentRef Experiment `gorm:"foreignKey:Experiment;references:Name" json:"-"`
}

// TableName pins the table name.
func (Trial) TableName() string { return "trial" }

// Pending reports whether the trial still waits for an instance.
func (t *Trial) Pending() bool { return t.TimeStarted == nil }

// Running reports whether the trial has started and not ended.
func (t *Trial) Running() bool { return t.TimeStarted != nil && t.TimeEnded == nil }

// Ended reports whether the trial is finished.
func (t *Trial) Ended() bool { return t.TimeEnded != nil }

// Snapshot is one coverage measurement of a trial. Time is the offset in
// seconds since the trial started; (TrialID, Time) is unique.
type Snapshot struct {
	Time         int64          `gorm:"primaryKey;autoIncrement:false" json:"time"`
	TrialID      uint           `gorm:"primaryKey;autoIncrement:false" json:"trial_id"`
	EdgesCovered int64          `gorm:"not null" json:"edges_covered"`
	FuzzerStats  datatypes.JSON `json:"fuzzer_stats,omitempty"`
	CrashKey     *string        `json:"crash_key,omitempty"`

	Trial Trial `gorm:"foreignKey:TrialID;references:ID" json:"-"`
}

// TableName pins the table name.
func (Snapshot) TableName() string { return "snapshot" }

// LatestSnapshot is the most recent measurement time of one trial.
type LatestSnapshot struct {
	TrialID   uint
	Fuzzer    string
	Benchmark string
	Time      int64
}

// TrialSummary counts the trials of an experiment by lifecycle state.
type TrialSummary struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Ended     int64 `json:"ended"`
	Preempted int64 `json:"preempted"`
	Snapshots int64 `json:"snapshots"`
}
