package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "FUZZBENCH"

	// DefaultSnapshotPeriod is the default measurement cycle length in seconds.
	DefaultSnapshotPeriod = 15 * 60

	// DefaultMaxTotalTime is the default trial budget in seconds.
	DefaultMaxTotalTime = 24 * 60 * 60

	// DefaultTrials is the default number of trials per fuzzer/benchmark pair.
	DefaultTrials = 5

	// DefaultGracePeriod absorbs provisioning and startup latency before a
	// running trial is considered expired.
	DefaultGracePeriod = 5 * time.Minute

	// DefaultSchedulerFailureBackoff is the wait after a failed scheduling pass.
	DefaultSchedulerFailureBackoff = 10 * time.Minute

	// DefaultMeasurerFailureBackoff is the wait after a failed measuring pass.
	DefaultMeasurerFailureBackoff = 30 * time.Second

	// DefaultMeasurerMaxRetries is how many times one cycle of a trial is
	// retried before it is abandoned.
	DefaultMeasurerMaxRetries = 360

	// DefaultMeasurerTaskTimeout is how long a measure request may go
	// unanswered before it is enqueued again.
	DefaultMeasurerTaskTimeout = time.Hour

	// DefaultRunnerMemory is the default memory limit of a trial instance.
	DefaultRunnerMemory = "12GB"

	// DefaultDockerNetwork is the default Docker network for local trials.
	DefaultDockerNetwork = "fuzzbench"

	// DefaultInstanceImage runs the startup script of a local trial instance.
	DefaultInstanceImage = "docker:cli"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"
)

// Measure worker modes.
const (
	MeasurerModeLocal       = "local"
	MeasurerModeDistributed = "distributed"
)

// Provisioner backends.
const (
	ProvisionerDocker = "docker"
)

// experimentNameRe matches names usable as instance and queue name parts.
var experimentNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,29}$`)

// Config is the root configuration for an experiment.
type Config struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`

	Experiment          string   `yaml:"experiment" mapstructure:"experiment"`
	Description         string   `yaml:"description,omitempty" mapstructure:"description"`
	GitHash             string   `yaml:"git_hash,omitempty" mapstructure:"git_hash"`
	Private             bool     `yaml:"private" mapstructure:"private"`
	ExperimentFilestore string   `yaml:"experiment_filestore" mapstructure:"experiment_filestore"`
	MaxTotalTimeSeconds int      `yaml:"max_total_time" mapstructure:"max_total_time"`
	SnapshotPeriod      int      `yaml:"snapshot_period" mapstructure:"snapshot_period"`
	Trials              int      `yaml:"trials" mapstructure:"trials"`
	Fuzzers             []string `yaml:"fuzzers" mapstructure:"fuzzers"`
	Benchmarks          []string `yaml:"benchmarks" mapstructure:"benchmarks"`
	RegionCoverage      bool     `yaml:"region_coverage" mapstructure:"region_coverage"`
	FuzzersDir          string   `yaml:"fuzzers_dir" mapstructure:"fuzzers_dir"`

	CloudProject          string `yaml:"cloud_project,omitempty" mapstructure:"cloud_project"`
	CloudComputeZone      string `yaml:"cloud_compute_zone,omitempty" mapstructure:"cloud_compute_zone"`
	CloudExperimentBucket string `yaml:"cloud_experiment_bucket,omitempty" mapstructure:"cloud_experiment_bucket"`
	DockerRegistry        string `yaml:"docker_registry" mapstructure:"docker_registry"`

	RunnerNumCPUCores int    `yaml:"runner_num_cpu_cores" mapstructure:"runner_num_cpu_cores"`
	RunnerMemory      string `yaml:"runner_memory" mapstructure:"runner_memory"`

	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Provisioner ProvisionerConfig `yaml:"provisioner" mapstructure:"provisioner"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Measurer    MeasurerConfig    `yaml:"measurer" mapstructure:"measurer"`
	Filestore   FilestoreConfig   `yaml:"filestore" mapstructure:"filestore"`
	API         APIConfig         `yaml:"api" mapstructure:"api"`
}

// ProvisionerConfig selects and tunes the instance provisioner.
type ProvisionerConfig struct {
	Backend           string  `yaml:"backend" mapstructure:"backend"`
	DockerNetwork     string  `yaml:"docker_network" mapstructure:"docker_network"`
	InstanceImage     string  `yaml:"instance_image" mapstructure:"instance_image"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// SchedulerConfig tunes the trial scheduler loop.
type SchedulerConfig struct {
	Concurrency    int           `yaml:"concurrency" mapstructure:"concurrency"`
	GracePeriod    time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
	PollInterval   time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	FailureBackoff time.Duration `yaml:"failure_backoff" mapstructure:"failure_backoff"`
}

// MeasurerConfig tunes the measurement manager and its workers.
type MeasurerConfig struct {
	Mode           string        `yaml:"mode" mapstructure:"mode"`
	LocalWorkers   int           `yaml:"local_workers" mapstructure:"local_workers"`
	PollInterval   time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	FailureBackoff time.Duration `yaml:"failure_backoff" mapstructure:"failure_backoff"`
	WorkerIdle     time.Duration `yaml:"worker_idle" mapstructure:"worker_idle"`
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	TaskTimeout    time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`
	AMQPURL        string        `yaml:"amqp_url,omitempty" mapstructure:"amqp_url"`
}

// FilestoreConfig configures where trial artifacts are read from. When S3
// is enabled, experiment_filestore is a key prefix inside the bucket;
// otherwise it is a local directory.
type FilestoreConfig struct {
	S3 S3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3Config contains S3 connection settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// APIConfig contains the optional status server settings.
type APIConfig struct {
	Enabled     bool     `yaml:"enabled" mapstructure:"enabled"`
	Listen      string   `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	// RequestsPerMinute limits each client IP; zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// Load reads the configuration file at path, applies defaults and
// FUZZBENCH_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers a default for every key so that AutomaticEnv can
// override keys missing from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("experiment", "")
	v.SetDefault("description", "")
	v.SetDefault("git_hash", "")
	v.SetDefault("private", true)
	v.SetDefault("experiment_filestore", "")
	v.SetDefault("max_total_time", DefaultMaxTotalTime)
	v.SetDefault("snapshot_period", DefaultSnapshotPeriod)
	v.SetDefault("trials", DefaultTrials)
	v.SetDefault("fuzzers", []string{})
	v.SetDefault("benchmarks", []string{})
	v.SetDefault("region_coverage", false)
	v.SetDefault("fuzzers_dir", "fuzzers")
	v.SetDefault("cloud_project", "")
	v.SetDefault("cloud_compute_zone", "")
	v.SetDefault("cloud_experiment_bucket", "")
	v.SetDefault("docker_registry", "")
	v.SetDefault("runner_num_cpu_cores", 1)
	v.SetDefault("runner_memory", DefaultRunnerMemory)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "fuzzbench.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "fuzzbench")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("provisioner.backend", ProvisionerDocker)
	v.SetDefault("provisioner.docker_network", DefaultDockerNetwork)
	v.SetDefault("provisioner.instance_image", DefaultInstanceImage)
	v.SetDefault("provisioner.requests_per_second", 5.0)
	v.SetDefault("provisioner.burst", 10)

	v.SetDefault("scheduler.concurrency", 16)
	v.SetDefault("scheduler.grace_period", DefaultGracePeriod)
	v.SetDefault("scheduler.poll_interval", 30*time.Second)
	v.SetDefault("scheduler.failure_backoff", DefaultSchedulerFailureBackoff)

	v.SetDefault("measurer.mode", MeasurerModeLocal)
	v.SetDefault("measurer.local_workers", 0)
	v.SetDefault("measurer.poll_interval", 10*time.Second)
	v.SetDefault("measurer.failure_backoff", DefaultMeasurerFailureBackoff)
	v.SetDefault("measurer.worker_idle", time.Second)
	v.SetDefault("measurer.batch_size", 50)
	v.SetDefault("measurer.max_retries", DefaultMeasurerMaxRetries)
	v.SetDefault("measurer.task_timeout", DefaultMeasurerTaskTimeout)
	v.SetDefault("measurer.amqp_url", "")

	v.SetDefault("filestore.s3.enabled", false)
	v.SetDefault("filestore.s3.endpoint_url", "")
	v.SetDefault("filestore.s3.region", "")
	v.SetDefault("filestore.s3.bucket", "")
	v.SetDefault("filestore.s3.access_key_id", "")
	v.SetDefault("filestore.s3.secret_access_key", "")
	v.SetDefault("filestore.s3.force_path_style", false)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("api.requests_per_minute", 120)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !experimentNameRe.MatchString(c.Experiment) {
		return fmt.Errorf(
			"experiment name %q must match %s", c.Experiment, experimentNameRe,
		)
	}

	if c.ExperimentFilestore == "" {
		return fmt.Errorf("experiment_filestore is required")
	}

	if c.MaxTotalTimeSeconds <= 0 {
		return fmt.Errorf("max_total_time must be positive")
	}

	if c.SnapshotPeriod <= 0 {
		return fmt.Errorf("snapshot_period must be positive")
	}

	if c.MaxTotalTimeSeconds < c.SnapshotPeriod {
		return fmt.Errorf(
			"max_total_time (%d) must be at least one snapshot_period (%d)",
			c.MaxTotalTimeSeconds, c.SnapshotPeriod,
		)
	}

	if c.Trials <= 0 {
		return fmt.Errorf("trials must be positive")
	}

	if len(c.Fuzzers) == 0 {
		return fmt.Errorf("at least one fuzzer must be configured")
	}

	if len(c.Benchmarks) == 0 {
		return fmt.Errorf("at least one benchmark must be configured")
	}

	if _, err := units.RAMInBytes(c.RunnerMemory); err != nil {
		return fmt.Errorf("invalid runner_memory %q: %w", c.RunnerMemory, err)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	switch c.Provisioner.Backend {
	case ProvisionerDocker:
	default:
		return fmt.Errorf("unsupported provisioner backend %q", c.Provisioner.Backend)
	}

	switch c.Measurer.Mode {
	case MeasurerModeLocal:
	case MeasurerModeDistributed:
		if c.Measurer.AMQPURL == "" {
			return fmt.Errorf("measurer.amqp_url is required in distributed mode")
		}
	default:
		return fmt.Errorf("unsupported measurer mode %q", c.Measurer.Mode)
	}

	if c.Filestore.S3.Enabled && c.FilestoreBucket() == "" {
		return fmt.Errorf(
			"filestore.s3.bucket or cloud_experiment_bucket is required when s3 is enabled",
		)
	}

	return nil
}

// MaxTotalTime returns the per-trial fuzzing budget.
func (c *Config) MaxTotalTime() time.Duration {
	return time.Duration(c.MaxTotalTimeSeconds) * time.Second
}

// FilestoreBucket returns the S3 bucket holding the experiment filestore,
// falling back to the experiment bucket.
func (c *Config) FilestoreBucket() string {
	if c.Filestore.S3.Bucket != "" {
		return c.Filestore.S3.Bucket
	}

	return c.CloudExperimentBucket
}

// MaxCycle is the last cycle that will ever be measured for a trial.
func (c *Config) MaxCycle() int {
	if c.SnapshotPeriod <= 0 {
		return 0
	}

	return c.MaxTotalTimeSeconds / c.SnapshotPeriod
}

// RunnerMemoryBytes returns runner_memory parsed into bytes.
func (c *Config) RunnerMemoryBytes() int64 {
	n, err := units.RAMInBytes(c.RunnerMemory)
	if err != nil {
		return 0
	}

	return n
}
