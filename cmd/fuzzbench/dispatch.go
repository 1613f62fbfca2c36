package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fuzzbench/fuzzbench/pkg/api"
	"github.com/fuzzbench/fuzzbench/pkg/config"
	"github.com/fuzzbench/fuzzbench/pkg/coverage"
	"github.com/fuzzbench/fuzzbench/pkg/filestore"
	"github.com/fuzzbench/fuzzbench/pkg/fuzzerconfig"
	"github.com/fuzzbench/fuzzbench/pkg/measurer"
	"github.com/fuzzbench/fuzzbench/pkg/provisioner"
	"github.com/fuzzbench/fuzzbench/pkg/scheduler"
	"github.com/fuzzbench/fuzzbench/pkg/store"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run an experiment",
	Long: `Create the experiment and its trials if needed, then schedule trial
instances and measure their coverage until every trial has ended and every
snapshot has been measured.`,
	RunE: runDispatch,
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Shutting down experiment")
			cancel()
		case <-ctx.Done():
		}
	}()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	if err := setupExperiment(ctx, log, st, cfg); err != nil {
		return err
	}

	docker, err := provisioner.NewDocker(log, provisioner.DockerOptions{
		Network:       cfg.Provisioner.DockerNetwork,
		InstanceImage: cfg.Provisioner.InstanceImage,
	})
	if err != nil {
		return err
	}

	if err := docker.Start(ctx); err != nil {
		return fmt.Errorf("starting provisioner: %w", err)
	}

	defer func() {
		if err := docker.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop provisioner")
		}
	}()

	prov := provisioner.NewRateLimited(
		docker, cfg.Provisioner.RequestsPerSecond, cfg.Provisioner.Burst,
	)

	sched := scheduler.New(
		log, scheduler.NewConfig(cfg), st, prov, fuzzerconfig.NewResolver(cfg.FuzzersDir),
	)

	manager := measurer.NewManager(log, measurer.NewConfig(cfg), st, newMeasureQueue(cfg))

	if cfg.API.Enabled {
		srv := api.NewServer(log, cfg, st, manager)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}

		defer func() {
			if err := srv.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop api server")
			}
		}()
	}

	log.WithFields(logrus.Fields{
		"experiment": cfg.Experiment,
		"fuzzers":    len(cfg.Fuzzers),
		"benchmarks": len(cfg.Benchmarks),
		"trials":     cfg.Trials,
		"measurer":   cfg.Measurer.Mode,
	}).Info("Dispatching experiment")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sched.ScheduleLoop(gctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		if err := manager.MeasureLoop(gctx); err != nil {
			return fmt.Errorf("measurer: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			log.Info("Experiment interrupted")

			return nil
		}

		return err
	}

	log.Info("Experiment finished")

	return nil
}

// newMeasureQueue selects the measure worker transport once at startup.
func newMeasureQueue(cfg *config.Config) measurer.TaskQueue {
	if cfg.Measurer.Mode == config.MeasurerModeDistributed {
		return measurer.NewAMQPQueue(log, cfg.Measurer.AMQPURL, cfg.Experiment)
	}

	extractor := coverage.NewExtractor(log, filestore.New(cfg), cfg.SnapshotPeriod)

	return measurer.NewLocalQueue(log, extractor, cfg.Measurer.LocalWorkers, measurer.WorkerConfig{
		RegionCoverage: cfg.RegionCoverage,
		Idle:           cfg.Measurer.WorkerIdle,
	})
}

// experimentStore is the subset of the store used to set up an experiment.
type experimentStore interface {
	CreateExperiment(ctx context.Context, exp *store.Experiment) error
	CreateTrials(ctx context.Context, trials []store.Trial) error
	ListExperimentTrials(ctx context.Context, experiment string) ([]store.Trial, error)
}

// setupExperiment creates the experiment row and, on first dispatch, one
// trial row per (fuzzer, benchmark, trial index). Restarted dispatchers
// resume the existing trials.
func setupExperiment(
	ctx context.Context, log logrus.FieldLogger, st experimentStore, cfg *config.Config,
) error {
	if err := st.CreateExperiment(ctx, &store.Experiment{
		Name:                cfg.Experiment,
		GitHash:             cfg.GitHash,
		Private:             cfg.Private,
		ExperimentFilestore: cfg.ExperimentFilestore,
		Description:         cfg.Description,
	}); err != nil {
		return err
	}

	existing, err := st.ListExperimentTrials(ctx, cfg.Experiment)
	if err != nil {
		return err
	}

	if len(existing) > 0 {
		log.WithField("trials", len(existing)).Info("Resuming existing experiment")

		return nil
	}

	trials := make([]store.Trial, 0, len(cfg.Benchmarks)*len(cfg.Fuzzers)*cfg.Trials)

	for _, benchmark := range cfg.Benchmarks {
		for _, fuzzer := range cfg.Fuzzers {
			for i := 0; i < cfg.Trials; i++ {
				trials = append(trials, store.Trial{
					Fuzzer:     fuzzer,
					Benchmark:  benchmark,
					Experiment: cfg.Experiment,
				})
			}
		}
	}

	if err := st.CreateTrials(ctx, trials); err != nil {
		return err
	}

	log.WithField("trials", len(trials)).Info("Created trials")

	return nil
}
