package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fuzzbench/fuzzbench/pkg/config"
	"github.com/fuzzbench/fuzzbench/pkg/coverage"
	"github.com/fuzzbench/fuzzbench/pkg/filestore"
	"github.com/fuzzbench/fuzzbench/pkg/measurer"
)

var workerName string

var measureWorkerCmd = &cobra.Command{
	Use:   "measure-worker",
	Short: "Run a standalone measure worker",
	Long: `Consume measure requests of the configured experiment from the AMQP
broker, measure them against the experiment filestore and publish the
results. Requires measurer.mode=distributed.`,
	RunE: runMeasureWorker,
}

func init() {
	rootCmd.AddCommand(measureWorkerCmd)
	measureWorkerCmd.Flags().StringVar(&workerName, "name", "",
		"worker name used in logs (default: hostname)")
}

func runMeasureWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Measurer.Mode != config.MeasurerModeDistributed {
		return fmt.Errorf("measure-worker requires measurer.mode=%s", config.MeasurerModeDistributed)
	}

	name := workerName
	if name == "" {
		if name, err = os.Hostname(); err != nil {
			name = "measure-worker"
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Shutting down measure worker")
			cancel()
		case <-ctx.Done():
		}
	}()

	worker := measurer.NewAMQPWorker(log, cfg.Measurer.AMQPURL, cfg.Experiment)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}

	defer func() {
		if err := worker.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close broker connection")
		}
	}()

	extractor := coverage.NewExtractor(log, filestore.New(cfg), cfg.SnapshotPeriod)

	log.WithField("experiment", cfg.Experiment).Info("Measure worker running")

	measurer.RunWorkerLoop(ctx, log, worker, extractor, measurer.WorkerConfig{
		Name:           name,
		RegionCoverage: cfg.RegionCoverage,
		Idle:           cfg.Measurer.WorkerIdle,
	})

	return nil
}
