package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fuzzbench/fuzzbench/pkg/config"
	"github.com/fuzzbench/fuzzbench/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the status HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Store is the subset of the store read by the status server.
type Store interface {
	GetExperiment(ctx context.Context, name string) (*store.Experiment, error)
	Summarize(ctx context.Context, experiment string) (*store.TrialSummary, error)
	ListExperimentTrials(ctx context.Context, experiment string) ([]store.Trial, error)
	ListLatestSnapshots(ctx context.Context, experiment string) ([]store.LatestSnapshot, error)
	ListSnapshots(ctx context.Context, trialID uint) ([]store.Snapshot, error)
}

// MeasureStatus reports the measurement manager's in-flight work.
type MeasureStatus interface {
	InFlight() int
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log            logrus.FieldLogger
	cfg            *config.APIConfig
	experiment     string
	snapshotPeriod int
	store          Store
	measurer       MeasureStatus
	httpServer     *http.Server
	wg             sync.WaitGroup
	done           chan struct{}
}

// NewServer creates a status server for the configured experiment. ms may
// be nil when no measurer runs in this process.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	st Store,
	ms MeasureStatus,
) Server {
	return &server{
		log:            log.WithField("component", "api"),
		cfg:            &cfg.API,
		experiment:     cfg.Experiment,
		snapshotPeriod: cfg.SnapshotPeriod,
		store:          st,
		measurer:       ms,
		done:           make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
