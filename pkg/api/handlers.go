package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fuzzbench/fuzzbench/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type latestCycleResponse struct {
	TrialID   uint   `json:"trial_id"`
	Fuzzer    string `json:"fuzzer"`
	Benchmark string `json:"benchmark"`
	Cycle     int    `json:"cycle"`
}

type statusResponse struct {
	Experiment   string                `json:"experiment"`
	Description  string                `json:"description,omitempty"`
	GitHash      string                `json:"git_hash,omitempty"`
	Trials       *store.TrialSummary   `json:"trials"`
	LatestCycles []latestCycleResponse `json:"latest_cycles"`
	InFlight     *int                  `json:"measure_in_flight,omitempty"`
}

// experimentFromRequest loads the experiment named in the URL, writing the
// error response itself when that fails.
func (s *server) experimentFromRequest(
	w http.ResponseWriter, r *http.Request,
) (*store.Experiment, bool) {
	exp, err := s.store.GetExperiment(r.Context(), chi.URLParam(r, "experiment"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"experiment not found"})

			return nil, false
		}

		s.log.WithError(err).Error("Failed to load experiment")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return nil, false
	}

	return exp, true
}

// handleStatus returns trial counts and the latest measured cycle of every
// trial.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.experimentFromRequest(w, r)
	if !ok {
		return
	}

	summary, err := s.store.Summarize(r.Context(), exp.Name)
	if err != nil {
		s.log.WithError(err).Error("Failed to summarize trials")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	latest, err := s.store.ListLatestSnapshots(r.Context(), exp.Name)
	if err != nil {
		s.log.WithError(err).Error("Failed to list latest snapshots")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	resp := statusResponse{
		Experiment:   exp.Name,
		Description:  exp.Description,
		GitHash:      exp.GitHash,
		Trials:       summary,
		LatestCycles: make([]latestCycleResponse, 0, len(latest)),
	}

	for _, l := range latest {
		cycle := 0
		if s.snapshotPeriod > 0 {
			cycle = int(l.Time / int64(s.snapshotPeriod))
		}

		resp.LatestCycles = append(resp.LatestCycles, latestCycleResponse{
			TrialID:   l.TrialID,
			Fuzzer:    l.Fuzzer,
			Benchmark: l.Benchmark,
			Cycle:     cycle,
		})
	}

	// Only this process's own experiment has a live measurer.
	if s.measurer != nil && exp.Name == s.experiment {
		inFlight := s.measurer.InFlight()
		resp.InFlight = &inFlight
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListTrials returns every trial of the experiment.
func (s *server) handleListTrials(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.experimentFromRequest(w, r)
	if !ok {
		return
	}

	trials, err := s.store.ListExperimentTrials(r.Context(), exp.Name)
	if err != nil {
		s.log.WithError(err).Error("Failed to list trials")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	if trials == nil {
		trials = []store.Trial{}
	}

	writeJSON(w, http.StatusOK, trials)
}

// handleListSnapshots returns the snapshots of one trial.
func (s *server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.experimentFromRequest(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid trial id"})

		return
	}

	trials, err := s.store.ListExperimentTrials(r.Context(), exp.Name)
	if err != nil {
		s.log.WithError(err).Error("Failed to list trials")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	found := false

	for _, trial := range trials {
		if trial.ID == uint(id) {
			found = true

			break
		}
	}

	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{"trial not found"})

		return
	}

	snapshots, err := s.store.ListSnapshots(r.Context(), uint(id))
	if err != nil {
		s.log.WithError(err).Error("Failed to list snapshots")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	if snapshots == nil {
		snapshots = []store.Snapshot{}
	}

	writeJSON(w, http.StatusOK, snapshots)
}
