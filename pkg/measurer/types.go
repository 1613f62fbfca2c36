package measurer

import (
	"encoding/json"
	"fmt"

	"github.com/fuzzbench/fuzzbench/pkg/store"
)

// SnapshotMeasureRequest is one dispatchable unit of measurement work.
type SnapshotMeasureRequest struct {
	Fuzzer    string `json:"fuzzer"`
	Benchmark string `json:"benchmark"`
	TrialID   uint   `json:"trial_id"`
	Cycle     int    `json:"cycle"`
}

// ID returns the in-flight identifier of the request.
func (r SnapshotMeasureRequest) ID() SnapshotID {
	return SnapshotID{TrialID: r.TrialID, Cycle: r.Cycle}
}

// SnapshotID identifies one (trial, cycle) measurement.
type SnapshotID struct {
	TrialID uint
	Cycle   int
}

func (id SnapshotID) String() string {
	return fmt.Sprintf("%d/%d", id.TrialID, id.Cycle)
}

// Result is what a measure worker reports for one request. It is either a
// *SnapshotResult or a *RetryRequest.
type Result interface {
	isResult()
}

// SnapshotResult carries a successfully measured snapshot.
type SnapshotResult struct {
	Snapshot store.Snapshot
}

// RetryRequest reports that a cycle could not be measured yet.
type RetryRequest struct {
	SnapshotMeasureRequest
}

func (*SnapshotResult) isResult() {}
func (*RetryRequest) isResult()   {}

// EncodeRequest serializes a request for the distributed transport.
func EncodeRequest(req SnapshotMeasureRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	return body, nil
}

// DecodeRequest parses a request body.
func DecodeRequest(body []byte) (SnapshotMeasureRequest, error) {
	var req SnapshotMeasureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("decoding request: %w", err)
	}

	if req.Fuzzer == "" || req.Benchmark == "" || req.Cycle < 1 {
		return req, fmt.Errorf("decoding request: incomplete request %s", body)
	}

	return req, nil
}

// EncodeResult serializes a result. The returned flag is carried out of
// band so consumers can tell retries from snapshots without parsing.
func EncodeResult(result Result) (body []byte, retry bool, err error) {
	switch r := result.(type) {
	case *SnapshotResult:
		body, err = json.Marshal(&r.Snapshot)
	case *RetryRequest:
		body, err = json.Marshal(&r.SnapshotMeasureRequest)
		retry = true
	default:
		return nil, false, fmt.Errorf("encoding result: unsupported type %T", result)
	}

	if err != nil {
		return nil, false, fmt.Errorf("encoding result: %w", err)
	}

	return body, retry, nil
}

// DecodeResult parses a result body using its out-of-band retry flag.
func DecodeResult(body []byte, retry bool) (Result, error) {
	if retry {
		req, err := DecodeRequest(body)
		if err != nil {
			return nil, fmt.Errorf("decoding retry: %w", err)
		}

		return &RetryRequest{SnapshotMeasureRequest: req}, nil
	}

	var snapshot store.Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	return &SnapshotResult{Snapshot: snapshot}, nil
}
