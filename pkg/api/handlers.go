package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fulfillmentworks/lifetest/pkg/hub"
	"github.com/fulfillmentworks/lifetest/pkg/tracker"
	"github.com/go-chi/chi/v5"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Detail string `json:"detail"`
}

// testRequest is the POST /tests payload.
type testRequest struct {
	ProductID string `json:"product_id"`
	HubID     string `json:"hub_id"`
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

// handleStartTest creates and starts a new lifecycle test. Only one
// test may run at a time.
func (s *server) handleStartTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.ProductID == "" || req.HubID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"product_id and hub_id are required"})

		return
	}

	run, err := s.tracker.StartRun(r.Context(), req.ProductID, req.HubID)
	if err != nil {
		if errors.Is(err, tracker.ErrBusy) {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				"test still running, wait a second or call /tests/{id}/check",
			})

			return
		}

		var apiErr *hub.APIError
		if errors.As(err, &apiErr) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{err.Error()})

			return
		}

		s.log.WithError(err).Error("Failed to start test")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to start test"})

		return
	}

	writeJSON(w, http.StatusCreated, run)
}

// handleListTests returns all test runs.
func (s *server) handleListTests(w http.ResponseWriter, r *http.Request) {
	runs, err := s.tracker.ListRuns(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list tests")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to list tests"})

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleGetTest returns one test run by id.
func (s *server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	run, err := s.tracker.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{
				"the test with id " + chi.URLParam(r, "id") + " does not exist",
			})

			return
		}

		s.log.WithError(err).Error("Failed to get test")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to get test"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleCheckTest forces reconciliation of a test run against the hub.
func (s *server) handleCheckTest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	run, err := s.tracker.CheckRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{
				"the test with id " + chi.URLParam(r, "id") + " does not exist",
			})

			return
		}

		var statusErr *tracker.UnexpectedStatusError
		var pendingErr *tracker.StepPendingError
		var apiErr *hub.APIError

		if errors.As(err, &statusErr) ||
			errors.As(err, &pendingErr) ||
			errors.As(err, &apiErr) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{err.Error()})

			return
		}

		s.log.WithError(err).Error("Failed to check test")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to check test"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleStageEvent accepts a stage notification (or a batch of them)
// from the hub's event infrastructure and acknowledges each with
// done/failed.
func (s *server) handleStageEvent(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	// A JSON array is treated as a batch delivery.
	if len(raw) > 0 && raw[0] == '[' {
		var ns []tracker.Notification
		if err := json.Unmarshal(raw, &ns); err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid notification batch"})

			return
		}

		writeJSON(w, http.StatusOK,
			s.dispatcher.DispatchBatch(r.Context(), stage, ns))

		return
	}

	var n tracker.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid notification"})

		return
	}

	writeJSON(w, http.StatusOK, s.dispatcher.Dispatch(r.Context(), stage, n))
}

// parseID extracts the {id} URL parameter, writing a 404 on garbage.
func parseID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")

	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{
			"the test with id " + raw + " does not exist",
		})

		return 0, false
	}

	return uint(id), true
}
