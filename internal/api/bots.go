package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/meetbot/internal/engine"
	"github.com/seantiz/meetbot/internal/metrics"
	"github.com/seantiz/meetbot/internal/model"
	"github.com/seantiz/meetbot/internal/store"
	"github.com/seantiz/meetbot/internal/supervisor"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// rejectionResponse is the JSON body for a refused admission.
type rejectionResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// activeBotsResponse is the JSON response for GET /v1/bots.
type activeBotsResponse struct {
	Bots          []supervisor.Job `json:"bots"`
	Active        int              `json:"active"`
	MaxConcurrent int              `json:"max_concurrent"`
}

// listRunsResponse wraps the paginated history response.
type listRunsResponse struct {
	Runs   []*model.BotRun `json:"runs"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.ObserveAdmission(metrics.AdmissionRateLimited)
		w.Header().Set("Retry-After", "1")
		s.writeJSON(w, http.StatusTooManyRequests, rejectionResponse{
			Error:  "too many bot requests",
			Reason: metrics.AdmissionRateLimited,
		})
		return
	}

	var req engine.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, adm, err := s.engine.Submit(req)
	if errors.Is(err, engine.ErrInvalidRequest) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("submit bot", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit bot")
		return
	}

	if !adm.Accepted {
		status, msg := rejectionStatus(adm.Reason)
		s.writeJSON(w, status, rejectionResponse{Error: msg, Reason: string(adm.Reason)})
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

// rejectionStatus maps an admission refusal to an HTTP status and message.
func rejectionStatus(reason supervisor.RejectReason) (int, string) {
	switch reason {
	case supervisor.RejectShutdown:
		return http.StatusServiceUnavailable, "shutting down; not accepting bots"
	case supervisor.RejectDuplicate:
		return http.StatusConflict, "a bot with this id is already running"
	case supervisor.RejectFull:
		return http.StatusConflict, "all bot slots are busy"
	default:
		return http.StatusBadRequest, "invalid bot request"
	}
}

func (s *Server) handleListActive(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, activeBotsResponse{
		Bots:          s.engine.ActiveJobs(),
		Active:        s.engine.ActiveCount(),
		MaxConcurrent: s.engine.MaxConcurrent(),
	})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "bot run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get bot run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list bot runs")
		return
	}

	if runs == nil {
		runs = []*model.BotRun{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
