package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats: recorded history
// plus the live supervisor load at the time of the request.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByPlatform    map[string]int `json:"by_platform"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	AvgAttempts   float64        `json:"avg_attempts"`

	Active        int `json:"active"`
	MaxConcurrent int `json:"max_concurrent"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	hist, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Total:         hist.Total,
		ByStatus:      hist.CountByStatus,
		ByPlatform:    hist.CountByPlatform,
		AvgDurationMS: hist.AvgDurationMS,
		AvgAttempts:   hist.AvgAttempts,
		Active:        s.engine.ActiveCount(),
		MaxConcurrent: s.engine.MaxConcurrent(),
	}
	if resp.ByStatus == nil {
		resp.ByStatus = map[string]int{}
	}
	if resp.ByPlatform == nil {
		resp.ByPlatform = map[string]int{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
