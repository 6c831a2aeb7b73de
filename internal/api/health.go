package api

import (
	"net/http"

	"github.com/seantiz/meetbot/internal/bot"
)

type healthResponse struct {
	Status string `json:"status"`
}

// statusResponse is the JSON response for GET /v1/status and /readyz.
type statusResponse struct {
	Busy          bool  `json:"busy"`
	Full          bool  `json:"full"`
	Active        int   `json:"active"`
	MaxConcurrent int   `json:"max_concurrent"`
	ShuttingDown  bool  `json:"shutting_down"`
	MaxAttempts   int   `json:"max_attempts"`
	BackoffUnitMS int64 `json:"backoff_unit_ms"`
}

func (s *Server) status() statusResponse {
	active := s.engine.ActiveCount()
	return statusResponse{
		Busy:          active > 0,
		Full:          s.engine.IsFull(),
		Active:        active,
		MaxConcurrent: s.engine.MaxConcurrent(),
		ShuttingDown:  s.engine.IsShutdownRequested(),
		MaxAttempts:   s.engine.MaxAttempts(),
		BackoffUnitMS: s.engine.BackoffUnit().Milliseconds(),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReadyz reports 503 while no bot could be admitted, so a load
// balancer stops routing requests here.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	st := s.status()
	code := http.StatusOK
	if st.ShuttingDown || st.Full {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleListPlatforms(w http.ResponseWriter, _ *http.Request) {
	platforms := s.registry.List()
	if platforms == nil {
		platforms = []bot.Info{}
	}
	s.writeJSON(w, http.StatusOK, platforms)
}
