package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /api/v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"by_state"`
	ByBackend     map[string]int `json:"by_backend"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByState:       stats.CountByState,
		ByBackend:     stats.CountByBackend,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
