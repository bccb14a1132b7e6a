package api

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
}

// handleHealthz reports process liveness. It deliberately checks no
// dependencies: a wedged scheduler or database must not make the process
// restart loop.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
