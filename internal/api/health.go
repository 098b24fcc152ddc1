package api

import (
	"net/http"
)

type healthResponse struct {
	Status    string `json:"status"`
	Kinds     int    `json:"kinds"`
	Trainings int    `json:"trainings"`
}

// handleHealthz reports liveness along with the size of the catalog and the
// job registry.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Kinds:     len(s.engine.Catalog().List()),
		Trainings: len(s.engine.List()),
	})
}
