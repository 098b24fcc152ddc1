package api

import "net/http"

func (s *Server) handleListKinds(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Catalog().List())
}
