package api

import (
	"net/http"
)

// handleGetStats aggregates executions matching the same filters as the
// execution list, without paging.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeBadQuery, err.Error())
		return
	}

	stats, err := s.engine.Stats(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, "get execution stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
