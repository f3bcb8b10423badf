package api

import (
	"net/http"
)

type healthResponse struct {
	Status      string   `json:"status"`
	Backends    []string `json:"backends"`
	Subscribers int      `json:"event_subscribers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ids := make([]string, 0)
	for _, d := range s.orch.Backends() {
		ids = append(ids, d.ID)
	}
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Backends:    ids,
		Subscribers: s.bus.Subscribers(),
	})
}
