package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/orchestra/internal/backend"
)

// definitionRequest is the body of the validate and estimate endpoints.
type definitionRequest struct {
	Definition backend.Definition `json:"definition"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Backends())
}

func (s *Server) handleGetBackend(w http.ResponseWriter, r *http.Request) {
	d, err := s.orch.Descriptor(chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, "get backend", err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// handleValidateDefinition answers 200 with the validation result whether or
// not the definition is valid.
func (s *Server) handleValidateDefinition(w http.ResponseWriter, r *http.Request) {
	var req definitionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	res, err := s.orch.Validate(chi.URLParam(r, "id"), req.Definition)
	if err != nil {
		s.writeFailure(w, r, "validate definition", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEstimateResources(w http.ResponseWriter, r *http.Request) {
	var req definitionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	est, err := s.orch.EstimateResources(chi.URLParam(r, "id"), req.Definition)
	if err != nil {
		s.writeFailure(w, r, "estimate resources", err)
		return
	}
	s.writeJSON(w, http.StatusOK, est)
}
