package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/orchestra/internal/access"
	"github.com/seantiz/orchestra/internal/backend"
	"github.com/seantiz/orchestra/internal/engine"
	"github.com/seantiz/orchestra/internal/model"
)

// submitRequest is the JSON body for POST /v1/executions.
type submitRequest struct {
	WorkflowID string             `json:"workflow_id"`
	AgentID    string             `json:"agent_id"`
	BackendID  string             `json:"backend_id"`
	Definition backend.Definition `json:"definition"`
	Input      map[string]any     `json:"input"`
	Options    engine.Options     `json:"options"`
}

// submitResponse acknowledges an accepted execution.
type submitResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

// listExecutionsResponse wraps the paginated list response.
type listExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Page       int                `json:"page"`
	Limit      int                `json:"limit"`
}

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if req.BackendID == "" {
		s.writeError(w, http.StatusBadRequest, model.CodeValidation, "backend_id is required")
		return
	}

	caller := callerID(r)
	if !s.access.CanAccess(caller, access.Resource{WorkflowID: req.WorkflowID, AgentID: req.AgentID}) {
		s.writeError(w, http.StatusForbidden, codeForbidden, "caller may not run this agent")
		return
	}

	job, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		WorkflowID: req.WorkflowID,
		AgentID:    req.AgentID,
		BackendID:  req.BackendID,
		CallerID:   caller,
		Definition: req.Definition,
		Input:      req.Input,
		Options:    req.Options,
	})
	if err != nil {
		s.writeFailure(w, r, "submit execution", err)
		return
	}

	w.Header().Set("Location", "/v1/executions/"+job.ID)
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:         job.ID,
		Status:        job.Status,
		CorrelationID: job.CorrelationID,
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeBadQuery, err.Error())
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	page := parseIntQuery(r, "page", 1)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if page < 1 {
		page = 1
	}

	executions, total, err := s.engine.List(r.Context(), f, limit, (page-1)*limit)
	if err != nil {
		s.writeFailure(w, r, "list executions", err)
		return
	}
	if executions == nil {
		executions = []*model.Execution{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: executions,
		Total:      total,
		Page:       page,
		Limit:      limit,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorize(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "cancel execution", s.engine.Cancel)
}

func (s *Server) handlePauseExecution(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "pause execution", s.engine.Pause)
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "resume execution", s.engine.Resume)
}

func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorize(w, r)
	if !ok {
		return
	}

	retry, err := s.engine.Retry(r.Context(), job.ID)
	if err != nil {
		s.writeFailure(w, r, "retry execution", err)
		return
	}

	w.Header().Set("Location", "/v1/executions/"+retry.ID)
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:         retry.ID,
		Status:        retry.Status,
		CorrelationID: retry.CorrelationID,
	})
}

// transition authorizes the caller and applies a status change to the
// execution named in the path.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, action string,
	apply func(ctx context.Context, id string) (*model.Execution, error)) {
	job, ok := s.authorize(w, r)
	if !ok {
		return
	}
	updated, err := apply(r.Context(), job.ID)
	if err != nil {
		s.writeFailure(w, r, action, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

// authorize loads the execution named in the path and checks the caller may
// act on it. It writes the error reply itself and reports false on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (*model.Execution, bool) {
	job, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, "get execution", err)
		return nil, false
	}
	if !s.access.CanAccess(callerID(r), access.Resource{WorkflowID: job.WorkflowID, AgentID: job.AgentID}) {
		s.writeError(w, http.StatusForbidden, codeForbidden, "caller may not access this execution")
		return nil, false
	}
	return job, true
}

func callerID(r *http.Request) string {
	return r.Header.Get(callerHeader)
}

// parseFilter reads the list and stats filters from the query string.
// Dates are RFC 3339 or plain YYYY-MM-DD.
func parseFilter(r *http.Request) (model.Filter, error) {
	q := r.URL.Query()
	f := model.Filter{
		WorkflowID:    q.Get("workflow_id"),
		AgentID:       q.Get("agent_id"),
		BackendID:     q.Get("backend_id"),
		Status:        q.Get("status"),
		CorrelationID: q.Get("correlation_id"),
	}
	if f.Status != "" && !model.KnownStatus(f.Status) {
		return f, fmt.Errorf("unknown status %q", f.Status)
	}

	var err error
	if f.From, err = parseDate(q.Get("start_date")); err != nil {
		return f, fmt.Errorf("start_date: %w", err)
	}
	if f.To, err = parseDate(q.Get("end_date")); err != nil {
		return f, fmt.Errorf("end_date: %w", err)
	}
	return f, nil
}

func parseDate(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("cannot parse %q as a date", v)
}
