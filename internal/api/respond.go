package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/seantiz/orchestra/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// Codes used only by the HTTP layer.
const (
	codeBadRequest  = "BAD_REQUEST"
	codeForbidden   = "ACCESS_DENIED"
	codeConflict    = "INVALID_STATE"
	codeRateLimited = "RATE_LIMITED"
	codeBadQuery    = "INVALID_QUERY"
)

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error  string   `json:"error"`
	Code   string   `json:"code"`
	Errors []string `json:"errors,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeFailure maps an engine or service error onto an HTTP reply. This is
// the only place domain errors become status codes.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, action string, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  ve.Error(),
			Code:   model.CodeValidation,
			Errors: ve.Errors,
		})
	case errors.Is(err, model.ErrValidation):
		s.writeError(w, http.StatusBadRequest, model.CodeValidation, err.Error())
	case errors.Is(err, model.ErrUnsupportedBackend):
		s.writeError(w, http.StatusNotFound, model.CodeUnsupportedBackend, err.Error())
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.CodeNotFound, err.Error())
	case errors.Is(err, model.ErrRetryExhausted):
		s.writeError(w, http.StatusConflict, model.CodeRetryExhausted, err.Error())
	case errors.Is(err, model.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, codeConflict, err.Error())
	default:
		s.logger.Error(action, "error", err, "path", r.URL.Path)
		s.writeError(w, http.StatusInternalServerError, model.CodeInternal, action+" failed")
	}
}

// decodeBody reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
