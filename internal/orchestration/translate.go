package orchestration

import (
	"strings"

	"github.com/seantiz/orchestra/internal/backend/agno"
	"github.com/seantiz/orchestra/internal/backend/crewai"
	"github.com/seantiz/orchestra/internal/backend/langgraph"
	"github.com/seantiz/orchestra/internal/backend/n8n"
	"github.com/seantiz/orchestra/internal/model"
)

// Backend-specific error codes produced by TranslateError.
const (
	CodeLangGraphState     = "LANGGRAPH_STATE_ERROR"
	CodeAgnoInstantiation  = "AGNO_INSTANTIATION_ERROR"
	CodeCrewAICoordination = "CREWAI_COORDINATION_ERROR"
	CodeN8NWorkflow        = "N8N_WORKFLOW_ERROR"
)

// TranslateError maps a raw backend error onto a canonical error. It is pure:
// the result depends only on the backend id and the error text. A recognised
// error gets an operator-facing Message; the raw text is kept in
// Detail["cause"].
func TranslateError(backendID string, err error) model.CanonicalError {
	raw := ""
	if err != nil {
		raw = err.Error()
	}
	lower := strings.ToLower(raw)

	code, msg := model.CodeFramework, raw
	switch {
	case backendID == langgraph.ID && strings.Contains(lower, "state"):
		code, msg = CodeLangGraphState, "workflow state management error"
	case backendID == agno.ID && strings.Contains(lower, "instantiation"):
		code, msg = CodeAgnoInstantiation, "agent instantiation failed"
	case backendID == crewai.ID && strings.Contains(lower, "coordination"):
		code, msg = CodeCrewAICoordination, "multi-agent coordination failed"
	case backendID == n8n.ID && strings.Contains(lower, "workflow"):
		code, msg = CodeN8NWorkflow, "workflow validation or execution error"
	}
	if msg == "" {
		msg = "unknown error occurred"
	}

	return model.CanonicalError{
		Code:    code,
		Message: msg,
		Detail:  map[string]any{"backend": backendID, "cause": raw},
	}
}
