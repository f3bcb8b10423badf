package store

import (
	"context"
	"fmt"

	"github.com/seantiz/orchestra/internal/model"
)

// ErrNotFound is returned when an execution does not exist.
var ErrNotFound = fmt.Errorf("execution %w", model.ErrNotFound)

// ErrInvalidTransition is returned when an update would move an execution
// along an edge the state machine does not allow.
var ErrInvalidTransition = model.ErrInvalidTransition

// Store defines the persistence operations for executions and their steps.
type Store interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)

	// UpdateExecution loads the execution, applies fn and writes the result
	// back in one transaction. A status change fn makes is checked against
	// model.ValidTransition; fn returning an error aborts the update.
	UpdateExecution(ctx context.Context, id string, fn func(e *model.Execution) error) (*model.Execution, error)

	ListExecutions(ctx context.Context, f model.Filter, limit, offset int) ([]*model.Execution, int, error)
	CountExecutions(ctx context.Context, f model.Filter) (int, error)
	GetExecutionStats(ctx context.Context, f model.Filter) (*model.Stats, error)

	UpsertStep(ctx context.Context, executionID string, seq int, step model.ExecutionStep) error
	ReplaceSteps(ctx context.Context, executionID string, steps []model.ExecutionStep) error
	GetSteps(ctx context.Context, executionID string) ([]model.ExecutionStep, error)

	Close() error
}
