package backend

import (
	"context"
	"time"

	"github.com/seantiz/orchestra/internal/model"
)

// Adapter is the contract every execution backend implements. Each backend
// (langgraph, agno, crewai, n8n) translates an opaque workflow definition into
// its own execution model and reports progress as an ordered list of steps.
type Adapter interface {
	// Descriptor returns the static capability description of the backend.
	Descriptor() Descriptor

	// Initialize acquires long-lived resources. Calling it twice is a no-op.
	Initialize(ctx context.Context, cfg Config) error

	// Shutdown releases everything Initialize acquired and cancels live runs.
	Shutdown(ctx context.Context) error

	// Validate checks the structure of a definition. It never panics and has
	// no side effects.
	Validate(def Definition) ValidationResult

	// Execute runs a definition to completion. Failures the backend can
	// describe come back as a Result with Success=false and a nil error.
	Execute(ctx context.Context, def Definition, input map[string]any, ec ExecutionContext) (Result, error)

	// Status returns a snapshot of the steps of an execution this instance
	// has run. Unknown ids yield model.ErrNotFound.
	Status(ctx context.Context, executionID string) ([]model.ExecutionStep, error)

	// Cancel asks a running execution to stop. It is cooperative: the step in
	// flight is marked failed and no further steps start.
	Cancel(ctx context.Context, executionID string) error

	// EstimateResources predicts what running def will need. The estimate
	// never decreases as a definition grows.
	EstimateResources(def Definition) (Resources, error)
}

// Definition is a backend-specific workflow definition decoded from JSON.
type Definition map[string]any

// Capabilities describes what a backend can do.
type Capabilities struct {
	MultiAgent              bool `json:"multi_agent"`
	VisualDefinition        bool `json:"visual_definition"`
	CodeEditor              bool `json:"code_editor"`
	Async                   bool `json:"async"`
	StatePersistence        bool `json:"state_persistence"`
	RequiresAccelerator     bool `json:"requires_accelerator"`
	MaxConcurrentExecutions int  `json:"max_concurrent_executions"`
}

// Resources is a compute profile: a default, a limit or an estimate.
type Resources struct {
	CPU         float64 `json:"cpu"`
	MemoryMB    int     `json:"memory_mb"`
	Accelerator int     `json:"accelerator,omitempty"`
}

// DefaultEstimate is reported when a backend cannot estimate a definition.
var DefaultEstimate = Resources{CPU: 1, MemoryMB: 512}

// Descriptor is the immutable description of a registered backend.
type Descriptor struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Version          string       `json:"version"`
	Description      string       `json:"description"`
	Capabilities     Capabilities `json:"capabilities"`
	DefaultResources Resources    `json:"default_resources"`
	Languages        []string     `json:"languages"`
	Dependencies     []string     `json:"dependencies"`
}

// clone returns a deep copy so callers cannot mutate registry state.
func (d Descriptor) clone() Descriptor {
	d.Languages = append([]string(nil), d.Languages...)
	d.Dependencies = append([]string(nil), d.Dependencies...)
	return d
}

// Config is passed to Initialize.
type Config struct {
	// RuntimeURL points at a remote runtime service. When empty, work units
	// are simulated in-process.
	RuntimeURL string `json:"runtime_url" yaml:"runtime_url"`

	// StepScale multiplies simulated step durations. Zero means 1.
	StepScale float64 `json:"step_scale" yaml:"step_scale"`

	// RuntimeTimeout bounds each call to the remote runtime.
	RuntimeTimeout time.Duration `json:"runtime_timeout" yaml:"runtime_timeout"`
}

// ExecutionContext identifies an execution to the backend and carries the
// callback through which step progress is streamed.
type ExecutionContext struct {
	ExecutionID   string
	WorkflowID    string
	AgentID       string
	CallerID      string
	CorrelationID string
	Timeout       time.Duration
	Limits        Resources

	// OnStep is invoked after every step status change. It must not block.
	OnStep func(step model.ExecutionStep) `json:"-"`
}

// Result is the outcome of Execute.
type Result struct {
	Success       bool                  `json:"success"`
	Output        any                   `json:"output,omitempty"`
	ExecutionTime time.Duration         `json:"execution_time"`
	ResourceUsage model.ResourceUsage   `json:"resource_usage"`
	Steps         []model.ExecutionStep `json:"steps"`
	Error         *model.CanonicalError `json:"error,omitempty"`
}

// ValidationResult reports every structural problem in a definition.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Invalid builds a failing ValidationResult from the given messages.
func Invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// Check turns accumulated messages into a ValidationResult.
func Check(errs []string) ValidationResult {
	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}
	return ValidationResult{Valid: true}
}
