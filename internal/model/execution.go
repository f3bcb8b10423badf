package model

import "time"

// Execution status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

// Step status constants.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry. A paused job may still settle because pausing
// does not suspend the backend.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
		StatusPaused:    true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final state.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// KnownStatus reports whether s is one of the execution status constants.
func KnownStatus(s string) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused, StatusCompleted,
		StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Payload is the opaque data carried by an execution: what was asked of the
// backend and what it produced.
type Payload struct {
	Definition map[string]any `json:"definition,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	State      map[string]any `json:"state,omitempty"`
}

// ResourceUsage is what an execution actually consumed.
type ResourceUsage struct {
	CPUTimeMS         int64 `json:"cpu_time_ms"`
	MemoryPeakMB      int64 `json:"memory_peak_mb"`
	AcceleratorTimeMS int64 `json:"accelerator_time_ms,omitempty"`
	WallClockMS       int64 `json:"wall_clock_ms"`
}

// Performance summarises step outcomes of a finished execution.
type Performance struct {
	TotalDurationMS int64   `json:"total_duration_ms"`
	StepsCount      int     `json:"steps_count"`
	CompletedSteps  int     `json:"completed_steps"`
	SuccessRate     float64 `json:"success_rate"`
}

// ExecutionStep is one unit of work inside an execution.
type ExecutionStep struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Execution is one attempt to run a workflow on a backend.
type Execution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	AgentID           string          `json:"agent_id,omitempty"`
	BackendID         string          `json:"backend_id"`
	CallerID          string          `json:"caller_id,omitempty"`
	Status            string          `json:"status"`
	CorrelationID     string          `json:"correlation_id"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	TimeoutMS         int             `json:"timeout_ms"`
	Payload           Payload         `json:"payload"`
	ResourceUsage     *ResourceUsage  `json:"resource_usage,omitempty"`
	Performance       *Performance    `json:"performance,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	ErrorDetail       any             `json:"error_detail,omitempty"`
	Steps             []ExecutionStep `json:"steps,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	PausedAt          *time.Time      `json:"paused_at,omitempty"`
	ResumedAt         *time.Time      `json:"resumed_at,omitempty"`
}

// Filter narrows execution listings. Zero values match everything.
type Filter struct {
	WorkflowID    string
	AgentID       string
	BackendID     string
	Status        string
	CorrelationID string
	From          *time.Time
	To            *time.Time
}

// Stats holds aggregate execution statistics.
type Stats struct {
	Total          int            `json:"total"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Running        int            `json:"running"`
	Queued         int            `json:"queued"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByBackend map[string]int `json:"count_by_backend"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	SuccessRate    float64        `json:"success_rate"`
}

// Event is a lifecycle notification about an execution.
type Event struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Operation  string    `json:"operation"`
	Payload    any       `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event operation constants.
const (
	EntityExecution = "execution"
	OperationCreate = "create"
	OperationUpdate = "update"
)
