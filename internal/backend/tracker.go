package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/orchestra/internal/model"
)

// DefaultRetention is how long a finished run stays queryable through Status.
const DefaultRetention = 15 * time.Minute

// ErrCancelled is returned by Run when the execution was cancelled.
var ErrCancelled = errors.New("execution cancelled")

// cancelledStepMessage is recorded on the step that was in flight at cancel time.
const cancelledStepMessage = "execution cancelled"

// Step is one planned unit of work.
type Step struct {
	ID   string
	Name string
	Run  func(ctx context.Context) (any, error)
}

// StepError reports which step failed.
type StepError struct {
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Tracker keeps the step state of executions run by one adapter instance.
// State is local to the instance and lost on restart.
type Tracker struct {
	mu        sync.Mutex
	runs      map[string]*run
	retention time.Duration
	now       func() time.Time
}

type run struct {
	steps      []model.ExecutionStep
	cancelled  bool
	done       bool
	finishedAt time.Time
	cancel     context.CancelFunc
}

// NewTracker creates an empty tracker.
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		runs:      make(map[string]*run),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes plan in order under executionID. Progress is reported through
// onStep after each status change. It stops at the first failing step, at
// cancellation, or when ctx ends, and returns the final step snapshot along
// with the output of every completed step keyed by step id.
func (t *Tracker) Run(ctx context.Context, executionID string, plan []Step, onStep func(model.ExecutionStep)) ([]model.ExecutionStep, map[string]any, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.start(executionID, plan, cancel)
	defer t.finish(executionID)

	emit := func(s model.ExecutionStep) {
		if onStep != nil {
			onStep(s)
		}
	}

	outputs := make(map[string]any, len(plan))
	for i, st := range plan {
		if t.isCancelled(executionID) {
			return t.snapshot(executionID), outputs, ErrCancelled
		}
		if err := runCtx.Err(); err != nil {
			return t.snapshot(executionID), outputs, &StepError{StepID: st.ID, Err: err}
		}

		emit(t.begin(executionID, i))
		out, err := st.Run(runCtx)

		if t.isCancelled(executionID) {
			emit(t.step(executionID, i))
			return t.snapshot(executionID), outputs, ErrCancelled
		}

		s := t.complete(executionID, i, out, err)
		emit(s)
		if err != nil {
			return t.snapshot(executionID), outputs, &StepError{StepID: st.ID, Err: err}
		}
		outputs[st.ID] = out
	}
	return t.snapshot(executionID), outputs, nil
}

// Status returns a copy of the steps recorded for executionID.
func (t *Tracker) Status(executionID string) ([]model.ExecutionStep, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, model.ErrNotFound)
	}
	return cloneSteps(r.steps), nil
}

// Cancel marks the running step failed, flags the run and cancels its context.
// Cancelling a finished run is a no-op.
func (t *Tracker) Cancel(executionID string) error {
	t.mu.Lock()
	r, ok := t.runs[executionID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("execution %s: %w", executionID, model.ErrNotFound)
	}
	if r.done || r.cancelled {
		t.mu.Unlock()
		return nil
	}

	now := t.now()
	r.cancelled = true
	for i := range r.steps {
		if r.steps[i].Status == model.StepRunning {
			r.steps[i].Status = model.StepFailed
			r.steps[i].Error = cancelledStepMessage
			r.steps[i].CompletedAt = &now
			if r.steps[i].StartedAt != nil {
				r.steps[i].DurationMS = now.Sub(*r.steps[i].StartedAt).Milliseconds()
			}
		}
	}
	cancel := r.cancel
	t.mu.Unlock()

	cancel()
	return nil
}

// CancelAll cancels every live run. Used on shutdown.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.runs))
	for id, r := range t.runs {
		if !r.done {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.Cancel(id)
	}
}

// Active returns the number of runs that have not finished.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, r := range t.runs {
		if !r.done {
			n++
		}
	}
	return n
}

func (t *Tracker) start(executionID string, plan []Step, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked()

	steps := make([]model.ExecutionStep, len(plan))
	for i, st := range plan {
		steps[i] = model.ExecutionStep{ID: st.ID, Name: st.Name, Status: model.StepPending}
	}
	t.runs[executionID] = &run{steps: steps, cancel: cancel}
}

func (t *Tracker) finish(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.runs[executionID]; ok {
		r.done = true
		r.finishedAt = t.now()
	}
}

// pruneLocked drops finished runs older than the retention window.
func (t *Tracker) pruneLocked() {
	cutoff := t.now().Add(-t.retention)
	for id, r := range t.runs {
		if r.done && r.finishedAt.Before(cutoff) {
			delete(t.runs, id)
		}
	}
}

func (t *Tracker) begin(executionID string, i int) model.ExecutionStep {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.runs[executionID]
	now := t.now()
	r.steps[i].Status = model.StepRunning
	r.steps[i].StartedAt = &now
	return r.steps[i]
}

func (t *Tracker) complete(executionID string, i int, out any, err error) model.ExecutionStep {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.runs[executionID]
	s := &r.steps[i]
	if s.Status != model.StepRunning {
		return *s
	}

	now := t.now()
	s.CompletedAt = &now
	if s.StartedAt != nil {
		s.DurationMS = now.Sub(*s.StartedAt).Milliseconds()
	}
	if err != nil {
		s.Status = model.StepFailed
		s.Error = err.Error()
		return *s
	}
	s.Status = model.StepCompleted
	s.Output = out
	return *s
}

func (t *Tracker) step(executionID string, i int) model.ExecutionStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[executionID].steps[i]
}

func (t *Tracker) isCancelled(executionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[executionID].cancelled
}

func (t *Tracker) snapshot(executionID string) []model.ExecutionStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneSteps(t.runs[executionID].steps)
}

func cloneSteps(steps []model.ExecutionStep) []model.ExecutionStep {
	return append([]model.ExecutionStep(nil), steps...)
}
