package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/orchestra/internal/backend"
	"github.com/seantiz/orchestra/internal/model"
	"github.com/seantiz/orchestra/internal/notify"
	"github.com/seantiz/orchestra/internal/orchestration"
	"github.com/seantiz/orchestra/internal/store"
)

// Defaults applied when neither the submitter nor Config provides a value.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultCancelAckTimeout = 2 * time.Second

	publishTimeout = 5 * time.Second
	eventQueueSize = 256
)

// errNotQueued aborts the running transition of a job cancelled before its
// leg started.
var errNotQueued = errors.New("execution is no longer queued")

// Config holds lifecycle policy.
type Config struct {
	DefaultTimeout    time.Duration
	DefaultMaxRetries int

	// CancelAckTimeout bounds how long Cancel waits for the adapter before
	// recording the cancellation anyway.
	CancelAckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.CancelAckTimeout <= 0 {
		c.CancelAckTimeout = DefaultCancelAckTimeout
	}
	return c
}

// Options are the per-submission overrides.
type Options struct {
	TimeoutMS     int    `json:"timeout_ms,omitempty"`
	MaxRetries    *int   `json:"max_retries,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// SubmitRequest describes a new execution.
type SubmitRequest struct {
	WorkflowID string
	AgentID    string
	BackendID  string
	CallerID   string
	Definition backend.Definition
	Input      map[string]any
	Options    Options
}

// Engine drives executions from queued to a terminal status.
type Engine struct {
	store     store.Store
	orch      *orchestration.Service
	publisher notify.Publisher
	logger    *slog.Logger
	cfg       Config
	broker    *StepBroker
	wg        sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	// Lifecycle events go out in order from one goroutine so a slow
	// publisher never holds up Submit, Cancel or a leg.
	queueMu     sync.RWMutex
	queueClosed bool
	queue       chan queuedEvent
	drained     chan struct{}
}

// queuedEvent is either an event to publish or, when flushed is set, a
// marker that is acknowledged once everything queued before it went out.
type queuedEvent struct {
	ev      model.Event
	flushed chan struct{}
}

// NewEngine creates a lifecycle engine. A nil publisher discards events.
func NewEngine(s store.Store, orch *orchestration.Service, pub notify.Publisher, logger *slog.Logger, cfg Config) *Engine {
	if pub == nil {
		pub = notify.Nop{}
	}
	e := &Engine{
		store:     s,
		orch:      orch,
		publisher: pub,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		broker:    NewStepBroker(),
		inflight:  make(map[string]context.CancelFunc),
		queue:     make(chan queuedEvent, eventQueueSize),
		drained:   make(chan struct{}),
	}
	go e.drainEvents()
	return e
}

// Broker returns the step broker for live step streaming.
func (e *Engine) Broker() *StepBroker {
	return e.broker
}

// Submit validates the request, stores a queued execution and starts it in
// the background. Unknown backends and invalid definitions are rejected
// before anything is stored.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*model.Execution, error) {
	if err := e.orch.ValidateSupport(req.BackendID); err != nil {
		return nil, err
	}

	var problems []string
	if req.WorkflowID == "" {
		problems = append(problems, "workflow_id is required")
	}
	if req.Options.TimeoutMS < 0 {
		problems = append(problems, "timeout_ms must not be negative")
	}
	if req.Options.MaxRetries != nil && *req.Options.MaxRetries < 0 {
		problems = append(problems, "max_retries must not be negative")
	}
	v, err := e.orch.Validate(req.BackendID, req.Definition)
	if err != nil {
		return nil, err
	}
	problems = append(problems, v.Errors...)
	if len(problems) > 0 {
		return nil, &model.ValidationError{BackendID: req.BackendID, Errors: problems}
	}

	now := time.Now().UTC()
	job := &model.Execution{
		ID:            model.NewID(),
		WorkflowID:    req.WorkflowID,
		AgentID:       req.AgentID,
		BackendID:     req.BackendID,
		CallerID:      req.CallerID,
		Status:        model.StatusQueued,
		CorrelationID: req.Options.CorrelationID,
		MaxRetries:    e.cfg.DefaultMaxRetries,
		TimeoutMS:     int(e.cfg.DefaultTimeout.Milliseconds()),
		Payload: model.Payload{
			Definition: req.Definition,
			Input:      req.Input,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if job.CorrelationID == "" {
		job.CorrelationID = model.NewCorrelationID()
	}
	if req.Options.MaxRetries != nil {
		job.MaxRetries = *req.Options.MaxRetries
	}
	if req.Options.TimeoutMS > 0 {
		job.TimeoutMS = req.Options.TimeoutMS
	}

	if err := e.enqueue(ctx, job); err != nil {
		return nil, err
	}
	e.logger.Info("execution submitted",
		"execution_id", job.ID,
		"backend", job.BackendID,
		"correlation_id", job.CorrelationID,
	)
	return job, nil
}

// Retry creates a new execution from a failed or timed out one. The new job
// shares the correlation id, has RetryCount+1 and points back through
// ParentExecutionID.
func (e *Engine) Retry(ctx context.Context, id string) (*model.Execution, error) {
	prev, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.RetryCount >= prev.MaxRetries {
		return nil, fmt.Errorf("%w: execution %s has used %d of %d retries",
			model.ErrRetryExhausted, id, prev.RetryCount, prev.MaxRetries)
	}
	if prev.Status != model.StatusFailed && prev.Status != model.StatusTimedOut {
		return nil, fmt.Errorf("%w: cannot retry %s execution", model.ErrInvalidTransition, prev.Status)
	}
	if err := e.orch.ValidateSupport(prev.BackendID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &model.Execution{
		ID:                model.NewID(),
		WorkflowID:        prev.WorkflowID,
		AgentID:           prev.AgentID,
		BackendID:         prev.BackendID,
		CallerID:          prev.CallerID,
		Status:            model.StatusQueued,
		CorrelationID:     prev.CorrelationID,
		RetryCount:        prev.RetryCount + 1,
		MaxRetries:        prev.MaxRetries,
		ParentExecutionID: prev.ID,
		TimeoutMS:         prev.TimeoutMS,
		Payload: model.Payload{
			Definition: prev.Payload.Definition,
			Input:      prev.Payload.Input,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.enqueue(ctx, job); err != nil {
		return nil, err
	}
	retriesTotal.WithLabelValues(job.BackendID).Inc()
	e.logger.Info("execution retried",
		"execution_id", job.ID,
		"parent_execution_id", prev.ID,
		"retry_count", job.RetryCount,
		"correlation_id", job.CorrelationID,
	)
	return job, nil
}

// enqueue stores job, announces it and starts its leg. The leg works on a
// copy so the caller keeps ownership of job.
func (e *Engine) enqueue(ctx context.Context, job *model.Execution) error {
	e.broker.Open(job.ID)
	if err := e.store.CreateExecution(ctx, job); err != nil {
		e.broker.Close(job.ID)
		return fmt.Errorf("create execution: %w", err)
	}
	e.publish(model.OperationCreate, job)

	legCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.inflight[job.ID] = cancel
	e.mu.Unlock()

	leg := *job
	e.wg.Go(func() {
		e.run(legCtx, &leg)
	})
	return nil
}

// Wait blocks until every in-flight leg has settled and the lifecycle
// events they produced have been handed to the publisher.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.flushEvents()
}

// Shutdown cancels every in-flight leg and waits for them until ctx ends.
// Events still queued are published before it returns, within the same
// deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.inflight {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.closeQueue()
		return fmt.Errorf("waiting for executions: %w", ctx.Err())
	}

	e.closeQueue()
	select {
	case <-e.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publishing queued events: %w", ctx.Err())
	}
}

// run is the asynchronous leg of one execution. Nothing escapes it: a panic
// is recorded as a failed execution with INTERNAL_ERROR.
func (e *Engine) run(ctx context.Context, job *model.Execution) {
	logger := e.logger.With("execution_id", job.ID, "backend", job.BackendID, "correlation_id", job.CorrelationID)

	defer e.broker.Close(job.ID)
	defer e.release(job.ID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("execution leg panicked", "panic", r)
			e.settle(logger, job.ID, model.StatusFailed, nil, &model.CanonicalError{
				Code:    model.CodeInternal,
				Message: fmt.Sprintf("internal error: %v", r),
			})
		}
	}()

	started, err := e.store.UpdateExecution(context.Background(), job.ID, func(x *model.Execution) error {
		if x.Status != model.StatusQueued {
			return errNotQueued
		}
		now := time.Now().UTC()
		x.Status = model.StatusRunning
		x.StartedAt = &now
		return nil
	})
	if errors.Is(err, errNotQueued) {
		logger.Info("execution left the queue before starting")
		return
	}
	if err != nil {
		logger.Error("failed to transition to running", "error", err)
		e.settle(logger, job.ID, model.StatusFailed, nil, &model.CanonicalError{
			Code:    model.CodeInternal,
			Message: fmt.Sprintf("failed to start: %v", err),
		})
		return
	}
	e.publish(model.OperationUpdate, started)

	res, err := e.orch.Execute(ctx, job.BackendID,
		orchestration.Request{Definition: job.Payload.Definition, Input: job.Payload.Input},
		backend.ExecutionContext{
			ExecutionID:   job.ID,
			WorkflowID:    job.WorkflowID,
			AgentID:       job.AgentID,
			CallerID:      job.CallerID,
			CorrelationID: job.CorrelationID,
			Timeout:       time.Duration(job.TimeoutMS) * time.Millisecond,
			OnStep:        e.stepRecorder(logger, job.ID),
		},
	)
	if err != nil {
		// The backend disappeared between submit and dispatch.
		e.settle(logger, job.ID, model.StatusFailed, nil, &model.CanonicalError{
			Code:    model.CodeUnsupportedBackend,
			Message: err.Error(),
		})
		return
	}

	status := outcome(res)
	if len(res.Steps) > 0 {
		if err := e.store.ReplaceSteps(context.Background(), job.ID, res.Steps); err != nil {
			logger.Error("failed to persist final steps", "error", err)
		}
	}
	e.settle(logger, job.ID, status, &res, res.Error)
}

// outcome maps a backend result onto a terminal status.
func outcome(res backend.Result) string {
	if res.Success {
		return model.StatusCompleted
	}
	switch {
	case res.Error == nil:
		return model.StatusFailed
	case errors.Is(res.Error, model.ErrExecutionTimeout):
		return model.StatusTimedOut
	case errors.Is(res.Error, model.ErrExecutionCancelled):
		return model.StatusCancelled
	}
	return model.StatusFailed
}

// settle writes the terminal state. A job that already reached a terminal
// state, typically through Cancel, keeps it and the late result is dropped.
func (e *Engine) settle(logger *slog.Logger, id, status string, res *backend.Result, cerr *model.CanonicalError) {
	final, err := e.store.UpdateExecution(context.Background(), id, func(x *model.Execution) error {
		if model.IsTerminal(x.Status) {
			return fmt.Errorf("%w: already %s", model.ErrInvalidTransition, x.Status)
		}
		now := time.Now().UTC()
		x.Status = status
		x.CompletedAt = &now
		if res != nil {
			usage := res.ResourceUsage
			usage.WallClockMS = res.ExecutionTime.Milliseconds()
			x.ResourceUsage = &usage
			x.Performance = summarize(res)
			if res.Success {
				x.Payload.Output = res.Output
			}
		}
		if cerr != nil {
			x.ErrorCode = cerr.Code
			x.ErrorMessage = cerr.Message
			x.ErrorDetail = errorDetail(cerr)
		}
		return nil
	})
	if errors.Is(err, model.ErrInvalidTransition) {
		logger.Info("late settlement dropped", "status", status, "reason", err)
		return
	}
	if err != nil {
		logger.Error("failed to record settlement", "status", status, "error", err)
		return
	}

	settledTotal.WithLabelValues(final.BackendID, status).Inc()
	logger.Info("execution settled", "status", status, "error_code", final.ErrorCode)
	e.publish(model.OperationUpdate, final)
}

func errorDetail(cerr *model.CanonicalError) any {
	if cerr.SubCode == "" {
		return cerr.Detail
	}
	return map[string]any{"sub_code": cerr.SubCode, "detail": cerr.Detail}
}

func summarize(res *backend.Result) *model.Performance {
	p := &model.Performance{
		TotalDurationMS: res.ExecutionTime.Milliseconds(),
		StepsCount:      len(res.Steps),
	}
	for _, s := range res.Steps {
		if s.Status == model.StepCompleted {
			p.CompletedSteps++
		}
	}
	if p.StepsCount > 0 {
		p.SuccessRate = float64(p.CompletedSteps) / float64(p.StepsCount)
	}
	return p
}

// stepRecorder persists each step update and forwards it to live
// subscribers. The step's position is fixed the first time it is seen.
func (e *Engine) stepRecorder(logger *slog.Logger, id string) func(model.ExecutionStep) {
	var mu sync.Mutex
	seqs := make(map[string]int)
	return func(s model.ExecutionStep) {
		mu.Lock()
		seq, ok := seqs[s.ID]
		if !ok {
			seq = len(seqs)
			seqs[s.ID] = seq
		}
		mu.Unlock()

		if err := e.store.UpsertStep(context.Background(), id, seq, s); err != nil {
			logger.Error("failed to persist step", "step_id", s.ID, "error", err)
		}
		e.broker.Publish(id, s)
	}
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.inflight[id]; ok {
		cancel()
		delete(e.inflight, id)
	}
}

// Cancel stops an execution. The adapter is asked first, for at most
// CancelAckTimeout; the cancelled status is then recorded whatever the
// adapter answered and the in-flight leg is abandoned.
func (e *Engine) Cancel(ctx context.Context, id string) (*model.Execution, error) {
	job, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.IsTerminal(job.Status) {
		return nil, fmt.Errorf("%w: cannot cancel %s execution", model.ErrInvalidTransition, job.Status)
	}
	logger := e.logger.With("execution_id", id, "backend", job.BackendID, "correlation_id", job.CorrelationID)

	e.askAdapterToCancel(ctx, logger, job)

	var already bool
	cancelled, err := e.store.UpdateExecution(ctx, id, func(x *model.Execution) error {
		if x.Status == model.StatusCancelled {
			// The leg observed the adapter's cancellation first.
			already = true
			return nil
		}
		now := time.Now().UTC()
		x.Status = model.StatusCancelled
		x.CompletedAt = &now
		x.ErrorCode = model.CodeExecutionCancelled
		x.ErrorMessage = "execution cancelled by request"
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if cancel, ok := e.inflight[id]; ok {
		cancel()
	}
	e.mu.Unlock()

	if !already {
		settledTotal.WithLabelValues(cancelled.BackendID, model.StatusCancelled).Inc()
		e.publish(model.OperationUpdate, cancelled)
	}
	logger.Info("execution cancelled")
	return cancelled, nil
}

func (e *Engine) askAdapterToCancel(ctx context.Context, logger *slog.Logger, job *model.Execution) {
	ackCtx, cancel := context.WithTimeout(ctx, e.cfg.CancelAckTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.orch.Cancel(ackCtx, job.BackendID, job.ID)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			logger.Warn("adapter cancel failed", "error", err)
		}
	case <-ackCtx.Done():
		logger.Warn("adapter did not acknowledge cancel in time", "wait", e.cfg.CancelAckTimeout)
	}
}

// Pause marks a running execution paused. The backend keeps running; a
// paused execution may still settle.
func (e *Engine) Pause(ctx context.Context, id string) (*model.Execution, error) {
	return e.toggle(ctx, id, model.StatusRunning, model.StatusPaused, func(x *model.Execution, now time.Time) {
		x.PausedAt = &now
	})
}

// Resume returns a paused execution to running.
func (e *Engine) Resume(ctx context.Context, id string) (*model.Execution, error) {
	return e.toggle(ctx, id, model.StatusPaused, model.StatusRunning, func(x *model.Execution, now time.Time) {
		x.ResumedAt = &now
	})
}

func (e *Engine) toggle(ctx context.Context, id, from, to string, stamp func(*model.Execution, time.Time)) (*model.Execution, error) {
	updated, err := e.store.UpdateExecution(ctx, id, func(x *model.Execution) error {
		if x.Status != from {
			return fmt.Errorf("%w: execution is %s, not %s", model.ErrInvalidTransition, x.Status, from)
		}
		x.Status = to
		stamp(x, time.Now().UTC())
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("execution "+to, "execution_id", id)
	e.publish(model.OperationUpdate, updated)
	return updated, nil
}

// Get returns an execution with its current steps.
func (e *Engine) Get(ctx context.Context, id string) (*model.Execution, error) {
	job, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := e.steps(ctx, job)
	if err != nil {
		return nil, err
	}
	job.Steps = steps
	return job, nil
}

// List returns a page of executions matching f and the total match count.
func (e *Engine) List(ctx context.Context, f model.Filter, limit, offset int) ([]*model.Execution, int, error) {
	return e.store.ListExecutions(ctx, f, limit, offset)
}

// Steps returns the step snapshot of an execution. The adapter that ran it
// is asked first; persisted steps answer when it has no record.
func (e *Engine) Steps(ctx context.Context, id string) ([]model.ExecutionStep, error) {
	job, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.steps(ctx, job)
}

func (e *Engine) steps(ctx context.Context, job *model.Execution) ([]model.ExecutionStep, error) {
	live, err := e.orch.Status(ctx, job.BackendID, job.ID)
	if err == nil && len(live) > 0 {
		return live, nil
	}
	return e.store.GetSteps(ctx, job.ID)
}

// Stats aggregates executions matching f.
func (e *Engine) Stats(ctx context.Context, f model.Filter) (*model.Stats, error) {
	return e.store.GetExecutionStats(ctx, f)
}

// publish queues a lifecycle event. It never blocks: when the queue is full
// or the engine has shut down the event is dropped and logged.
func (e *Engine) publish(op string, job *model.Execution) {
	snapshot := *job
	ev := notify.NewEvent(op, &snapshot)

	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	if e.queueClosed {
		e.logger.Warn("engine stopped, lifecycle event dropped", "execution_id", job.ID, "operation", op)
		return
	}
	select {
	case e.queue <- queuedEvent{ev: ev}:
	default:
		e.logger.Warn("event queue full, lifecycle event dropped", "execution_id", job.ID, "operation", op)
	}
}

func (e *Engine) drainEvents() {
	defer close(e.drained)
	for q := range e.queue {
		if q.flushed != nil {
			close(q.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := e.publisher.Publish(ctx, q.ev); err != nil {
			e.logger.Warn("failed to publish lifecycle event",
				"execution_id", q.ev.EntityID, "operation", q.ev.Operation, "error", err)
		}
		cancel()
	}
}

// flushEvents waits until every event queued so far has been published.
func (e *Engine) flushEvents() {
	e.queueMu.RLock()
	if e.queueClosed {
		e.queueMu.RUnlock()
		<-e.drained
		return
	}
	marker := make(chan struct{})
	e.queue <- queuedEvent{flushed: marker}
	e.queueMu.RUnlock()
	<-marker
}

func (e *Engine) closeQueue() {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if !e.queueClosed {
		e.queueClosed = true
		close(e.queue)
	}
}
