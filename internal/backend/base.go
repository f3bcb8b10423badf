package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/orchestra/internal/backend/runtime"
	"github.com/seantiz/orchestra/internal/model"
)

// Base implements the bookkeeping half of Adapter: lifecycle, step tracking,
// status, cancellation and work dispatch. Concrete adapters embed it and add
// Validate, Execute and EstimateResources.
type Base struct {
	desc    Descriptor
	logger  *slog.Logger
	tracker *Tracker

	mu          sync.RWMutex
	initialized bool
	cfg         Config
	client      *runtime.Client
}

// NewBase creates the shared adapter state for desc.
func NewBase(desc Descriptor, logger *slog.Logger) *Base {
	return &Base{
		desc:    desc,
		logger:  logger.With("backend", desc.ID),
		tracker: NewTracker(DefaultRetention),
	}
}

// Descriptor returns a copy of the backend descriptor.
func (b *Base) Descriptor() Descriptor {
	return b.desc.clone()
}

// Logger returns the backend-scoped logger.
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// Initialize connects to the remote runtime when one is configured and
// verifies it is healthy.
func (b *Base) Initialize(ctx context.Context, cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	if cfg.RuntimeURL != "" {
		c, err := runtime.New(cfg.RuntimeURL, cfg.RuntimeTimeout)
		if err != nil {
			return fmt.Errorf("%s: %w", b.desc.ID, err)
		}
		if _, err := c.Health(ctx); err != nil {
			c.Close()
			return fmt.Errorf("%s runtime health check: %w", b.desc.ID, err)
		}
		b.client = c
	}

	b.cfg = cfg
	b.initialized = true
	b.logger.Info("backend initialized", "runtime_url", cfg.RuntimeURL, "step_scale", b.scaleLocked())
	return nil
}

// Shutdown cancels live runs and drops the runtime connection.
func (b *Base) Shutdown(_ context.Context) error {
	b.tracker.CancelAll()

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil
	}
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	b.initialized = false
	b.logger.Info("backend shut down")
	return nil
}

// Status returns the step snapshot of an execution run by this instance.
func (b *Base) Status(_ context.Context, executionID string) ([]model.ExecutionStep, error) {
	return b.tracker.Status(executionID)
}

// Cancel stops an execution run by this instance.
func (b *Base) Cancel(_ context.Context, executionID string) error {
	if err := b.tracker.Cancel(executionID); err != nil {
		return err
	}
	b.logger.Info("execution cancelled", "execution_id", executionID)
	return nil
}

// Run executes plan through the tracker and streams step updates to ec.OnStep.
func (b *Base) Run(ctx context.Context, ec ExecutionContext, plan []Step) ([]model.ExecutionStep, map[string]any, error) {
	if ec.ExecutionID == "" {
		ec.ExecutionID = model.NewID()
	}

	activeRuns.WithLabelValues(b.desc.ID).Inc()
	defer activeRuns.WithLabelValues(b.desc.ID).Dec()

	onStep := func(s model.ExecutionStep) {
		if s.Status == model.StepCompleted || s.Status == model.StepFailed {
			stepsTotal.WithLabelValues(b.desc.ID, s.Status).Inc()
			stepDuration.WithLabelValues(b.desc.ID).Observe(float64(s.DurationMS) / 1000)
		}
		if ec.OnStep != nil {
			ec.OnStep(s)
		}
	}
	return b.tracker.Run(ctx, ec.ExecutionID, plan, onStep)
}

// Unit is one piece of work handed to Work.
type Unit struct {
	ExecutionID string
	StepID      string
	Config      map[string]any
	Input       map[string]any

	// Local units never go to the runtime; they are bookkeeping such as
	// initialization.
	Local bool

	// Simulated is how long the unit takes when no runtime is configured,
	// before StepScale is applied. Output is what it then returns.
	Simulated time.Duration
	Output    any
}

// Work performs a unit on the remote runtime, or simulates it locally.
func (b *Base) Work(ctx context.Context, u Unit) (any, error) {
	b.mu.RLock()
	client := b.client
	scale := b.scaleLocked()
	b.mu.RUnlock()

	if client != nil && !u.Local {
		resp, err := client.Execute(ctx, runtime.ExecuteRequest{
			ExecutionID: u.ExecutionID,
			StepID:      u.StepID,
			Config:      u.Config,
			Inputs:      u.Input,
		})
		if err != nil {
			runtimeCalls.WithLabelValues(b.desc.ID, "error").Inc()
			return nil, err
		}
		runtimeCalls.WithLabelValues(b.desc.ID, "success").Inc()
		return resp.Output, nil
	}

	if err := Sleep(ctx, time.Duration(float64(u.Simulated)*scale)); err != nil {
		return nil, err
	}
	return u.Output, nil
}

func (b *Base) scaleLocked() float64 {
	if b.cfg.StepScale > 0 {
		return b.cfg.StepScale
	}
	return 1
}

// Finish assembles the Result of a run that started at start.
func (b *Base) Finish(start time.Time, est Resources, steps []model.ExecutionStep, output any, err error) Result {
	elapsed := time.Since(start)
	res := Result{
		ExecutionTime: elapsed,
		ResourceUsage: Usage(est, elapsed),
		Steps:         steps,
	}
	if err != nil {
		res.Error = Classify(err)
		b.logger.Warn("execution failed", "code", res.Error.Code, "error", err)
		return res
	}
	res.Success = true
	res.Output = output
	return res
}

// Rejected is the Result for a definition that failed validation at execute time.
func Rejected(v ValidationResult) Result {
	return Result{
		Error: &model.CanonicalError{
			Code:    model.CodeValidation,
			Message: "invalid workflow definition",
			Detail:  v.Errors,
		},
	}
}

// Classify maps a run error onto a canonical error.
func Classify(err error) *model.CanonicalError {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return &model.CanonicalError{Code: model.CodeExecutionCancelled, Message: ErrCancelled.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &model.CanonicalError{Code: model.CodeExecutionTimeout, Message: err.Error()}
	}

	ce := &model.CanonicalError{Code: model.CodeExecutionError, Message: err.Error()}
	var se *StepError
	if errors.As(err, &se) {
		ce.Detail = map[string]any{"step": se.StepID}
	}
	return ce
}

// Usage derives consumed resources from an estimate and the elapsed time.
func Usage(est Resources, elapsed time.Duration) model.ResourceUsage {
	ms := elapsed.Milliseconds()
	u := model.ResourceUsage{
		CPUTimeMS:    int64(float64(ms) * est.CPU),
		MemoryPeakMB: int64(est.MemoryMB),
		WallClockMS:  ms,
	}
	if est.Accelerator > 0 {
		u.AcceleratorTimeMS = ms * int64(est.Accelerator)
	}
	return u
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FinalizeStep is the terminal step every plan ends with. It reports how many
// units ran before it.
func FinalizeStep(name string, units int) Step {
	return Step{
		ID:   "finalize",
		Name: name,
		Run: func(ctx context.Context) (any, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return map[string]any{"units": units}, nil
		},
	}
}
