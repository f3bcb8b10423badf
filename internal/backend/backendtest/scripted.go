// Package backendtest provides a scripted Adapter for exercising the
// orchestration and lifecycle layers without a real framework.
package backendtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seantiz/orchestra/internal/backend"
)

// Step scripts one unit of work.
type Step struct {
	Name  string
	Delay time.Duration
	Fail  error
}

// Adapter runs a fixed list of steps regardless of the definition.
// Configure the exported fields before registering it.
type Adapter struct {
	*backend.Base

	Steps []Step

	// ExecErr and Panic make Execute fault instead of running the steps.
	ExecErr error
	Panic   any

	ValidateErrors []string
	Estimate       backend.Resources
	EstimateErr    error
	EstimatePanic  any

	InitErr     error
	ShutdownErr error

	// CancelDelay blocks Cancel, ignoring the context, to mimic a slow backend.
	CancelDelay time.Duration
	CancelErr   error

	initCalls     atomic.Int32
	shutdownCalls atomic.Int32
	executeCalls  atomic.Int32
}

// New creates a scripted adapter registered under id.
func New(id string, steps ...Step) *Adapter {
	desc := backend.Descriptor{
		ID:      id,
		Name:    "Scripted " + id,
		Version: "test",
		Capabilities: backend.Capabilities{
			Async:                   true,
			MaxConcurrentExecutions: 2,
		},
		DefaultResources: backend.Resources{CPU: 1, MemoryMB: 256},
		Languages:        []string{"go"},
	}
	return &Adapter{
		Base:     backend.NewBase(desc, slog.New(slog.NewJSONHandler(io.Discard, nil))),
		Steps:    steps,
		Estimate: desc.DefaultResources,
	}
}

// Initialize records the call and returns InitErr.
func (a *Adapter) Initialize(ctx context.Context, cfg backend.Config) error {
	a.initCalls.Add(1)
	if a.InitErr != nil {
		return a.InitErr
	}
	return a.Base.Initialize(ctx, cfg)
}

// Shutdown records the call and returns ShutdownErr.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.shutdownCalls.Add(1)
	if err := a.Base.Shutdown(ctx); err != nil {
		return err
	}
	return a.ShutdownErr
}

// Validate returns ValidateErrors.
func (a *Adapter) Validate(_ backend.Definition) backend.ValidationResult {
	return backend.Check(a.ValidateErrors)
}

// Execute runs the scripted steps.
func (a *Adapter) Execute(ctx context.Context, _ backend.Definition, _ map[string]any, ec backend.ExecutionContext) (backend.Result, error) {
	a.executeCalls.Add(1)
	if a.Panic != nil {
		panic(a.Panic)
	}
	if a.ExecErr != nil {
		return backend.Result{}, a.ExecErr
	}

	start := time.Now()
	plan := make([]backend.Step, len(a.Steps))
	for i, s := range a.Steps {
		plan[i] = backend.Step{
			ID:   fmt.Sprintf("step_%d", i+1),
			Name: s.Name,
			Run: func(ctx context.Context) (any, error) {
				if err := backend.Sleep(ctx, s.Delay); err != nil {
					return nil, err
				}
				if s.Fail != nil {
					return nil, s.Fail
				}
				return map[string]any{"step": s.Name}, nil
			},
		}
	}

	steps, outputs, err := a.Run(ctx, ec, plan)
	return a.Finish(start, a.Estimate, steps, outputs, err), nil
}

// Cancel optionally stalls, then cancels through the tracker.
func (a *Adapter) Cancel(ctx context.Context, executionID string) error {
	if a.CancelDelay > 0 {
		time.Sleep(a.CancelDelay)
	}
	err := a.Base.Cancel(ctx, executionID)
	if a.CancelErr != nil {
		return a.CancelErr
	}
	return err
}

// EstimateResources returns Estimate, EstimateErr, or panics with EstimatePanic.
func (a *Adapter) EstimateResources(_ backend.Definition) (backend.Resources, error) {
	if a.EstimatePanic != nil {
		panic(a.EstimatePanic)
	}
	if a.EstimateErr != nil {
		return backend.Resources{}, a.EstimateErr
	}
	return a.Estimate, nil
}

// InitCalls returns how many times Initialize ran.
func (a *Adapter) InitCalls() int { return int(a.initCalls.Load()) }

// ShutdownCalls returns how many times Shutdown ran.
func (a *Adapter) ShutdownCalls() int { return int(a.shutdownCalls.Load()) }

// ExecuteCalls returns how many times Execute ran.
func (a *Adapter) ExecuteCalls() int { return int(a.executeCalls.Load()) }

var _ backend.Adapter = (*Adapter)(nil)
