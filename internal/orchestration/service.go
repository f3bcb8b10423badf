package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/orchestra/internal/backend"
	"github.com/seantiz/orchestra/internal/model"
)

const tracerName = "github.com/seantiz/orchestra/internal/orchestration"

// Request is what a caller asks a backend to run.
type Request struct {
	Definition backend.Definition
	Input      map[string]any
}

// Service routes calls to the adapter registered for a backend id.
type Service struct {
	registry *backend.Registry
	logger   *slog.Logger
	tracer   trace.Tracer

	enforce bool
	mu      sync.Mutex
	gates   map[string]*semaphore.Weighted
}

// Option configures a Service.
type Option func(*Service)

// WithConcurrencyLimits makes Execute wait for a slot when a backend is
// already running MaxConcurrentExecutions jobs. Time spent waiting counts
// against the execution timeout.
func WithConcurrencyLimits(enabled bool) Option {
	return func(s *Service) { s.enforce = enabled }
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// New creates a Service over reg.
func New(reg *backend.Registry, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		gates:    make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backends lists the descriptors of every registered backend.
func (s *Service) Backends() []backend.Descriptor {
	return s.registry.List()
}

// Descriptor returns the descriptor of one backend.
func (s *Service) Descriptor(backendID string) (backend.Descriptor, error) {
	if err := s.registry.ValidateSupport(backendID); err != nil {
		return backend.Descriptor{}, err
	}
	d, _ := s.registry.Descriptor(backendID)
	return d, nil
}

// ValidateSupport reports model.ErrUnsupportedBackend for unknown ids.
func (s *Service) ValidateSupport(backendID string) error {
	return s.registry.ValidateSupport(backendID)
}

// Validate checks def against the backend. A panicking validator yields an
// invalid result rather than a crash.
func (s *Service) Validate(backendID string, def backend.Definition) (res backend.ValidationResult, err error) {
	a, err := s.registry.Resolve(backendID)
	if err != nil {
		return backend.ValidationResult{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("validator panicked", "backend", backendID, "panic", r)
			res = backend.Invalid(fmt.Sprintf("validator failed: %v", r))
		}
	}()
	return a.Validate(def), nil
}

// Execute runs req on the backend. The returned error is only ever
// model.ErrUnsupportedBackend: every other failure, including adapter panics,
// timeouts and cancellation of ctx, comes back as a Result with
// Success=false. ExecutionTime is always measured here.
func (s *Service) Execute(ctx context.Context, backendID string, req Request, ec backend.ExecutionContext) (backend.Result, error) {
	a, err := s.registry.Resolve(backendID)
	if err != nil {
		return backend.Result{}, err
	}

	ctx, span := s.tracer.Start(ctx, "orchestration.Execute", trace.WithAttributes(
		attribute.String("backend.id", backendID),
		attribute.String("execution.id", ec.ExecutionID),
		attribute.String("correlation.id", ec.CorrelationID),
		attribute.Int64("execution.timeout_ms", ec.Timeout.Milliseconds()),
	))
	defer span.End()

	inFlight.WithLabelValues(backendID).Inc()
	defer inFlight.WithLabelValues(backendID).Dec()

	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timeout <-chan time.Time
	if ec.Timeout > 0 {
		t := time.NewTimer(ec.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	// Buffered so an abandoned adapter call can still deliver and exit.
	done := make(chan backend.Result, 1)
	go func() {
		done <- s.invoke(runCtx, a, backendID, req, ec)
	}()

	var res backend.Result
	select {
	case res = <-done:
	case <-timeout:
		cancel()
		res = backend.Result{
			Steps: s.snapshot(a, ec.ExecutionID),
			Error: &model.CanonicalError{
				Code:    model.CodeExecutionTimeout,
				Message: fmt.Sprintf("execution exceeded timeout of %s", ec.Timeout),
			},
		}
	case <-ctx.Done():
		cancel()
		res = backend.Result{
			Steps: s.snapshot(a, ec.ExecutionID),
			Error: &model.CanonicalError{
				Code:    model.CodeExecutionCancelled,
				Message: ctx.Err().Error(),
			},
		}
	}

	if !res.Success && res.Error == nil {
		res.Error = &model.CanonicalError{
			Code:    model.CodeExecutionError,
			Message: "backend reported failure without an error",
		}
	}
	if !res.Success && res.Error.Code == model.CodeExecutionError && res.Error.SubCode == "" {
		res.Error = withSubCode(backendID, res.Error)
	}
	res.ExecutionTime = time.Since(start)

	outcome := "success"
	if !res.Success {
		outcome = strings.ToLower(res.Error.Code)
		span.SetStatus(codes.Error, res.Error.Message)
		span.SetAttributes(attribute.String("error.code", res.Error.Code))
	}
	executionsTotal.WithLabelValues(backendID, outcome).Inc()
	executionDuration.WithLabelValues(backendID).Observe(res.ExecutionTime.Seconds())
	return res, nil
}

// invoke calls the adapter, converting a returned error or a panic into a
// failed Result.
func (s *Service) invoke(ctx context.Context, a backend.Adapter, backendID string, req Request, ec backend.ExecutionContext) (res backend.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("adapter panicked", "backend", backendID, "execution_id", ec.ExecutionID, "panic", r)
			res = s.fault(backendID, fmt.Errorf("adapter panic: %v", r))
		}
	}()

	release, err := s.acquire(ctx, backendID, a)
	if err != nil {
		return backend.Result{Error: backend.Classify(err)}
	}
	defer release()

	r, err := a.Execute(ctx, req.Definition, req.Input, ec)
	if err != nil {
		s.logger.Warn("adapter returned error", "backend", backendID, "execution_id", ec.ExecutionID, "error", err)
		return s.fault(backendID, err)
	}
	return r
}

// fault builds the failed Result for an adapter error. The canonical code is
// always EXECUTION_ERROR; the translated backend code rides along as SubCode.
func (s *Service) fault(backendID string, err error) backend.Result {
	translated := TranslateError(backendID, err)
	return backend.Result{
		Error: &model.CanonicalError{
			Code:    model.CodeExecutionError,
			SubCode: translated.Code,
			Message: err.Error(),
			Detail: map[string]any{
				"backend": backendID,
				"cause":   err.Error(),
				"summary": translated.Message,
			},
		},
	}
}

// withSubCode returns a copy of an adapter-reported failure carrying the
// translated backend code. A map Detail gains the operator summary.
func withSubCode(backendID string, ce *model.CanonicalError) *model.CanonicalError {
	translated := TranslateError(backendID, errors.New(ce.Message))
	out := *ce
	out.SubCode = translated.Code
	if d, ok := ce.Detail.(map[string]any); ok {
		merged := maps.Clone(d)
		merged["summary"] = translated.Message
		out.Detail = merged
	}
	return &out
}

func (s *Service) acquire(ctx context.Context, backendID string, a backend.Adapter) (func(), error) {
	if !s.enforce {
		return func() {}, nil
	}
	limit := a.Descriptor().Capabilities.MaxConcurrentExecutions
	if limit <= 0 {
		return func() {}, nil
	}

	s.mu.Lock()
	gate, ok := s.gates[backendID]
	if !ok {
		gate = semaphore.NewWeighted(int64(limit))
		s.gates[backendID] = gate
	}
	s.mu.Unlock()

	if err := gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { gate.Release(1) }, nil
}

func (s *Service) snapshot(a backend.Adapter, executionID string) []model.ExecutionStep {
	steps, err := a.Status(context.Background(), executionID)
	if err != nil {
		return nil
	}
	return steps
}

// Status returns the adapter's step snapshot for an execution.
func (s *Service) Status(ctx context.Context, backendID, executionID string) ([]model.ExecutionStep, error) {
	a, err := s.registry.Resolve(backendID)
	if err != nil {
		return nil, err
	}
	return a.Status(ctx, executionID)
}

// Cancel forwards a cancellation to the adapter.
func (s *Service) Cancel(ctx context.Context, backendID, executionID string) error {
	a, err := s.registry.Resolve(backendID)
	if err != nil {
		return err
	}
	return a.Cancel(ctx, executionID)
}

// EstimateResources asks the backend for an estimate and falls back to
// backend.DefaultEstimate when the adapter fails or panics.
func (s *Service) EstimateResources(backendID string, def backend.Definition) (est backend.Resources, err error) {
	a, err := s.registry.Resolve(backendID)
	if err != nil {
		return backend.Resources{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("estimator panicked, using default", "backend", backendID, "panic", r)
			est, err = backend.DefaultEstimate, nil
		}
	}()

	est, estErr := a.EstimateResources(def)
	if estErr != nil {
		s.logger.Warn("estimate failed, using default", "backend", backendID, "error", estErr)
		return backend.DefaultEstimate, nil
	}
	return est, nil
}

// TranslateError is the package-level TranslateError, exposed on the
// service for callers that only hold a Service.
func (s *Service) TranslateError(backendID string, err error) model.CanonicalError {
	return TranslateError(backendID, err)
}
