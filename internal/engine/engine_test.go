package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/orchestra/internal/backend"
	"github.com/seantiz/orchestra/internal/backend/backendtest"
	"github.com/seantiz/orchestra/internal/engine"
	"github.com/seantiz/orchestra/internal/model"
	"github.com/seantiz/orchestra/internal/orchestration"
	"github.com/seantiz/orchestra/internal/store"
)

// eventLog is a Publisher that keeps every event.
type eventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (l *eventLog) Publish(_ context.Context, ev model.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) forEntity(id string) []model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Event
	for _, ev := range l.events {
		if ev.EntityID == id {
			out = append(out, ev)
		}
	}
	return out
}

// stalledPublisher blocks every Publish until released or its context ends.
type stalledPublisher struct {
	release chan struct{}
	calls   chan model.Event
}

func (p *stalledPublisher) Publish(ctx context.Context, ev model.Event) error {
	select {
	case p.calls <- ev:
	default:
	}
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type harness struct {
	eng    *engine.Engine
	store  store.Store
	reg    *backend.Registry
	events *eventLog
}

func newHarness(t *testing.T, cfg engine.Config, adapters ...*backendtest.Adapter) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := backend.NewRegistry(logger)
	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	events := &eventLog{}
	eng := engine.NewEngine(s, orchestration.New(reg, logger), events, logger, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})
	return &harness{eng: eng, store: s, reg: reg, events: events}
}

func submit(t *testing.T, h *harness, backendID string, opts engine.Options) *model.Execution {
	t.Helper()
	job, err := h.eng.Submit(context.Background(), engine.SubmitRequest{
		WorkflowID: "wf-1",
		AgentID:    "agent-1",
		BackendID:  backendID,
		CallerID:   "user-1",
		Definition: backend.Definition{"steps": 3},
		Input:      map[string]any{"q": "hi"},
		Options:    opts,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return job
}

// waitForStatus polls the store until the execution reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e, err := s.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if e.Status == expected {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	e, _ := s.GetExecution(context.Background(), id)
	t.Fatalf("execution %s did not reach %q within %v (last status %q)", id, expected, timeout, e.Status)
	return nil
}

func intPtr(n int) *int { return &n }

func TestSubmitHappyPath(t *testing.T) {
	a := backendtest.New("a",
		backendtest.Step{Name: "one", Delay: 10 * time.Millisecond},
		backendtest.Step{Name: "two", Delay: 10 * time.Millisecond},
		backendtest.Step{Name: "three"},
	)
	h := newHarness(t, engine.Config{}, a)

	job := submit(t, h, "a", engine.Options{})
	if job.Status != model.StatusQueued {
		t.Errorf("returned status = %q, want queued", job.Status)
	}
	if job.CorrelationID == "" {
		t.Error("correlation id not assigned")
	}
	if job.MaxRetries != engine.DefaultMaxRetries || job.TimeoutMS != int(engine.DefaultTimeout.Milliseconds()) {
		t.Errorf("defaults = %d retries / %d ms", job.MaxRetries, job.TimeoutMS)
	}

	done := waitForStatus(t, h.store, job.ID, model.StatusCompleted, 5*time.Second)
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Error("timestamps not recorded")
	}
	if done.ResourceUsage == nil || done.ResourceUsage.WallClockMS < 20 {
		t.Errorf("ResourceUsage = %+v", done.ResourceUsage)
	}
	if done.Performance == nil || done.Performance.StepsCount != 3 || done.Performance.CompletedSteps != 3 {
		t.Errorf("Performance = %+v", done.Performance)
	}
	if done.Payload.Output == nil {
		t.Error("output not recorded")
	}
	if done.ErrorCode != "" {
		t.Errorf("ErrorCode = %q, want none", done.ErrorCode)
	}

	steps, err := h.store.GetSteps(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("persisted %d steps, want 3", len(steps))
	}
	for _, s := range steps {
		if s.Status != model.StepCompleted {
			t.Errorf("step %s status = %q", s.ID, s.Status)
		}
	}

	h.eng.Wait()
	ops := h.events.forEntity(job.ID)
	if len(ops) != 3 {
		t.Fatalf("published %d events, want create + running + completed", len(ops))
	}
	if ops[0].Operation != model.OperationCreate || ops[2].Operation != model.OperationUpdate {
		t.Errorf("operations = %s, %s", ops[0].Operation, ops[2].Operation)
	}
	if last, _ := ops[2].Payload.(*model.Execution); last == nil || last.Status != model.StatusCompleted {
		t.Errorf("final event payload = %+v", ops[2].Payload)
	}
}

func TestSubmitDoesNotWaitForPublisher(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := backend.NewRegistry(logger)
	if err := reg.Register(backendtest.New("a", backendtest.Step{Name: "long", Delay: 5 * time.Second})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	pub := &stalledPublisher{release: make(chan struct{}), calls: make(chan model.Event, 16)}
	eng := engine.NewEngine(s, orchestration.New(reg, logger), pub, logger, engine.Config{})
	defer func() {
		close(pub.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	}()

	start := time.Now()
	job, err := eng.Submit(context.Background(), engine.SubmitRequest{
		WorkflowID: "wf-1",
		BackendID:  "a",
		Definition: backend.Definition{},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Submit took %v with a stalled publisher", elapsed)
	}

	select {
	case ev := <-pub.calls:
		if ev.EntityID != job.ID || ev.Operation != model.OperationCreate {
			t.Errorf("first event = %s/%s, want create for %s", ev.EntityID, ev.Operation, job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("create event never reached the publisher")
	}

	waitForStatus(t, s, job.ID, model.StatusRunning, 2*time.Second)
	start = time.Now()
	if _, err := eng.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Cancel took %v with a stalled publisher", elapsed)
	}
}

func TestStepStreamsReleasedAfterSettling(t *testing.T) {
	a := backendtest.New("a", backendtest.Step{Name: "one"}, backendtest.Step{Name: "two"})
	h := newHarness(t, engine.Config{}, a)

	for range 5 {
		submit(t, h, "a", engine.Options{})
	}
	h.eng.Wait()

	if n := h.eng.Broker().Streams(); n != 0 {
		t.Errorf("%d step streams still held after every execution settled", n)
	}
}

func TestSubmitUnsupportedBackendCreatesNoRecord(t *testing.T) {
	h := newHarness(t, engine.Config{}, backendtest.New("a"))

	_, err := h.eng.Submit(context.Background(), engine.SubmitRequest{WorkflowID: "wf", BackendID: "nope"})
	if !errors.Is(err, model.ErrUnsupportedBackend) {
		t.Fatalf("Submit error = %v, want ErrUnsupportedBackend", err)
	}

	n, err := h.store.CountExecutions(context.Background(), model.Filter{})
	if err != nil {
		t.Fatalf("CountExecutions: %v", err)
	}
	if n != 0 {
		t.Errorf("%d executions stored, want 0", n)
	}
}

func TestSubmitInvalidDefinition(t *testing.T) {
	a := backendtest.New("a")
	a.ValidateErrors = []string{"nodes is required", "edges is required"}
	h := newHarness(t, engine.Config{}, a)

	_, err := h.eng.Submit(context.Background(), engine.SubmitRequest{
		BackendID: "a",
		Options:   engine.Options{MaxRetries: intPtr(-1)},
	})
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Submit error = %v, want ValidationError", err)
	}
	if len(ve.Errors) != 4 {
		t.Errorf("errors = %v, want workflow id, max retries and both definition errors", ve.Errors)
	}
	if !errors.Is(err, model.ErrValidation) {
		t.Error("ValidationError should match ErrValidation")
	}
	if n, _ := h.store.CountExecutions(context.Background(), model.Filter{}); n != 0 {
		t.Errorf("%d executions stored, want 0", n)
	}
}

func TestSubmitReusesCallerCorrelationID(t *testing.T) {
	h := newHarness(t, engine.Config{DefaultMaxRetries: 5}, backendtest.New("a"))

	job := submit(t, h, "a", engine.Options{CorrelationID: "corr-123", TimeoutMS: 1234})
	if job.CorrelationID != "corr-123" {
		t.Errorf("CorrelationID = %q", job.CorrelationID)
	}
	if job.MaxRetries != 5 || job.TimeoutMS != 1234 {
		t.Errorf("MaxRetries/TimeoutMS = %d/%d", job.MaxRetries, job.TimeoutMS)
	}
}

func TestFailureRetryAndExhaustion(t *testing.T) {
	a := backendtest.New("A",
		backendtest.Step{Name: "one"},
		backendtest.Step{Name: "two", Fail: errors.New("tool call failed")},
		backendtest.Step{Name: "three"},
	)
	h := newHarness(t, engine.Config{}, a)
	ctx := context.Background()

	first := submit(t, h, "A", engine.Options{MaxRetries: intPtr(1)})
	failed := waitForStatus(t, h.store, first.ID, model.StatusFailed, 5*time.Second)
	if failed.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", failed.RetryCount)
	}
	if failed.ErrorCode != model.CodeExecutionError {
		t.Errorf("ErrorCode = %q, want EXECUTION_ERROR", failed.ErrorCode)
	}
	if detail, _ := failed.ErrorDetail.(map[string]any); detail["sub_code"] != model.CodeFramework {
		t.Errorf("ErrorDetail = %v, want sub_code FRAMEWORK_ERROR", failed.ErrorDetail)
	}

	second, err := h.eng.Retry(ctx, first.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if second.RetryCount != 1 {
		t.Errorf("retry RetryCount = %d, want 1", second.RetryCount)
	}
	if second.CorrelationID != first.CorrelationID {
		t.Errorf("retry CorrelationID = %q, want %q", second.CorrelationID, first.CorrelationID)
	}
	if second.ParentExecutionID != first.ID {
		t.Errorf("ParentExecutionID = %q, want %q", second.ParentExecutionID, first.ID)
	}
	if second.Payload.Definition == nil {
		t.Error("retry lost the definition")
	}

	waitForStatus(t, h.store, second.ID, model.StatusFailed, 5*time.Second)

	_, err = h.eng.Retry(ctx, second.ID)
	if !errors.Is(err, model.ErrRetryExhausted) {
		t.Fatalf("second Retry error = %v, want ErrRetryExhausted", err)
	}

	chain, total, err := h.eng.List(ctx, model.Filter{CorrelationID: first.CorrelationID}, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 {
		t.Errorf("chain length = %d, want 2", total)
	}
	for _, e := range chain {
		if e.RetryCount > e.MaxRetries {
			t.Errorf("execution %s has RetryCount %d > MaxRetries %d", e.ID, e.RetryCount, e.MaxRetries)
		}
	}
}

func TestRetryRules(t *testing.T) {
	h := newHarness(t, engine.Config{}, backendtest.New("a"))
	ctx := context.Background()

	if _, err := h.eng.Retry(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Retry(missing) = %v, want ErrNotFound", err)
	}

	done := submit(t, h, "a", engine.Options{})
	waitForStatus(t, h.store, done.ID, model.StatusCompleted, 5*time.Second)
	if _, err := h.eng.Retry(ctx, done.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Retry(completed) = %v, want ErrInvalidTransition", err)
	}

	noRetries := submit(t, h, "a", engine.Options{MaxRetries: intPtr(0)})
	waitForStatus(t, h.store, noRetries.ID, model.StatusCompleted, 5*time.Second)
	if _, err := h.eng.Retry(ctx, noRetries.ID); !errors.Is(err, model.ErrRetryExhausted) {
		t.Errorf("Retry with max_retries=0 = %v, want ErrRetryExhausted", err)
	}
}

func TestTimeout(t *testing.T) {
	a := backendtest.New("slow", backendtest.Step{Name: "sleep", Delay: 5 * time.Second})
	h := newHarness(t, engine.Config{}, a)

	start := time.Now()
	job := submit(t, h, "slow", engine.Options{TimeoutMS: 50})
	got := waitForStatus(t, h.store, job.ID, model.StatusTimedOut, 2*time.Second)
	elapsed := time.Since(start)

	if elapsed > 50*time.Millisecond+200*time.Millisecond {
		t.Errorf("timed out after %v, want close to 50ms", elapsed)
	}
	if got.ErrorCode != model.CodeExecutionTimeout {
		t.Errorf("ErrorCode = %q, want EXECUTION_TIMEOUT", got.ErrorCode)
	}
	if got.ResourceUsage == nil {
		t.Error("timed out execution should still record usage")
	}

	h.eng.Wait()
	final, _ := h.store.GetExecution(context.Background(), job.ID)
	if final.Status != model.StatusTimedOut {
		t.Errorf("status changed after settling: %q", final.Status)
	}
}

func TestCancelRunning(t *testing.T) {
	a := backendtest.New("a", backendtest.Step{Name: "long", Delay: 5 * time.Second})
	h := newHarness(t, engine.Config{}, a)
	ctx := context.Background()

	job := submit(t, h, "a", engine.Options{})
	waitForStatus(t, h.store, job.ID, model.StatusRunning, 2*time.Second)

	got, err := h.eng.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.StatusCancelled || got.ErrorCode != model.CodeExecutionCancelled {
		t.Errorf("Cancel returned %q/%q", got.Status, got.ErrorCode)
	}

	h.eng.Wait()
	final, _ := h.store.GetExecution(ctx, job.ID)
	if final.Status != model.StatusCancelled {
		t.Errorf("late settlement overwrote cancel: %q", final.Status)
	}

	if _, err := h.eng.Cancel(ctx, job.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("second Cancel = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.eng.Cancel(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Cancel(missing) = %v, want ErrNotFound", err)
	}
}

func TestCancelIsAuthoritativeWhenAdapterIsSlow(t *testing.T) {
	a := backendtest.New("a", backendtest.Step{Name: "long", Delay: 5 * time.Second})
	a.CancelDelay = 2 * time.Second
	h := newHarness(t, engine.Config{CancelAckTimeout: 50 * time.Millisecond}, a)

	job := submit(t, h, "a", engine.Options{})
	waitForStatus(t, h.store, job.ID, model.StatusRunning, 2*time.Second)

	start := time.Now()
	got, err := h.eng.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Cancel blocked for %v on a slow adapter", elapsed)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}

func TestCancelIsAuthoritativeWhenAdapterFails(t *testing.T) {
	a := backendtest.New("a", backendtest.Step{Name: "long", Delay: 5 * time.Second})
	a.CancelErr = errors.New("backend unreachable")
	h := newHarness(t, engine.Config{}, a)

	job := submit(t, h, "a", engine.Options{})
	waitForStatus(t, h.store, job.ID, model.StatusRunning, 2*time.Second)

	got, err := h.eng.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}

func TestPauseResume(t *testing.T) {
	a := backendtest.New("a", backendtest.Step{Name: "long", Delay: 5 * time.Second})
	h := newHarness(t, engine.Config{}, a)
	ctx := context.Background()

	job := submit(t, h, "a", engine.Options{})
	waitForStatus(t, h.store, job.ID, model.StatusRunning, 2*time.Second)

	paused, err := h.eng.Pause(ctx, job.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != model.StatusPaused || paused.PausedAt == nil {
		t.Errorf("Pause returned %q, paused_at=%v", paused.Status, paused.PausedAt)
	}

	if _, err := h.eng.Pause(ctx, job.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("second Pause = %v, want ErrInvalidTransition", err)
	}

	resumed, err := h.eng.Resume(ctx, job.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != model.StatusRunning || resumed.ResumedAt == nil {
		t.Errorf("Resume returned %q, resumed_at=%v", resumed.Status, resumed.ResumedAt)
	}

	if _, err := h.eng.Resume(ctx, job.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Resume of running = %v, want ErrInvalidTransition", err)
	}

	if _, err := h.eng.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestPausedExecutionStillSettles(t *testing.T) {
	a := backendtest.New("a", backendtest.Step{Name: "short", Delay: 150 * time.Millisecond})
	h := newHarness(t, engine.Config{}, a)

	job := submit(t, h, "a", engine.Options{})
	waitForStatus(t, h.store, job.ID, model.StatusRunning, 2*time.Second)
	if _, err := h.eng.Pause(context.Background(), job.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	waitForStatus(t, h.store, job.ID, model.StatusCompleted, 2*time.Second)
}

func TestAdapterPanicRecordedAsFailed(t *testing.T) {
	a := backendtest.New("a")
	a.Panic = "boom"
	h := newHarness(t, engine.Config{}, a)

	job := submit(t, h, "a", engine.Options{})
	got := waitForStatus(t, h.store, job.ID, model.StatusFailed, 2*time.Second)
	if got.ErrorCode != model.CodeExecutionError {
		t.Errorf("ErrorCode = %q, want EXECUTION_ERROR", got.ErrorCode)
	}
	if got.ErrorMessage == "" {
		t.Error("ErrorMessage is empty")
	}
}

func TestBackendRemovedBeforeDispatch(t *testing.T) {
	a := backendtest.New("a", backendtest.Step{Name: "s"})
	h := newHarness(t, engine.Config{}, a)

	// The leg may already be past dispatch; only assert when it was not.
	job := submit(t, h, "a", engine.Options{})
	h.reg.Unregister("a")
	h.eng.Wait()

	got, _ := h.store.GetExecution(context.Background(), job.ID)
	if got.Status == model.StatusFailed && got.ErrorCode != model.CodeUnsupportedBackend {
		t.Errorf("ErrorCode = %q, want UNSUPPORTED_BACKEND", got.ErrorCode)
	}
	if !model.IsTerminal(got.Status) {
		t.Errorf("Status = %q, want terminal", got.Status)
	}
}

func TestStepsPreferAdapterThenStore(t *testing.T) {
	a := backendtest.New("a", backendtest.Step{Name: "one"}, backendtest.Step{Name: "two"})
	h := newHarness(t, engine.Config{}, a)
	ctx := context.Background()

	job := submit(t, h, "a", engine.Options{})
	waitForStatus(t, h.store, job.ID, model.StatusCompleted, 2*time.Second)
	h.eng.Wait()

	live, err := h.eng.Steps(ctx, job.ID)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("Steps from adapter = %d, want 2", len(live))
	}

	// Without the adapter the persisted copy answers.
	h.reg.Unregister("a")
	stored, err := h.eng.Steps(ctx, job.ID)
	if err != nil {
		t.Fatalf("Steps after unregister: %v", err)
	}
	if len(stored) != 2 || stored[0].ID != "step_1" || stored[1].Status != model.StepCompleted {
		t.Errorf("stored steps = %+v", stored)
	}

	full, err := h.eng.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(full.Steps) != 2 {
		t.Errorf("Get returned %d steps, want 2", len(full.Steps))
	}

	if _, err := h.eng.Steps(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Steps(missing) = %v, want ErrNotFound", err)
	}
}

func TestStepStream(t *testing.T) {
	a := backendtest.New("a",
		backendtest.Step{Name: "one", Delay: 50 * time.Millisecond},
		backendtest.Step{Name: "two"},
	)
	h := newHarness(t, engine.Config{}, a)

	job := submit(t, h, "a", engine.Options{})
	ch, unsub := h.eng.Broker().Subscribe(job.ID)
	defer unsub()

	var got []model.ExecutionStep
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				if len(got) == 0 {
					t.Fatal("stream closed before any update")
				}
				last := got[len(got)-1]
				if last.ID != "step_2" || last.Status != model.StepCompleted {
					t.Errorf("last streamed step = %+v", last)
				}
				return
			}
			got = append(got, s)
		case <-timeout:
			t.Fatalf("stream not closed; received %d updates", len(got))
		}
	}
}

func TestStats(t *testing.T) {
	ok := backendtest.New("ok")
	bad := backendtest.New("bad", backendtest.Step{Name: "x", Fail: errors.New("nope")})
	h := newHarness(t, engine.Config{}, ok, bad)

	a := submit(t, h, "ok", engine.Options{})
	b := submit(t, h, "bad", engine.Options{})
	waitForStatus(t, h.store, a.ID, model.StatusCompleted, 2*time.Second)
	waitForStatus(t, h.store, b.ID, model.StatusFailed, 2*time.Second)

	stats, err := h.eng.Stats(context.Background(), model.Filter{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 || stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SuccessRate != 50 {
		t.Errorf("SuccessRate = %f, want 50", stats.SuccessRate)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	a := backendtest.New("a", backendtest.Step{Name: "s", Delay: 30 * time.Millisecond})
	h := newHarness(t, engine.Config{}, a)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = submit(t, h, "a", engine.Options{}).ID
	}
	for _, id := range ids {
		waitForStatus(t, h.store, id, model.StatusCompleted, 5*time.Second)
	}
}
