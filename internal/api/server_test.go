package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/orchestra/internal/backend"
	"github.com/seantiz/orchestra/internal/backend/backendtest"
	"github.com/seantiz/orchestra/internal/engine"
	"github.com/seantiz/orchestra/internal/model"
	"github.com/seantiz/orchestra/internal/notify"
	"github.com/seantiz/orchestra/internal/orchestration"
	"github.com/seantiz/orchestra/internal/store"
)

// testEnv is a server wired to a real engine over in-memory SQLite with
// scripted backends:
//
//	fast  two 20ms steps
//	slow  one 5s step
//	flaky one step that fails
type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	eng   *engine.Engine
	store store.Store
	bus   *notify.Bus
	fast  *backendtest.Adapter
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := backend.NewRegistry(logger)
	fast := backendtest.New("fast",
		backendtest.Step{Name: "plan", Delay: 20 * time.Millisecond},
		backendtest.Step{Name: "act", Delay: 20 * time.Millisecond},
	)
	slow := backendtest.New("slow", backendtest.Step{Name: "think", Delay: 5 * time.Second})
	flaky := backendtest.New("flaky", backendtest.Step{Name: "call", Fail: errBoom})
	for _, a := range []*backendtest.Adapter{fast, slow, flaky} {
		if err := reg.Register(a); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	bus := notify.NewBus()
	t.Cleanup(bus.Close)

	orch := orchestration.New(reg, logger)
	eng := engine.NewEngine(s, orch, bus, logger, engine.Config{CancelAckTimeout: 100 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})

	srv := NewServer(":0", eng, orch, bus, logger, opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, eng: eng, store: s, bus: bus, fast: fast}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestEnv(t).srv
}

var errBoom = errors.New("boom")

// do sends a request with an optional JSON body and caller id.
func (e *testEnv) do(t *testing.T, method, path string, body any, caller string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != "" {
		req.Header.Set(callerHeader, caller)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d (body %s)",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

// submitJob posts a valid execution for backendID and returns the ack.
func (e *testEnv) submitJob(t *testing.T, backendID string) submitResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/executions", map[string]any{
		"workflow_id": "wf-1",
		"agent_id":    "agent-1",
		"backend_id":  backendID,
		"definition":  map[string]any{"steps": 2},
		"input":       map[string]any{"q": "hi"},
	}, "alice")
	wantStatus(t, resp, http.StatusAccepted)
	return decode[submitResponse](t, resp)
}

// waitForStatus polls until the execution reaches status.
func (e *testEnv) waitForStatus(t *testing.T, id, status string) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := e.eng.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if job.Status == status {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s is %s, want %s", id, job.Status, status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	var seen string
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetReqID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/test", nil)
	req.Header.Set("X-Request-Id", "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if seen != "req-42" {
		t.Errorf("handler saw request id %q, want req-42", seen)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		origin  string
		allowed string
	}{
		{name: "any origin by default", origin: "http://example.com", allowed: "*"},
		{
			name:    "configured origin",
			opts:    []Option{WithAllowedOrigins("https://app.example.com")},
			origin:  "https://app.example.com",
			allowed: "https://app.example.com",
		},
		{
			name:    "other origin refused",
			opts:    []Option{WithAllowedOrigins("https://app.example.com")},
			origin:  "https://evil.example.com",
			allowed: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.opts...)

			req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/v1/executions", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", "POST")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("OPTIONS: %v", err)
			}
			defer resp.Body.Close()

			if v := resp.Header.Get("Access-Control-Allow-Origin"); v != tt.allowed {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, tt.allowed)
			}
		})
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := newTestServer(t)
	srv.addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
