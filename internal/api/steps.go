package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/orchestra/internal/model"
)

// stepsResponse is the JSON response for GET /v1/executions/{id}/steps.
type stepsResponse struct {
	ExecutionID string                `json:"execution_id"`
	Status      string                `json:"status"`
	Steps       []model.ExecutionStep `json:"steps"`
}

func (s *Server) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorize(w, r)
	if !ok {
		return
	}

	steps := job.Steps
	if steps == nil {
		steps = []model.ExecutionStep{}
	}
	s.writeJSON(w, http.StatusOK, stepsResponse{
		ExecutionID: job.ID,
		Status:      job.Status,
		Steps:       steps,
	})
}

// handleStreamSteps streams step updates as server-sent events until the
// execution settles. Each update is a "step" event carrying the step as JSON;
// the stream ends with a "done" event. A settled execution replays its
// recorded steps and ends at once.
func (s *Server) handleStreamSteps(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorize(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A job that settled after it was loaded has a closed topic; the closed
	// channel ends the stream with the stored final status.
	ch, unsub := s.engine.Broker().Subscribe(job.ID)
	defer unsub()

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}
	defer trackStream(streamSteps)()

	w.WriteHeader(http.StatusOK)

	if model.IsTerminal(job.Status) {
		for _, step := range job.Steps {
			if err := writeStepEvent(w, step); err != nil {
				return
			}
		}
		_ = writeSSEEvent(w, "done", job.Status)
		_ = rc.Flush()
		return
	}
	_ = rc.Flush()

	for {
		select {
		case step, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", s.finalStatus(r, job.ID))
				_ = rc.Flush()
				return
			}
			if err := writeStepEvent(w, step); err != nil {
				return // client gone
			}
			_ = rc.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// finalStatus looks the execution up again once its stream closed.
func (s *Server) finalStatus(r *http.Request, id string) string {
	job, err := s.engine.Get(r.Context(), id)
	if err != nil {
		return "unknown"
	}
	return job.Status
}

func writeStepEvent(w http.ResponseWriter, step model.ExecutionStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, "step", string(data))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
