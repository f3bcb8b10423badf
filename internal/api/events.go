package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/orchestra/internal/access"
	"github.com/seantiz/orchestra/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware configuration.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventFilter narrows the lifecycle events pushed to one websocket.
type eventFilter struct {
	executionID   string
	correlationID string
	backendID     string
	caller        string
}

func (f eventFilter) match(ev model.Event, checker access.Checker) bool {
	if f.executionID != "" && ev.EntityID != f.executionID {
		return false
	}
	job, ok := ev.Payload.(*model.Execution)
	if !ok {
		return f.correlationID == "" && f.backendID == ""
	}
	if f.correlationID != "" && job.CorrelationID != f.correlationID {
		return false
	}
	if f.backendID != "" && job.BackendID != f.backendID {
		return false
	}
	return checker.CanAccess(f.caller, access.Resource{WorkflowID: job.WorkflowID, AgentID: job.AgentID})
}

// handleEvents upgrades to a websocket and pushes every execution lifecycle
// event the caller may see as a JSON text message. Optional query filters:
// execution_id, correlation_id, backend_id.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := eventFilter{
		executionID:   q.Get("execution_id"),
		correlationID: q.Get("correlation_id"),
		backendID:     q.Get("backend_id"),
		caller:        callerID(r),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	defer trackStream(streamEvents)()

	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	s.logger.Debug("event stream opened", "remote_addr", conn.RemoteAddr().String())

	// The read pump only services control frames and notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event stream closed unexpectedly", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if !filter.match(ev, s.access) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
