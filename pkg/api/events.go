package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/r3labs/sse/v2"
	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/models"
)

// EventHub fans executor events out to SSE streams and websocket
// subscribers. It implements runtime.EventSink.
type EventHub struct {
	sse      *sse.Server
	ws       *WebSocketManager
	sessions SessionLister
	logger   logging.Logger
}

// NewEventHub creates a hub with one SSE stream per session. New SSE
// subscribers get every event the session produced so far. Events of
// sessions unknown to sessions are dropped.
func NewEventHub(ws *WebSocketManager, sessions SessionLister, logger logging.Logger) *EventHub {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	server := sse.New()
	server.AutoReplay = true
	server.AutoStream = false
	server.Headers["X-Accel-Buffering"] = "no"
	return &EventHub{sse: server, ws: ws, sessions: sessions, logger: logger}
}

// Publish implements runtime.EventSink
func (h *EventHub) Publish(ev models.Event) {
	if h.sessions != nil {
		if _, err := h.sessions.Info(ev.SessionID); err != nil {
			return
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("Failed to encode event",
			logging.String("session_id", ev.SessionID),
			logging.Err(err),
		)
		return
	}

	h.sse.CreateStream(ev.SessionID)
	h.sse.Publish(ev.SessionID, &sse.Event{
		ID:    []byte(strconv.FormatInt(ev.Seq, 10)),
		Event: []byte(ev.Type),
		Data:  data,
	})

	if h.ws != nil {
		h.ws.Broadcast(ev)
	}
}

// RemoveSession closes the SSE stream of a session. Registered as the
// session registry's eviction hook.
func (h *EventHub) RemoveSession(sessionID string) {
	h.sse.RemoveStream(sessionID)
	if h.ws != nil {
		h.ws.DropSession(sessionID)
	}
}

// ServeSession streams the events of one session until the client leaves or
// the session is removed
func (h *EventHub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.sse.CreateStream(sessionID)

	q := r.URL.Query()
	q.Set("stream", sessionID)
	r2 := r.Clone(r.Context())
	r2.URL.RawQuery = q.Encode()
	h.sse.ServeHTTP(w, r2)
}

// Close shuts down every stream
func (h *EventHub) Close() {
	h.sse.Close()
}
