package handlers

import (
	"net/http"
	"time"

	"boardgen/internal/logger"
	"boardgen/internal/stream"
	"boardgen/pkg/api"

	"github.com/gorilla/websocket"
)

const (
	keepAliveInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// StreamEvents handles GET /executions/{id}/events as Server-Sent Events.
// The stream ends after the terminal event. Reconnecting clients get no
// replay and should read the execution for the current state.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.ownedExecution(w, r)
	if !ok {
		return
	}

	events, cancel, err := h.engine.Subscribe(r.Context(), exec.ID)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	defer cancel()

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.drained:
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := stream.WriteSSE(w, ev); err != nil {
				logger.FromContext(r.Context(), h.logger).Debug("sse client gone", "execution_id", exec.ID, "error", err)
				return
			}
			_ = rc.Flush()
		}
	}
}

// StreamWebSocket handles GET /executions/{id}/ws. Events are sent as JSON
// text messages and the socket is closed normally after the terminal event.
func (h *Handlers) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.ownedExecution(w, r)
	if !ok {
		return
	}

	events, cancel, err := h.engine.Subscribe(r.Context(), exec.ID)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}
	defer conn.Close()

	// The reader only watches for the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	log := logger.FromContext(r.Context(), h.logger)
	closeCode, reason := websocket.CloseNormalClosure, "execution finished"
loop:
	for {
		select {
		case <-h.drained:
			closeCode, reason = websocket.CloseGoingAway, "server shutting down"
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if err := writeWS(conn, ev); err != nil {
				log.Debug("websocket client gone", "execution_id", exec.ID, "error", err)
				return
			}
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason))
}

func writeWS(conn *websocket.Conn, ev api.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}
