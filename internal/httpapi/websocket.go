package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS mirrors handleSSE over a WebSocket, one JSON event per message.
// GET /stream/ws?run_id=<id>
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, err := parseStreamParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(p.runID, 256)
	defer s.events.Unsubscribe(p.runID, ch)

	sent := p.lastID
	// write reports whether the stream should stop
	write := func(evt streaming.Event) bool {
		if evt.Seq <= sent {
			return false
		}
		sent = evt.Seq
		if p.wants(evt) {
			if err := conn.WriteJSON(evt); err != nil {
				return true
			}
		}
		if evt.Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
				time.Now().Add(time.Second))
			return true
		}
		return false
	}

	for _, evt := range s.backlog(r, p) {
		if write(evt) {
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// reader pump discards client messages and notices disconnects
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case evt, ok := <-ch:
			if !ok || write(evt) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
