package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/streaming"
)

const heartbeatInterval = 15 * time.Second

// streamParams are the query parameters shared by SSE and WebSocket
type streamParams struct {
	runID  string
	lastID uint64
	types  map[string]struct{}
}

func parseStreamParams(r *http.Request) (streamParams, error) {
	p := streamParams{runID: r.URL.Query().Get("run_id"), types: map[string]struct{}{}}
	if p.runID == "" {
		return p, fmt.Errorf("run_id required")
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	// Last-Event-ID header wins over the query parameter
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastID = n
		}
	} else if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.lastID = n
		}
	}
	return p, nil
}

func (p streamParams) wants(evt streaming.Event) bool {
	if len(p.types) == 0 {
		return true
	}
	_, ok := p.types[evt.Type]
	return ok
}

// backlog returns retained events after lastID, from the ring or the Redis
// mirror when the ring no longer holds the run.
func (s *Server) backlog(r *http.Request, p streamParams) []streaming.Event {
	evs := s.events.ReplaySince(p.runID, p.lastID)
	if len(evs) > 0 {
		return evs
	}
	mirrored, err := s.events.ReadStream(r.Context(), p.runID, p.lastID, 0)
	if err != nil {
		return nil
	}
	return mirrored
}

// handleSSE streams run events as Server-Sent Events until the run ends or
// the client disconnects.
// GET /stream/sse?run_id=<id>[&types=A,B][&last_event_id=N]
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, err := parseStreamParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// subscribe before replaying so nothing published in between is lost
	ch := s.events.Subscribe(p.runID, 256)
	defer s.events.Unsubscribe(p.runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", p.runID)
	flusher.Flush()

	sent := p.lastID
	write := func(evt streaming.Event) bool {
		if evt.Seq <= sent {
			return false
		}
		sent = evt.Seq
		if p.wants(evt) {
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, evt.Marshal())
			flusher.Flush()
		}
		return evt.Terminal()
	}

	for _, evt := range s.backlog(r, p) {
		if write(evt) {
			return
		}
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected", zap.String("run_id", p.runID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if write(evt) {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
