package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/callosumhq/callosum/notifier"
)

// eventBuffer is the per-subscriber queue depth. Bus handlers must not
// block, so a slow SSE consumer drops events rather than stalling the gate.
const eventBuffer = 64

// handleEvents streams gate events as server-sent events. Each event is one
// SSE message with the notifier event type as the SSE event name and the
// JSON event as the data line.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "sse_not_supported", "streaming not supported")
		return
	}

	bus := s.gate.Notifier()
	if bus == nil {
		writeError(w, http.StatusNotFound, "no_event_bus", "gate has no event bus")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan *notifier.Event, eventBuffer)
	sub := bus.SubscribeAll(func(ev *notifier.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer bus.Unsubscribe(sub)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + string(ev.Type) + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
