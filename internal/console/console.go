// Package console streams the bridge's telemetry bus to operators over
// Server-Sent Events and WebSocket. Both handlers are read-only views: they
// subscribe to the bus, forward envelopes, and drop on slow consumers.
package console

import (
	"log/slog"
	"net/http"

	"github.com/hearthcloud/bridge/internal/events"
)

// Console serves the event-stream routes.
type Console struct {
	log *slog.Logger
	bus *events.Bus
}

// New creates a console over the given bus.
func New(log *slog.Logger, bus *events.Bus) *Console {
	return &Console{log: log, bus: bus}
}

// filterTypes reads the optional ?type=a&type=b filter.
func filterTypes(r *http.Request) []string {
	return r.URL.Query()["type"]
}

// ServeSSE streams bus events as Server-Sent Events until the client goes
// away.
func (c *Console) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := c.bus.Subscribe(filterTypes(r)...)
	defer c.bus.Unsubscribe(ch)

	c.log.Debug("sse consumer connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			frame, err := ev.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
