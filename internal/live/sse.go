package live

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const heartbeatInterval = 15 * time.Second

// ServeSSE streams every change on keys to the client as server-sent events
// until the request context ends.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, keys []string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	outbound := make(chan Change, 16)
	for _, key := range keys {
		sub := h.Subscribe(key, func(c Change) {
			select {
			case outbound <- c:
			case <-ctx.Done():
			}
		})
		defer sub.Close()
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("sse client gone", "error", ctx.Err())
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case c := <-outbound:
			data, err := json.Marshal(c)
			if err != nil {
				h.logger.Warn("marshal change", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Event, data)
			flusher.Flush()
		}
	}
}
