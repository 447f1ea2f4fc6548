package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"accessdesk.org/internal/stream"
)

const keepAliveInterval = 15 * time.Second

// Stream relays audit entries as Server-Sent Events, optionally narrowed to
// one access request with ?requestId=.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.stream.Subscribe(r.Context(), stream.ForRequest(r.URL.Query().Get("requestId")))

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", entry.ID, entry.Event, payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		}
	}
}
