package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"

	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

// ServeSSE writes event-stream frames for sub until the client
// disconnects or the request context is canceled. The caller is
// responsible for creating sub (via Broadcaster.Subscribe) and closing
// it; ServeSSE does not call sub.Close().
//
// net/http's Flusher is used directly rather than a third-party SSE
// library: none of the example repos in this corpus carry one, and the
// protocol is a handful of lines over the standard library.
func ServeSSE(w http.ResponseWriter, r *http.Request, sub *Subscription) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, event); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event v1.SessionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data); err != nil {
		return err
	}
	return nil
}
