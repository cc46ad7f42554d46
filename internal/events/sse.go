package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrStreamingUnsupported = errors.New("response writer does not support flushing")

// WriteEvent writes one server-sent event frame.
func WriteEvent(w io.Writer, name string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
	return err
}

// Stream relays sub to the client as server-sent events until the client goes away
// or the subscription closes. backlog is written first; live events published
// while it was being gathered may repeat entries from it. A ping event is sent
// every ping interval. Stream closes sub before returning.
func Stream(w http.ResponseWriter, r *http.Request, sub *Subscription, ping time.Duration, backlog ...Event) error {
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	for _, ev := range backlog {
		if err := WriteEvent(w, ev.Name, ev.Data); err != nil {
			return err
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case now := <-ticker.C:
			if err := WriteEvent(w, "ping", map[string]int64{"time": now.Unix()}); err != nil {
				return err
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := WriteEvent(w, ev.Name, ev.Data); err != nil {
				return err
			}
		}
		flusher.Flush()
	}
}
