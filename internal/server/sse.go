package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleEvents streams pipeline events as server-sent events. Each
// connection owns its own subscriber queue; a synthetic keepalive
// comment goes out whenever no real event fired within the interval so
// intermediate proxies do not time the connection out.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	keepalive := time.NewTimer(s.opts.KeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-sub.C():
			if !open {
				return
			}
			if err := writeSSE(w, event.Name, event.Data); err != nil {
				s.logger.Debug().Err(err).Msg("subscriber write failed, dropping connection")
				return
			}
			flusher.Flush()
			resetTimer(keepalive, s.opts.KeepaliveInterval)
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			keepalive.Reset(s.opts.KeepaliveInterval)
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
