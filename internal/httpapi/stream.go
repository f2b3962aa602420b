package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"testdeck/internal/observability"
	"testdeck/internal/run"
	logx "testdeck/pkg/logx"
)

type consolePayload struct {
	Line string `json:"line"`
}

type completePayload struct {
	Status       string `json:"status"`
	ErrorDetails string `json:"errorDetails,omitempty"`
}

// handleRunEvents streams a run's console output and terminal status as
// server-sent events. Output accumulated before the subscription is
// replayed first, so a client always sees the full ordered stream; the
// complete event is last and ends the response. Periodic comment lines
// keep idle connections from being reaped by intermediaries.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel, ok := s.tracker.Subscribe(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	observability.StreamSubscribers.Inc()
	defer observability.StreamSubscribers.Dec()
	s.log.Debug("event stream opened", logx.String("run", id))

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case e, open := <-ch:
			if !open {
				// Either the terminal event was already delivered or we
				// were dropped as a slow consumer; the client resyncs by
				// reconnecting and re-reading the snapshot.
				return
			}
			switch e.Kind {
			case run.EventConsole:
				writeEvent(w, "console", consolePayload{Line: e.Line})
			case run.EventComplete:
				writeEvent(w, "complete", completePayload{
					Status:       string(e.Status),
					ErrorDetails: e.ErrorDetails,
				})
				flusher.Flush()
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
