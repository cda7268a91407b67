package web

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/asheshgoplani/agentsession/internal/logging"
	"github.com/asheshgoplani/agentsession/internal/orchestrator"
)

var sessionEventsHeartbeatInterval = 15 * time.Second

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	o, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	statuses := o.Subscribe()
	defer o.Unsubscribe(statuses)

	heartbeatTicker := time.NewTicker(sessionEventsHeartbeatInterval)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	lastFingerprint := ""
	emitIfChanged := func(st orchestrator.Status) error {
		next := statusFingerprint(st)
		if next == lastFingerprint {
			logging.Aggregate(logging.CompWeb, "status_unchanged")
			return nil
		}
		if err := writeSSEEvent(w, flusher, "status", st); err != nil {
			return err
		}
		lastFingerprint = next
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case st := <-statuses:
			if err := emitIfChanged(st); err != nil {
				webLog.Debug("session_stream_write_failed",
					slog.String("id", o.ID()),
					slog.String("error", err.Error()))
				return
			}
			if st.State.Terminal() {
				_ = writeSSEEvent(w, flusher, "end", map[string]string{"id": o.ID(), "state": string(st.State)})
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// statusFingerprint ignores the publish time and generation, so a retry
// that changes nothing visible is not sent again.
func statusFingerprint(st orchestrator.Status) string {
	st.UpdatedAt = time.Time{}
	st.Generation = 0
	raw, err := json.Marshal(st)
	if err != nil {
		return "marshal-error"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
