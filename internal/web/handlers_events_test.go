package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/orchestrator"
)

type sseFrame struct {
	event string
	data  string
}

func readSSEFrame(t *testing.T, reader *bufio.Reader) sseFrame {
	t.Helper()
	var frame sseFrame
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if frame.event != "" {
				return frame
			}
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openSessionEvents(t *testing.T, baseURL, path string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("expected event-stream content type, got %s", ct)
	}
	return bufio.NewReader(resp.Body)
}

func TestSessionEventsStreamStatus(t *testing.T) {
	env := newTestEnv(t)
	o := env.register(t, "alpha")
	waitState(t, o, orchestrator.StateSessionDoesNotExist)
	srv := env.server(Config{})
	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	reader := openSessionEvents(t, testServer.URL, "/events/sessions/alpha")

	frame := readSSEFrame(t, reader)
	if frame.event != "status" {
		t.Fatalf("expected status event, got %q", frame.event)
	}
	var st orchestrator.Status
	if err := json.Unmarshal([]byte(frame.data), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != orchestrator.StateSessionDoesNotExist {
		t.Fatalf("expected initial state %s, got %s", orchestrator.StateSessionDoesNotExist, st.State)
	}

	if err := o.Dispatch(orchestrator.Create("/a", api.AgentConfig{Model: "m1"})); err != nil {
		t.Fatalf("dispatch create: %v", err)
	}
	for st.State != orchestrator.StateSessionReady {
		frame = readSSEFrame(t, reader)
		if frame.event != "status" {
			t.Fatalf("expected status event, got %q", frame.event)
		}
		if err := json.Unmarshal([]byte(frame.data), &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
	}

	if err := env.reg.Dispose(o.ID()); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	for frame.event != "end" {
		frame = readSSEFrame(t, reader)
	}
	if !strings.Contains(frame.data, `"state":"stopped"`) {
		t.Fatalf("expected stopped end event, got %s", frame.data)
	}
}

func TestSessionEventsNotFound(t *testing.T) {
	srv := newTestEnv(t).server(Config{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events/sessions/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
}

func TestSessionEventsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alpha")
	srv := env.server(Config{Token: "secret-token"})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events/sessions/alpha", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}

func TestStatusFingerprintIgnoresPublishTime(t *testing.T) {
	a := orchestrator.Status{ID: "h|n", State: orchestrator.StateRunning, Generation: 3, UpdatedAt: time.Unix(1, 0)}
	b := a
	b.Generation = 4
	b.UpdatedAt = time.Unix(2, 0)
	if statusFingerprint(a) != statusFingerprint(b) {
		t.Fatal("expected equal fingerprints for statuses differing only in time and generation")
	}
	b.State = orchestrator.StatePaused
	if statusFingerprint(a) == statusFingerprint(b) {
		t.Fatal("expected state change to change the fingerprint")
	}
}
