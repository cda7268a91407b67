// Package fakeagent is an in-memory stand-in for the remote agent server.
// It serves the same HTTP surface (including the SSE/WebSocket event
// stream) and lets tests inject events and failures.
package fakeagent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/events"
	"github.com/asheshgoplani/agentsession/internal/logging"
)

var fakeLog = logging.ForComponent("fakeagent")

// Session status values reported in GET /sessions.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusPaused  = "paused"
)

// Call records one request received by the server.
type Call struct {
	Op    string
	Name  string
	Query string
	At    time.Time
}

// Session is a copy of a fake session's server-side state.
type Session struct {
	Name   string
	Path   string
	Config api.AgentConfig
	Status string
	APIKey string
	Events []events.ServerEvent
	State  json.RawMessage
}

type subscriber struct {
	ch chan events.ServerEvent
}

// Server is the fake agent server. Use Handler with httptest.NewServer.
type Server struct {
	mu       sync.Mutex
	sessions map[string]*Session
	subs     map[string]map[*subscriber]struct{}
	calls    []Call

	down       bool
	failHealth int
	failCreate int
	failStart  int
	failList   int

	handler http.Handler
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// New returns an empty server.
func New() *Server {
	s := &Server{
		sessions: make(map[string]*Session),
		subs:     make(map[string]map[*subscriber]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("POST /sessions/{name}", s.handleCreate)
	mux.HandleFunc("DELETE /sessions/{name}", s.handleDelete)
	mux.HandleFunc("PATCH /sessions/{name}/start", s.handleStart)
	mux.HandleFunc("PATCH /sessions/{name}/pause", s.handlePause)
	mux.HandleFunc("PATCH /sessions/{name}/reset", s.handleReset)
	mux.HandleFunc("GET /sessions/{name}/events", s.handleEvents)
	mux.HandleFunc("GET /sessions/{name}/state", s.handleState)
	mux.HandleFunc("GET /sessions/{name}/events/stream", s.handleStream)
	mux.HandleFunc("POST /sessions/{name}/event", s.handleEvent)
	mux.HandleFunc("POST /sessions/{name}/response", s.handleResponse)
	s.handler = mux
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// SetDown makes every health probe fail with 503 until cleared.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// FailHealth makes the next n health probes fail with 503.
func (s *Server) FailHealth(n int) { s.mu.Lock(); s.failHealth = n; s.mu.Unlock() }

// FailCreate makes the next n create calls fail with 500.
func (s *Server) FailCreate(n int) { s.mu.Lock(); s.failCreate = n; s.mu.Unlock() }

// FailStart makes the next n start calls fail with 500.
func (s *Server) FailStart(n int) { s.mu.Lock(); s.failStart = n; s.mu.Unlock() }

// FailList makes the next n session listings fail with 500.
func (s *Server) FailList(n int) { s.mu.Lock(); s.failList = n; s.mu.Unlock() }

// AddSession registers a session directly, as if created earlier.
func (s *Server) AddSession(name, path string, evs ...events.ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[name] = &Session{
		Name:   name,
		Path:   path,
		Status: StatusCreated,
		Events: append([]events.ServerEvent(nil), evs...),
		State:  json.RawMessage(`{}`),
	}
}

// Emit appends ev to the session log and pushes it to open streams.
func (s *Server) Emit(name string, ev events.ServerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return fmt.Errorf("fakeagent: no session %q", name)
	}
	s.appendLocked(sess, ev)
	return nil
}

// SetState replaces the aggregate state snapshot of a session.
func (s *Server) SetState(name string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return fmt.Errorf("fakeagent: no session %q", name)
	}
	sess.State = raw
	return nil
}

// Session returns a copy of the named session.
func (s *Server) Session(name string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return Session{}, false
	}
	out := *sess
	out.Events = append([]events.ServerEvent(nil), sess.Events...)
	return out, true
}

// Calls returns every request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many requests with the given op were received.
func (s *Server) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Subscribers returns the number of open event streams for a session.
func (s *Server) Subscribers(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[name])
}

func (s *Server) record(op string, r *http.Request) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: op, Name: r.PathValue("name"), Query: r.URL.RawQuery, At: time.Now()})
	s.mu.Unlock()
}

func (s *Server) appendLocked(sess *Session, ev events.ServerEvent) {
	sess.Events = append(sess.Events, ev)
	for sub := range s.subs[sess.Name] {
		select {
		case sub.ch <- ev:
		default:
			fakeLog.Warn("stream_subscriber_full", slog.String("session", sess.Name))
		}
	}
}

func (s *Server) closeStreamsLocked(name string) {
	for sub := range s.subs[name] {
		close(sub.ch)
	}
	delete(s.subs, name)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, ok := s.sessions[r.PathValue("name")]
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
	}
	return sess, ok
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// CloseStreams ends every open event stream, as a server restart would.
func (s *Server) CloseStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.subs {
		s.closeStreamsLocked(name)
	}
}
