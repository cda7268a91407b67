package fakeagent

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/events"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.record("health", r)
	s.mu.Lock()
	fail := s.down || s.failHealth > 0
	if s.failHealth > 0 {
		s.failHealth--
	}
	s.mu.Unlock()
	if fail {
		http.Error(w, "booting", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.record("list_sessions", r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList > 0 {
		s.failList--
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]string, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, map[string]string{"name": sess.Name, "path": sess.Path, "status": sess.Status})
	}
	writeJSON(w, out)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.record("create_session", r)
	var cfg api.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid agent config: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate > 0 {
		s.failCreate--
		http.Error(w, "create failed", http.StatusInternalServerError)
		return
	}
	name := r.PathValue("name")
	if _, exists := s.sessions[name]; exists {
		http.Error(w, "session exists", http.StatusConflict)
		return
	}
	s.sessions[name] = &Session{
		Name:   name,
		Path:   r.URL.Query().Get("path"),
		Config: cfg,
		Status: StatusCreated,
		State:  json.RawMessage(`{}`),
	}
	writeJSON(w, map[string]string{"name": name})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.record("delete_session", r)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.closeStreamsLocked(sess.Name)
	delete(s.sessions, sess.Name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.record("start_session", r)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.failStart > 0 {
		s.failStart--
		http.Error(w, "start failed", http.StatusInternalServerError)
		return
	}
	sess.APIKey = r.URL.Query().Get("api_key")
	sess.Status = StatusRunning
	writeJSON(w, map[string]string{"status": sess.Status})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.record("pause_session", r)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.Status = StatusPaused
	writeJSON(w, map[string]string{"status": sess.Status})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.record("reset_session", r)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.Events = nil
	sess.State = json.RawMessage(`{}`)
	sess.Status = StatusPaused
	writeJSON(w, map[string]string{"status": sess.Status})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.record("load_events", r)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	out := sess.Events
	if out == nil {
		out = []events.ServerEvent{}
	}
	writeJSON(w, out)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.record("get_state", r)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(sess.State)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	s.record("send_interrupt", r)
	var body api.InterruptEvent
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid event: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.Type != string(events.TypeInterrupt) {
		http.Error(w, fmt.Sprintf("unsupported event type %q", body.Type), http.StatusUnprocessableEntity)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ev := events.NewEvent(events.TypeInterrupt, body.Content)
	ev.Producer, ev.Consumer = body.Producer, body.Consumer
	s.appendLocked(sess, ev)
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	s.record("send_response", r)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ev := events.NewEvent(events.TypeUserResponse, r.URL.Query().Get("response"))
	ev.Producer, ev.Consumer = "user", "agent"
	s.appendLocked(sess, ev)
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) (*subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(w, r)
	if !ok {
		return nil, false
	}
	sub := &subscriber{ch: make(chan events.ServerEvent, 256)}
	if s.subs[sess.Name] == nil {
		s.subs[sess.Name] = make(map[*subscriber]struct{})
	}
	s.subs[sess.Name][sub] = struct{}{}
	return sub, true
}

func (s *Server) unsubscribe(name string, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[name][sub]; ok {
		delete(s.subs[name], sub)
		close(sub.ch)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.record("stream", r)
	name := r.PathValue("name")

	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r, name)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unavailable", http.StatusInternalServerError)
		return
	}
	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer s.unsubscribe(name, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, name string) {
	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer s.unsubscribe(name, sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Reader goroutine notices client close frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, open := <-sub.ch:
			if !open {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session deleted"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
