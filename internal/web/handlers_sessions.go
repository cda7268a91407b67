package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/orchestrator"
)

const maxCommandBody = 1 << 20

type sessionSummary struct {
	ID               string             `json:"id"`
	Host             string             `json:"host"`
	Name             string             `json:"name"`
	Path             string             `json:"path"`
	State            orchestrator.State `json:"state"`
	Messages         int                `json:"messages"`
	Ended            bool               `json:"ended"`
	UserRequest      bool               `json:"userRequest"`
	HealthcheckRetry int                `json:"healthcheckRetry"`
	Fatal            bool               `json:"fatal"`
	LastError        string             `json:"lastError,omitempty"`
}

type sessionsResponse struct {
	Sessions []sessionSummary `json:"sessions"`
	Total    int              `json:"total"`
}

type createSessionRequest struct {
	Host        string           `json:"host"`
	Name        string           `json:"name"`
	Path        string           `json:"path"`
	AgentConfig *api.AgentConfig `json:"agentConfig"`
}

func (s *Server) summarize(st orchestrator.Status) sessionSummary {
	return sessionSummary{
		ID:               st.ID,
		Host:             st.Context.Host,
		Name:             st.Context.Name,
		Path:             st.Context.Path,
		State:            st.State,
		Messages:         len(st.View.Messages),
		Ended:            st.View.Ended,
		UserRequest:      st.View.UserRequest,
		HealthcheckRetry: st.Context.HealthcheckRetry,
		Fatal:            st.Fatal(s.cfg.FatalThreshold),
		LastError:        st.LastError,
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		orchs := s.registry.List()
		resp := sessionsResponse{Sessions: make([]sessionSummary, 0, len(orchs))}
		for _, o := range orchs {
			resp.Sessions = append(resp.Sessions, s.summarize(o.Status()))
		}
		resp.Total = len(resp.Sessions)
		writeJSON(w, http.StatusOK, resp)

	case http.MethodPost:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "session creation is disabled in read-only mode")
			return
		}
		s.createSession(w, r)

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}

	cfg := s.cfg.Template
	cfg.InitialView = cfg.InitialView.Clone()
	if req.Host != "" {
		cfg.Host = strings.TrimRight(req.Host, "/")
	}
	if cfg.Host == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "host is required")
		return
	}
	cfg.Name = req.Name
	if cfg.Name == "" {
		cfg.Name = orchestrator.GenerateUniqueSessionName(func(name string) bool {
			_, taken := s.registry.Lookup(orchestrator.SessionID(cfg.Host, name))
			return taken
		})
	}
	if req.Path != "" {
		cfg.Path = req.Path
	}
	if req.AgentConfig != nil {
		cfg.AgentConfig = *req.AgentConfig
	}

	// The orchestrator outlives the request; the registry owner closes it.
	o, err := s.registry.Create(context.Background(), cfg)
	switch {
	case errors.Is(err, orchestrator.ErrSessionExists):
		writeAPIError(w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
		return
	case errors.Is(err, orchestrator.ErrClosed):
		writeAPIError(w, http.StatusServiceUnavailable, "REGISTRY_CLOSED", "registry is shutting down")
		return
	case err != nil:
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	webLog.Info("session_created", slog.String("id", o.ID()))
	writeJSON(w, http.StatusCreated, o.Status())
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	o, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, o.Status())

	case http.MethodDelete:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "disposal is disabled in read-only mode")
			return
		}
		var err error
		if r.URL.Query().Get("forget") == "true" {
			err = s.registry.Forget(o.ID())
		} else {
			err = s.registry.Dispose(o.ID())
		}
		if err != nil && !errors.Is(err, orchestrator.ErrUnknownSession) {
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleSessionCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "commands are disabled in read-only mode")
		return
	}
	o, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	var cmd orchestrator.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&cmd); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}

	if err := o.Dispatch(cmd); err != nil {
		status, code := commandErrorStatus(err)
		writeAPIError(w, status, code, err.Error())
		return
	}
	s.push.TriggerSync()
	writeJSON(w, http.StatusAccepted, o.Status())
}

// commandErrorStatus maps a Dispatch error to an HTTP status and code.
func commandErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrIgnored):
		return http.StatusConflict, "COMMAND_IGNORED"
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusGone, "SESSION_CLOSED"
	default:
		return http.StatusBadRequest, "INVALID_COMMAND"
	}
}

// lookupSession resolves {id} as a full session ID, or as a session name
// when exactly one registered session has it.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*orchestrator.Orchestrator, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return nil, false
	}
	if o, ok := s.registry.Lookup(id); ok {
		return o, true
	}

	var match *orchestrator.Orchestrator
	for _, o := range s.registry.List() {
		if o.Status().Context.Name != id {
			continue
		}
		if match != nil {
			writeAPIError(w, http.StatusConflict, "AMBIGUOUS_SESSION", "session name is registered on several hosts")
			return nil, false
		}
		match = o
	}
	if match == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return nil, false
	}
	return match, true
}
