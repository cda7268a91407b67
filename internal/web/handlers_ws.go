package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/agentsession/internal/orchestrator"
)

type wsClientMessage struct {
	Type      string                `json:"type"` // ping, command
	RequestID string                `json:"requestId,omitempty"`
	Command   *orchestrator.Command `json:"command,omitempty"`
}

type wsServerMessage struct {
	Type      string               `json:"type"` // status, result, error
	Event     string               `json:"event,omitempty"`
	Code      string               `json:"code,omitempty"`
	Message   string               `json:"message,omitempty"`
	SessionID string               `json:"sessionId,omitempty"`
	RequestID string               `json:"requestId,omitempty"`
	OK        bool                 `json:"ok,omitempty"`
	ReadOnly  bool                 `json:"readOnly,omitempty"`
	Status    *orchestrator.Status `json:"status,omitempty"`
	Time      time.Time            `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serializes writes; gorilla connections allow one writer.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	o, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	sessionID := o.ID()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)
	_ = writer.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "connected",
		SessionID: sessionID,
		ReadOnly:  s.cfg.ReadOnly,
		Time:      time.Now().UTC(),
	})

	// Status pump: runs until the reader loop returns.
	statuses := o.Subscribe()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		last := ""
		for st := range statuses {
			fp := statusFingerprint(st)
			if fp == last {
				continue
			}
			last = fp
			if err := writer.WriteJSON(wsServerMessage{
				Type:      "status",
				Event:     "update",
				SessionID: sessionID,
				Status:    &st,
				Time:      time.Now().UTC(),
			}); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		o.Unsubscribe(statuses)
		<-pumpDone
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "error",
				Code:      "INVALID_MESSAGE",
				Message:   "invalid json payload",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "status",
				Event:     "pong",
				SessionID: sessionID,
				RequestID: msg.RequestID,
				Time:      time.Now().UTC(),
			})
		case "command":
			_ = writer.WriteJSON(s.runWSCommand(o, msg))
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "error",
				Code:      "UNSUPPORTED_MESSAGE",
				Message:   "supported message types: ping,command",
				SessionID: sessionID,
				RequestID: msg.RequestID,
				Time:      time.Now().UTC(),
			})
		}
	}
}

func (s *Server) runWSCommand(o *orchestrator.Orchestrator, msg wsClientMessage) wsServerMessage {
	reply := wsServerMessage{
		Type:      "result",
		SessionID: o.ID(),
		RequestID: msg.RequestID,
		Time:      time.Now().UTC(),
	}
	switch {
	case s.cfg.ReadOnly:
		reply.Code = "READ_ONLY"
		reply.Message = "commands are disabled in read-only mode"
	case msg.Command == nil:
		reply.Code = "INVALID_COMMAND"
		reply.Message = "command is required"
	default:
		if err := o.Dispatch(*msg.Command); err != nil {
			_, reply.Code = commandErrorStatus(err)
			reply.Message = err.Error()
		} else {
			reply.OK = true
			s.push.TriggerSync()
		}
	}
	return reply
}
