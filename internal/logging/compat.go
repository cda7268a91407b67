package logging

import (
	"bytes"
	"log/slog"
	"strings"
)

// BridgeWriter wraps slog as an io.Writer so that stdlib log.Printf calls
// (net/http server errors, third-party packages) flow through the
// structured logger. A leading "[category] " prefix becomes the component.
type BridgeWriter struct {
	component string
}

// NewBridgeWriter creates a writer that forwards writes to slog.
// defaultComponent is used when no [category] prefix is found.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent}
}

// Write implements io.Writer. Each write is treated as one log line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}

	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = strings.ToLower(msg[1:idx])
			msg = msg[idx+2:]
		}
	}

	Logger().Info(msg, slog.String("component", canonicalComponent(component)), slog.String("source", "stdlib"))
	return n, nil
}

// stripLogTimestamp removes the time prefix added by log.Ltime (optionally with microseconds).
func stripLogTimestamp(s string) string {
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

func canonicalComponent(cat string) string {
	switch cat {
	case "http", "http-server", "web", "bridge":
		return CompWeb
	case "sse", "ws", "websocket", "stream":
		return CompStream
	case "sqlite", "statedb", "storage":
		return CompStorage
	case "poll", "poller":
		return CompPoller
	case "api", "client":
		return CompAPI
	default:
		return cat
	}
}
