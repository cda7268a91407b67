package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/agentsession/internal/events"
)

// ErrMalformedFrame marks a frame that could not be decoded. The
// connection stays usable.
var ErrMalformedFrame = errors.New("stream: malformed frame")

// Conn is one open push connection.
type Conn interface {
	// Next blocks for the next event. It returns ErrMalformedFrame (wrapped)
	// for undecodable frames and any other error when the connection ended.
	Next() (events.ServerEvent, error)
	Close() error
}

// Transport opens push connections.
type Transport interface {
	Dial(ctx context.Context, streamURL string) (Conn, error)
	Name() string
}

// TransportByName returns the transport for a config value ("sse" or
// "websocket"); unknown names fall back to SSE.
func TransportByName(name string) Transport {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "websocket", "ws":
		return WebSocketTransport{}
	default:
		return SSETransport{}
	}
}

// SSETransport reads text/event-stream responses.
type SSETransport struct {
	// Client defaults to an http.Client without a timeout.
	Client *http.Client
}

func (SSETransport) Name() string { return "sse" }

func (t SSETransport) Dial(ctx context.Context, streamURL string) (Conn, error) {
	client := t.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream: connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream: connect: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return &sseConn{body: resp.Body, reader: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

type sseConn struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	skipLF    bool
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Next reads lines until a blank line ends a frame carrying data.
// Multiple data lines are joined with "\n"; comments and other fields
// (event, id, retry) are ignored.
func (c *sseConn) Next() (events.ServerEvent, error) {
	var data []string
	for {
		line, err := c.readLine()
		if err != nil {
			if len(data) > 0 && errors.Is(err, io.EOF) {
				return decodeFrame(strings.Join(data, "\n"))
			}
			return events.ServerEvent{}, err
		}

		if line == "" {
			payload := strings.Join(data, "\n")
			data = data[:0]
			if payload == "" {
				continue
			}
			return decodeFrame(payload)
		}
		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
}

// readLine returns the next line without its terminator. CRLF, LF and a
// lone CR all end a line.
func (c *sseConn) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return sb.String(), err
		}
		if c.skipLF {
			c.skipLF = false
			if b == '\n' {
				continue
			}
		}
		switch b {
		case '\n':
			return sb.String(), nil
		case '\r':
			c.skipLF = true
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}

func (c *sseConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.body.Close()
	})
	return err
}

// WebSocketTransport reads one JSON event per text message.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
}

func (WebSocketTransport) Name() string { return "websocket" }

func (t WebSocketTransport) Dial(ctx context.Context, streamURL string) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, toWebSocketURL(streamURL), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream: websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("stream: websocket connect: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *wsConn) Next() (events.ServerEvent, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return events.ServerEvent{}, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return decodeFrame(string(data))
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = c.conn.Close()
	})
	return err
}

func toWebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

func decodeFrame(data string) (events.ServerEvent, error) {
	var ev events.ServerEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return events.ServerEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if ev.Type == "" {
		return events.ServerEvent{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return ev, nil
}
