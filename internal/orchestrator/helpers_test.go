package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/events"
	"github.com/asheshgoplani/agentsession/internal/fakeagent"
	"github.com/asheshgoplani/agentsession/internal/stream"
)

const waitTimeout = 5 * time.Second

var errRefused = &api.Error{Kind: api.Unreachable, Op: "health", Err: errors.New("connection refused")}

// stubAPI answers every call successfully unless a hook says otherwise.
type stubAPI struct {
	mu    sync.Mutex
	calls map[string]int

	health  func() error
	exists  func() (bool, error)
	create  func() error
	start   func() error
	pause   func() error
	reset   func() error
	del     func() error
	load    func() ([]events.ServerEvent, error)
	state   func() (api.SessionState, error)
	sendErr error

	interrupts []string
	responses  []string
	created    []api.AgentConfig
	startKeys  []string
}

func (s *stubAPI) record(op string) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[op]++
	s.mu.Unlock()
}

func (s *stubAPI) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *stubAPI) hook(op string) func() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case "health":
		return s.health
	case "create":
		return s.create
	case "start":
		return s.start
	case "pause":
		return s.pause
	case "reset":
		return s.reset
	case "delete":
		return s.del
	}
	return nil
}

func (s *stubAPI) set(fn func(s *stubAPI)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *stubAPI) run(op string) error {
	s.record(op)
	if fn := s.hook(op); fn != nil {
		return fn()
	}
	return nil
}

func (s *stubAPI) Health(ctx context.Context) error { return s.run("health") }

func (s *stubAPI) SessionExists(ctx context.Context, name string) (bool, error) {
	s.record("exists")
	s.mu.Lock()
	fn := s.exists
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return true, nil
}

func (s *stubAPI) CreateSession(ctx context.Context, name, path string, cfg api.AgentConfig) error {
	s.mu.Lock()
	s.created = append(s.created, cfg)
	s.mu.Unlock()
	return s.run("create")
}

func (s *stubAPI) StartSession(ctx context.Context, name, apiKey string) error {
	s.mu.Lock()
	s.startKeys = append(s.startKeys, apiKey)
	s.mu.Unlock()
	return s.run("start")
}

func (s *stubAPI) PauseSession(ctx context.Context, name string) error  { return s.run("pause") }
func (s *stubAPI) ResetSession(ctx context.Context, name string) error  { return s.run("reset") }
func (s *stubAPI) DeleteSession(ctx context.Context, name string) error { return s.run("delete") }

func (s *stubAPI) LoadEvents(ctx context.Context, name string) ([]events.ServerEvent, error) {
	s.record("load")
	s.mu.Lock()
	fn := s.load
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil, nil
}

func (s *stubAPI) GetState(ctx context.Context, name string) (api.SessionState, error) {
	s.record("state")
	s.mu.Lock()
	fn := s.state
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return api.SessionState(`{}`), nil
}

func (s *stubAPI) SendInterrupt(ctx context.Context, name, text string) error {
	s.record("interrupt")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts = append(s.interrupts, text)
	return s.sendErr
}

func (s *stubAPI) SendResponse(ctx context.Context, name, text string) error {
	s.record("response")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, text)
	return s.sendErr
}

// gate blocks calls until opened.
type gate struct {
	once sync.Once
	ch   chan struct{}
	err  error
}

func newGate(err error) *gate { return &gate{ch: make(chan struct{}), err: err} }

func (g *gate) wait() error { <-g.ch; return g.err }
func (g *gate) open()       { g.once.Do(func() { close(g.ch) }) }

// chanTransport feeds every connection from one shared channel.
type chanTransport struct {
	ch chan events.ServerEvent
}

func newChanTransport() *chanTransport {
	return &chanTransport{ch: make(chan events.ServerEvent, 64)}
}

func (t *chanTransport) Name() string { return "chan" }

func (t *chanTransport) Dial(ctx context.Context, url string) (stream.Conn, error) {
	return &chanConn{src: t.ch, closed: make(chan struct{})}, nil
}

type chanConn struct {
	src    chan events.ServerEvent
	closed chan struct{}
	once   sync.Once
}

func (c *chanConn) Next() (events.ServerEvent, error) {
	select {
	case ev := <-c.src:
		return ev, nil
	case <-c.closed:
		return events.ServerEvent{}, io.EOF
	}
}

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func waitState(t *testing.T, o *Orchestrator, s State) Status {
	t.Helper()
	return waitFor(t, o, func(st Status) bool { return st.State == s })
}

func waitFor(t *testing.T, o *Orchestrator, pred func(Status) bool) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	st, err := o.WaitFor(ctx, pred)
	require.NoError(t, err, "last status: state=%s retry=%d err=%s", st.State, st.Context.HealthcheckRetry, st.LastError)
	return st
}

func newFakeAgent(t *testing.T) (*fakeagent.Server, *httptest.Server) {
	t.Helper()
	fake := fakeagent.New()
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(func() {
		fake.CloseStreams()
		srv.Close()
	})
	return fake, srv
}

func fastConfig(host, name string) Config {
	return Config{
		Host:                host,
		Name:                name,
		Path:                "/work/" + name,
		AgentConfig:         api.AgentConfig{Model: "m1", APIKey: "key-1"},
		HealthcheckInterval: 20 * time.Millisecond,
		RetryInterval:       20 * time.Millisecond,
		PollInterval:        20 * time.Millisecond,
	}
}
