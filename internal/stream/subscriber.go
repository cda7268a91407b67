// Package stream holds the long-lived push connection to a session's event
// stream. It forwards events but never reconnects by itself.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/events"
	"github.com/asheshgoplani/agentsession/internal/logging"
)

var streamLog = logging.ForComponent(logging.CompStream)

// Connection states reported by Subscriber.State.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateOpen       = "open"
)

// Config wires a Subscriber to its consumer.
type Config struct {
	// Transport defaults to SSETransport.
	Transport Transport
	// Sink receives every decoded event in arrival order.
	Sink func(events.ServerEvent)
	// OnClosed is called once when a connection ends without being asked
	// to (server closed it, dial failed, network error).
	OnClosed func(error)
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdReset
	cmdStop
)

type connection struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *connection) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Subscriber is the event stream task for one session.
type Subscriber struct {
	host string
	name string
	cfg  Config

	cmds   chan cmdKind
	quit   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	state     atomic.Value // string
	opened    atomic.Int64
}

// New starts an idle Subscriber for session name on host.
func New(host, name string, cfg Config) *Subscriber {
	if cfg.Transport == nil {
		cfg.Transport = SSETransport{}
	}
	if cfg.Sink == nil {
		cfg.Sink = func(events.ServerEvent) {}
	}
	if cfg.OnClosed == nil {
		cfg.OnClosed = func(error) {}
	}
	s := &Subscriber{
		host:   host,
		name:   name,
		cfg:    cfg,
		cmds:   make(chan cmdKind, 16),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.state.Store(StateIdle)
	go s.run()
	return s
}

// Start opens the connection if none is open.
func (s *Subscriber) Start() { s.send(cmdStart) }

// Reset closes any open connection and opens a new one.
func (s *Subscriber) Reset() { s.send(cmdReset) }

// Stop closes the connection, leaving the subscriber ready for Start.
func (s *Subscriber) Stop() { s.send(cmdStop) }

// Close closes any open connection and ends the task. It returns once the
// connection is closed. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.exited
}

// State returns the connection state.
func (s *Subscriber) State() string { return s.state.Load().(string) }

// Connections returns how many connections have been opened so far.
func (s *Subscriber) Connections() int64 { return s.opened.Load() }

func (s *Subscriber) send(c cmdKind) {
	select {
	case s.cmds <- c:
	case <-s.exited:
	}
}

func (s *Subscriber) run() {
	defer close(s.exited)
	var active *connection

	closeActive := func() {
		if active == nil {
			return
		}
		active.cancel()
		<-active.done
		active = nil
		s.state.Store(StateIdle)
	}
	defer closeActive()

	for {
		select {
		case <-s.quit:
			return
		case c := <-s.cmds:
			switch c {
			case cmdStart:
				if active != nil && !active.finished() {
					continue
				}
				active = s.open()
			case cmdReset:
				closeActive()
				active = s.open()
			case cmdStop:
				closeActive()
			}
		}
	}
}

func (s *Subscriber) open() *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{cancel: cancel, done: make(chan struct{})}
	s.state.Store(StateConnecting)
	go func() {
		err := s.read(ctx)
		close(c.done)
		// Reported after done so a Start from OnClosed opens a fresh connection.
		if err != nil {
			s.cfg.OnClosed(err)
		}
	}()
	return c
}

// read pumps one connection. It returns a non-nil error only when the
// connection ended without being cancelled.
func (s *Subscriber) read(ctx context.Context) error {
	url := api.StreamURL(s.host, s.name)
	log := streamLog.With(slog.String("session", s.name), slog.String("transport", s.cfg.Transport.Name()))

	conn, err := s.cfg.Transport.Dial(ctx, url)
	if err != nil {
		s.state.Store(StateIdle)
		if ctx.Err() == nil {
			log.Warn("stream_dial_failed", slog.String("error", err.Error()))
			return err
		}
		return nil
	}
	s.opened.Add(1)
	s.state.CompareAndSwap(StateConnecting, StateOpen)
	log.Info("stream_opened")

	// Closing the conn unblocks Next when the subscriber cancels.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		ev, err := conn.Next()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				log.Warn("stream_frame_dropped", slog.String("error", err.Error()))
				continue
			}
			if ctx.Err() != nil {
				log.Info("stream_closed")
				return nil
			}
			log.Warn("stream_lost", slog.String("error", err.Error()))
			s.state.Store(StateIdle)
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		logging.Aggregate(logging.CompStream, "frame_received", slog.String("session", s.name))
		s.cfg.Sink(ev)
	}
}
