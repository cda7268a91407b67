package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/asheshgoplani/agentsession/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompReducer)

// ErrStoreClosed is returned by Store methods after Close.
var ErrStoreClosed = errors.New("events: store closed")

type storeOp struct {
	event *ServerEvent
	reset bool
	reply chan SessionView
}

// Store owns a SessionView and applies events to it one at a time, in the
// order they were submitted. All access goes through its inbox, so callers
// on different goroutines never share the view.
type Store struct {
	inbox chan storeOp
	done  chan struct{}
	exit  chan struct{}

	closeOnce sync.Once

	subsMu sync.Mutex
	subs   map[chan SessionView]struct{}
}

// NewStore starts a Store holding the zero view.
func NewStore() *Store {
	return NewStoreFrom(SessionView{})
}

// NewStoreFrom starts a Store holding initial (used to resume from a checkpoint).
func NewStoreFrom(initial SessionView) *Store {
	s := &Store{
		inbox: make(chan storeOp, 1024),
		done:  make(chan struct{}),
		exit:  make(chan struct{}),
		subs:  make(map[chan SessionView]struct{}),
	}
	go s.run(initial.Clone())
	return s
}

func (s *Store) run(view SessionView) {
	defer close(s.exit)
	applied := 0
	for {
		select {
		case <-s.done:
			storeLog.Debug("store_stopped", slog.Int("applied", applied))
			return
		case op := <-s.inbox:
			switch {
			case op.reply != nil:
				op.reply <- view.Clone()
				continue
			case op.reset:
				view = SessionView{}
			case op.event != nil:
				before := view.Ended
				view = Reduce(view, *op.event)
				applied++
				if view.Ended && !before {
					storeLog.Info("session_ended", slog.Int("messages", len(view.Messages)))
				}
			}
			s.publish(view)
		}
	}
}

func (s *Store) submit(ctx context.Context, op storeOp) error {
	select {
	case <-s.done:
		return ErrStoreClosed
	default:
	}
	select {
	case s.inbox <- op:
		return nil
	case <-s.done:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply queues ev for reduction.
func (s *Store) Apply(ctx context.Context, ev ServerEvent) error {
	return s.submit(ctx, storeOp{event: &ev})
}

// Replay queues evs in order.
func (s *Store) Replay(ctx context.Context, evs []ServerEvent) error {
	for i := range evs {
		if err := s.Apply(ctx, evs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Reset queues a replacement of the view with its zero value.
func (s *Store) Reset(ctx context.Context) error {
	return s.submit(ctx, storeOp{reset: true})
}

// Snapshot returns a copy of the view after every previously queued
// operation has been applied.
func (s *Store) Snapshot(ctx context.Context) (SessionView, error) {
	reply := make(chan SessionView, 1)
	if err := s.submit(ctx, storeOp{reply: reply}); err != nil {
		return SessionView{}, err
	}
	select {
	case view := <-reply:
		return view, nil
	case <-s.exit:
		return SessionView{}, ErrStoreClosed
	case <-ctx.Done():
		return SessionView{}, ctx.Err()
	}
}

// Subscribe returns a channel receiving the latest view after each change.
// Slow readers only see the most recent view.
func (s *Store) Subscribe() chan SessionView {
	ch := make(chan SessionView, 1)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (s *Store) Unsubscribe(ch chan SessionView) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Store) publish(view SessionView) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- view.Clone():
		default:
		}
	}
}

// Close stops the store goroutine. Safe to call multiple times.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.exit
	})
}
