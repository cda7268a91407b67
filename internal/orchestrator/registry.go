package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agentsession/internal/events"
	"github.com/asheshgoplani/agentsession/internal/logging"
	"github.com/asheshgoplani/agentsession/internal/statedb"
)

var regLog = logging.ForComponent(logging.CompRegistry)

var (
	// ErrUnknownSession is returned for an ID the registry does not hold.
	ErrUnknownSession = errors.New("orchestrator: unknown session")
	// ErrSessionExists is returned when creating a duplicate ID.
	ErrSessionExists = errors.New("orchestrator: session already registered")
)

// ClientFactory returns the API client for a host.
type ClientFactory func(host string) API

// RegistryOptions configures a Registry. DB may be nil to keep the
// registry in memory only.
type RegistryOptions struct {
	Clients ClientFactory
	Deps    Deps
	DB      *statedb.StateDB
}

type entry struct {
	orch  *Orchestrator
	order int
	done  chan struct{}
}

// Registry owns the orchestrators of a host application, keyed by
// SessionID. When backed by a StateDB it records every session and keeps
// its state and a view checkpoint up to date.
type Registry struct {
	opts RegistryOptions

	mu      sync.Mutex
	entries map[string]*entry
	clients map[string]API
	next    int
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		opts:    opts,
		entries: make(map[string]*entry),
		clients: make(map[string]API),
	}
}

func (r *Registry) clientLocked(host string) API {
	if c, ok := r.clients[host]; ok {
		return c
	}
	c := r.opts.Clients(host)
	r.clients[host] = c
	return c
}

// Create starts an orchestrator for cfg. A checkpoint stored for the same
// session seeds its view until the event log is replayed.
func (r *Registry) Create(ctx context.Context, cfg Config) (*Orchestrator, error) {
	id := SessionID(cfg.Host, cfg.Name)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	deps := r.opts.Deps
	deps.API = r.clientLocked(cfg.Host)
	order := r.next
	r.next++

	if r.opts.DB != nil {
		if view, ok := r.loadCheckpoint(id); ok {
			cfg.InitialView = view
		}
	}
	orch := New(cfg, deps)
	e := &entry{orch: orch, order: order, done: make(chan struct{})}
	r.entries[id] = e
	r.mu.Unlock()

	if r.opts.DB != nil {
		r.persist(cfg, order)
		go r.track(e)
	} else {
		close(e.done)
	}
	if err := orch.Start(ctx); err != nil {
		r.remove(id)
		return nil, err
	}
	regLog.Info("session_registered", slog.String("id", id), slog.Bool("persistent", r.opts.DB != nil))
	return orch, nil
}

// Lookup returns the orchestrator for id.
func (r *Registry) Lookup(id string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.orch, true
}

// List returns the orchestrators in creation order.
func (r *Registry) List() []*Orchestrator {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	out := make([]*Orchestrator, len(entries))
	for i, e := range entries {
		out[i] = e.orch
	}
	return out
}

// Len returns the number of registered orchestrators.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Dispose tears down the orchestrator for id and removes it. The stored
// record and checkpoint are kept.
func (r *Registry) Dispose(id string) error {
	e := r.remove(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	r.shutdown(e)
	regLog.Info("session_disposed", slog.String("id", id))
	return nil
}

// Forget disposes id if running and deletes its stored record.
func (r *Registry) Forget(id string) error {
	if e := r.remove(id); e != nil {
		r.shutdown(e)
	}
	if r.opts.DB == nil {
		return nil
	}
	if err := r.opts.DB.DeleteSession(id); err != nil {
		return fmt.Errorf("registry: forget %s: %w", id, err)
	}
	_ = r.opts.DB.Touch()
	return nil
}

// Known returns every stored session record, including ones with no
// running orchestrator. Nil without a StateDB.
func (r *Registry) Known() ([]*statedb.SessionRow, error) {
	if r.opts.DB == nil {
		return nil, nil
	}
	return r.opts.DB.LoadSessions()
}

// CloseAll disposes every orchestrator concurrently and refuses new ones.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		entries = append(entries, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				r.shutdown(e)
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("registry: close %s: %w", e.orch.ID(), gctx.Err())
			}
		})
	}
	err := g.Wait()
	regLog.Info("registry_closed", slog.Int("sessions", len(entries)))
	return err
}

func (r *Registry) remove(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	return e
}

// shutdown closes the orchestrator and, when persistent, waits for the
// final checkpoint to be written.
func (r *Registry) shutdown(e *entry) {
	e.orch.Close()
	<-e.done
}

func (r *Registry) persist(cfg Config, order int) {
	agent, _ := json.Marshal(cfg.AgentConfig.Redacted())
	id := SessionID(cfg.Host, cfg.Name)
	row := &statedb.SessionRow{
		ID:        id,
		Host:      cfg.Host,
		Name:      cfg.Name,
		Path:      cfg.Path,
		Model:     cfg.AgentConfig.Model,
		State:     string(StateHealthcheckCheck),
		Order:     order,
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
		AgentData: agent,
	}
	if existing, err := r.opts.DB.GetSession(id); err == nil && existing != nil {
		row.CreatedAt = existing.CreatedAt
	}
	if err := r.opts.DB.SaveSession(row); err != nil {
		regLog.Warn("session_persist_failed", slog.String("id", id), slog.String("error", err.Error()))
		return
	}
	_ = r.opts.DB.Touch()
}

// track mirrors state changes into the StateDB and writes a checkpoint
// when the orchestrator stops.
func (r *Registry) track(e *entry) {
	defer close(e.done)
	id := e.orch.ID()
	ch := e.orch.Subscribe()
	defer e.orch.Unsubscribe(ch)

	var last Status
	var lastState State
	lastRetry := -1
	for {
		select {
		case st := <-ch:
			last = st
			if st.State != lastState || st.Context.HealthcheckRetry != lastRetry {
				lastState, lastRetry = st.State, st.Context.HealthcheckRetry
				if err := r.opts.DB.UpdateSessionState(id, string(st.State), st.Context.HealthcheckRetry); err != nil {
					regLog.Warn("session_state_persist_failed", slog.String("id", id), slog.String("error", err.Error()))
				}
			}
		case <-e.orch.Done():
			final := e.orch.Status()
			if final.Generation >= last.Generation {
				last = final
			}
			r.saveCheckpoint(id, last)
			return
		}
	}
}

func (r *Registry) saveCheckpoint(id string, st Status) {
	if err := r.opts.DB.UpdateSessionState(id, string(st.State), st.Context.HealthcheckRetry); err != nil {
		regLog.Warn("session_state_persist_failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	view, err := json.Marshal(st.View)
	if err != nil {
		return
	}
	if err := r.opts.DB.SaveCheckpoint(&statedb.CheckpointRow{
		SessionID:  id,
		View:       view,
		EventCount: st.EventsApplied,
	}); err != nil {
		regLog.Warn("checkpoint_save_failed", slog.String("id", id), slog.String("error", err.Error()))
		return
	}
	_ = r.opts.DB.Touch()
	regLog.Debug("checkpoint_saved", slog.String("id", id), slog.Int("events", st.EventsApplied))
}

func (r *Registry) loadCheckpoint(id string) (events.SessionView, bool) {
	cp, err := r.opts.DB.LoadCheckpoint(id)
	if err != nil || cp == nil {
		return events.SessionView{}, false
	}
	var view events.SessionView
	if err := json.Unmarshal(cp.View, &view); err != nil {
		regLog.Warn("checkpoint_corrupt", slog.String("id", id), slog.String("error", err.Error()))
		return events.SessionView{}, false
	}
	return view, true
}
