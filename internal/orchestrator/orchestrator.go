// Package orchestrator drives one remote agent session through its
// lifecycle: health check, discovery or creation, event log replay,
// streaming, pause/resume, reset and deletion.
//
// Each Orchestrator runs a single goroutine that owns the session context.
// Host commands, API call results, timer expirations, stream events and
// polled state all arrive on one inbox and are handled in order, so no
// lifecycle transitions overlap. Every transition bumps a generation
// counter; results and timers issued under an older generation are
// discarded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/clock"
	"github.com/asheshgoplani/agentsession/internal/events"
	"github.com/asheshgoplani/agentsession/internal/logging"
	"github.com/asheshgoplani/agentsession/internal/poller"
	"github.com/asheshgoplani/agentsession/internal/stream"
)

// Retry defaults.
const (
	DefaultHealthcheckInterval = 5 * time.Second
	DefaultRetryInterval       = time.Second
	DefaultFatalThreshold      = 10
)

const (
	inboxSize       = 256
	snapshotTimeout = 2 * time.Second
)

var orchLog = logging.ForComponent(logging.CompOrchestrator)

// API is the subset of *api.Client the orchestrator calls.
type API interface {
	Health(ctx context.Context) error
	SessionExists(ctx context.Context, name string) (bool, error)
	CreateSession(ctx context.Context, name, path string, cfg api.AgentConfig) error
	StartSession(ctx context.Context, name, apiKey string) error
	PauseSession(ctx context.Context, name string) error
	ResetSession(ctx context.Context, name string) error
	DeleteSession(ctx context.Context, name string) error
	LoadEvents(ctx context.Context, name string) ([]events.ServerEvent, error)
	GetState(ctx context.Context, name string) (api.SessionState, error)
	SendInterrupt(ctx context.Context, name, text string) error
	SendResponse(ctx context.Context, name, text string) error
}

// Config identifies the session and tunes retries.
type Config struct {
	Host        string
	Name        string
	Path        string
	AgentConfig api.AgentConfig

	// HealthcheckInterval is the delay after a failed health check.
	HealthcheckInterval time.Duration
	// RetryInterval is the delay before retrying create, init, start,
	// reset and delete, and before reopening a lost event stream.
	RetryInterval time.Duration
	// PollInterval is passed to the state poller.
	PollInterval time.Duration

	// InitialView seeds the reducer, e.g. from a checkpoint.
	InitialView events.SessionView
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	API API
	// Clock defaults to clock.Real().
	Clock clock.Clock
	// Transport defaults to stream.SSETransport.
	Transport stream.Transport
}

// Context is the session context owned by the orchestrator goroutine.
type Context struct {
	Host             string           `json:"host"`
	Name             string           `json:"name"`
	Path             string           `json:"path"`
	Reset            bool             `json:"reset"`
	AgentConfig      api.AgentConfig  `json:"agentConfig"`
	SessionState     api.SessionState `json:"sessionState,omitempty"`
	HealthcheckRetry int              `json:"healthcheckRetry"`
}

// Status is a point-in-time copy of an orchestrator's state. The agent
// config's API key is redacted.
type Status struct {
	ID            string             `json:"id"`
	State         State              `json:"state"`
	Context       Context            `json:"context"`
	View          events.SessionView `json:"view"`
	EventsApplied int                `json:"eventsApplied"`
	Generation    uint64             `json:"generation"`
	LastError     string             `json:"lastError,omitempty"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// Fatal reports whether consecutive health check failures reached
// threshold (DefaultFatalThreshold when threshold <= 0). Deciding what to
// do about it is up to the host.
func (s Status) Fatal(threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultFatalThreshold
	}
	return s.Context.HealthcheckRetry >= threshold
}

// SessionID is the registry key of a session.
func SessionID(host, name string) string { return host + "|" + name }

type cmdMsg struct {
	cmd   Command
	reply chan error
}

type resultMsg struct {
	gen   uint64
	op    string
	value any
	err   error
}

type timerMsg struct{ gen uint64 }

type streamRestartMsg struct{}

type serverEventMsg struct{ ev events.ServerEvent }

type stateUpdateMsg struct{ state api.SessionState }

type streamClosedMsg struct{ err error }

type viewMsg struct{ view events.SessionView }

// Orchestrator is the lifecycle state machine for one session.
type Orchestrator struct {
	id    string
	cfg   Config
	api   API
	clock clock.Clock
	log   *slog.Logger

	store *events.Store
	sub   *stream.Subscriber
	poll  *poller.Poller

	inbox    chan any
	stopping chan struct{}
	exited   chan struct{}

	lifeMu  sync.Mutex
	started bool
	closed  bool

	callCtx    context.Context
	callCancel context.CancelFunc

	// Owned by the run goroutine.
	state       State
	sctx        Context
	gen         uint64
	timer       *clock.Timer
	streamTimer *clock.Timer
	view        events.SessionView
	applied     int
	lastErr     string

	status atomic.Pointer[Status]
	subsMu sync.Mutex
	subs   map[chan Status]struct{}
}

// New builds an orchestrator in its initial state. Call Start to run it.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.HealthcheckInterval <= 0 {
		cfg.HealthcheckInterval = DefaultHealthcheckInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	id := SessionID(cfg.Host, cfg.Name)
	callCtx, callCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		id:         id,
		cfg:        cfg,
		api:        deps.API,
		clock:      deps.Clock,
		log:        orchLog.With(slog.String("session", cfg.Name)),
		inbox:      make(chan any, inboxSize),
		stopping:   make(chan struct{}),
		exited:     make(chan struct{}),
		callCtx:    callCtx,
		callCancel: callCancel,
		state:      StateHealthcheckCheck,
		sctx: Context{
			Host:        cfg.Host,
			Name:        cfg.Name,
			Path:        cfg.Path,
			AgentConfig: cfg.AgentConfig,
		},
		view: cfg.InitialView.Clone(),
		subs: make(map[chan Status]struct{}),
	}

	o.store = events.NewStoreFrom(cfg.InitialView)
	o.sub = stream.New(cfg.Host, cfg.Name, stream.Config{
		Transport: deps.Transport,
		Sink:      func(ev events.ServerEvent) { o.post(serverEventMsg{ev: ev}) },
		OnClosed:  func(err error) { o.post(streamClosedMsg{err: err}) },
	})
	o.poll = poller.New(cfg.Name, deps.API, poller.Config{
		Interval: cfg.PollInterval,
		Clock:    deps.Clock,
		OnUpdate: func(s api.SessionState) { o.post(stateUpdateMsg{state: s}) },
	})
	o.publish()
	return o
}

// ID returns the registry key, "host|name".
func (o *Orchestrator) ID() string { return o.id }

// Start runs the state machine from setup.healthcheck.check. The
// orchestrator closes itself when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifeMu.Lock()
	if o.closed {
		o.lifeMu.Unlock()
		return ErrClosed
	}
	if o.started {
		o.lifeMu.Unlock()
		return nil
	}
	o.started = true
	o.lifeMu.Unlock()

	go o.run()
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				o.Close()
			case <-o.exited:
			}
		}()
	}
	return nil
}

// Close tears the orchestrator down: the event stream and poller are
// closed, pending timers cancelled, and the state becomes stopped. Safe to
// call multiple times.
func (o *Orchestrator) Close() {
	o.lifeMu.Lock()
	first := !o.closed
	o.closed = true
	started := o.started
	if first {
		close(o.stopping)
	}
	o.lifeMu.Unlock()

	if started {
		<-o.exited
		return
	}
	if first {
		o.shutdownTasks(nil)
		o.state = StateStopped
		o.publish()
		close(o.exited)
	}
}

// Done is closed once the orchestrator has stopped.
func (o *Orchestrator) Done() <-chan struct{} { return o.exited }

// Dispatch hands a host command to the state machine and waits until it
// has been handled. It returns ErrIgnored (wrapped) when the current state
// does not accept the command, ErrNotStarted before Start and ErrClosed
// after Close.
func (o *Orchestrator) Dispatch(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	o.lifeMu.Lock()
	started, closed := o.started, o.closed
	o.lifeMu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case !started:
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	if !o.post(cmdMsg{cmd: cmd, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-o.exited:
		return ErrClosed
	}
}

// Status returns the latest published status.
func (o *Orchestrator) Status() Status { return *o.status.Load() }

// Subscribe returns a channel that receives the current status and then
// every change. Slow readers only see the most recent status.
func (o *Orchestrator) Subscribe() chan Status {
	ch := make(chan Status, 1)
	o.subsMu.Lock()
	o.subs[ch] = struct{}{}
	ch <- *o.status.Load()
	o.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (o *Orchestrator) Unsubscribe(ch chan Status) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	if _, ok := o.subs[ch]; ok {
		delete(o.subs, ch)
		close(ch)
	}
}

// WaitFor blocks until pred holds for a published status. It returns
// ErrClosed if the orchestrator stops first.
func (o *Orchestrator) WaitFor(ctx context.Context, pred func(Status) bool) (Status, error) {
	ch := o.Subscribe()
	defer o.Unsubscribe(ch)
	for {
		select {
		case st := <-ch:
			if pred(st) {
				return st, nil
			}
			if st.State.Terminal() {
				return st, ErrClosed
			}
		case <-ctx.Done():
			return o.Status(), ctx.Err()
		}
	}
}

// WaitForState blocks until the orchestrator is in state s.
func (o *Orchestrator) WaitForState(ctx context.Context, s State) (Status, error) {
	return o.WaitFor(ctx, func(st Status) bool { return st.State == s })
}

// Subscriber exposes the event stream task, for inspection.
func (o *Orchestrator) Subscriber() *stream.Subscriber { return o.sub }

// Poller exposes the state poller task, for inspection.
func (o *Orchestrator) Poller() *poller.Poller { return o.poll }

func (o *Orchestrator) post(msg any) bool {
	select {
	case <-o.stopping:
		return false
	default:
	}
	select {
	case o.inbox <- msg:
		return true
	case <-o.stopping:
		return false
	}
}

func (o *Orchestrator) run() {
	defer close(o.exited)

	views := o.store.Subscribe()
	go func() {
		for v := range views {
			if !o.post(viewMsg{view: v}) {
				return
			}
		}
	}()

	o.enter(o.state)
	for {
		select {
		case <-o.stopping:
			o.teardown(views)
			return
		case msg := <-o.inbox:
			o.handle(msg)
		}
	}
}

func (o *Orchestrator) teardown(views chan events.SessionView) {
	from := o.state
	o.stopTimer()
	o.stopStreamTimer()
	o.gen++
	o.state = StateStopped
	o.shutdownTasks(views)
	o.callCancel()
	o.log.Info("state_transition",
		slog.String("from", string(from)),
		slog.String("to", string(StateStopped)),
		slog.Uint64("gen", o.gen))
	o.publish()
}

// shutdownTasks closes the subscriber and poller before the reducer so no
// event is applied after teardown.
func (o *Orchestrator) shutdownTasks(views chan events.SessionView) {
	o.sub.Close()
	o.poll.Close()
	if views != nil {
		o.store.Unsubscribe(views)
	}
	o.store.Close()
}

func (o *Orchestrator) handle(msg any) {
	switch m := msg.(type) {
	case cmdMsg:
		m.reply <- o.handleCommand(m.cmd)
	case resultMsg:
		if m.gen != o.gen {
			o.log.Debug("stale_result_dropped",
				slog.String("op", m.op), slog.Uint64("gen", m.gen), slog.Uint64("current", o.gen))
			return
		}
		o.handleResult(m)
	case timerMsg:
		if m.gen != o.gen {
			return
		}
		o.timer = nil
		o.handleTimer()
	case streamRestartMsg:
		o.streamTimer = nil
		if o.state.Live() {
			o.log.Info("stream_restart")
			o.sub.Start()
		}
	case serverEventMsg:
		o.handleServerEvent(m.ev)
	case stateUpdateMsg:
		if !o.state.Live() {
			return
		}
		o.sctx.SessionState = m.state
		o.publish()
	case streamClosedMsg:
		if !o.state.Live() {
			return
		}
		o.log.Warn("stream_closed_unexpectedly", slog.String("error", errString(m.err)))
		o.scheduleStreamRestart()
	case viewMsg:
		o.view = m.view
		o.publish()
	}
}

func (o *Orchestrator) handleCommand(cmd Command) error {
	next, ok := o.accept(cmd)
	if !ok {
		o.log.Info("command_ignored", slog.String("command", string(cmd.Type)), slog.String("state", string(o.state)))
		return fmt.Errorf("%w: %s in %s", ErrIgnored, cmd.Type, o.state)
	}
	o.log.Info("command_accepted", slog.String("command", string(cmd.Type)), slog.String("state", string(o.state)))
	if next != "" {
		o.transition(next)
	}
	return nil
}

// accept applies cmd's context changes and returns the state to move to.
// An empty next state with ok=true is a self-loop.
func (o *Orchestrator) accept(cmd Command) (next State, ok bool) {
	switch o.state {
	case StateSessionDoesNotExist:
		if cmd.Type == CmdCreate {
			if cmd.Path != "" {
				o.sctx.Path = cmd.Path
			}
			o.sctx.AgentConfig = *cmd.AgentConfig
			return StateCreatingInitial, true
		}

	case StateSessionReady:
		switch cmd.Type {
		case CmdInit:
			if cmd.AgentConfig != nil {
				o.sctx.AgentConfig = *cmd.AgentConfig
			}
			return StateInitializing, true
		case CmdDelete:
			return StateDeleting, true
		}

	case StateStarting:
		switch cmd.Type {
		case CmdPause, CmdToggle:
			return StatePaused, true
		case CmdReset:
			return StateResetting, true
		case CmdDelete:
			return StateDeleting, true
		}

	case StateRunning:
		switch cmd.Type {
		case CmdPause, CmdToggle:
			return StatePaused, true
		case CmdReset:
			return StateResetting, true
		case CmdDelete:
			return StateDeleting, true
		case CmdSendMessage:
			o.sendMessage(cmd.Message)
			return "", true
		}

	case StatePaused:
		switch cmd.Type {
		case CmdResume, CmdToggle:
			return StateStarting, true
		case CmdReset:
			return StateResetting, true
		case CmdDelete:
			return StateDeleting, true
		}
	}
	return "", false
}

func (o *Orchestrator) transition(to State) {
	from := o.state
	o.exit(from, to)
	o.stopTimer()
	o.gen++
	o.state = to
	o.log.Info("state_transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Uint64("gen", o.gen))
	o.publish()
	o.enter(to)
}

func (o *Orchestrator) exit(from, to State) {
	switch from {
	case StateInitializing:
		if to == StateStarting {
			o.sub.Start()
			o.poll.StartFetching()
		}
	case StateResetting:
		o.resetView()
	}
}

func (o *Orchestrator) enter(s State) {
	name := o.sctx.Name
	switch s {
	case StateHealthcheckCheck:
		o.call("health", func(ctx context.Context) (any, error) {
			return nil, o.api.Health(ctx)
		})

	case StateHealthcheckRetry:
		o.after(o.cfg.HealthcheckInterval)

	case StateHealthcheckDone:
		o.transition(StateCheckSession)

	case StateCheckSession:
		o.call("check_session", func(ctx context.Context) (any, error) {
			return o.api.SessionExists(ctx, name)
		})

	case StateSessionCreated:
		o.transition(StateSessionExists)

	case StateSessionExists:
		o.transition(StateSessionReady)

	case StateCreatingInitial:
		path, cfg := o.sctx.Path, o.sctx.AgentConfig
		o.call("create_session", func(ctx context.Context) (any, error) {
			return nil, o.api.CreateSession(ctx, name, path, cfg)
		})

	case StateCreatingRetry:
		o.after(o.cfg.RetryInterval)

	case StateInitializing:
		o.resetView()
		o.call("load_events", func(ctx context.Context) (any, error) {
			return o.api.LoadEvents(ctx, name)
		})

	case StateResetting:
		o.sctx.Reset = true
		o.call("reset_session", func(ctx context.Context) (any, error) {
			if err := o.api.PauseSession(ctx, name); err != nil {
				return nil, err
			}
			return nil, o.api.ResetSession(ctx, name)
		})

	case StateStarting:
		apiKey := o.sctx.AgentConfig.APIKey
		o.call("start_session", func(ctx context.Context) (any, error) {
			return nil, o.api.StartSession(ctx, name, apiKey)
		})

	case StateRunning:
		o.sctx.Reset = false
		o.publish()

	case StatePaused:
		o.call("pause_session", func(ctx context.Context) (any, error) {
			return nil, o.api.PauseSession(ctx, name)
		})

	case StateDeleting:
		o.stopStreamTimer()
		o.sub.Stop()
		o.poll.StopFetching()
		o.call("delete_session", func(ctx context.Context) (any, error) {
			return nil, o.api.DeleteSession(ctx, name)
		})
	}
}

func (o *Orchestrator) handleResult(m resultMsg) {
	switch m.op {
	case "health":
		if m.err != nil {
			o.healthFailed(m)
			return
		}
		o.sctx.HealthcheckRetry = 0
		o.lastErr = ""
		o.transition(StateHealthcheckDone)

	case "check_session":
		if m.err != nil {
			o.healthFailed(m)
			return
		}
		o.lastErr = ""
		if exists, _ := m.value.(bool); exists {
			o.transition(StateSessionExists)
		} else {
			o.transition(StateSessionDoesNotExist)
		}

	case "create_session":
		if m.err != nil && !alreadyExists(m.err) {
			o.callFailed(m)
			o.transition(StateCreatingRetry)
			return
		}
		o.lastErr = ""
		o.transition(StateSessionCreated)

	case "load_events":
		if m.err != nil {
			o.retryInPlace(m)
			return
		}
		evs, _ := m.value.([]events.ServerEvent)
		if err := o.store.Replay(o.callCtx, evs); err != nil {
			o.log.Error("replay_failed", slog.String("error", err.Error()))
			return
		}
		o.applied += len(evs)
		o.lastErr = ""
		o.log.Info("events_replayed", slog.Int("count", len(evs)))
		o.transition(StateStarting)

	case "reset_session":
		if m.err != nil {
			o.retryInPlace(m)
			return
		}
		o.lastErr = ""
		o.sub.Reset()
		o.transition(StateInitializing)

	case "start_session":
		if m.err != nil {
			o.retryInPlace(m)
			return
		}
		o.lastErr = ""
		o.transition(StateRunning)

	case "pause_session":
		if m.err != nil {
			o.callFailed(m)
			o.publish()
		}

	case "delete_session":
		if m.err != nil && !api.IsNotFound(m.err) {
			o.retryInPlace(m)
			return
		}
		o.lastErr = ""
		o.resetView()
		o.sctx.SessionState = nil
		o.transition(StateHealthcheckCheck)

	case "send_response", "send_interrupt":
		if m.err != nil {
			o.callFailed(m)
			o.publish()
		}
	}
}

func (o *Orchestrator) handleTimer() {
	switch o.state {
	case StateHealthcheckRetry:
		o.transition(StateHealthcheckCheck)
	case StateCreatingRetry:
		o.transition(StateCreatingInitial)
	case StateInitializing, StateResetting, StateStarting, StateDeleting:
		o.gen++
		o.log.Info("retry", slog.String("state", string(o.state)), slog.Uint64("gen", o.gen))
		o.publish()
		o.enter(o.state)
	}
}

func (o *Orchestrator) handleServerEvent(ev events.ServerEvent) {
	if !o.state.Live() {
		o.log.Debug("server_event_dropped", slog.String("type", string(ev.Type)), slog.String("state", string(o.state)))
		return
	}
	if err := o.store.Apply(o.callCtx, ev); err != nil {
		o.log.Error("apply_failed", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		return
	}
	o.applied++
	logging.Aggregate(logging.CompOrchestrator, "server_event", slog.String("session", o.sctx.Name))
	if ev.Type == events.TypeStop {
		o.log.Info("session_ended")
	}
}

func (o *Orchestrator) sendMessage(text string) {
	ctx, cancel := context.WithTimeout(o.callCtx, snapshotTimeout)
	view, err := o.store.Snapshot(ctx)
	cancel()
	if err != nil {
		view = o.view
	}
	name := o.sctx.Name
	if view.UserRequest {
		o.call("send_response", func(ctx context.Context) (any, error) {
			return nil, o.api.SendResponse(ctx, name, text)
		})
		return
	}
	o.call("send_interrupt", func(ctx context.Context) (any, error) {
		return nil, o.api.SendInterrupt(ctx, name, text)
	})
}

func (o *Orchestrator) healthFailed(m resultMsg) {
	o.sctx.HealthcheckRetry++
	o.callFailed(m)
	o.transition(StateHealthcheckRetry)
}

func (o *Orchestrator) retryInPlace(m resultMsg) {
	o.callFailed(m)
	o.after(o.cfg.RetryInterval)
	o.publish()
}

func (o *Orchestrator) callFailed(m resultMsg) {
	o.lastErr = m.err.Error()
	o.log.Warn("call_failed",
		slog.String("op", m.op),
		slog.String("kind", api.KindOf(m.err).String()),
		slog.String("state", string(o.state)),
		slog.Int("healthcheck_retry", o.sctx.HealthcheckRetry),
		slog.String("error", m.err.Error()))
}

func (o *Orchestrator) resetView() {
	if err := o.store.Reset(o.callCtx); err != nil {
		o.log.Error("view_reset_failed", slog.String("error", err.Error()))
		return
	}
	o.applied = 0
}

// call runs fn off the run goroutine and posts its result tagged with the
// current generation. Values fn needs from the context must be copied
// before calling.
func (o *Orchestrator) call(op string, fn func(ctx context.Context) (any, error)) {
	gen := o.gen
	go func() {
		v, err := fn(o.callCtx)
		o.post(resultMsg{gen: gen, op: op, value: v, err: err})
	}()
}

func (o *Orchestrator) after(d time.Duration) {
	o.stopTimer()
	gen := o.gen
	o.timer = o.clock.AfterFunc(d, func() { o.post(timerMsg{gen: gen}) })
}

func (o *Orchestrator) stopTimer() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Orchestrator) scheduleStreamRestart() {
	if o.streamTimer != nil {
		return
	}
	o.streamTimer = o.clock.AfterFunc(o.cfg.RetryInterval, func() { o.post(streamRestartMsg{}) })
}

func (o *Orchestrator) stopStreamTimer() {
	if o.streamTimer != nil {
		o.streamTimer.Stop()
		o.streamTimer = nil
	}
}

func (o *Orchestrator) publish() {
	sctx := o.sctx
	sctx.AgentConfig = sctx.AgentConfig.Redacted()
	if sctx.SessionState != nil {
		sctx.SessionState = append(api.SessionState(nil), sctx.SessionState...)
	}
	st := &Status{
		ID:            o.id,
		State:         o.state,
		Context:       sctx,
		View:          o.view.Clone(),
		EventsApplied: o.applied,
		Generation:    o.gen,
		LastError:     o.lastErr,
		UpdatedAt:     o.clock.Now(),
	}
	o.status.Store(st)

	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for ch := range o.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- *st:
		default:
		}
	}
}

func alreadyExists(err error) bool {
	var apiErr *api.Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
