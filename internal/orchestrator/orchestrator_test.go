package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/clock"
	"github.com/asheshgoplani/agentsession/internal/events"
	"github.com/asheshgoplani/agentsession/internal/stream"
)

func newStubOrchestrator(t *testing.T, stub *stubAPI, c clock.Clock) (*Orchestrator, *chanTransport) {
	t.Helper()
	tr := newChanTransport()
	o := New(Config{
		Host:        "http://stub",
		Name:        "demo",
		Path:        "/work",
		AgentConfig: api.AgentConfig{Model: "m1", APIKey: "key-1"},
	}, Deps{API: stub, Clock: c, Transport: tr})
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Close)
	return o, tr
}

// toRunning drives an orchestrator whose session already exists into running.
func toRunning(t *testing.T, o *Orchestrator) {
	t.Helper()
	waitState(t, o, StateSessionReady)
	require.NoError(t, o.Dispatch(Init(api.AgentConfig{Model: "m1", APIKey: "key-1"})))
	waitState(t, o, StateRunning)
}

func TestHealthcheckRetryWaitsFiveSeconds(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	stub := &stubAPI{health: func() error { return errRefused }}
	o, _ := newStubOrchestrator(t, stub, fc)

	for i := 1; i <= 3; i++ {
		st := waitFor(t, o, func(st Status) bool {
			return st.State == StateHealthcheckRetry && st.Context.HealthcheckRetry == i
		})
		assert.Contains(t, st.LastError, "connection refused")
		assert.Equal(t, i, stub.count("health"))

		fc.WaitForTimers(1)
		fc.Advance(4999 * time.Millisecond)
		assert.Equal(t, i, stub.count("health"), "no attempt before 5000ms")
		assert.Equal(t, StateHealthcheckRetry, o.Status().State)
		fc.Advance(time.Millisecond)
	}

	waitFor(t, o, func(st Status) bool { return st.Context.HealthcheckRetry == 4 })
	assert.True(t, o.Status().Fatal(4))
	assert.False(t, o.Status().Fatal(0), "default threshold is 10")

	stub.set(func(s *stubAPI) { s.health = nil })
	fc.WaitForTimers(1)
	fc.Advance(5 * time.Second)
	st := waitState(t, o, StateSessionReady)
	assert.Zero(t, st.Context.HealthcheckRetry, "counter resets on success")
	assert.Empty(t, st.LastError)
}

func TestCheckSessionFailureCountsAsHealthFailure(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	stub := &stubAPI{exists: func() (bool, error) {
		return false, &api.Error{Kind: api.Unreachable, Op: "list_sessions", Err: errors.New("reset by peer")}
	}}
	o, _ := newStubOrchestrator(t, stub, fc)

	st := waitFor(t, o, func(st Status) bool {
		return st.State == StateHealthcheckRetry && st.Context.HealthcheckRetry == 1
	})
	assert.Equal(t, 1, stub.count("health"))
	assert.Equal(t, 1, stub.count("exists"))
	assert.Contains(t, st.LastError, "reset by peer")

	stub.set(func(s *stubAPI) { s.exists = func() (bool, error) { return false, nil } })
	fc.WaitForTimers(1)
	fc.Advance(5 * time.Second)
	waitState(t, o, StateSessionDoesNotExist)
}

func TestCreateRetriesEverySecond(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	failures := 2
	stub := &stubAPI{exists: func() (bool, error) { return false, nil }}
	stub.create = func() error {
		if failures > 0 {
			failures--
			return &api.Error{Kind: api.ServerError, Op: "create_session", Status: 500}
		}
		return nil
	}
	o, _ := newStubOrchestrator(t, stub, fc)

	waitState(t, o, StateSessionDoesNotExist)
	cfg := api.AgentConfig{Model: "m2", APIKey: "key-2"}
	require.NoError(t, o.Dispatch(Create("/new", cfg)))

	for i := 1; i <= 2; i++ {
		waitFor(t, o, func(st Status) bool { return st.State == StateCreatingRetry && stub.count("create") == i })
		fc.WaitForTimers(1)
		fc.Advance(999 * time.Millisecond)
		assert.Equal(t, i, stub.count("create"))
		fc.Advance(time.Millisecond)
	}

	st := waitState(t, o, StateSessionReady)
	assert.Equal(t, 3, stub.count("create"))
	assert.Equal(t, "/new", st.Context.Path)
	assert.Equal(t, "m2", st.Context.AgentConfig.Model)
	assert.Equal(t, "***", st.Context.AgentConfig.APIKey, "status redacts the key")
	assert.Equal(t, cfg, stub.created[2])
}

func TestCreateConflictMeansCreated(t *testing.T) {
	stub := &stubAPI{
		exists: func() (bool, error) { return false, nil },
		create: func() error {
			return &api.Error{Kind: api.ValidationError, Op: "create_session", Status: http.StatusConflict}
		},
	}
	o, _ := newStubOrchestrator(t, stub, clock.Real())
	waitState(t, o, StateSessionDoesNotExist)
	require.NoError(t, o.Dispatch(Create("", api.AgentConfig{Model: "m1"})))
	waitState(t, o, StateSessionReady)
	assert.Equal(t, 1, stub.count("create"))
}

func TestCommandsOutsideTheirStatesAreIgnored(t *testing.T) {
	stub := &stubAPI{exists: func() (bool, error) { return false, nil }}
	o, _ := newStubOrchestrator(t, stub, clock.Real())
	waitState(t, o, StateSessionDoesNotExist)

	for _, cmd := range []Command{Init(api.AgentConfig{}), Pause(), Resume(), Toggle(), Reset(), Delete(), SendMessage("hi")} {
		err := o.Dispatch(cmd)
		assert.ErrorIs(t, err, ErrIgnored, "%s", cmd.Type)
	}
	assert.Equal(t, StateSessionDoesNotExist, o.Status().State)

	assert.Error(t, o.Dispatch(SendMessage("")))
	assert.ErrorIs(t, o.Dispatch(Command{Type: "session.explode"}), ErrUnknownCommand)
}

func TestInitReplaysHistoryThenStreams(t *testing.T) {
	history := []events.ServerEvent{
		events.NewEvent(events.TypeModelRequest, ""),
		events.NewEvent(events.TypeModelResponse, `{"thought":"hi"}`),
	}
	stub := &stubAPI{load: func() ([]events.ServerEvent, error) { return history, nil }}
	o, tr := newStubOrchestrator(t, stub, clock.Real())
	toRunning(t, o)

	st := waitFor(t, o, func(st Status) bool { return len(st.View.Messages) == 1 })
	assert.Equal(t, events.Message{Text: "hi", Type: events.MessageThought}, st.View.Messages[0])
	assert.False(t, st.View.ModelLoading)
	assert.Equal(t, []string{"key-1"}, stub.startKeys)

	tr.ch <- events.NewEvent(events.TypeTask, "write tests")
	st = waitFor(t, o, func(st Status) bool { return len(st.View.Messages) == 2 })
	assert.Equal(t, "write tests", st.View.Messages[1].Text)
	assert.Equal(t, 3, st.EventsApplied)

	require.Eventually(t, func() bool { return o.Poller().Fetching() }, waitTimeout, 5*time.Millisecond)
}

func TestSendMessageRouting(t *testing.T) {
	stub := &stubAPI{}
	o, tr := newStubOrchestrator(t, stub, clock.Real())
	toRunning(t, o)

	require.NoError(t, o.Dispatch(SendMessage("stop that")))
	require.Eventually(t, func() bool { return stub.count("interrupt") == 1 }, waitTimeout, 5*time.Millisecond)

	tr.ch <- events.NewEvent(events.TypeUserRequest, "which branch?")
	waitFor(t, o, func(st Status) bool { return st.View.UserRequest })

	require.NoError(t, o.Dispatch(SendMessage("main")))
	require.Eventually(t, func() bool { return stub.count("response") == 1 }, waitTimeout, 5*time.Millisecond)

	tr.ch <- events.NewEvent(events.TypeUserResponse, "main")
	waitFor(t, o, func(st Status) bool { return !st.View.UserRequest })

	require.NoError(t, o.Dispatch(SendMessage("carry on")))
	require.Eventually(t, func() bool { return stub.count("interrupt") == 2 }, waitTimeout, 5*time.Millisecond)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, []string{"stop that", "carry on"}, stub.interrupts)
	assert.Equal(t, []string{"main"}, stub.responses)
}

func TestSendFailureIsReportedNotRetried(t *testing.T) {
	stub := &stubAPI{sendErr: &api.Error{Kind: api.ServerError, Op: "send_interrupt", Status: 502}}
	o, _ := newStubOrchestrator(t, stub, clock.Real())
	toRunning(t, o)

	require.NoError(t, o.Dispatch(SendMessage("x")))
	st := waitFor(t, o, func(st Status) bool { return st.LastError != "" })
	assert.Equal(t, StateRunning, st.State)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, stub.count("interrupt"))
}

func TestStaleResultIsDropped(t *testing.T) {
	g := newGate(nil)
	stub := &stubAPI{start: g.wait}
	o, _ := newStubOrchestrator(t, stub, clock.Real())

	waitState(t, o, StateSessionReady)
	require.NoError(t, o.Dispatch(Init(api.AgentConfig{})))
	waitState(t, o, StateStarting)
	require.Eventually(t, func() bool { return stub.count("start") == 1 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, o.Dispatch(Pause()))
	paused := waitState(t, o, StatePaused)

	// The start call issued in starting now succeeds; it must not move
	// the paused session to running.
	g.open()
	time.Sleep(50 * time.Millisecond)
	st := o.Status()
	assert.Equal(t, StatePaused, st.State)
	assert.Equal(t, paused.Generation, st.Generation)

	require.NoError(t, o.Dispatch(Resume()))
	waitState(t, o, StateRunning)
	assert.Equal(t, 2, stub.count("start"))
}

func TestPauseToggleResume(t *testing.T) {
	stub := &stubAPI{}
	o, _ := newStubOrchestrator(t, stub, clock.Real())
	toRunning(t, o)

	require.NoError(t, o.Dispatch(Toggle()))
	waitState(t, o, StatePaused)
	require.Eventually(t, func() bool { return stub.count("pause") == 1 }, waitTimeout, 5*time.Millisecond)

	assert.ErrorIs(t, o.Dispatch(SendMessage("while paused")), ErrIgnored)

	require.NoError(t, o.Dispatch(Toggle()))
	waitState(t, o, StateRunning)

	require.NoError(t, o.Dispatch(Pause()))
	waitState(t, o, StatePaused)
	require.NoError(t, o.Dispatch(Resume()))
	waitState(t, o, StateRunning)
	assert.Equal(t, 3, stub.count("start"))
}

func TestServerEventsAcceptedWhilePaused(t *testing.T) {
	stub := &stubAPI{}
	o, tr := newStubOrchestrator(t, stub, clock.Real())
	toRunning(t, o)
	require.NoError(t, o.Dispatch(Pause()))
	waitState(t, o, StatePaused)

	tr.ch <- events.NewEvent(events.TypeStop, "")
	st := waitFor(t, o, func(st Status) bool { return st.View.Ended })
	assert.Equal(t, StatePaused, st.State, "ended does not drive the lifecycle")
}

func TestStateUpdatesStored(t *testing.T) {
	stub := &stubAPI{state: func() (api.SessionState, error) {
		return api.SessionState(`{"path":"/work","files":["a.go"]}`), nil
	}}
	o, _ := newStubOrchestrator(t, stub, clock.Real())
	toRunning(t, o)

	st := waitFor(t, o, func(st Status) bool { return st.Context.SessionState != nil })
	assert.JSONEq(t, `{"path":"/work","files":["a.go"]}`, string(st.Context.SessionState))
}

func TestResetFlow(t *testing.T) {
	loads := 0
	stub := &stubAPI{}
	stub.load = func() ([]events.ServerEvent, error) {
		loads++
		if loads == 1 {
			return []events.ServerEvent{events.NewEvent(events.TypeTask, "old")}, nil
		}
		return nil, nil
	}
	o, _ := newStubOrchestrator(t, stub, clock.Real())
	toRunning(t, o)
	waitFor(t, o, func(st Status) bool { return len(st.View.Messages) == 1 })
	connections := o.Subscriber().Connections()

	require.NoError(t, o.Dispatch(Reset()))
	st := waitFor(t, o, func(st Status) bool { return st.State == StateRunning && len(st.View.Messages) == 0 })
	assert.False(t, st.Context.Reset)
	assert.Equal(t, 1, stub.count("reset"))
	assert.GreaterOrEqual(t, stub.count("pause"), 1)
	assert.Equal(t, 2, stub.count("load"))
	require.Eventually(t, func() bool { return o.Subscriber().Connections() > connections }, waitTimeout, 5*time.Millisecond)
}

func TestResetRetriesInPlace(t *testing.T) {
	fails := 1
	stub := &stubAPI{}
	stub.reset = func() error {
		if fails > 0 {
			fails--
			return &api.Error{Kind: api.ServerError, Op: "reset_session", Status: 500}
		}
		return nil
	}
	o, _ := newStubOrchestrator(t, stub, clock.Real())
	toRunning(t, o)

	require.NoError(t, o.Dispatch(Reset()))
	waitFor(t, o, func(st Status) bool { return st.State == StateResetting && st.LastError != "" })
	waitState(t, o, StateRunning)
	assert.Equal(t, 2, stub.count("reset"))
}

func TestDeleteReturnsToHealthcheck(t *testing.T) {
	for _, from := range []State{StateSessionReady, StateStarting, StateRunning, StatePaused} {
		t.Run(string(from), func(t *testing.T) {
			healthGate := newGate(nil)
			startGate := newGate(nil)
			defer startGate.open()
			defer healthGate.open()

			stub := &stubAPI{}
			if from == StateStarting {
				stub.start = startGate.wait
			}
			o, _ := newStubOrchestrator(t, stub, clock.Real())
			waitState(t, o, StateSessionReady)

			if from != StateSessionReady {
				require.NoError(t, o.Dispatch(Init(api.AgentConfig{})))
				if from == StateStarting {
					waitState(t, o, StateStarting)
				} else {
					waitState(t, o, StateRunning)
				}
				require.Eventually(t, func() bool { return o.Poller().Fetching() }, waitTimeout, 5*time.Millisecond)
			}
			if from == StatePaused {
				require.NoError(t, o.Dispatch(Pause()))
				waitState(t, o, StatePaused)
			}

			// Hold the next health check so the state is observable.
			stub.set(func(s *stubAPI) { s.health = healthGate.wait })
			require.NoError(t, o.Dispatch(Delete()))

			st := waitState(t, o, StateHealthcheckCheck)
			assert.Equal(t, 1, stub.count("delete"))
			assert.Empty(t, st.View.Messages)
			assert.Nil(t, st.Context.SessionState)
			require.Eventually(t, func() bool {
				return o.Subscriber().State() == stream.StateIdle && !o.Poller().Fetching()
			}, waitTimeout, 5*time.Millisecond)
		})
	}
}

func TestDeleteNotFoundCountsAsDeleted(t *testing.T) {
	stub := &stubAPI{del: func() error { return &api.Error{Kind: api.NotFound, Op: "delete_session", Status: 404} }}
	o, _ := newStubOrchestrator(t, stub, clock.Real())
	waitState(t, o, StateSessionReady)

	stub.set(func(s *stubAPI) { s.exists = func() (bool, error) { return false, nil } })
	require.NoError(t, o.Dispatch(Delete()))
	waitState(t, o, StateSessionDoesNotExist)
	assert.Equal(t, 1, stub.count("delete"))
}

func TestCloseStopsEverything(t *testing.T) {
	stub := &stubAPI{}
	o, _ := newStubOrchestrator(t, stub, clock.Real())
	toRunning(t, o)

	o.Close()
	o.Close()
	st := o.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.True(t, st.State.Terminal())
	assert.Equal(t, stream.StateIdle, o.Subscriber().State())
	assert.False(t, o.Poller().Fetching())
	assert.ErrorIs(t, o.Dispatch(Pause()), ErrClosed)
	assert.ErrorIs(t, o.Start(context.Background()), ErrClosed)

	_, err := o.WaitForState(context.Background(), StateRunning)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseBeforeStart(t *testing.T) {
	o := New(Config{Host: "http://stub", Name: "demo"}, Deps{API: &stubAPI{}, Transport: newChanTransport()})
	o.Close()
	assert.Equal(t, StateStopped, o.Status().State)
	select {
	case <-o.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestDispatchBeforeStart(t *testing.T) {
	o := New(Config{Host: "http://stub", Name: "demo"}, Deps{API: &stubAPI{}, Transport: newChanTransport()})
	defer o.Close()

	done := make(chan error, 1)
	go func() { done <- o.Dispatch(Pause()) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotStarted)
	case <-time.After(waitTimeout):
		t.Fatal("Dispatch blocked before Start")
	}

	require.NoError(t, o.Start(context.Background()))
	waitState(t, o, StateSessionReady)
	assert.ErrorIs(t, o.Dispatch(Pause()), ErrIgnored)

	o.Close()
	assert.ErrorIs(t, o.Dispatch(Pause()), ErrClosed)
}

func TestStartContextCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := New(Config{Host: "http://stub", Name: "demo"}, Deps{API: &stubAPI{}, Transport: newChanTransport()})
	require.NoError(t, o.Start(ctx))
	waitState(t, o, StateSessionReady)

	cancel()
	select {
	case <-o.Done():
	case <-time.After(waitTimeout):
		t.Fatal("orchestrator did not stop")
	}
	assert.Equal(t, StateStopped, o.Status().State)
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, StateCreatingRetry.InSetup())
	assert.False(t, StateSessionReady.InSetup())
	assert.True(t, StatePaused.Live())
	assert.False(t, StateInitializing.Live())
	assert.Len(t, AllStates, 18)
	assert.Equal(t, "http://h|n", SessionID("http://h", "n"))
}
