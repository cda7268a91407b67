package orchestrator

// State is one node of the session lifecycle.
type State string

const (
	StateHealthcheckCheck    State = "setup.healthcheck.check"
	StateHealthcheckRetry    State = "setup.healthcheck.retry"
	StateHealthcheckDone     State = "setup.healthcheck.done"
	StateCheckSession        State = "setup.checkSession"
	StateSessionExists       State = "setup.sessionExists"
	StateSessionDoesNotExist State = "setup.sessionDoesNotExist"
	StateCreatingInitial     State = "setup.creating.initial"
	StateCreatingRetry       State = "setup.creating.retryCreateSession"
	StateSessionCreated      State = "setup.creating.sessionCreated"
	StateSessionReady        State = "sessionReady"
	StateInitializing        State = "initializing"
	StateResetting           State = "resetting"
	StateStarting            State = "starting"
	StateRunning             State = "running"
	StatePaused              State = "paused"
	StateDeleting            State = "deleting"
	StateStopped             State = "stopped"
	// StateError is reserved for unrecoverable conditions; no transition
	// enters it today.
	StateError State = "error"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateHealthcheckCheck, StateHealthcheckRetry, StateHealthcheckDone,
	StateCheckSession, StateSessionExists, StateSessionDoesNotExist,
	StateCreatingInitial, StateCreatingRetry, StateSessionCreated,
	StateSessionReady, StateInitializing, StateResetting, StateStarting,
	StateRunning, StatePaused, StateDeleting, StateStopped, StateError,
}

func (s State) String() string { return string(s) }

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateStopped || s == StateError }

// InSetup reports whether s is part of the setup phase.
func (s State) InSetup() bool { return len(s) > 6 && s[:6] == "setup." }

// Live reports whether the event stream and poller are running in s.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning || s == StatePaused
}

// transient states are left as soon as they are entered.
func (s State) transient() bool {
	return s == StateHealthcheckDone || s == StateSessionCreated || s == StateSessionExists
}
