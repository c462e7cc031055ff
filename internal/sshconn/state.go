package sshconn

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnected     ConnectionState = "connected"
	StateAuthenticated ConnectionState = "authenticated"
)

func (s ConnectionState) String() string {
	return string(s)
}

// IsValid returns true if the state is one of the defined constants.
func (s ConnectionState) IsValid() bool {
	switch s {
	case StateDisconnected, StateConnected, StateAuthenticated:
		return true
	default:
		return false
	}
}

// StateTransition records a state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
}

// StateCallback is called after a connection changes state. id is the
// connection ID.
type StateCallback func(id string, from, to ConnectionState)

// maxTransitions bounds the stored transition history.
const maxTransitions = 50

// stateTracker holds the state of one connection, its recent transitions
// and the callbacks to notify.
type stateTracker struct {
	mu          sync.RWMutex
	id          string
	state       ConnectionState
	transitions []StateTransition
	callbacks   []StateCallback
}

func newStateTracker(id string) *stateTracker {
	return &stateTracker{id: id, state: StateDisconnected}
}

func (t *stateTracker) get() ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// set moves to newState, records the transition and fires callbacks outside
// the lock. It returns the previous state. Setting the current state is a
// no-op.
func (t *stateTracker) set(newState ConnectionState) ConnectionState {
	t.mu.Lock()
	oldState := t.state
	if oldState == newState {
		t.mu.Unlock()
		return oldState
	}
	t.state = newState

	t.transitions = append(t.transitions, StateTransition{
		From:      oldState,
		To:        newState,
		Timestamp: time.Now(),
	})
	if len(t.transitions) > maxTransitions {
		t.transitions = t.transitions[len(t.transitions)-maxTransitions:]
	}

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(t.id, oldState, newState)
	}
	return oldState
}

func (t *stateTracker) history() []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]StateTransition, len(t.transitions))
	copy(result, t.transitions)
	return result
}

func (t *stateTracker) onChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
