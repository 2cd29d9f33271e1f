package duplex

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes duplex state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// machine serializes all reads and writes of the duplex state and the turn
// holder under one mutex. The Listen and Speak loops can race when an
// interruption and a fresh utterance land in the same instant; routing both
// through here keeps the pair consistent.
type machine struct {
	mu    sync.RWMutex
	state State
	turn  Turn

	speakingStart  time.Time
	listeningStart time.Time

	listeners []StateListener
}

func newMachine() *machine {
	return &machine{state: StateIdle, turn: TurnUser}
}

// State returns the current duplex state.
func (m *machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// TurnOwner returns who currently holds the conversational floor.
func (m *machine) TurnOwner() Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.turn
}

func (m *machine) snapshot() (State, Turn) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.turn
}

// transitionValid checks if a state transition is valid (lock held).
func (m *machine) transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateIdle:      {StateListening},
		StateListening: {StateSpeaking, StateIdle},
		StateSpeaking:  {StateDuplex, StateListening, StateIdle},
		StateDuplex:    {StateListening, StateIdle},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation, optionally updating the
// turn holder in the same critical section.
func (m *machine) Transition(state State, turn Turn, reason string) error {
	m.mu.Lock()

	if state == m.state {
		// Self-loops (transcriptions while LISTENING) are not transitions.
		m.turn = turn
		m.mu.Unlock()
		return nil
	}
	if !m.transitionValid(m.state, state) {
		from := m.state
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}

	oldState := m.state
	m.state = state
	m.turn = turn

	switch state {
	case StateListening:
		m.listeningStart = time.Now()
	case StateSpeaking:
		m.speakingStart = time.Now()
	}

	event := StateChange{
		FromState: oldState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	// Notify outside the lock to avoid deadlocks.
	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

// OnUserSpeech handles a transcription arrival. While SPEAKING this flips to
// DUPLEX with the floor in overlap; while LISTENING or DUPLEX the state is
// unchanged.
func (m *machine) OnUserSpeech() {
	if m.State() == StateSpeaking {
		_ = m.Transition(StateDuplex, TurnOverlap, "user speech during playback")
	}
}

// AddListener registers a listener for state change events.
func (m *machine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
