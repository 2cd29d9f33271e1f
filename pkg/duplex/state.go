package duplex

// State is the controller's conversational mode. Exactly one value holds at
// any instant; Idle only before Start and after Stop.
type State int

const (
	StateIdle State = iota
	StateListening
	StateSpeaking
	StateDuplex
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	case StateDuplex:
		return "DUPLEX"
	default:
		return "UNKNOWN"
	}
}

// Turn identifies who currently holds the conversational floor.
type Turn int

const (
	TurnUser Turn = iota
	TurnAssistant
	TurnOverlap
)

// String returns the string representation of a Turn.
func (t Turn) String() string {
	switch t {
	case TurnUser:
		return "USER"
	case TurnAssistant:
		return "ASSISTANT"
	case TurnOverlap:
		return "OVERLAP"
	default:
		return "UNKNOWN"
	}
}
