package dictation

// Phase is the lifecycle of a voice input session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseDictating
)

// String returns the string representation of a Phase
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseStarting:
		return "STARTING"
	case PhaseDictating:
		return "DICTATING"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether a recognition session is open (STARTING or DICTATING).
func (p Phase) Active() bool {
	return p == PhaseStarting || p == PhaseDictating
}
