package chat

import "github.com/pkg/errors"

// Phase is the position of a session in its send cycle.
//
//	Idle -> Sending -> Streaming -> Idle
//
// How the cycle ended is recorded in ConversationState.LastOutcome.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
)

var phaseNames = map[Phase]string{
	PhaseIdle:      "idle",
	PhaseSending:   "sending",
	PhaseStreaming: "streaming",
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for k, v := range phaseNames {
		if v == string(b) {
			*p = k
			return nil
		}
	}
	return errors.Errorf("unknown phase %q", string(b))
}

// Outcome is the terminal state of the last send cycle.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeFailed
)

var outcomeNames = map[Outcome]string{
	OutcomeNone:      "none",
	OutcomeCompleted: "completed",
	OutcomeFailed:    "failed",
}

func (o Outcome) String() string {
	if n, ok := outcomeNames[o]; ok {
		return n
	}
	return "unknown"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	for k, v := range outcomeNames {
		if v == string(b) {
			*o = k
			return nil
		}
	}
	return errors.Errorf("unknown outcome %q", string(b))
}
