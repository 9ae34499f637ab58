package api

import "fmt"

// NegotiationState is the lifecycle state of one negotiation.
type NegotiationState string

const (
	StateStart         NegotiationState = "start"
	StateAwaitingStage NegotiationState = "awaiting_stage"
	StateCompleted     NegotiationState = "completed"
	StateFailed        NegotiationState = "failed"
)

// Terminal reports whether no transition may leave s.
func (s NegotiationState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ValidateNegotiationTransition checks whether a negotiation state
// transition is valid. Completed and failed are terminal.
func ValidateNegotiationTransition(from, to NegotiationState) error {
	valid := map[NegotiationState][]NegotiationState{
		StateStart:         {StateAwaitingStage, StateCompleted, StateFailed},
		StateAwaitingStage: {StateAwaitingStage, StateCompleted, StateFailed},
		StateCompleted:     {}, // terminal
		StateFailed:        {}, // terminal
	}

	allowed, exists := valid[from]
	if !exists {
		return fmt.Errorf("unknown negotiation state %q", from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
