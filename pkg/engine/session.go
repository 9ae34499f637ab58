package engine

import (
	"github.com/rhuss/uiaa/pkg/api"
)

// session is the mutable state of one negotiation. It is created on the
// first challenge and discarded when the negotiation ends.
type session struct {
	id         string
	completed  api.StageSet
	chosenFlow int
	attempts   int
	state      api.NegotiationState

	// stageAttempts counts proofs requested per stage kind.
	stageAttempts map[api.StageKind]int
	// unsupported holds kinds whose provider declined with ErrUnsupported.
	unsupported api.StageSet
	// lastSubmitted is the stage of the most recent resubmission.
	lastSubmitted api.StageKind
	// limit is the largest attempt bound derived so far.
	limit int
}

func newSession() *session {
	return &session{
		completed:     api.NewStageSet(),
		chosenFlow:    -1,
		state:         api.StateStart,
		stageAttempts: make(map[api.StageKind]int),
		unsupported:   api.NewStageSet(),
	}
}

// begin captures the session id of the first challenge.
func (s *session) begin(info *api.UiaaInfo) error {
	if err := s.transition(api.StateAwaitingStage); err != nil {
		return err
	}
	s.id = info.Session
	s.replaceCompleted(info.Completed)
	return nil
}

// replaceCompleted adopts the homeserver's completed set. The server is
// authoritative: stages it no longer reports are forgotten.
func (s *session) replaceCompleted(kinds []api.StageKind) {
	s.completed = api.NewStageSet(kinds...)
}

// transition moves the session to a new state, rejecting transitions out
// of terminal states.
func (s *session) transition(to api.NegotiationState) error {
	if err := api.ValidateNegotiationTransition(s.state, to); err != nil {
		return err
	}
	s.state = to
	return nil
}

// raiseLimit records the attempt bound for a challenge, keeping the largest.
func (s *session) raiseLimit(limit int) {
	if limit > s.limit {
		s.limit = limit
	}
}
