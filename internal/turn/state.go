package turn

import "github.com/google/uuid"

// sessionState tracks busy/idle, the identity of the executing turn,
// and whether cancellation has been requested.
//
// Invariant: !busy ⇒ activeTurnID == uuid.Nil ⇒ !cancelRequested.
// Stale EndTurn notifications (from a cancelled or superseded turn)
// carry a non-matching turn ID and are ignored.
type sessionState struct {
	busy            bool
	activeTurnID    uuid.UUID
	cancelRequested bool
}

func (s *sessionState) beginTurn(turnID uuid.UUID) error {
	if s.busy {
		return ErrAlreadyBusy
	}
	s.busy = true
	s.activeTurnID = turnID
	s.cancelRequested = false
	return nil
}

// endTurn transitions busy→idle if turnID matches the active turn.
// Returns false for stale completions, which have no side effects.
func (s *sessionState) endTurn(turnID uuid.UUID) bool {
	if !s.busy || s.activeTurnID != turnID {
		return false
	}
	s.busy = false
	s.activeTurnID = uuid.Nil
	s.cancelRequested = false
	return true
}

// requestCancel arms cancellation if a turn is executing. Returns
// whether a cancellation was actually armed; false while idle is a
// no-op report, not an error.
func (s *sessionState) requestCancel() bool {
	if !s.busy {
		return false
	}
	s.cancelRequested = true
	return true
}
