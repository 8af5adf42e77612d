package turn

// OutcomeKind classifies what happened to a submitted message.
type OutcomeKind string

const (
	// OutcomeStartedNewTurn: the session was idle. The caller is expected
	// to follow up with BeginTurn once it has a turn ID.
	OutcomeStartedNewTurn OutcomeKind = "started_new_turn"

	// OutcomeSteered: the message was appended to the steer backlog of the
	// in-flight turn and will be injected at the executor's next
	// injection point.
	OutcomeSteered OutcomeKind = "steered"

	// OutcomeQueued: the message was appended to the followup queue and
	// will run as a new turn after the current one ends.
	OutcomeQueued OutcomeKind = "queued"

	// OutcomeInterrupted: cancellation of the in-flight turn was requested
	// and the pending steer backlog discarded.
	OutcomeInterrupted OutcomeKind = "interrupted"

	// OutcomeRejected: the message could not be routed. Reason says why.
	// There is no silent drop path: every submission gets an outcome.
	OutcomeRejected OutcomeKind = "rejected"
)

// Outcome is the result reported to the caller for every submission.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"` // set when Kind == OutcomeRejected
}

func rejected(reason string) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}
