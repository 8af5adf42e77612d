package turn

// SteerBacklog holds steer messages not yet delivered to the executor,
// scoped to the currently active turn only. Not safe for concurrent use
// on its own — the owning Router serializes all access under its
// per-session lock.
type SteerBacklog struct {
	msgs []Message
}

func (b *SteerBacklog) push(msg Message) {
	b.msgs = append(b.msgs, msg)
}

// drainAll returns the accumulated messages in arrival order and clears
// the backlog in the same step, so no caller can observe a partially
// drained backlog.
func (b *SteerBacklog) drainAll() []Message {
	msgs := b.msgs
	b.msgs = nil
	return msgs
}

// clear discards the backlog without returning it. Used at turn
// boundaries and on interrupt.
func (b *SteerBacklog) clear() {
	b.msgs = nil
}

func (b *SteerBacklog) len() int { return len(b.msgs) }
