package turn

// FollowupQueue holds messages deferred until the current turn ends.
// Strict FIFO: a message enqueued while busy is never delivered to the
// current turn, only to a subsequent one. Like SteerBacklog, access is
// serialized by the owning Router's lock.
type FollowupQueue struct {
	msgs []Message
}

func (q *FollowupQueue) enqueue(msg Message) {
	q.msgs = append(q.msgs, msg)
}

// dequeueNext pops the front of the queue. The second return is false
// when the queue is empty.
func (q *FollowupQueue) dequeueNext() (Message, bool) {
	if len(q.msgs) == 0 {
		return Message{}, false
	}
	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg, true
}

func (q *FollowupQueue) len() int { return len(q.msgs) }
