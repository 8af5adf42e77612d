package bus

import (
	"strings"
	"sync"
	"time"
)

// FlushFunc receives a merged message when a sender's debounce window
// elapses.
type FlushFunc func(InboundMessage)

// InboundDebouncer merges rapid consecutive messages from the same
// sender into one submission, so "wait" / "actually" / "do X instead"
// typed in quick succession arrive as a single routed message instead
// of three racing ones. Keyed by channel+chat+sender.
type InboundDebouncer struct {
	window time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	pending map[string]*debounceEntry
	stopped bool
}

type debounceEntry struct {
	msgs  []InboundMessage
	timer *time.Timer
}

// NewInboundDebouncer creates a debouncer with the given merge window.
func NewInboundDebouncer(window time.Duration, flush FlushFunc) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*debounceEntry),
	}
}

// Push buffers a message and (re)arms its sender's flush timer.
// Interrupt-flagged messages bypass the debounce entirely: delaying an
// interrupt defeats its purpose.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	if msg.Interrupt {
		d.flush(msg)
		return
	}

	key := msg.Channel + "|" + msg.ChatID + "|" + msg.SenderID

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.flush(msg)
		return
	}

	e, ok := d.pending[key]
	if !ok {
		e = &debounceEntry{}
		d.pending[key] = e
	}
	e.msgs = append(e.msgs, msg)

	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.mu.Unlock()
}

// Stop flushes all pending entries immediately and stops the timers.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	keys := make([]string, 0, len(d.pending))
	for key, e := range d.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		keys = append(keys, key)
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.fire(key)
	}
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	e, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	msgs := e.msgs
	d.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	d.flush(merge(msgs))
}

// merge combines buffered messages into one, joining content with
// newlines and keeping the first message's metadata and correlation ID.
func merge(msgs []InboundMessage) InboundMessage {
	if len(msgs) == 1 {
		return msgs[0]
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	merged := msgs[0]
	merged.Content = strings.Join(parts, "\n")
	return merged
}
