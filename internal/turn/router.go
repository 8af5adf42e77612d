// Package turn routes user-originated messages to a long-running agent
// turn loop based on when they arrive relative to the loop's busy/idle
// state. A message submitted while idle starts a new turn; while busy it
// either steers the in-flight turn (if the executor's steer window is
// still open), is queued to run after the turn ends, or — when flagged
// as an interrupt — cancels the turn outright. Routing is inferred from
// timing alone; there is no per-message mode for callers to get wrong.
package turn

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DrainFunc receives the next followup message when a turn ends with a
// non-empty followup queue. Invoked outside the router's lock; the
// receiver decides whether and when to begin the next turn — the router
// never starts turns itself.
type DrainFunc func(Message)

// Limits bounds per-session queue depths. Zero values mean unbounded.
// Over-cap submissions are rejected with a reason, never dropped.
type Limits struct {
	MaxFollowups    int
	MaxSteerBacklog int
}

// Router is the per-session decision core. All session state — busy
// flag, active turn ID, steer backlog, followup queue — lives behind a
// single mutex, so Submit is atomic: read state, classify, and mutate
// the chosen structure happen as one indivisible step. Routers for
// different sessions never contend.
type Router struct {
	sessionKey string
	limits     Limits

	mu       sync.Mutex
	state    sessionState
	backlog  SteerBacklog
	followup FollowupQueue

	// window is owned by the turn executor; the router only reads it.
	// A nil window means steering is never possible (every busy
	// submission becomes a followup).
	window *SteerWindow

	// cancelCh is closed when cancellation is requested; replaced on
	// each BeginTurn so executors can select on it per turn.
	cancelCh     chan struct{}
	cancelClosed bool

	drain DrainFunc
}

// RouterConfig configures a new Router.
type RouterConfig struct {
	SessionKey string
	Window     *SteerWindow
	OnDrain    DrainFunc
	Limits     Limits
}

func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		sessionKey: cfg.SessionKey,
		limits:     cfg.Limits,
		window:     cfg.Window,
		cancelCh:   make(chan struct{}),
		drain:      cfg.OnDrain,
	}
}

// SessionKey returns the session this router is scoped to.
func (r *Router) SessionKey() string { return r.sessionKey }

// Submit classifies one incoming message against the current busy/idle
// state and dispatches it. Every call returns a definite Outcome;
// nothing is silently dropped. Safe for concurrent callers.
func (r *Router) Submit(msg Message, interrupt bool) Outcome {
	if strings.TrimSpace(msg.Content) == "" && !interrupt {
		return rejected("empty message")
	}

	r.mu.Lock()

	// Idle: no in-flight turn exists. The caller begins the turn; the
	// router only reports the classification.
	if !r.state.busy {
		r.mu.Unlock()
		return Outcome{Kind: OutcomeStartedNewTurn}
	}

	// Interrupt takes precedence over steer/followup even when a steer
	// would also have been valid: the caller is abandoning the current
	// direction entirely, so the pending steer backlog is discarded too.
	if interrupt {
		r.state.requestCancel()
		r.backlog.clear()
		r.closeCancelLocked()
		r.mu.Unlock()
		slog.Info("turn: interrupt requested", "session", r.sessionKey)
		return Outcome{Kind: OutcomeInterrupted}
	}

	// Steer window open: the executor has not yet locked its input for
	// the current generation step, so the message can still reach it.
	// Accumulates in arrival order.
	if r.window != nil && r.window.IsOpen() {
		if r.limits.MaxSteerBacklog > 0 && r.backlog.len() >= r.limits.MaxSteerBacklog {
			r.mu.Unlock()
			slog.Warn("turn: steer backlog full", "session", r.sessionKey, "limit", r.limits.MaxSteerBacklog)
			return rejected("steer backlog full")
		}
		r.backlog.push(msg)
		n := r.backlog.len()
		r.mu.Unlock()
		slog.Debug("turn: message steered", "session", r.sessionKey, "backlog", n)
		return Outcome{Kind: OutcomeSteered}
	}

	// Window closed: defer to a future turn.
	if r.limits.MaxFollowups > 0 && r.followup.len() >= r.limits.MaxFollowups {
		r.mu.Unlock()
		slog.Warn("turn: followup queue full", "session", r.sessionKey, "limit", r.limits.MaxFollowups)
		return rejected("followup queue full")
	}
	r.followup.enqueue(msg)
	n := r.followup.len()
	r.mu.Unlock()
	slog.Debug("turn: message queued as followup", "session", r.sessionKey, "queue_length", n)
	return Outcome{Kind: OutcomeQueued}
}

// RequestInterrupt cancels the in-flight turn, discarding the pending
// steer backlog. Returns false (and mutates nothing) while idle.
func (r *Router) RequestInterrupt() bool {
	r.mu.Lock()
	armed := r.state.requestCancel()
	if armed {
		r.backlog.clear()
		r.closeCancelLocked()
	}
	r.mu.Unlock()

	if armed {
		slog.Info("turn: interrupt requested", "session", r.sessionKey)
	}
	return armed
}

// Requeue re-routes a message that was classified StartedNewTurn but
// lost the BeginTurn race to a concurrent submission. The message was
// already accepted, so it goes to the followup queue regardless of the
// depth limit rather than being dropped. Returns false if the session
// is idle again, in which case the caller should retry starting the
// turn itself.
func (r *Router) Requeue(msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.state.busy {
		return false
	}
	r.followup.enqueue(msg)
	slog.Debug("turn: lost start race, requeued as followup", "session", r.sessionKey, "queue_length", r.followup.len())
	return true
}

// BeginTurn transitions idle→busy for the given turn ID. Calling it
// while busy is a caller error (ErrAlreadyBusy), surfaced immediately
// and never queued. Callers must not re-enter BeginTurn before
// observing the matching EndTurn.
func (r *Router) BeginTurn(turnID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.state.beginTurn(turnID); err != nil {
		return err
	}
	r.cancelCh = make(chan struct{})
	r.cancelClosed = false
	return nil
}

// EndTurn is the executor's completion/cancellation notification. Stale
// turn IDs are ignored. On a genuine boundary the steer backlog is
// cleared regardless of how the turn ended, and — if followups are
// waiting — the next one is handed to the drain callback.
func (r *Router) EndTurn(turnID uuid.UUID) {
	r.mu.Lock()
	if !r.state.endTurn(turnID) {
		r.mu.Unlock()
		return
	}
	r.backlog.clear()

	// Hand the next followup to the drain callback only when one is
	// registered; without a callback the queue stays intact for
	// NextFollowup polling — a popped message must never be dropped.
	drain := r.drain
	var next Message
	var ok bool
	if drain != nil {
		next, ok = r.followup.dequeueNext()
	}
	pending := r.followup.len()
	r.mu.Unlock()

	if !ok {
		return
	}
	slog.Info("turn: draining followup", "session", r.sessionKey, "remaining", pending)
	drain(next)
}

// ConsumeSteerBatch atomically returns and clears the steer backlog in
// arrival order. Called exclusively by the turn executor at its
// injection point, never by the routing side.
func (r *Router) ConsumeSteerBatch() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backlog.drainAll()
}

// NextFollowup pops the front of the followup queue. Used by callers
// that prefer polling over the drain callback.
func (r *Router) NextFollowup() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.followup.dequeueNext()
}

// CancelSignal returns a channel closed when cancellation is requested
// for the current turn. Executors select on it; the signal is advisory —
// the executor stops generation and calls EndTurn in its own time.
func (r *Router) CancelSignal() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelCh
}

// Busy reports whether a turn is executing.
func (r *Router) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.busy
}

// ActiveTurnID returns the executing turn's ID, or uuid.Nil while idle.
func (r *Router) ActiveTurnID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.activeTurnID
}

// CancelRequested reports whether cancellation is armed for the
// current turn.
func (r *Router) CancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.cancelRequested
}

// snapshot returns busy, active turn ID, and cancel flag as one
// consistent read.
func (r *Router) snapshot() (busy bool, turnID uuid.UUID, cancel bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.busy, r.state.activeTurnID, r.state.cancelRequested
}

// FollowupLen returns the number of queued followups.
func (r *Router) FollowupLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.followup.len()
}

// closeCancelLocked closes the per-turn cancel channel exactly once.
// Caller holds r.mu.
func (r *Router) closeCancelLocked() {
	if r.cancelClosed {
		return
	}
	close(r.cancelCh)
	r.cancelClosed = true
}
