package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/tiller/internal/sessions"
	"github.com/nextlevelbuilder/tiller/internal/store"
	"github.com/nextlevelbuilder/tiller/internal/telemetry"
	"github.com/nextlevelbuilder/tiller/internal/turn"
)

// TurnResultFunc receives the result of every executed turn.
type TurnResultFunc func(sessionKey string, res *TurnResult)

// Runner connects the routing side to turn execution. It binds one
// router per session, starts a turn when a submission classifies as
// StartedNewTurn, and starts the next turn when the router drains a
// followup at a turn boundary.
type Runner struct {
	registry *turn.Registry
	loop     *Loop
	journal  store.TurnStore   // nil = no journaling
	meta     *sessions.Manager // nil = no metadata tracking
	onResult TurnResultFunc

	mu      sync.Mutex
	windows map[string]*turn.SteerWindow
}

// RunnerConfig configures a new Runner.
type RunnerConfig struct {
	Registry *turn.Registry
	Loop     *Loop
	Journal  store.TurnStore
	Sessions *sessions.Manager
	OnResult TurnResultFunc
}

func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		registry: cfg.Registry,
		loop:     cfg.Loop,
		journal:  cfg.Journal,
		meta:     cfg.Sessions,
		onResult: cfg.OnResult,
		windows:  make(map[string]*turn.SteerWindow),
	}
}

// Ensure binds a router for sessionKey, creating its steer window and
// drain hook on first use. Idempotent.
func (rn *Runner) Ensure(sessionKey string) *turn.Router {
	rn.mu.Lock()
	w, ok := rn.windows[sessionKey]
	if !ok {
		w = turn.NewSteerWindow()
		rn.windows[sessionKey] = w
	}
	rn.mu.Unlock()

	return rn.registry.Bind(sessionKey, w, func(next turn.Message) {
		rn.startTurn(sessionKey, next)
	})
}

// Submit classifies one message for a session, journals the outcome, and
// starts a new turn when the session was idle. Unknown sessions are
// bound on the fly — the runner is the binding authority.
func (rn *Runner) Submit(ctx context.Context, sessionKey string, msg turn.Message, interrupt bool) turn.Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "turn.submit")
	defer span.End()

	router := rn.Ensure(sessionKey)
	outcome := router.Submit(msg, interrupt)
	span.SetAttributes(
		attribute.String("session.key", sessionKey),
		attribute.String("submit.outcome", string(outcome.Kind)),
	)

	rn.journalSubmission(ctx, sessionKey, msg, outcome, router)
	if rn.meta != nil {
		rn.meta.GetOrCreate(sessionKey)
		rn.meta.RecordOutcome(sessionKey, string(outcome.Kind), activeTurnID(outcome, router))
	}

	if outcome.Kind == turn.OutcomeStartedNewTurn {
		rn.startTurn(sessionKey, msg)
	}
	return outcome
}

// Interrupt cancels the in-flight turn for a session, if any.
func (rn *Runner) Interrupt(sessionKey string) bool {
	router, err := rn.registry.Get(sessionKey)
	if err != nil {
		return false
	}
	return router.RequestInterrupt()
}

// ActiveTurnID returns the in-flight turn ID for a session, or ""
// while idle or for unknown sessions.
func (rn *Runner) ActiveTurnID(sessionKey string) string {
	router, err := rn.registry.Get(sessionKey)
	if err != nil {
		return ""
	}
	id := router.ActiveTurnID()
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// Status returns the busy flag and followup depth for a session.
func (rn *Runner) Status(sessionKey string) (busy bool, followups int, ok bool) {
	router, err := rn.registry.Get(sessionKey)
	if err != nil {
		return false, 0, false
	}
	return router.Busy(), router.FollowupLen(), true
}

func (rn *Runner) startTurn(sessionKey string, msg turn.Message) {
	router := rn.Ensure(sessionKey)
	rn.mu.Lock()
	w := rn.windows[sessionKey]
	rn.mu.Unlock()

	agentID, _ := sessions.ParseSessionKey(sessionKey)

	go func() {
		for {
			res, err := rn.loop.RunTurn(context.Background(), router, w, TurnRequest{
				SessionKey: sessionKey,
				AgentID:    agentID,
				Message:    msg,
			})
			if errors.Is(err, turn.ErrAlreadyBusy) {
				// Two submissions both saw idle and raced to begin the
				// turn. The loser's message was already accepted, so it
				// must not be dropped: hand it to the winner's followup
				// queue, or retry if the session went idle in between.
				if router.Requeue(msg) {
					return
				}
				continue
			}
			if err != nil {
				slog.Error("runner: turn failed", "session", sessionKey, "error", err)
			}
			if res == nil {
				return
			}
			if rn.meta != nil && res.Result == store.TurnCompleted {
				rn.meta.Save(sessionKey)
			}
			if rn.onResult != nil {
				rn.onResult(sessionKey, res)
			}
			return
		}
	}()
}

// activeTurnID reports the in-flight turn a submission touched. Only
// steers and interrupts reference an existing turn; a started turn's ID
// is not known until BeginTurn runs on the executor side.
func activeTurnID(outcome turn.Outcome, router *turn.Router) string {
	if outcome.Kind != turn.OutcomeSteered && outcome.Kind != turn.OutcomeInterrupted {
		return ""
	}
	return router.ActiveTurnID().String()
}

func (rn *Runner) journalSubmission(ctx context.Context, sessionKey string, msg turn.Message, outcome turn.Outcome, router *turn.Router) {
	if rn.journal == nil {
		return
	}
	err := rn.journal.RecordSubmission(ctx, store.SubmissionRecord{
		CorrelationID: msg.CorrelationID,
		SessionKey:    sessionKey,
		TurnID:        activeTurnID(outcome, router),
		Outcome:       string(outcome.Kind),
		Reason:        outcome.Reason,
		Content:       msg.Content,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("runner: journal submission failed", "session", sessionKey, "error", err)
	}
}
