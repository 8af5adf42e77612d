package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/tiller/internal/store"
	"github.com/nextlevelbuilder/tiller/internal/telemetry"
	"github.com/nextlevelbuilder/tiller/internal/turn"
)

// AgentEvent is emitted during turn execution for WS broadcasting.
type AgentEvent struct {
	Type       string      `json:"type"` // "turn.started", "turn.step", "turn.completed", "turn.interrupted", "turn.failed"
	SessionKey string      `json:"sessionKey"`
	TurnID     string      `json:"turnId"`
	Payload    interface{} `json:"payload,omitempty"`
}

// Loop executes turns against a Generator. It owns the steer window for
// the duration of each turn: open while steering can still reach a
// future step, closed once the generator commits its final answer. The
// router only ever reads the window.
type Loop struct {
	id              string
	gen             Generator
	journal         store.TurnStore // nil = no journaling
	maxSteps        int
	stepTimeout     time.Duration
	steerBatchLimit int // max steer messages injected per boundary (0 = all)
	onEvent         func(AgentEvent)
	tracer          trace.Tracer
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID              string
	Generator       Generator
	Journal         store.TurnStore
	MaxSteps        int
	StepTimeout     time.Duration
	SteerBatchLimit int
	OnEvent         func(AgentEvent)
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 20
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 2 * time.Minute
	}
	return &Loop{
		id:              cfg.ID,
		gen:             cfg.Generator,
		journal:         cfg.Journal,
		maxSteps:        cfg.MaxSteps,
		stepTimeout:     cfg.StepTimeout,
		steerBatchLimit: cfg.SteerBatchLimit,
		onEvent:         cfg.OnEvent,
		tracer:          telemetry.Tracer(),
	}
}

// TurnRequest is the input for executing one turn.
type TurnRequest struct {
	SessionKey string
	AgentID    string
	Message    turn.Message // the message that started the turn
}

// TurnResult is the output of a completed turn.
type TurnResult struct {
	TurnID     uuid.UUID `json:"turnId"`
	Content    string    `json:"content"`
	Steps      int       `json:"steps"`
	SteerCount int       `json:"steerCount"`
	Result     string    `json:"result"` // "completed", "interrupted", "failed"
}

// RunTurn executes one turn on the given router. It blocks until the
// turn ends and always calls EndTurn, whatever the exit path. The error
// return is non-nil only for generator failures; interrupts end the
// turn normally with Result "interrupted".
func (l *Loop) RunTurn(ctx context.Context, r *turn.Router, w *turn.SteerWindow, req TurnRequest) (*TurnResult, error) {
	turnID := uuid.New()
	if err := r.BeginTurn(turnID); err != nil {
		return nil, fmt.Errorf("begin turn: %w", err)
	}

	ctx, span := l.tracer.Start(ctx, "turn.run", trace.WithAttributes(
		attribute.String("session.key", req.SessionKey),
		attribute.String("turn.id", turnID.String()),
	))
	defer span.End()

	l.journalStart(ctx, turnID, req)
	l.emit(AgentEvent{Type: "turn.started", SessionKey: req.SessionKey, TurnID: turnID.String()})
	slog.Info("agent: turn started", "agent", l.id, "session", req.SessionKey, "turn", turnID)

	// Propagate the router's cancel signal into the step contexts.
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.CancelSignal():
			cancel()
		case <-turnCtx.Done():
		}
	}()

	var (
		finalContent string
		steps        int
		steerCount   int
		runErr       error
		result       = store.TurnCompleted
		input        = req.Message.Content
		steering     []string
		pending      []turn.Message // steered but not yet injected
	)

	// The window opens for the whole generation phase: a message
	// arriving mid-step is picked up at the next step boundary.
	w.Open()

	for steps < l.maxSteps {
		if r.CancelRequested() {
			result = store.TurnInterrupted
			break
		}

		// Pick up steering accumulated since the last boundary and
		// inject it into this step, honoring the per-boundary batch
		// limit; the remainder carries over.
		pending = append(pending, r.ConsumeSteerBatch()...)
		take := len(pending)
		if l.steerBatchLimit > 0 && take > l.steerBatchLimit {
			take = l.steerBatchLimit
		}
		for _, m := range pending[:take] {
			steering = append(steering, m.Content)
		}
		pending = pending[take:]
		steerCount += take
		if take > 0 {
			slog.Debug("agent: steering injected", "session", req.SessionKey, "turn", turnID,
				"count", take, "carried", len(pending))
		}

		steps++
		stepCtx, stepCancel := context.WithTimeout(turnCtx, l.stepTimeout)
		res, err := l.gen.Step(stepCtx, StepRequest{
			SessionKey: req.SessionKey,
			TurnID:     turnID.String(),
			Step:       steps,
			Input:      input,
			Steering:   steering,
		})
		stepCancel()
		input = ""
		steering = nil

		if err != nil {
			if r.CancelRequested() {
				result = store.TurnInterrupted
			} else {
				result = store.TurnFailed
				runErr = fmt.Errorf("generator step %d: %w", steps, err)
			}
			break
		}
		if res.Content != "" {
			finalContent = res.Content
		}
		l.emit(AgentEvent{Type: "turn.step", SessionKey: req.SessionKey, TurnID: turnID.String(),
			Payload: map[string]int{"step": steps}})

		if res.Done {
			// Lock input: from here on arrivals go to the followup
			// queue. One last sweep catches steering that raced the
			// close — it still gets a step rather than being dropped.
			w.Close()
			pending = append(pending, r.ConsumeSteerBatch()...)
			if len(pending) == 0 {
				break
			}
			w.Open()
		}
	}

	w.Close()

	// Accepted-but-uninjected steering is only discarded on interrupt
	// (by contract) or step exhaustion; never silently.
	pending = append(pending, r.ConsumeSteerBatch()...)
	if len(pending) > 0 {
		slog.Warn("agent: steered messages dropped at turn end",
			"session", req.SessionKey, "turn", turnID, "count", len(pending), "result", result)
	}

	if result == store.TurnCompleted && r.CancelRequested() {
		result = store.TurnInterrupted
	}

	r.EndTurn(turnID)
	l.journalEnd(ctx, turnID, result, steerCount, steps)

	span.SetAttributes(
		attribute.Int("turn.steps", steps),
		attribute.Int("turn.steer_count", steerCount),
		attribute.String("turn.result", result),
	)

	eventType := "turn.completed"
	switch result {
	case store.TurnInterrupted:
		eventType = "turn.interrupted"
	case store.TurnFailed:
		eventType = "turn.failed"
	}
	l.emit(AgentEvent{Type: eventType, SessionKey: req.SessionKey, TurnID: turnID.String(),
		Payload: map[string]interface{}{"steps": steps, "steerCount": steerCount}})
	slog.Info("agent: turn ended", "agent", l.id, "session", req.SessionKey, "turn", turnID,
		"result", result, "steps", steps, "steered", steerCount)

	return &TurnResult{
		TurnID:     turnID,
		Content:    finalContent,
		Steps:      steps,
		SteerCount: steerCount,
		Result:     result,
	}, runErr
}

func (l *Loop) emit(ev AgentEvent) {
	if l.onEvent != nil {
		l.onEvent(ev)
	}
}

// Journal writes are best-effort: a storage failure never blocks the turn.
func (l *Loop) journalStart(ctx context.Context, turnID uuid.UUID, req TurnRequest) {
	if l.journal == nil {
		return
	}
	err := l.journal.RecordTurnStart(ctx, store.TurnRecord{
		ID:         turnID.String(),
		SessionKey: req.SessionKey,
		AgentID:    req.AgentID,
		StartedAt:  time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("agent: journal turn start failed", "turn", turnID, "error", err)
	}
}

func (l *Loop) journalEnd(ctx context.Context, turnID uuid.UUID, result string, steerCount, steps int) {
	if l.journal == nil {
		return
	}
	// The run context may already be cancelled (interrupt path); use a
	// fresh one so the journal update still lands.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := l.journal.RecordTurnEnd(ctx, turnID.String(), result, steerCount, steps, time.Now().UTC()); err != nil {
		slog.Warn("agent: journal turn end failed", "turn", turnID, "error", err)
	}
}
