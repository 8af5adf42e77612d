package cmd

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/tiller/internal/agent"
	"github.com/nextlevelbuilder/tiller/internal/bus"
	"github.com/nextlevelbuilder/tiller/internal/config"
	"github.com/nextlevelbuilder/tiller/internal/sessions"
	"github.com/nextlevelbuilder/tiller/internal/turn"
	"github.com/nextlevelbuilder/tiller/pkg/protocol"
)

// consumeInbound drains inbound messages from the bus and routes them:
// dedupe (webhook redelivery), debounce (rapid-fire typing from one
// sender), then submit to the runner under the scoped session key.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, runner *agent.Runner, meta *sessions.Manager, cfg *config.Config) {
	dedupe := bus.NewDedupeCache(time.Duration(cfg.Gateway.DedupeTTLMin)*time.Minute, 4096)

	submit := func(msg bus.InboundMessage) {
		key := sessionKeyFor(msg, cfg)
		if meta != nil {
			meta.Touch(key, msg.Channel)
		}
		m := turn.Message{
			Content:       msg.Content,
			Timestamp:     time.Now(),
			CorrelationID: msg.CorrelationID,
		}
		if m.CorrelationID == "" {
			m = turn.NewMessage(msg.Content)
		}

		outcome := runner.Submit(ctx, key, m, msg.Interrupt)
		slog.Info("inbound routed",
			"channel", msg.Channel,
			"session", key,
			"outcome", outcome.Kind,
		)

		if name := outcomeEventName(outcome.Kind); name != "" {
			msgBus.Broadcast(bus.Event{Name: name, Payload: protocol.TurnEventPayload{
				SessionKey: key,
				Detail:     outcome.Reason,
			}})
		}
	}

	debouncer := bus.NewInboundDebouncer(
		time.Duration(cfg.Gateway.InboundDebounceMs)*time.Millisecond,
		submit,
	)
	defer debouncer.Stop()

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		if msg.Content == "" && !msg.Interrupt {
			continue
		}
		if msg.Interrupt && !cfg.IsOwner(msg.SenderID) {
			slog.Warn("inbound interrupt denied", "channel", msg.Channel, "sender", msg.SenderID)
			msg.Interrupt = false
			if msg.Content == "" {
				continue
			}
		}
		if msg.CorrelationID != "" && dedupe.IsDuplicate(msg.CorrelationID) {
			slog.Debug("inbound duplicate dropped", "correlation_id", msg.CorrelationID)
			continue
		}
		if maxChars := cfg.Gateway.MaxMessageChars; maxChars > 0 && len(msg.Content) > maxChars {
			slog.Warn("inbound message too long, truncating", "channel", msg.Channel, "chars", len(msg.Content))
			msg.Content = truncateUTF8(msg.Content, maxChars)
		}

		debouncer.Push(msg)
	}
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// sessionKeyFor maps an inbound message to its session key using the
// configured scope. Group chats always get the full per-channel key.
func sessionKeyFor(msg bus.InboundMessage, cfg *config.Config) string {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = cfg.ResolveDefaultAgentID()
	}
	kind := sessions.PeerKindFromGroup(msg.PeerKind == "group")
	return sessions.BuildScopedSessionKey(
		agentID, msg.Channel, kind, msg.ChatID,
		cfg.Sessions.Scope, cfg.Sessions.DmScope, cfg.Sessions.MainKey,
	)
}

// outcomeEventName maps a routing outcome to its broadcast event.
// StartedNewTurn is omitted here: the loop emits turn.started itself
// once it has a turn ID.
func outcomeEventName(kind turn.OutcomeKind) string {
	switch kind {
	case turn.OutcomeSteered:
		return protocol.EventTurnSteered
	case turn.OutcomeQueued:
		return protocol.EventTurnQueued
	case turn.OutcomeInterrupted:
		return protocol.EventTurnInterrupted
	default:
		return ""
	}
}
