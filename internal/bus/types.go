package bus

import "context"

// InboundMessage represents a message received from a caller-facing
// channel (WebSocket client, webhook bridge, etc.) before routing.
type InboundMessage struct {
	Channel       string            `json:"channel"`
	SenderID      string            `json:"sender_id"`
	ChatID        string            `json:"chat_id"`
	Content       string            `json:"content"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Interrupt     bool              `json:"interrupt,omitempty"` // explicit interrupt request
	PeerKind      string            `json:"peer_kind,omitempty"` // "direct" or "group"
	AgentID       string            `json:"agent_id,omitempty"`  // target agent (multi-agent routing)
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a response or routing report to deliver
// back to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Outcome  string            `json:"outcome,omitempty"` // routing outcome for the submission
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the turn runner to decouple from the
// concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message flow between the
// caller-facing channels and the turn runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
