package protocol

// Event names pushed by the gateway.
const (
	EventConnected = "connected"
	EventShutdown  = "shutdown"

	EventTurnStarted     = "turn.started"
	EventTurnSteered     = "turn.steered"
	EventTurnQueued      = "turn.queued"
	EventTurnInterrupted = "turn.interrupted"
	EventTurnCompleted   = "turn.completed"
	EventTurnFailed      = "turn.failed"

	EventChatResult = "chat.result"
)

// ConnectedPayload is sent once after a successful connect.
type ConnectedPayload struct {
	ProtocolVersion int    `json:"protocol_version"`
	ServerVersion   string `json:"server_version,omitempty"`
}

// TurnEventPayload accompanies turn.* events.
type TurnEventPayload struct {
	SessionKey string `json:"session_key"`
	TurnID     string `json:"turn_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// ChatResultPayload carries the final content of a completed turn.
type ChatResultPayload struct {
	SessionKey string `json:"session_key"`
	TurnID     string `json:"turn_id"`
	Content    string `json:"content"`
	Result     string `json:"result"`
	Steps      int    `json:"steps"`
	SteerCount int    `json:"steer_count"`
}
