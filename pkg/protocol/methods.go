package protocol

// RPC method names.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	MethodChatSend  = "chat.send"
	MethodChatAbort = "chat.abort"

	MethodSessionsList   = "sessions.list"
	MethodSessionsGet    = "sessions.get"
	MethodSessionsLabel  = "sessions.label"
	MethodSessionsDelete = "sessions.delete"

	MethodTurnsList       = "turns.list"
	MethodSubmissionsList = "submissions.list"

	MethodConfigGet = "config.get"
)

// ConnectParams authenticates a client connection.
type ConnectParams struct {
	Token      string `json:"token"`
	ClientName string `json:"client_name,omitempty"`
}

// ChatSendParams submits a message for routing.
type ChatSendParams struct {
	SessionKey    string `json:"session_key"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Interrupt     bool   `json:"interrupt,omitempty"`
}

// ChatSendResult reports what the router did with the message.
type ChatSendResult struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	TurnID  string `json:"turn_id,omitempty"`
}

// ChatAbortParams requests an interrupt of the active turn.
type ChatAbortParams struct {
	SessionKey string `json:"session_key"`
}

// SessionKeyParams addresses a single session.
type SessionKeyParams struct {
	SessionKey string `json:"session_key"`
}

// SessionLabelParams sets a human-readable label on a session.
type SessionLabelParams struct {
	SessionKey string `json:"session_key"`
	Label      string `json:"label"`
}

// SessionsListParams filters the session list.
type SessionsListParams struct {
	AgentID string `json:"agent_id,omitempty"`
}

// TurnsListParams scopes turn history queries.
type TurnsListParams struct {
	SessionKey string `json:"session_key"`
	Limit      int    `json:"limit,omitempty"`
}

// SubmissionsListParams scopes submission history queries.
type SubmissionsListParams struct {
	SessionKey string `json:"session_key"`
	Limit      int    `json:"limit,omitempty"`
}
