package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/tiller/internal/turn"
	"github.com/nextlevelbuilder/tiller/pkg/protocol"
)

const defaultHistoryLimit = 50

// MethodHandler processes one RPC request and returns the response frame.
type MethodHandler func(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame

// MethodRouter dispatches request frames to registered handlers.
type MethodRouter struct {
	server   *Server
	handlers map[string]MethodHandler
}

// NewMethodRouter builds the router with all built-in methods registered.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{
		server:   s,
		handlers: make(map[string]MethodHandler),
	}

	r.Register(protocol.MethodConnect, r.handleConnect)
	r.Register(protocol.MethodHealth, r.handleHealth)
	r.Register(protocol.MethodStatus, r.handleStatus)
	r.Register(protocol.MethodChatSend, r.handleChatSend)
	r.Register(protocol.MethodChatAbort, r.handleChatAbort)
	r.Register(protocol.MethodSessionsList, r.handleSessionsList)
	r.Register(protocol.MethodSessionsGet, r.handleSessionsGet)
	r.Register(protocol.MethodSessionsLabel, r.handleSessionsLabel)
	r.Register(protocol.MethodSessionsDelete, r.handleSessionsDelete)
	r.Register(protocol.MethodTurnsList, r.handleTurnsList)
	r.Register(protocol.MethodSubmissionsList, r.handleSubmissionsList)
	r.Register(protocol.MethodConfigGet, r.handleConfigGet)

	return r
}

// Register adds or replaces a method handler.
func (r *MethodRouter) Register(method string, h MethodHandler) {
	r.handlers[method] = h
}

// Dispatch routes a request frame to its handler.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	h, ok := r.handlers[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
	return h(ctx, c, req)
}

func decodeParams(req *protocol.RequestFrame, dst interface{}) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("missing params")
	}
	return json.Unmarshal(req.Params, dst)
}

func (r *MethodRouter) handleConnect(_ context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params protocol.ConnectParams
	if err := decodeParams(req, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid connect params")
	}

	token := r.server.cfg.Gateway.Token
	if token != "" && subtle.ConstantTimeCompare([]byte(params.Token), []byte(token)) != 1 {
		slog.Warn("gateway: connect rejected", "client", c.id)
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "invalid token")
	}

	c.authed = true
	c.name = params.ClientName
	slog.Info("gateway: client authenticated", "client", c.id, "name", c.name)

	return protocol.NewResponse(req.ID, protocol.ConnectedPayload{
		ProtocolVersion: protocol.ProtocolVersion,
	})
}

func (r *MethodRouter) handleHealth(_ context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
	})
}

func (r *MethodRouter) handleStatus(_ context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params protocol.SessionKeyParams
	if err := decodeParams(req, &params); err != nil || params.SessionKey == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "session_key required")
	}

	busy, followups, ok := r.server.runner.Status(params.SessionKey)
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"session_key": params.SessionKey,
		"known":       ok,
		"busy":        busy,
		"followups":   followups,
	})
}

func (r *MethodRouter) handleChatSend(ctx context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params protocol.ChatSendParams
	if err := decodeParams(req, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid chat.send params")
	}
	if params.SessionKey == "" || params.Content == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "session_key and content required")
	}
	if maxChars := r.server.cfg.Gateway.MaxMessageChars; maxChars > 0 && len(params.Content) > maxChars {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest,
			fmt.Sprintf("content exceeds %d chars", maxChars))
	}

	msg := turn.NewMessage(params.Content)
	if params.CorrelationID != "" {
		msg.CorrelationID = params.CorrelationID
	}

	outcome := r.server.runner.Submit(ctx, params.SessionKey, msg, params.Interrupt)

	result := protocol.ChatSendResult{
		Outcome: string(outcome.Kind),
		Reason:  outcome.Reason,
	}
	// Steers and interrupts reference the turn they touched; a started
	// turn's ID arrives later via the turn.started event.
	switch outcome.Kind {
	case turn.OutcomeSteered, turn.OutcomeInterrupted:
		result.TurnID = r.server.runner.ActiveTurnID(params.SessionKey)
	}
	return protocol.NewResponse(req.ID, result)
}

func (r *MethodRouter) handleChatAbort(_ context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params protocol.ChatAbortParams
	if err := decodeParams(req, &params); err != nil || params.SessionKey == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "session_key required")
	}

	aborted := r.server.runner.Interrupt(params.SessionKey)
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"aborted": aborted,
	})
}

func (r *MethodRouter) handleSessionsList(_ context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params protocol.SessionsListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid sessions.list params")
		}
	}
	return protocol.NewResponse(req.ID, r.server.meta.List(params.AgentID))
}

func (r *MethodRouter) handleSessionsGet(_ context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params protocol.SessionKeyParams
	if err := decodeParams(req, &params); err != nil || params.SessionKey == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "session_key required")
	}

	sess, ok := r.server.meta.Get(params.SessionKey)
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "session not found")
	}
	return protocol.NewResponse(req.ID, sess)
}

func (r *MethodRouter) handleSessionsLabel(_ context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params protocol.SessionLabelParams
	if err := decodeParams(req, &params); err != nil || params.SessionKey == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "session_key required")
	}

	if _, ok := r.server.meta.Get(params.SessionKey); !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "session not found")
	}
	r.server.meta.SetLabel(params.SessionKey, params.Label)
	return protocol.NewResponse(req.ID, map[string]interface{}{"labeled": true})
}

func (r *MethodRouter) handleSessionsDelete(_ context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params protocol.SessionKeyParams
	if err := decodeParams(req, &params); err != nil || params.SessionKey == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "session_key required")
	}

	if err := r.server.meta.Delete(params.SessionKey); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewResponse(req.ID, map[string]interface{}{"deleted": true})
}

func (r *MethodRouter) handleTurnsList(ctx context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params protocol.TurnsListParams
	if err := decodeParams(req, &params); err != nil || params.SessionKey == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "session_key required")
	}
	if r.server.journal == nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "turn journal disabled")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	turns, err := r.server.journal.ListTurns(ctx, params.SessionKey, limit)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewResponse(req.ID, turns)
}

func (r *MethodRouter) handleSubmissionsList(ctx context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params protocol.SubmissionsListParams
	if err := decodeParams(req, &params); err != nil || params.SessionKey == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "session_key required")
	}
	if r.server.journal == nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "turn journal disabled")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	subs, err := r.server.journal.ListSubmissions(ctx, params.SessionKey, limit)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewResponse(req.ID, subs)
}

func (r *MethodRouter) handleConfigGet(_ context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	return protocol.NewResponse(req.ID, r.server.cfg.MaskedCopy())
}
