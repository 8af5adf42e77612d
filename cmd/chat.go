package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/tiller/internal/config"
	"github.com/nextlevelbuilder/tiller/internal/sessions"
	"github.com/nextlevelbuilder/tiller/internal/turn"
	"github.com/nextlevelbuilder/tiller/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		addr       string
		message    string
		sessionKey string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the gateway over WebSocket",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "load config: %v\n", err)
				os.Exit(1)
			}
			if addr == "" {
				host := cfg.Gateway.Host
				if host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
			}
			if sessionKey == "" {
				agentID := cfg.ResolveDefaultAgentID()
				sessionKey = sessions.BuildSessionKey(agentID, "cli", sessions.PeerDirect, uuid.NewString()[:8])
			}
			runChat(cfg, addr, message, sessionKey)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key (default: fresh CLI session)")
	return cmd
}

func runChat(cfg *config.Config, addr, message, sessionKey string) {
	wsURL := fmt.Sprintf("ws://%s/ws", addr)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WebSocket connect failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Is the gateway running? Try: tiller\n")
		os.Exit(1)
	}
	defer conn.Close()

	if err := wsConnect(conn, cfg.Gateway.Token); err != nil {
		fmt.Fprintf(os.Stderr, "Gateway auth failed: %v\n", err)
		os.Exit(1)
	}

	if message != "" {
		// One-shot mode
		resp, err := wsChatSend(conn, sessionKey, message)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(resp)
		return
	}

	// Interactive REPL
	fmt.Fprintf(os.Stderr, "\nTiller Interactive Chat\n")
	fmt.Fprintf(os.Stderr, "Session: %s\n", sessionKey)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for new session, \"/abort\" to interrupt\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/new" {
			agentID, _ := sessions.ParseSessionKey(sessionKey)
			sessionKey = sessions.BuildSessionKey(agentID, "cli", sessions.PeerDirect, uuid.NewString()[:8])
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", sessionKey)
			continue
		}
		if input == "/abort" {
			if err := wsChatAbort(conn, sessionKey); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			}
			continue
		}

		resp, err := wsChatSend(conn, sessionKey, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		if resp != "" {
			fmt.Printf("\n%s\n\n", resp)
		}
	}
}

// wsConnect sends the connect RPC and waits for the auth response.
func wsConnect(conn *websocket.Conn, token string) error {
	params, _ := json.Marshal(protocol.ConnectParams{Token: token, ClientName: "tiller-cli"})

	reqFrame := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     "connect-1",
		Method: protocol.MethodConnect,
		Params: params,
	}

	if err := conn.WriteJSON(reqFrame); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	var resp protocol.ResponseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read connect response: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return fmt.Errorf("connect rejected: %s", resp.Error.Message)
		}
		return fmt.Errorf("connect rejected")
	}

	return nil
}

// wsChatSend submits a message and, when the submission started or
// queued a turn, waits for that turn's result event. Steers and
// interrupts return immediately with a routing report.
func wsChatSend(conn *websocket.Conn, sessionKey, message string) (string, error) {
	reqID := uuid.NewString()[:8]
	params, _ := json.Marshal(protocol.ChatSendParams{
		SessionKey: sessionKey,
		Content:    message,
	})

	reqFrame := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: protocol.MethodChatSend,
		Params: params,
	}

	if err := conn.WriteJSON(reqFrame); err != nil {
		return "", fmt.Errorf("send chat: %w", err)
	}

	var result protocol.ChatSendResult
	awaitingResult := false

	for {
		_, rawMsg, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}

		frameType, _ := protocol.ParseFrameType(rawMsg)

		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(rawMsg, &resp); err != nil {
				continue
			}
			if resp.ID != reqID {
				continue
			}
			if !resp.OK {
				if resp.Error != nil {
					return "", fmt.Errorf("gateway error: %s", resp.Error.Message)
				}
				return "", fmt.Errorf("gateway error (unknown)")
			}

			payload, _ := json.Marshal(resp.Payload)
			if err := json.Unmarshal(payload, &result); err != nil {
				return "", fmt.Errorf("decode result: %w", err)
			}

			switch result.Outcome {
			case string(turn.OutcomeStartedNewTurn), string(turn.OutcomeQueued):
				if result.Outcome == string(turn.OutcomeQueued) {
					fmt.Fprintln(os.Stderr, "  [queued behind the active turn]")
				}
				awaitingResult = true
			case string(turn.OutcomeSteered):
				return "[steering the active turn]", nil
			case string(turn.OutcomeInterrupted):
				return "[interrupting the active turn]", nil
			default:
				return "", fmt.Errorf("rejected: %s", result.Reason)
			}

		case protocol.FrameTypeEvent:
			if !awaitingResult {
				continue
			}
			var evt protocol.EventFrame
			if err := json.Unmarshal(rawMsg, &evt); err != nil {
				continue
			}
			if evt.Event != protocol.EventChatResult {
				continue
			}
			payload, _ := json.Marshal(evt.Payload)
			var cr protocol.ChatResultPayload
			if err := json.Unmarshal(payload, &cr); err != nil {
				continue
			}
			if cr.SessionKey != sessionKey {
				continue
			}
			return cr.Content, nil
		}
	}
}

// wsChatAbort requests an interrupt of the session's active turn.
func wsChatAbort(conn *websocket.Conn, sessionKey string) error {
	reqID := uuid.NewString()[:8]
	params, _ := json.Marshal(protocol.ChatAbortParams{SessionKey: sessionKey})

	reqFrame := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: protocol.MethodChatAbort,
		Params: params,
	}
	if err := conn.WriteJSON(reqFrame); err != nil {
		return fmt.Errorf("send abort: %w", err)
	}

	for {
		var resp protocol.ResponseFrame
		if err := conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("read abort response: %w", err)
		}
		if resp.Type != protocol.FrameTypeResponse || resp.ID != reqID {
			continue
		}
		if !resp.OK && resp.Error != nil {
			return fmt.Errorf("abort rejected: %s", resp.Error.Message)
		}
		fmt.Fprintln(os.Stderr, "  [abort requested]")
		return nil
	}
}
