package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/tiller/internal/agent"
	"github.com/nextlevelbuilder/tiller/internal/bus"
	"github.com/nextlevelbuilder/tiller/internal/config"
	"github.com/nextlevelbuilder/tiller/internal/sessions"
	"github.com/nextlevelbuilder/tiller/internal/turn"
	"github.com/nextlevelbuilder/tiller/pkg/protocol"
)

const testToken = "test-token"

func newTestGateway(t *testing.T) (addr string, cancel context.CancelFunc) {
	t.Helper()
	return newTestGatewayWithGenerator(t, agent.GeneratorFunc(func(ctx context.Context, req agent.StepRequest) (*agent.StepResult, error) {
		return &agent.StepResult{Content: "echo: " + req.Input, Done: true}, nil
	}))
}

func newTestGatewayWithGenerator(t *testing.T, gen agent.Generator) (addr string, cancel context.CancelFunc) {
	t.Helper()

	cfg := config.Default()
	cfg.Gateway.Token = testToken
	cfg.Gateway.RateLimitRPM = 0

	loop := agent.NewLoop(agent.LoopConfig{ID: "test", Generator: gen})
	meta := sessions.NewManager(t.TempDir())
	runner := agent.NewRunner(agent.RunnerConfig{
		Registry: turn.NewRegistry(),
		Loop:     loop,
		Sessions: meta,
	})

	srv := NewServer(cfg, bus.New(), runner, meta, nil)

	ctx, cancel := context.WithCancel(context.Background())
	addr, start := StartTestServer(srv, ctx)
	go start()

	t.Cleanup(cancel)
	return addr, cancel
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// call sends a request frame and reads frames until the matching
// response arrives, skipping interleaved events.
func call(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) *protocol.ResponseFrame {
	t.Helper()

	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = raw
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		frameType, err := protocol.ParseFrameType(raw)
		if err != nil || frameType != protocol.FrameTypeResponse {
			continue
		}
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if resp.ID == id {
			return &resp
		}
	}
	t.Fatalf("no response for request %s", id)
	return nil
}

func connect(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	resp := call(t, conn, "c1", protocol.MethodConnect, protocol.ConnectParams{Token: testToken})
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}
}

func TestGateway_ConnectHandshake(t *testing.T) {
	addr, _ := newTestGateway(t)
	conn := dial(t, addr)

	resp := call(t, conn, "1", protocol.MethodConnect, protocol.ConnectParams{Token: testToken, ClientName: "cli"})
	if !resp.OK {
		t.Fatalf("connect rejected: %+v", resp.Error)
	}

	payload, _ := json.Marshal(resp.Payload)
	var connected protocol.ConnectedPayload
	if err := json.Unmarshal(payload, &connected); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if connected.ProtocolVersion != protocol.ProtocolVersion {
		t.Errorf("protocol version = %d, want %d", connected.ProtocolVersion, protocol.ProtocolVersion)
	}
}

func TestGateway_ConnectBadToken(t *testing.T) {
	addr, _ := newTestGateway(t)
	conn := dial(t, addr)

	resp := call(t, conn, "1", protocol.MethodConnect, protocol.ConnectParams{Token: "wrong"})
	if resp.OK {
		t.Fatal("connect with bad token should fail")
	}
	if resp.Error.Code != protocol.ErrUnauthorized {
		t.Errorf("error code = %q, want %q", resp.Error.Code, protocol.ErrUnauthorized)
	}
}

func TestGateway_MethodsRequireAuth(t *testing.T) {
	addr, _ := newTestGateway(t)
	conn := dial(t, addr)

	resp := call(t, conn, "1", protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey: "agent:tiller:main:ws:u1",
		Content:    "hi",
	})
	if resp.OK {
		t.Fatal("pre-auth chat.send should fail")
	}
	if resp.Error.Code != protocol.ErrUnauthorized {
		t.Errorf("error code = %q, want %q", resp.Error.Code, protocol.ErrUnauthorized)
	}
}

func TestGateway_ChatSendRoutesMessage(t *testing.T) {
	addr, _ := newTestGateway(t)
	conn := dial(t, addr)
	connect(t, conn)

	resp := call(t, conn, "2", protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey: "agent:tiller:main:ws:u1",
		Content:    "write the report",
	})
	if !resp.OK {
		t.Fatalf("chat.send failed: %+v", resp.Error)
	}

	payload, _ := json.Marshal(resp.Payload)
	var result protocol.ChatSendResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Outcome != string(turn.OutcomeStartedNewTurn) {
		t.Errorf("outcome = %q, want %q", result.Outcome, turn.OutcomeStartedNewTurn)
	}
	if result.TurnID != "" {
		t.Errorf("started turn carried turn_id %q, want empty", result.TurnID)
	}
}

func TestGateway_ChatSendSteeredCarriesTurnID(t *testing.T) {
	running := make(chan struct{})
	release := make(chan struct{})
	gen := agent.GeneratorFunc(func(ctx context.Context, req agent.StepRequest) (*agent.StepResult, error) {
		if req.Input == "first" {
			close(running)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &agent.StepResult{Content: "done", Done: true}, nil
	})
	addr, _ := newTestGatewayWithGenerator(t, gen)
	defer close(release)
	conn := dial(t, addr)
	connect(t, conn)

	key := "agent:tiller:main:ws:u1"
	resp := call(t, conn, "2", protocol.MethodChatSend, protocol.ChatSendParams{SessionKey: key, Content: "first"})
	if !resp.OK {
		t.Fatalf("chat.send failed: %+v", resp.Error)
	}
	// The generator step is now in flight, so the window is open.
	<-running

	resp = call(t, conn, "3", protocol.MethodChatSend, protocol.ChatSendParams{SessionKey: key, Content: "second"})
	if !resp.OK {
		t.Fatalf("chat.send failed: %+v", resp.Error)
	}
	payload, _ := json.Marshal(resp.Payload)
	var result protocol.ChatSendResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Outcome != string(turn.OutcomeSteered) {
		t.Fatalf("outcome = %q, want %q", result.Outcome, turn.OutcomeSteered)
	}
	if result.TurnID == "" {
		t.Error("steered response missing turn_id")
	}
}

func TestGateway_StatusUnknownSession(t *testing.T) {
	addr, _ := newTestGateway(t)
	conn := dial(t, addr)
	connect(t, conn)

	resp := call(t, conn, "2", protocol.MethodStatus, protocol.SessionKeyParams{SessionKey: "agent:tiller:main:ws:ghost"})
	if !resp.OK {
		t.Fatalf("status failed: %+v", resp.Error)
	}
	payload, _ := json.Marshal(resp.Payload)
	var status struct {
		Known bool `json:"known"`
		Busy  bool `json:"busy"`
	}
	if err := json.Unmarshal(payload, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Known {
		t.Error("unknown session should report known=false")
	}
	if status.Busy {
		t.Error("unknown session should report busy=false")
	}
}

func TestGateway_UnknownMethod(t *testing.T) {
	addr, _ := newTestGateway(t)
	conn := dial(t, addr)
	connect(t, conn)

	resp := call(t, conn, "2", "nope.nada", nil)
	if resp.OK {
		t.Fatal("unknown method should fail")
	}
	if resp.Error.Code != protocol.ErrNotFound {
		t.Errorf("error code = %q, want %q", resp.Error.Code, protocol.ErrNotFound)
	}
}

func TestGateway_ChatSendOversized(t *testing.T) {
	addr, _ := newTestGateway(t)
	conn := dial(t, addr)
	connect(t, conn)

	resp := call(t, conn, "2", protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey: "agent:tiller:main:ws:u1",
		Content:    strings.Repeat("x", 32_001),
	})
	if resp.OK {
		t.Fatal("oversized content should be rejected")
	}
	if resp.Error.Code != protocol.ErrInvalidRequest {
		t.Errorf("error code = %q, want %q", resp.Error.Code, protocol.ErrInvalidRequest)
	}
}

func TestGateway_SessionsListAfterSend(t *testing.T) {
	addr, _ := newTestGateway(t)
	conn := dial(t, addr)
	connect(t, conn)

	key := "agent:tiller:main:ws:lister"
	if resp := call(t, conn, "2", protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey: key,
		Content:    "hello",
	}); !resp.OK {
		t.Fatalf("chat.send failed: %+v", resp.Error)
	}

	resp := call(t, conn, "3", protocol.MethodSessionsList, protocol.SessionsListParams{})
	if !resp.OK {
		t.Fatalf("sessions.list failed: %+v", resp.Error)
	}
	payload, _ := json.Marshal(resp.Payload)
	var list []sessions.Session
	if err := json.Unmarshal(payload, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	found := false
	for _, s := range list {
		if s.Key == key {
			found = true
		}
	}
	if !found {
		t.Errorf("session %q missing from list", key)
	}
}

func TestGateway_SessionsLabel(t *testing.T) {
	addr, _ := newTestGateway(t)
	conn := dial(t, addr)
	connect(t, conn)

	key := "agent:tiller:main:ws:labeled"
	if resp := call(t, conn, "2", protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey: key,
		Content:    "hello",
	}); !resp.OK {
		t.Fatalf("chat.send failed: %+v", resp.Error)
	}

	if resp := call(t, conn, "3", protocol.MethodSessionsLabel, protocol.SessionLabelParams{
		SessionKey: key,
		Label:      "weekly report",
	}); !resp.OK {
		t.Fatalf("sessions.label failed: %+v", resp.Error)
	}

	resp := call(t, conn, "4", protocol.MethodSessionsGet, protocol.SessionKeyParams{SessionKey: key})
	if !resp.OK {
		t.Fatalf("sessions.get failed: %+v", resp.Error)
	}
	payload, _ := json.Marshal(resp.Payload)
	var sess sessions.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.Label != "weekly report" {
		t.Errorf("label = %q, want %q", sess.Label, "weekly report")
	}

	if resp := call(t, conn, "5", protocol.MethodSessionsLabel, protocol.SessionLabelParams{
		SessionKey: "agent:tiller:main:ws:ghost",
		Label:      "x",
	}); resp.OK {
		t.Error("labeling an unknown session did not fail")
	}
}

func TestGateway_HealthEndpoint(t *testing.T) {
	addr, _ := newTestGateway(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	if !rl.Enabled() {
		t.Fatal("limiter should be enabled")
	}

	// Burst of 2, then the third immediate request is denied.
	if !rl.Allow("c1") || !rl.Allow("c1") {
		t.Fatal("burst requests should pass")
	}
	if rl.Allow("c1") {
		t.Error("request beyond burst should be denied")
	}

	// Other clients have independent budgets.
	if !rl.Allow("c2") {
		t.Error("second client should have its own budget")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 5)
	if rl.Enabled() {
		t.Fatal("rpm=0 should disable limiting")
	}
	for i := 0; i < 100; i++ {
		if !rl.Allow("c1") {
			t.Fatal("disabled limiter should always allow")
		}
	}
}
