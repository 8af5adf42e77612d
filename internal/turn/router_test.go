package turn

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func newTestRouter(window *SteerWindow) *Router {
	return NewRouter(RouterConfig{SessionKey: "agent:default:test:direct:1", Window: window})
}

func TestSubmit_IdleAlwaysStartsNewTurn(t *testing.T) {
	r := newTestRouter(NewSteerWindow())

	// Idle never accumulates state: every submission while idle reports
	// StartedNewTurn independently.
	for i := 0; i < 5; i++ {
		out := r.Submit(NewMessage("hello"), false)
		if out.Kind != OutcomeStartedNewTurn {
			t.Fatalf("submit %d while idle = %v, want %v", i, out.Kind, OutcomeStartedNewTurn)
		}
	}
	if r.Busy() {
		t.Error("router busy after idle submissions")
	}
	if got := len(r.ConsumeSteerBatch()); got != 0 {
		t.Errorf("steer backlog has %d messages after idle submissions, want 0", got)
	}
	if n := r.FollowupLen(); n != 0 {
		t.Errorf("followup queue has %d messages after idle submissions, want 0", n)
	}
}

func TestSubmit_SteerWindowOpen(t *testing.T) {
	w := NewSteerWindow()
	r := newTestRouter(w)

	if err := r.BeginTurn(uuid.New()); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	w.Open()

	want := []string{"first", "second", "third"}
	for _, content := range want {
		out := r.Submit(NewMessage(content), false)
		if out.Kind != OutcomeSteered {
			t.Fatalf("Submit(%q) = %v, want %v", content, out.Kind, OutcomeSteered)
		}
	}

	batch := r.ConsumeSteerBatch()
	if len(batch) != len(want) {
		t.Fatalf("ConsumeSteerBatch returned %d messages, want %d", len(batch), len(want))
	}
	for i, msg := range batch {
		if msg.Content != want[i] {
			t.Errorf("batch[%d] = %q, want %q", i, msg.Content, want[i])
		}
	}
	if got := r.ConsumeSteerBatch(); len(got) != 0 {
		t.Errorf("backlog not empty after drain: %d messages", len(got))
	}
}

func TestSubmit_WindowClosedQueuesFollowup(t *testing.T) {
	w := NewSteerWindow()
	r := newTestRouter(w)
	turnID := uuid.New()

	if err := r.BeginTurn(turnID); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	w.Close()

	out := r.Submit(NewMessage("late"), false)
	if out.Kind != OutcomeQueued {
		t.Fatalf("Submit after window close = %v, want %v", out.Kind, OutcomeQueued)
	}

	// A queued message is never visible to the current turn's backlog.
	if batch := r.ConsumeSteerBatch(); len(batch) != 0 {
		t.Fatalf("queued message leaked into steer batch: %v", batch)
	}

	// Only after the turn ends does it surface via the followup queue.
	r.EndTurn(turnID)
	msg, ok := r.NextFollowup()
	if !ok || msg.Content != "late" {
		t.Fatalf("NextFollowup = (%q, %v), want (\"late\", true)", msg.Content, ok)
	}
}

func TestSubmit_NilWindowNeverSteers(t *testing.T) {
	r := newTestRouter(nil)
	if err := r.BeginTurn(uuid.New()); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	out := r.Submit(NewMessage("x"), false)
	if out.Kind != OutcomeQueued {
		t.Errorf("Submit with nil window = %v, want %v", out.Kind, OutcomeQueued)
	}
}

func TestInterrupt_DiscardsSteerBacklog(t *testing.T) {
	w := NewSteerWindow()
	r := newTestRouter(w)

	if err := r.BeginTurn(uuid.New()); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	w.Open()

	r.Submit(NewMessage("steer me"), false)
	r.Submit(NewMessage("me too"), false)

	out := r.Submit(NewMessage("stop everything"), true)
	if out.Kind != OutcomeInterrupted {
		t.Fatalf("interrupt submit = %v, want %v", out.Kind, OutcomeInterrupted)
	}
	if !r.CancelRequested() {
		t.Error("cancel not armed after interrupt")
	}
	if batch := r.ConsumeSteerBatch(); len(batch) != 0 {
		t.Errorf("steer backlog survived interrupt: %v", batch)
	}

	select {
	case <-r.CancelSignal():
	default:
		t.Error("cancel signal not delivered after interrupt")
	}
}

func TestRequestInterrupt_WhileIdle(t *testing.T) {
	r := newTestRouter(NewSteerWindow())

	if r.RequestInterrupt() {
		t.Error("RequestInterrupt while idle = true, want false")
	}
	if r.CancelRequested() {
		t.Error("cancelRequested set while idle")
	}
	if r.Busy() {
		t.Error("busy set by idle interrupt")
	}
}

func TestFollowupQueue_StrictFIFO(t *testing.T) {
	w := NewSteerWindow()
	r := newTestRouter(w)
	turnID := uuid.New()

	if err := r.BeginTurn(turnID); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	// Window closed throughout: everything becomes a followup.
	for _, content := range []string{"A", "B", "C"} {
		if out := r.Submit(NewMessage(content), false); out.Kind != OutcomeQueued {
			t.Fatalf("Submit(%q) = %v, want %v", content, out.Kind, OutcomeQueued)
		}
	}

	r.EndTurn(turnID)

	// No DrainFunc configured: the queue stays whole and drains in
	// arrival order via polling.
	var got []string
	for {
		msg, ok := r.NextFollowup()
		if !ok {
			break
		}
		got = append(got, msg.Content)
	}
	want := []string{"A", "B", "C"}
	if len(got) != len(want) {
		t.Fatalf("remaining followups = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("followup[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEndTurn_DrainCallbackOrder(t *testing.T) {
	w := NewSteerWindow()
	var drained []string
	var mu sync.Mutex
	r := NewRouter(RouterConfig{
		SessionKey: "agent:default:test:direct:2",
		Window:     w,
		OnDrain: func(msg Message) {
			mu.Lock()
			drained = append(drained, msg.Content)
			mu.Unlock()
		},
	})

	// Three turns, each queueing followups for the next.
	t1 := uuid.New()
	if err := r.BeginTurn(t1); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	r.Submit(NewMessage("A"), false)
	r.Submit(NewMessage("B"), false)
	r.Submit(NewMessage("C"), false)
	r.EndTurn(t1)

	mu.Lock()
	defer mu.Unlock()
	if len(drained) != 1 || drained[0] != "A" {
		t.Fatalf("drain callback got %v, want [A]", drained)
	}
	// B and C stay queued for subsequent boundaries.
	if n := r.FollowupLen(); n != 2 {
		t.Errorf("followup length after drain = %d, want 2", n)
	}
}

func TestEndTurn_StaleCompletionIgnored(t *testing.T) {
	w := NewSteerWindow()
	r := newTestRouter(w)
	active := uuid.New()

	if err := r.BeginTurn(active); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	w.Open()
	r.Submit(NewMessage("keep me"), false)

	// Completion from a superseded turn: no side effects at all.
	r.EndTurn(uuid.New())
	if !r.Busy() {
		t.Error("stale EndTurn flipped busy state")
	}
	if r.ActiveTurnID() != active {
		t.Error("stale EndTurn changed active turn ID")
	}
	if batch := r.ConsumeSteerBatch(); len(batch) != 1 {
		t.Errorf("stale EndTurn touched steer backlog: %d messages", len(batch))
	}
}

func TestEndTurn_ClearsBacklogHoweverTurnEnded(t *testing.T) {
	w := NewSteerWindow()
	r := newTestRouter(w)
	turnID := uuid.New()

	if err := r.BeginTurn(turnID); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	w.Open()
	r.Submit(NewMessage("never consumed"), false)
	r.EndTurn(turnID)

	if err := r.BeginTurn(uuid.New()); err != nil {
		t.Fatalf("BeginTurn after EndTurn: %v", err)
	}
	if batch := r.ConsumeSteerBatch(); len(batch) != 0 {
		t.Errorf("backlog leaked across turn boundary: %v", batch)
	}
}

func TestBeginTurn_AlreadyBusy(t *testing.T) {
	r := newTestRouter(NewSteerWindow())

	if err := r.BeginTurn(uuid.New()); err != nil {
		t.Fatalf("first BeginTurn: %v", err)
	}
	if err := r.BeginTurn(uuid.New()); err != ErrAlreadyBusy {
		t.Errorf("second BeginTurn = %v, want ErrAlreadyBusy", err)
	}
}

func TestSubmit_RejectsEmptyContent(t *testing.T) {
	r := newTestRouter(NewSteerWindow())

	out := r.Submit(NewMessage("   "), false)
	if out.Kind != OutcomeRejected {
		t.Fatalf("empty submit = %v, want %v", out.Kind, OutcomeRejected)
	}
	if out.Reason == "" {
		t.Error("rejected outcome carries no reason")
	}
}

func TestScenario_FullTurnCycle(t *testing.T) {
	// session idle → submit → StartedNewTurn; BeginTurn(T1);
	// two steers inside the window; drain yields both in order;
	// one late submission after the window closes → Queued;
	// EndTurn(T1) → followup drain yields the late message.
	w := NewSteerWindow()
	var drained []Message
	r := NewRouter(RouterConfig{
		SessionKey: "agent:default:test:direct:3",
		Window:     w,
		OnDrain:    func(msg Message) { drained = append(drained, msg) },
	})

	if out := r.Submit(NewMessage("go"), false); out.Kind != OutcomeStartedNewTurn {
		t.Fatalf("initial submit = %v, want StartedNewTurn", out.Kind)
	}

	t1 := uuid.New()
	if err := r.BeginTurn(t1); err != nil {
		t.Fatalf("BeginTurn(T1): %v", err)
	}
	w.Open()

	if out := r.Submit(NewMessage("actually do X"), false); out.Kind != OutcomeSteered {
		t.Fatalf("first steer = %v", out.Kind)
	}
	if out := r.Submit(NewMessage("also Y"), false); out.Kind != OutcomeSteered {
		t.Fatalf("second steer = %v", out.Kind)
	}

	batch := r.ConsumeSteerBatch()
	if len(batch) != 2 || batch[0].Content != "actually do X" || batch[1].Content != "also Y" {
		t.Fatalf("steer batch = %v", batch)
	}

	w.Close()
	if out := r.Submit(NewMessage("unrelated Z"), false); out.Kind != OutcomeQueued {
		t.Fatalf("post-window submit = %v, want Queued", out.Kind)
	}

	r.EndTurn(t1)
	if len(drained) != 1 || drained[0].Content != "unrelated Z" {
		t.Fatalf("drained = %v, want [unrelated Z]", drained)
	}
	if r.Busy() {
		t.Error("router busy after EndTurn")
	}
}

func TestRegistry_FailsClosedOnUnknownSession(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Get("agent:default:never:direct:9"); err == nil {
		t.Fatal("Get on unknown session did not fail")
	}
	if _, err := reg.Submit("agent:default:never:direct:9", NewMessage("x"), false); err == nil {
		t.Fatal("Submit on unknown session did not fail closed")
	}

	r := reg.Bind("agent:default:tg:direct:1", NewSteerWindow(), nil)
	got, err := reg.Get("agent:default:tg:direct:1")
	if err != nil || got != r {
		t.Fatalf("Get after Bind = (%v, %v), want original router", got, err)
	}

	reg.Remove("agent:default:tg:direct:1")
	if _, err := reg.Get("agent:default:tg:direct:1"); err == nil {
		t.Error("Get after Remove did not fail closed")
	}
}

func TestRegistry_BindIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	a := reg.Bind("s", NewSteerWindow(), nil)
	b := reg.Bind("s", NewSteerWindow(), nil)
	if a != b {
		t.Error("rebinding the same session created a second router")
	}
	if reg.Len() != 1 {
		t.Errorf("registry length = %d, want 1", reg.Len())
	}
}

func TestSubmit_SteerBacklogLimit(t *testing.T) {
	w := NewSteerWindow()
	r := NewRouter(RouterConfig{
		SessionKey: "agent:default:test:direct:1",
		Window:     w,
		Limits:     Limits{MaxSteerBacklog: 2},
	})
	if err := r.BeginTurn(uuid.New()); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	w.Open()

	for i := 0; i < 2; i++ {
		if out := r.Submit(NewMessage("steer"), false); out.Kind != OutcomeSteered {
			t.Fatalf("submit %d = %v, want %v", i, out.Kind, OutcomeSteered)
		}
	}
	out := r.Submit(NewMessage("overflow"), false)
	if out.Kind != OutcomeRejected {
		t.Fatalf("over-limit submit = %v, want %v", out.Kind, OutcomeRejected)
	}
	if out.Reason != "steer backlog full" {
		t.Errorf("rejection reason = %q, want %q", out.Reason, "steer backlog full")
	}

	// Consuming the batch frees capacity again.
	if got := len(r.ConsumeSteerBatch()); got != 2 {
		t.Fatalf("batch length = %d, want 2", got)
	}
	if out := r.Submit(NewMessage("after drain"), false); out.Kind != OutcomeSteered {
		t.Errorf("submit after batch consumed = %v, want %v", out.Kind, OutcomeSteered)
	}
}

func TestSubmit_FollowupQueueLimit(t *testing.T) {
	w := NewSteerWindow()
	r := NewRouter(RouterConfig{
		SessionKey: "agent:default:test:direct:1",
		Window:     w,
		Limits:     Limits{MaxFollowups: 1},
	})
	if err := r.BeginTurn(uuid.New()); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	w.Close()

	if out := r.Submit(NewMessage("first"), false); out.Kind != OutcomeQueued {
		t.Fatalf("first submit = %v, want %v", out.Kind, OutcomeQueued)
	}
	out := r.Submit(NewMessage("second"), false)
	if out.Kind != OutcomeRejected {
		t.Fatalf("over-limit submit = %v, want %v", out.Kind, OutcomeRejected)
	}
	if out.Reason != "followup queue full" {
		t.Errorf("rejection reason = %q, want %q", out.Reason, "followup queue full")
	}
	if n := r.FollowupLen(); n != 1 {
		t.Errorf("followup queue depth = %d, want 1", n)
	}
}

func TestSubmit_ZeroLimitsUnbounded(t *testing.T) {
	w := NewSteerWindow()
	r := newTestRouter(w)
	if err := r.BeginTurn(uuid.New()); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	w.Close()

	for i := 0; i < 100; i++ {
		if out := r.Submit(NewMessage("queued"), false); out.Kind != OutcomeQueued {
			t.Fatalf("submit %d = %v, want %v", i, out.Kind, OutcomeQueued)
		}
	}
	if n := r.FollowupLen(); n != 100 {
		t.Errorf("followup queue depth = %d, want 100", n)
	}
}

func TestRequeue_WhileBusy(t *testing.T) {
	r := NewRouter(RouterConfig{
		SessionKey: "agent:default:test:direct:1",
		Window:     NewSteerWindow(),
		Limits:     Limits{MaxFollowups: 1},
	})
	if err := r.BeginTurn(uuid.New()); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}

	if !r.Requeue(NewMessage("lost the start race")) {
		t.Fatal("Requeue while busy returned false")
	}
	// Requeue bypasses the depth limit: the message was already
	// accepted as StartedNewTurn and must not be dropped.
	if !r.Requeue(NewMessage("also lost")) {
		t.Fatal("Requeue over the depth limit returned false")
	}
	if n := r.FollowupLen(); n != 2 {
		t.Errorf("followup queue depth = %d, want 2", n)
	}
}

func TestRequeue_WhileIdle(t *testing.T) {
	r := newTestRouter(NewSteerWindow())
	if r.Requeue(NewMessage("retry me")) {
		t.Fatal("Requeue while idle returned true")
	}
	if n := r.FollowupLen(); n != 0 {
		t.Errorf("followup queue depth = %d, want 0", n)
	}
}

func TestRegistry_SetLimitsAppliesToNewRouters(t *testing.T) {
	reg := NewRegistry()
	reg.SetLimits(Limits{MaxFollowups: 1})

	w := NewSteerWindow()
	r := reg.Bind("s", w, nil)
	if err := r.BeginTurn(uuid.New()); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	w.Close()

	if out := r.Submit(NewMessage("first"), false); out.Kind != OutcomeQueued {
		t.Fatalf("first submit = %v, want %v", out.Kind, OutcomeQueued)
	}
	if out := r.Submit(NewMessage("second"), false); out.Kind != OutcomeRejected {
		t.Errorf("over-limit submit = %v, want %v", out.Kind, OutcomeRejected)
	}
}
