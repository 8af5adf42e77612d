package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{Channel: "ws", ChatID: "42", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("ConsumeInbound returned !ok with a buffered message")
	}
	if msg.Content != "hi" || msg.ChatID != "42" {
		t.Errorf("got %+v", msg)
	}
}

func TestMessageBus_ConsumeCancelled(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("ConsumeInbound returned ok on cancelled context")
	}
	if _, ok := b.ConsumeOutbound(ctx); ok {
		t.Error("ConsumeOutbound returned ok on cancelled context")
	}
}

func TestMessageBus_Broadcast(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []string

	b.Subscribe("a", func(e Event) {
		mu.Lock()
		got = append(got, "a:"+e.Name)
		mu.Unlock()
	})
	b.Subscribe("b", func(e Event) {
		mu.Lock()
		got = append(got, "b:"+e.Name)
		mu.Unlock()
	})
	b.Unsubscribe("b")

	b.Broadcast(Event{Name: "turn.steered"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "a:turn.steered" {
		t.Errorf("broadcast delivered %v, want [a:turn.steered]", got)
	}
}

func TestDedupeCache(t *testing.T) {
	c := NewDedupeCache(50*time.Millisecond, 100)

	if c.IsDuplicate("k1") {
		t.Error("first sighting reported as duplicate")
	}
	if !c.IsDuplicate("k1") {
		t.Error("second sighting not reported as duplicate")
	}

	time.Sleep(60 * time.Millisecond)
	if c.IsDuplicate("k1") {
		t.Error("expired entry still reported as duplicate")
	}
}

func TestDedupeCache_Cap(t *testing.T) {
	c := NewDedupeCache(time.Hour, 10)
	for i := 0; i < 50; i++ {
		c.IsDuplicate(string(rune('a' + i)))
	}
	if c.Len() > 10 {
		t.Errorf("cache grew to %d entries, cap is 10", c.Len())
	}
}

func TestInboundDebouncer_MergesBurst(t *testing.T) {
	var mu sync.Mutex
	var flushed []InboundMessage
	d := NewInboundDebouncer(30*time.Millisecond, func(m InboundMessage) {
		mu.Lock()
		flushed = append(flushed, m)
		mu.Unlock()
	})
	defer d.Stop()

	base := InboundMessage{Channel: "ws", ChatID: "1", SenderID: "u"}
	for _, content := range []string{"wait", "actually", "do X instead"} {
		m := base
		m.Content = content
		d.Push(m)
	}

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("burst flushed as %d messages, want 1", len(flushed))
	}
	if flushed[0].Content != "wait\nactually\ndo X instead" {
		t.Errorf("merged content = %q", flushed[0].Content)
	}
}

func TestInboundDebouncer_SendersIndependent(t *testing.T) {
	var mu sync.Mutex
	var flushed []InboundMessage
	d := NewInboundDebouncer(30*time.Millisecond, func(m InboundMessage) {
		mu.Lock()
		flushed = append(flushed, m)
		mu.Unlock()
	})
	defer d.Stop()

	d.Push(InboundMessage{Channel: "ws", ChatID: "1", SenderID: "alice", Content: "a"})
	d.Push(InboundMessage{Channel: "ws", ChatID: "1", SenderID: "bob", Content: "b"})

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 2 {
		t.Errorf("two senders flushed as %d messages, want 2", len(flushed))
	}
}

func TestInboundDebouncer_InterruptBypasses(t *testing.T) {
	var mu sync.Mutex
	var flushed []InboundMessage
	d := NewInboundDebouncer(time.Hour, func(m InboundMessage) {
		mu.Lock()
		flushed = append(flushed, m)
		mu.Unlock()
	})
	defer d.Stop()

	d.Push(InboundMessage{Channel: "ws", ChatID: "1", SenderID: "u", Content: "stop", Interrupt: true})

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || !flushed[0].Interrupt {
		t.Fatalf("interrupt was debounced: %v", flushed)
	}
}
