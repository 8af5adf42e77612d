package turn

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

// TestConcurrentSubmit_InvariantHolds hammers one router with concurrent
// submissions, turn boundaries, and interrupts. Multiple StartedNewTurn
// outcomes are a caller-level race and allowed; what must never happen
// is the session ending up busy with a nil turn ID (or idle with a
// dangling turn ID / armed cancel) under any interleaving.
func TestConcurrentSubmit_InvariantHolds(t *testing.T) {
	w := NewSteerWindow()
	r := newTestRouter(w)

	const workers = 8
	const iterations = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				switch j % 5 {
				case 0:
					r.Submit(NewMessage("m"), false)
				case 1:
					id := uuid.New()
					if err := r.BeginTurn(id); err == nil {
						w.Open()
						r.Submit(NewMessage("steer"), false)
						w.Close()
						r.EndTurn(id)
					}
				case 2:
					r.RequestInterrupt()
				case 3:
					r.ConsumeSteerBatch()
				case 4:
					r.NextFollowup()
				}

				if invariantViolated(r.Busy(), r.ActiveTurnID(), r.CancelRequested()) {
					// Re-check under a consistent read: the three getters
					// above are individually locked, so a transient
					// mismatch between them is possible. Take one
					// consistent snapshot before declaring a violation.
					busy, id, cancel := r.snapshot()
					if invariantViolated(busy, id, cancel) {
						t.Errorf("invariant violated: busy=%v turn=%v cancel=%v", busy, id, cancel)
						return
					}
				}
			}
		}(i)
	}
	wg.Wait()

	busy, id, cancel := r.snapshot()
	if invariantViolated(busy, id, cancel) {
		t.Fatalf("final state violates invariant: busy=%v turn=%v cancel=%v", busy, id, cancel)
	}
}

// TestConcurrentSteer_OrderPreserved submits steer messages from one
// goroutine while the executor drains from another; every message must
// appear exactly once, in submission order, across the drained batches.
func TestConcurrentSteer_OrderPreserved(t *testing.T) {
	w := NewSteerWindow()
	r := newTestRouter(w)
	turnID := uuid.New()

	if err := r.BeginTurn(turnID); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	w.Open()

	const total = 500
	done := make(chan struct{})
	var drained []Message

	go func() {
		defer close(done)
		for len(drained) < total {
			drained = append(drained, r.ConsumeSteerBatch()...)
		}
	}()

	contents := make([]string, total)
	for i := 0; i < total; i++ {
		contents[i] = uuid.NewString()
		if out := r.Submit(Message{Content: contents[i]}, false); out.Kind != OutcomeSteered {
			t.Fatalf("submit %d = %v", i, out.Kind)
		}
	}
	<-done

	if len(drained) != total {
		t.Fatalf("drained %d messages, want %d", len(drained), total)
	}
	for i, msg := range drained {
		if msg.Content != contents[i] {
			t.Fatalf("order broken at %d: got %q, want %q", i, msg.Content, contents[i])
		}
	}
}
