package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tiller/internal/store"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "turns.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_TurnLifecycle(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	turnID := uuid.NewString()
	started := time.Now().Truncate(time.Second)
	err := j.RecordTurnStart(ctx, store.TurnRecord{
		ID:         turnID,
		SessionKey: "agent:default:ws:direct:1",
		AgentID:    "default",
		StartedAt:  started,
	})
	if err != nil {
		t.Fatalf("RecordTurnStart: %v", err)
	}

	ended := started.Add(3 * time.Second)
	if err := j.RecordTurnEnd(ctx, turnID, store.TurnCompleted, 2, 5, ended); err != nil {
		t.Fatalf("RecordTurnEnd: %v", err)
	}

	turns, err := j.ListTurns(ctx, "agent:default:ws:direct:1", 10)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
	rec := turns[0]
	if rec.ID != turnID || rec.Result != store.TurnCompleted {
		t.Errorf("turn = %+v", rec)
	}
	if rec.SteerCount != 2 || rec.StepCount != 5 {
		t.Errorf("counts = %d/%d, want 2/5", rec.SteerCount, rec.StepCount)
	}
	if rec.EndedAt == nil {
		t.Error("EndedAt not recorded")
	}
}

func TestJournal_SubmissionDedupe(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	rec := store.SubmissionRecord{
		CorrelationID: uuid.NewString(),
		SessionKey:    "agent:default:ws:direct:1",
		Outcome:       "steered",
		Content:       "also check the logs",
		CreatedAt:     time.Now(),
	}
	if err := j.RecordSubmission(ctx, rec); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	// Redelivery of the same correlation ID is a no-op, not an error.
	if err := j.RecordSubmission(ctx, rec); err != nil {
		t.Fatalf("RecordSubmission redelivery: %v", err)
	}

	subs, err := j.ListSubmissions(ctx, rec.SessionKey, 10)
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("got %d submissions, want 1", len(subs))
	}
}

func TestJournal_ListScopedBySession(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i, key := range []string{"agent:a:ws:direct:1", "agent:a:ws:direct:1", "agent:b:ws:direct:2"} {
		err := j.RecordSubmission(ctx, store.SubmissionRecord{
			CorrelationID: uuid.NewString(),
			SessionKey:    key,
			Outcome:       "queued",
			Content:       "m",
			CreatedAt:     time.Now().Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	subs, err := j.ListSubmissions(ctx, "agent:a:ws:direct:1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Errorf("got %d submissions for session a, want 2", len(subs))
	}
}
