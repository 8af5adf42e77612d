package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/tiller/internal/store"
)

// Journal implements store.TurnStore backed by Postgres.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) RecordTurnStart(ctx context.Context, rec store.TurnRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_key, agent_id, started_at) VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.SessionKey, rec.AgentID, rec.StartedAt,
	)
	return err
}

func (j *Journal) RecordTurnEnd(ctx context.Context, turnID, result string, steerCount, stepCount int, endedAt time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE turns SET ended_at = $1, result = $2, steer_count = $3, step_count = $4 WHERE id = $5`,
		endedAt, result, steerCount, stepCount, turnID,
	)
	return err
}

func (j *Journal) RecordSubmission(ctx context.Context, rec store.SubmissionRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO submissions (correlation_id, session_key, turn_id, outcome, reason, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (correlation_id) DO NOTHING`,
		rec.CorrelationID, rec.SessionKey, rec.TurnID, rec.Outcome, rec.Reason, rec.Content, rec.CreatedAt,
	)
	return err
}

func (j *Journal) ListTurns(ctx context.Context, sessionKey string, limit int) ([]store.TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_key, agent_id, started_at, ended_at, result, steer_count, step_count
		 FROM turns WHERE session_key = $1 ORDER BY started_at DESC LIMIT $2`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TurnRecord
	for rows.Next() {
		var rec store.TurnRecord
		var ended sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.SessionKey, &rec.AgentID, &rec.StartedAt,
			&ended, &rec.Result, &rec.SteerCount, &rec.StepCount); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *Journal) ListSubmissions(ctx context.Context, sessionKey string, limit int) ([]store.SubmissionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT correlation_id, session_key, turn_id, outcome, reason, content, created_at
		 FROM submissions WHERE session_key = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SubmissionRecord
	for rows.Next() {
		var rec store.SubmissionRecord
		if err := rows.Scan(&rec.CorrelationID, &rec.SessionKey, &rec.TurnID,
			&rec.Outcome, &rec.Reason, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
