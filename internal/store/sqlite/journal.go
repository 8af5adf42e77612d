// Package sqlite implements the turn journal on an embedded SQLite database.
// This is the standalone-mode default: no external services required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/tiller/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id           TEXT PRIMARY KEY,
	session_key  TEXT NOT NULL,
	agent_id     TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMP NOT NULL,
	ended_at     TIMESTAMP,
	result       TEXT NOT NULL DEFAULT '',
	steer_count  INTEGER NOT NULL DEFAULT 0,
	step_count   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key, started_at);

CREATE TABLE IF NOT EXISTS submissions (
	correlation_id TEXT PRIMARY KEY,
	session_key    TEXT NOT NULL,
	turn_id        TEXT NOT NULL DEFAULT '',
	outcome        TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	content        TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submissions_session ON submissions(session_key, created_at);
`

// Journal implements store.TurnStore backed by SQLite.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; serialize access through one conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) RecordTurnStart(ctx context.Context, rec store.TurnRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_key, agent_id, started_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.SessionKey, rec.AgentID, rec.StartedAt,
	)
	return err
}

func (j *Journal) RecordTurnEnd(ctx context.Context, turnID, result string, steerCount, stepCount int, endedAt time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE turns SET ended_at = ?, result = ?, steer_count = ?, step_count = ? WHERE id = ?`,
		endedAt, result, steerCount, stepCount, turnID,
	)
	return err
}

func (j *Journal) RecordSubmission(ctx context.Context, rec store.SubmissionRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO submissions (correlation_id, session_key, turn_id, outcome, reason, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
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
		 FROM turns WHERE session_key = ? ORDER BY started_at DESC LIMIT ?`,
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
		 FROM submissions WHERE session_key = ? ORDER BY created_at DESC LIMIT ?`,
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
