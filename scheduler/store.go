package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/pricewatch/source"
)

// Schema holds the scheduler's bookkeeping tables: the dead-letter queue
// and the per-task fetch log.
const Schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id           TEXT PRIMARY KEY,
    source       TEXT NOT NULL,
    op           TEXT NOT NULL,
    query        TEXT NOT NULL DEFAULT '',
    native_id    TEXT NOT NULL DEFAULT '',
    attempts     INTEGER NOT NULL,
    reason       TEXT NOT NULL,
    history_json TEXT NOT NULL DEFAULT '[]',
    created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fetch_log (
    id         INTEGER PRIMARY KEY,
    task_id    TEXT NOT NULL,
    source     TEXT NOT NULL,
    op         TEXT NOT NULL,
    status     TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fetch_log_task ON fetch_log(task_id, created_at);
`

// ApplySchema creates the scheduler tables.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// DeadLetter is one permanently failed task.
type DeadLetter struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Op        source.Op `json:"op"`
	Query     string    `json:"query,omitempty"`
	NativeID  string    `json:"native_id,omitempty"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"`
	History   []string  `json:"history,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Scheduler) saveDeadLetter(ctx context.Context, task *source.Task, reason string) error {
	history, err := json.Marshal(task.History)
	if err != nil {
		return fmt.Errorf("scheduler: encode history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, source, op, query, native_id, attempts, reason, history_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  attempts = excluded.attempts,
		  reason = excluded.reason,
		  history_json = excluded.history_json,
		  created_at = excluded.created_at`,
		task.ID, task.Source, string(task.Op), task.Query, task.NativeID,
		task.Attempt, reason, string(history), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("scheduler: save dead letter %s: %w", task.ID, err)
	}
	return nil
}

// DeadLetters returns the newest dead letters, newest first.
func (s *Scheduler) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, op, query, native_id, attempts, reason, history_json, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl          DeadLetter
			op          string
			historyJSON string
			createdAt   int64
		)
		if err := rows.Scan(&dl.ID, &dl.Source, &op, &dl.Query, &dl.NativeID,
			&dl.Attempts, &dl.Reason, &historyJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scheduler: scan dead letter: %w", err)
		}
		dl.Op = source.Op(op)
		dl.CreatedAt = time.UnixMilli(createdAt)
		if err := json.Unmarshal([]byte(historyJSON), &dl.History); err != nil {
			return nil, fmt.Errorf("scheduler: decode history for %s: %w", dl.ID, err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *Scheduler) takeDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, op, query, native_id, attempts, reason, history_json, created_at
		FROM dead_letters WHERE id = ?`, id)

	var (
		dl          DeadLetter
		op          string
		historyJSON string
		createdAt   int64
	)
	err := row.Scan(&dl.ID, &dl.Source, &op, &dl.Query, &dl.NativeID,
		&dl.Attempts, &dl.Reason, &historyJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: load dead letter %s: %w", id, err)
	}
	dl.Op = source.Op(op)
	dl.CreatedAt = time.UnixMilli(createdAt)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("scheduler: delete dead letter %s: %w", id, err)
	}
	return &dl, nil
}

func (s *Scheduler) logFetch(ctx context.Context, task *source.Task, status, detail string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_log (task_id, source, op, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.Source, string(task.Op), status, detail, s.now().UnixMilli())
	if err != nil {
		s.log.Warn("scheduler: write fetch log", "task", task.ID, "error", err)
	}
}
