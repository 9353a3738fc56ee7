// Package usage keeps a local ledger of model spend so cost estimates can be
// based on what previous runs actually paid.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// historyWindow bounds how many recent calls feed the per-message average.
const historyWindow = 50

// Record is one model call.
type Record struct {
	RunID            string
	Model            string
	Messages         int
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	At               time.Time
}

// Totals summarizes the ledger for one model.
type Totals struct {
	Model            string
	Calls            int
	Messages         int
	PromptTokens     int
	CompletionTokens int
	Cost             float64
}

// Ledger persists usage records in SQLite.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One connection: ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS model_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			model TEXT NOT NULL,
			messages INTEGER NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			cost REAL NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_model_usage_model ON model_usage(model, created_at)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends one usage record.
func (l *Ledger) Record(ctx context.Context, r Record) error {
	if r.Messages <= 0 {
		return fmt.Errorf("usage record needs a positive message count")
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO model_usage (run_id, model, messages, prompt_tokens, completion_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.Model, r.Messages, r.PromptTokens, r.CompletionTokens, r.Cost, r.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// AverageCostPerMessage returns the mean cost per message over the most
// recent calls for model. ok is false when there is no history.
func (l *Ledger) AverageCostPerMessage(ctx context.Context, model string) (avg float64, ok bool, err error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost), 0), COALESCE(SUM(messages), 0)
		FROM (
			SELECT cost, messages FROM model_usage
			WHERE model = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, model, historyWindow)

	var cost float64
	var messages int
	if err := row.Scan(&cost, &messages); err != nil {
		return 0, false, fmt.Errorf("failed to query usage: %w", err)
	}
	if messages == 0 {
		return 0, false, nil
	}
	return cost / float64(messages), true, nil
}

// Totals returns lifetime usage per model, ordered by model name.
func (l *Ledger) Totals(ctx context.Context) ([]Totals, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT model, COUNT(*), SUM(messages), SUM(prompt_tokens), SUM(completion_tokens), SUM(cost)
		FROM model_usage
		GROUP BY model
		ORDER BY model
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	var out []Totals
	for rows.Next() {
		var t Totals
		if err := rows.Scan(&t.Model, &t.Calls, &t.Messages, &t.PromptTokens, &t.CompletionTokens, &t.Cost); err != nil {
			return nil, fmt.Errorf("failed to scan totals: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
