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

// Entry records one completed chat-completion request.
type Entry struct {
	Timestamp    time.Time
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	ToolCalls    int
	Rounds       int
	DurationMs   int64
	Status       string // "ok", "error", "canceled"
}

// DailyUsage is the per-day aggregate.
type DailyUsage struct {
	Date         string // YYYY-MM-DD
	Requests     int
	InputTokens  int
	OutputTokens int
	ToolCalls    int
	Rounds       int
}

// Store persists request usage in SQLite.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    tool_calls INTEGER DEFAULT 0,
    rounds INTEGER DEFAULT 0,
    duration_ms INTEGER DEFAULT 0,
    status TEXT DEFAULT 'ok'
);

CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
`

// NewStore opens (or creates) the usage database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a request entry. A zero Timestamp uses the current time.
func (s *Store) Record(ctx context.Context, e Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	status := e.Status
	if status == "" {
		status = "ok"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (timestamp, provider, model, input_tokens, output_tokens, tool_calls, rounds, duration_ms, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339), e.Provider, e.Model,
		e.InputTokens, e.OutputTokens, e.ToolCalls, e.Rounds, e.DurationMs, status)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Daily returns per-day aggregates since the given time, oldest first.
func (s *Store) Daily(ctx context.Context, since time.Time) ([]DailyUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(timestamp) AS day,
		       COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(tool_calls), 0),
		       COALESCE(SUM(rounds), 0)
		FROM requests
		WHERE timestamp >= ?
		GROUP BY day
		ORDER BY day`,
		since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query daily usage: %w", err)
	}
	defer rows.Close()

	var result []DailyUsage
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Date, &d.Requests, &d.InputTokens, &d.OutputTokens, &d.ToolCalls, &d.Rounds); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// Totals sums the daily aggregates.
func Totals(daily []DailyUsage) DailyUsage {
	var total DailyUsage
	for _, d := range daily {
		total.Requests += d.Requests
		total.InputTokens += d.InputTokens
		total.OutputTokens += d.OutputTokens
		total.ToolCalls += d.ToolCalls
		total.Rounds += d.Rounds
	}
	return total
}
