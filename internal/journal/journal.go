package journal

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/davidcm/topstepx-bot/internal/observ"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	ts       TEXT    NOT NULL,
	strategy TEXT    NOT NULL,
	kind     TEXT    NOT NULL,
	order_id INTEGER NOT NULL DEFAULT 0,
	payload  TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_strategy_ts ON events(strategy, ts);
`

// Journal is the append-only audit log: one row per state transition and
// webhook outcome. Best-effort by design: a journal failure is logged and
// never blocks trading.
type Journal struct {
	db *sql.DB
}

type Event struct {
	ID       int64           `json:"id"`
	TS       time.Time       `json:"ts"`
	Strategy string          `json:"strategy"`
	Kind     string          `json:"kind"`
	OrderID  int64           `json:"order_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer: sqlite serializes anyway, and this keeps lock errors out.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Record appends one event. Implements tracker.Recorder.
func (j *Journal) Record(strategy, kind string, orderID int, payload map[string]any) {
	body := []byte("{}")
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			body = b
		}
	}
	_, err := j.db.Exec(
		`INSERT INTO events (ts, strategy, kind, order_id, payload) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), strategy, kind, orderID, string(body),
	)
	if err != nil {
		observ.LogError("journal_write_failed", err, map[string]any{"strategy": strategy, "kind": kind})
	}
}

// RecentEvents returns the newest n events, newest first.
func (j *Journal) RecentEvents(n int) ([]Event, error) {
	rows, err := j.db.Query(
		`SELECT id, ts, strategy, kind, order_id, payload FROM events ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var ts, payload string
		if err := rows.Scan(&ev.ID, &ts, &ev.Strategy, &ev.Kind, &ev.OrderID, &payload); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.TS = t
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}
