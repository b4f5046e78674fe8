// Package memory persists what the strategic agent decided and what the
// grid looked like when it decided it. The store feeds a compact context
// block into later prompts so decisions build on history instead of
// starting cold.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Decision is one strategic decision with the actions it produced.
type Decision struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent"`
	Query     string         `json:"query"`
	Decision  string         `json:"decision"`
	Actions   []string       `json:"actions,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Snapshot is a stored grid-context capture.
type Snapshot struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Content   map[string]any `json:"content"`
}

// Store is the sqlite-backed agent memory.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id       TEXT PRIMARY KEY,
	ts       TEXT NOT NULL,
	agent    TEXT NOT NULL,
	query    TEXT NOT NULL,
	decision TEXT NOT NULL,
	actions  TEXT,
	outcome  TEXT,
	context  TEXT
);
CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);

CREATE TABLE IF NOT EXISTS context_snapshots (
	id      TEXT PRIMARY KEY,
	ts      TEXT NOT NULL,
	kind    TEXT NOT NULL,
	content TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_kind_ts ON context_snapshots(kind, ts);
`

// Open creates (or reopens) the memory store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return &Store{db: db}, nil
}

// StoreDecision persists a decision, filling id/timestamp when absent.
func (s *Store) StoreDecision(ctx context.Context, d Decision) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	actions, _ := json.Marshal(d.Actions)
	contextJSON, _ := json.Marshal(d.Context)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, ts, agent, query, decision, actions, outcome, context)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Timestamp.Format(time.RFC3339Nano), d.Agent, d.Query, d.Decision,
		string(actions), d.Outcome, string(contextJSON))
	if err != nil {
		return "", fmt.Errorf("store decision: %w", err)
	}
	return d.ID, nil
}

// RecentDecisions returns the newest n decisions.
func (s *Store) RecentDecisions(ctx context.Context, n int) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, agent, query, decision, actions, outcome, context
		 FROM decisions ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var ts, actions, contextJSON string
		if err := rows.Scan(&d.ID, &ts, &d.Agent, &d.Query, &d.Decision, &actions, &d.Outcome, &contextJSON); err != nil {
			return nil, err
		}
		d.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		_ = json.Unmarshal([]byte(actions), &d.Actions)
		_ = json.Unmarshal([]byte(contextJSON), &d.Context)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Decision returns one decision by id, or nil when it does not exist.
func (s *Store) Decision(ctx context.Context, id string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ts, agent, query, decision, actions, outcome, context
		 FROM decisions WHERE id = ?`, id)
	var d Decision
	var ts, actions, contextJSON string
	if err := row.Scan(&d.ID, &ts, &d.Agent, &d.Query, &d.Decision, &actions, &d.Outcome, &contextJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	d.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	_ = json.Unmarshal([]byte(actions), &d.Actions)
	_ = json.Unmarshal([]byte(contextJSON), &d.Context)
	return &d, nil
}

// ContextSummary reports the memory at a glance: how many decisions are
// stored and what prompted the newest ones.
func (s *Store) ContextSummary(ctx context.Context) (map[string]any, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&count); err != nil {
		return nil, err
	}
	recent, err := s.RecentDecisions(ctx, 3)
	if err != nil {
		return nil, err
	}
	triggers := make([]string, 0, len(recent))
	for _, d := range recent {
		triggers = append(triggers, d.Query)
	}
	return map[string]any{
		"decision_count":  count,
		"recent_triggers": triggers,
	}, nil
}

// StoreSnapshot persists a context capture.
func (s *Store) StoreSnapshot(ctx context.Context, kind string, content map[string]any) (string, error) {
	id := uuid.New().String()
	data, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO context_snapshots (id, ts, kind, content) VALUES (?, ?, ?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339Nano), kind, string(data))
	if err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	return id, nil
}

// LatestSnapshot returns the most recent capture of one kind.
func (s *Store) LatestSnapshot(ctx context.Context, kind string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ts, kind, content FROM context_snapshots WHERE kind = ? ORDER BY ts DESC LIMIT 1`,
		kind)
	var snap Snapshot
	var ts, content string
	if err := row.Scan(&snap.ID, &ts, &snap.Kind, &content); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	snap.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	if err := json.Unmarshal([]byte(content), &snap.Content); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ContextBlock renders recent history as prompt text: the last n decisions
// plus the latest grid snapshot, newest first.
func (s *Store) ContextBlock(ctx context.Context, n int) (string, error) {
	decisions, err := s.RecentDecisions(ctx, n)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if len(decisions) > 0 {
		b.WriteString("Recent decisions:\n")
		for _, d := range decisions {
			fmt.Fprintf(&b, "- [%s] %s: %s", d.Timestamp.Format("15:04:05"), d.Agent, d.Decision)
			if len(d.Actions) > 0 {
				fmt.Fprintf(&b, " (actions: %s)", strings.Join(d.Actions, ", "))
			}
			b.WriteByte('\n')
		}
	}
	snap, err := s.LatestSnapshot(ctx, "grid_state")
	if err != nil {
		return "", err
	}
	if snap != nil {
		data, _ := json.Marshal(snap.Content)
		fmt.Fprintf(&b, "Last grid snapshot (%s): %s\n", snap.Timestamp.Format(time.RFC3339), data)
	}
	return b.String(), nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
