// Package audit is the append-only protection journal. Relay trips,
// escalations, setting changes and guardian verdicts land here so operators
// can reconstruct what the automation did and why.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var auditLog = log.New(log.Writer(), "[AUDIT] ", log.LstdFlags)

// Event types recorded in the journal.
const (
	EventRelayTrip       = "RELAY_TRIP"
	EventEscalation      = "ESCALATION"
	EventSettingsUpdated = "SETTINGS_UPDATED"
	EventIslanding       = "ISLANDING"
	EventAgentDecision   = "AGENT_DECISION"
	EventGuardianVerdict = "GUARDIAN_VERDICT"
	EventScenario        = "SCENARIO"
)

// Entry is one journal row. Details is free-form JSON.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Zone      string         `json:"zone"`
	Event     string         `json:"event"`
	Component string         `json:"component"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log is the sqlite-backed journal. Writes are serialized; a failed write
// is logged and swallowed because protection actions must never stall on
// bookkeeping.
type Log struct {
	db *sql.DB
	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id         TEXT PRIMARY KEY,
	ts         TEXT NOT NULL,
	zone       TEXT NOT NULL,
	event      TEXT NOT NULL,
	component  TEXT NOT NULL,
	details    TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_ts   ON audit_entries(ts);
CREATE INDEX IF NOT EXISTS idx_audit_zone ON audit_entries(zone, ts);
`

// Open creates (or reopens) the journal at path.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record appends an entry. Missing id/timestamp are filled in. Errors are
// logged, not returned.
func (l *Log) Record(e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var details []byte
	if e.Details != nil {
		details, _ = json.Marshal(e.Details)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		`INSERT INTO audit_entries (id, ts, zone, event, component, details) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.Format(time.RFC3339Nano), e.Zone, e.Event, e.Component, string(details),
	)
	if err != nil {
		auditLog.Printf("write failed (entry dropped): %v", err)
	}
}

// Recent returns the newest n entries across all zones.
func (l *Log) Recent(ctx context.Context, n int) ([]Entry, error) {
	return l.query(ctx,
		`SELECT id, ts, zone, event, component, details FROM audit_entries ORDER BY ts DESC LIMIT ?`, n)
}

// RecentForZone returns the newest n entries for one zone.
func (l *Log) RecentForZone(ctx context.Context, zone string, n int) ([]Entry, error) {
	return l.query(ctx,
		`SELECT id, ts, zone, event, component, details FROM audit_entries WHERE zone = ? ORDER BY ts DESC LIMIT ?`,
		zone, n)
}

func (l *Log) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, details string
		if err := rows.Scan(&e.ID, &ts, &e.Zone, &e.Event, &e.Component, &details); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if details != "" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
