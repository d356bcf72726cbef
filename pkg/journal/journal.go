// Package journal records connection-management events in a local SQLite
// database. It is history for diagnosis only; conman never reads it back to
// decide anything.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"conman/pkg/model"
)

// DefaultKeep is how many events Prune keeps when given n <= 0.
const DefaultKeep = 5000

// Recorder accepts events.
type Recorder interface {
	Record(ctx context.Context, ev model.Event)
}

// Journal is an SQLite-backed event log.
type Journal struct {
	db *sql.DB
}

// Open creates path's directory and the schema if needed.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS events(kind TEXT, iface TEXT, band TEXT, bssid TEXT, ssid TEXT, detail TEXT, ts INTEGER); CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends ev. Failures are dropped: the journal must never stall the
// control loop.
func (j *Journal) Record(ctx context.Context, ev model.Event) {
	_ = j.Append(ctx, ev)
}

// Append appends ev and reports any error.
func (j *Journal) Append(ctx context.Context, ev model.Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := j.db.ExecContext(ctx, `INSERT INTO events(kind, iface, band, bssid, ssid, detail, ts) VALUES(?,?,?,?,?,?,?)`,
		ev.Kind, ev.Interface, ev.Band, ev.BSSID, ev.SSID, ev.Detail, ev.Time.UnixNano())
	return err
}

// Recent returns up to n events, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]model.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	rows, err := j.db.QueryContext(ctx, `SELECT kind, iface, band, bssid, ssid, detail, ts FROM events ORDER BY ts DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var ev model.Event
		var ts int64
		if err := rows.Scan(&ev.Kind, &ev.Interface, &ev.Band, &ev.BSSID, &ev.SSID, &ev.Detail, &ts); err != nil {
			return nil, err
		}
		ev.Time = time.Unix(0, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns how many events of kind are stored.
func (j *Journal) Count(ctx context.Context, kind string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE kind=?`, kind).Scan(&n)
	return n, err
}

// Prune keeps only the newest keep events.
func (j *Journal) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		keep = DefaultKeep
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE rowid NOT IN (SELECT rowid FROM events ORDER BY ts DESC, rowid DESC LIMIT ?)`, keep)
	return err
}

func (j *Journal) Close() error { return j.db.Close() }

// Memory is an in-memory Recorder for tests.
type Memory struct {
	Events []model.Event
}

func (m *Memory) Record(_ context.Context, ev model.Event) {
	m.Events = append(m.Events, ev)
}

// Count returns how many recorded events have kind.
func (m *Memory) Count(kind string) int {
	n := 0
	for _, ev := range m.Events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
