// Package journal records what the orchestrator did on each start in a
// small SQLite database next to the socket.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event types written by the orchestrator
const (
	EventStarted         = "started"
	EventConfigInstalled = "config_installed"
	EventConfigUnchanged = "config_unchanged"
	EventForgerRestart   = "forger_restart"
	EventSkipped         = "skipped"
	EventTorStarted      = "tor_started"
	EventTorDisabled     = "tor_disabled"
	EventNetworkStarted  = "network_started"
	EventPeer            = "peer"
	EventFailed          = "failed"
	EventStopped         = "stopped"
)

// DB wraps the SQLite connection. Every DB carries the id of the run it
// was opened for.
type DB struct {
	conn  *sql.DB
	path  string
	runID string
}

// Event is one journal row
type Event struct {
	ID        int64
	RunID     string
	Process   string
	EventType string
	Details   string
	Timestamp time.Time
}

// Open opens or creates the journal at path and starts a new run
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// Relay and forger may share the journal
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn:  conn,
		path:  path,
		runID: uuid.NewString(),
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// RunID identifies the current run
func (db *DB) RunID() string {
	return db.runID
}

// Path returns the database file
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		process TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// LogEvent appends an event to the current run. A locked database is
// retried briefly; journaling must never hold up startup.
func (db *DB) LogEvent(process, eventType, details string) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO events (run_id, process, event_type, details, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			db.runID, process, eventType, details, time.Now(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log event after %d retries: database locked", maxRetries)
}

// RecentEvents returns the newest events first
func (db *DB) RecentEvents(limit int) ([]Event, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, process, event_type, details, timestamp
		 FROM events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RunEvents returns the events of one run in the order they happened
func (db *DB) RunEvents(runID string) ([]Event, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, process, event_type, details, timestamp
		 FROM events
		 WHERE run_id = ?
		 ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestOfType returns the events of eventType written by the most recent
// run that wrote any, oldest first
func (db *DB) LatestOfType(eventType string) ([]Event, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, process, event_type, details, timestamp
		 FROM events
		 WHERE event_type = ? AND run_id = (
			SELECT run_id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1
		 )
		 ORDER BY id ASC`,
		eventType, eventType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Process, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}
