// Package db records bridge sessions and relayed controller traffic in a
// local sqlite database.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (creating if necessary) the sqlite database at path and applies
// any pending schema migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// RecordSessionStart inserts a new bridge session row.
func (db *DB) RecordSessionStart(id, remoteAddr string, startedAt time.Time) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, remote_addr, started_at) VALUES (?, ?, ?)`,
		id, remoteAddr, startedAt.UTC(),
	)
	return err
}

// RecordSessionEnd finalizes a session row with its counters and close reason.
func (db *DB) RecordSessionEnd(id string, endedAt time.Time, linesSent, linesReceived int64, closeReason string) error {
	_, err := db.Exec(
		`UPDATE sessions SET ended_at = ?, lines_sent = ?, lines_received = ?, close_reason = ? WHERE session_id = ?`,
		endedAt.UTC(), linesSent, linesReceived, closeReason, id,
	)
	return err
}

// RecordLine logs one relayed line with its direction and classification.
func (db *DB) RecordLine(sessionID, direction, line, lineType string) error {
	_, err := db.Exec(
		`INSERT INTO command_log (session_id, direction, line, line_type) VALUES (?, ?, ?, ?)`,
		sessionID, direction, line, lineType,
	)
	return err
}

// SessionRow is a persisted bridge session as returned by queries.
type SessionRow struct {
	SessionID     string     `json:"session_id"`
	RemoteAddr    string     `json:"remote_addr"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LinesSent     int64      `json:"lines_sent"`
	LinesReceived int64      `json:"lines_received"`
	CloseReason   *string    `json:"close_reason,omitempty"`
}

// RecentSessions returns up to limit sessions, most recent first.
func (db *DB) RecentSessions(limit int) ([]SessionRow, error) {
	rows, err := db.Query(
		`SELECT session_id, remote_addr, started_at, ended_at, lines_sent, lines_received, close_reason
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRow
	for rows.Next() {
		var s SessionRow
		if err := rows.Scan(&s.SessionID, &s.RemoteAddr, &s.StartedAt, &s.EndedAt, &s.LinesSent, &s.LinesReceived, &s.CloseReason); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CommandRow is one relayed line from the traffic log.
type CommandRow struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Direction string    `json:"direction"`
	Line      string    `json:"line"`
	LineType  string    `json:"line_type"`
	Timestamp time.Time `json:"timestamp"`
}

// RecentCommands returns up to limit relayed lines, most recent first.
func (db *DB) RecentCommands(limit int) ([]CommandRow, error) {
	rows, err := db.Query(
		`SELECT id, session_id, direction, line, line_type, timestamp
		 FROM command_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Direction, &c.Line, &c.LineType, &c.Timestamp); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// SessionCommands returns the traffic log for one session in relay order.
func (db *DB) SessionCommands(sessionID string) ([]CommandRow, error) {
	rows, err := db.Query(
		`SELECT id, session_id, direction, line, line_type, timestamp
		 FROM command_log WHERE session_id = ? ORDER BY id ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Direction, &c.Line, &c.LineType, &c.Timestamp); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}
