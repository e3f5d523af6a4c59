// Package store persists proximity warnings and per-frame summaries to a
// local sqlite database for after-the-fact review.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle with the recorder's queries.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and applies any
// pending migrations. Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", path, err)
	}
	// modernc sqlite serialises access per connection; a single connection
	// avoids SQLITE_BUSY between the recorder and admin queries.
	sqldb.SetMaxOpenConns(1)

	db := &DB{sqldb}
	if err := db.MigrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// WarningRecord is one persisted proximity warning transition.
type WarningRecord struct {
	ID        int64     `json:"id"`
	Status    string    `json:"status"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// FrameStats summarises one processed frame.
type FrameStats struct {
	DeviceID   string
	FrameID    uint64
	Detections int
	Graspable  int
	Dangerous  int
	Humans     int
	Timestamp  time.Time
}

// RecordWarning inserts a proximity warning transition.
func (db *DB) RecordWarning(status, deviceID string, ts time.Time) error {
	_, err := db.Exec(
		`INSERT INTO proximity_events (status, device_id, timestamp) VALUES (?, ?, ?)`,
		status, deviceID, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record warning: %w", err)
	}
	return nil
}

// RecordFrame inserts a per-frame summary row.
func (db *DB) RecordFrame(s FrameStats) error {
	_, err := db.Exec(
		`INSERT INTO frame_stats (device_id, frame_id, detections, graspable, dangerous, humans, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.DeviceID, int64(s.FrameID), s.Detections, s.Graspable, s.Dangerous, s.Humans, s.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record frame stats: %w", err)
	}
	return nil
}

// RecentWarnings returns the most recent warning transitions, newest first.
func (db *DB) RecentWarnings(limit int) ([]WarningRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT id, status, device_id, timestamp FROM proximity_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query warnings: %w", err)
	}
	defer rows.Close()

	var out []WarningRecord
	for rows.Next() {
		var r WarningRecord
		if err := rows.Scan(&r.ID, &r.Status, &r.DeviceID, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan warning row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FrameCount returns the number of persisted frame summaries.
func (db *DB) FrameCount() (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM frame_stats`).Scan(&n)
	return n, err
}
