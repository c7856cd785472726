// Package store persists artifact bookkeeping that outlives the
// pipeline: a SQLite index of every encoded artifact and its upload
// outcome, and a packer that bundles aged artifacts into compressed
// archives.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fpang/screenwatch/internal/event"
)

// Index records encoded artifacts in a local SQLite database so they
// are locatable by time range even when the activity server or object
// storage was unreachable. A nil *Index is valid and records nothing.
type Index struct {
	db *sql.DB
}

// IndexRow is one recorded artifact.
type IndexRow struct {
	ID        string
	MonitorID string
	Timestamp time.Time
	Path      string
	ObjectKey string
	Uploaded  bool
}

// OpenIndex opens (creating if needed) the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	// Timestamps are stored as unix nanoseconds so range queries
	// compare numerically; a textual representation would sort
	// fractional and whole seconds inconsistently.
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		monitor_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		path TEXT NOT NULL,
		object_key TEXT,
		uploaded INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create artifacts table: %w", err)
	}

	return &Index{db: db}, nil
}

// Record inserts a freshly encoded artifact.
func (ix *Index) Record(a event.Artifact) error {
	if ix == nil {
		return nil
	}
	_, err := ix.db.Exec(
		`INSERT INTO artifacts (id, monitor_id, timestamp, path) VALUES (?, ?, ?, ?)`,
		a.ID, a.Monitor.ID, a.Timestamp.UnixNano(), a.LocalPath,
	)
	if err != nil {
		return fmt.Errorf("record artifact %s: %w", a.ID, err)
	}
	return nil
}

// MarkUploaded stores the object key of a successfully uploaded artifact.
func (ix *Index) MarkUploaded(id, objectKey string) error {
	if ix == nil {
		return nil
	}
	_, err := ix.db.Exec(
		`UPDATE artifacts SET object_key = ?, uploaded = 1 WHERE id = ?`,
		objectKey, id,
	)
	if err != nil {
		return fmt.Errorf("mark artifact %s uploaded: %w", id, err)
	}
	return nil
}

// ArtifactsBetween returns recorded artifacts with start <= timestamp < end,
// oldest first.
func (ix *Index) ArtifactsBetween(start, end time.Time) ([]IndexRow, error) {
	if ix == nil {
		return nil, nil
	}
	rows, err := ix.db.Query(
		`SELECT id, monitor_id, timestamp, path, COALESCE(object_key, ''), uploaded
		 FROM artifacts WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp`,
		start.UnixNano(), end.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var r IndexRow
		var ts int64
		var uploaded int
		if err := rows.Scan(&r.ID, &r.MonitorID, &ts, &r.Path, &r.ObjectKey, &uploaded); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		r.Uploaded = uploaded != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	if ix == nil {
		return nil
	}
	return ix.db.Close()
}
