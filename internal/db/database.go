package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

type ActivityKind string

const (
	ActivityJoined ActivityKind = "joined"
	ActivityLeft   ActivityKind = "left"
)

type Activity struct {
	ID        int64        `json:"id"`
	RoomID    string       `json:"room_id"`
	SocketID  string       `json:"socket_id"`
	Username  string       `json:"username"`
	Kind      ActivityKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
}

// CompileRun describes one proxied compile call. Scripts and their output
// are never stored.
type CompileRun struct {
	ID           int64     `json:"id"`
	Language     string    `json:"language"`
	VersionIndex string    `json:"version_index"`
	StatusCode   int       `json:"status_code"`
	Succeeded    bool      `json:"succeeded"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type Stats struct {
	ActivityCount     int `json:"activity_count"`
	RoomsSeen         int `json:"rooms_seen"`
	CompileRuns       int `json:"compile_runs"`
	FailedCompileRuns int `json:"failed_compile_runs"`
}

func New(dbPath string, log *logrus.Entry) (*Database, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer; also keeps an in-memory database on one connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.WithField("path", dbPath).Info("Database initialized")
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_activity (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		socket_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_room_activity_room ON room_activity(room_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_room_activity_created_at ON room_activity(created_at);

	CREATE TABLE IF NOT EXISTS compile_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		language TEXT NOT NULL,
		version_index TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		succeeded BOOLEAN NOT NULL DEFAULT FALSE,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_compile_runs_created_at ON compile_runs(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Activity operations

func (d *Database) RecordActivity(a Activity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := d.db.Exec(
		"INSERT INTO room_activity (room_id, socket_id, username, kind, created_at) VALUES (?, ?, ?, ?, ?)",
		a.RoomID, a.SocketID, a.Username, string(a.Kind), a.CreatedAt.UTC(),
	)
	return err
}

// ListActivity returns a room's history, newest first
func (d *Database) ListActivity(roomID string, limit, offset int) ([]Activity, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, socket_id, username, kind, created_at
		FROM room_activity
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activity := []Activity{}
	for rows.Next() {
		var a Activity
		var kind string
		if err := rows.Scan(&a.ID, &a.RoomID, &a.SocketID, &a.Username, &kind, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = ActivityKind(kind)
		activity = append(activity, a)
	}
	return activity, rows.Err()
}

func (d *Database) ActivityCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM room_activity WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// Compile run operations

func (d *Database) RecordCompileRun(r CompileRun) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO compile_runs (language, version_index, status_code, succeeded, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Language, r.VersionIndex, r.StatusCode, r.Succeeded, r.DurationMS, r.CreatedAt.UTC())
	return err
}

// ListCompileRuns returns the most recent runs, newest first
func (d *Database) ListCompileRuns(limit int) ([]CompileRun, error) {
	rows, err := d.db.Query(`
		SELECT id, language, version_index, status_code, succeeded, duration_ms, created_at
		FROM compile_runs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []CompileRun{}
	for rows.Next() {
		var r CompileRun
		if err := rows.Scan(&r.ID, &r.Language, &r.VersionIndex, &r.StatusCode, &r.Succeeded, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Retention

// PruneBefore deletes activity and compile runs created before cutoff and
// returns how many rows went.
func (d *Database) PruneBefore(cutoff time.Time) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"room_activity", "compile_runs"} {
		res, err := tx.Exec("DELETE FROM "+table+" WHERE created_at < ?", cutoff.UTC())
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// Stats

func (d *Database) GetStats() (Stats, error) {
	var s Stats
	if err := d.db.QueryRow("SELECT COUNT(*), COUNT(DISTINCT room_id) FROM room_activity").Scan(&s.ActivityCount, &s.RoomsSeen); err != nil {
		return Stats{}, err
	}
	if err := d.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN succeeded THEN 0 ELSE 1 END), 0) FROM compile_runs",
	).Scan(&s.CompileRuns, &s.FailedCompileRuns); err != nil {
		return Stats{}, err
	}
	return s, nil
}
