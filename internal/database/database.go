package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrInvalidEvent is returned when an event record is missing its clip path
var ErrInvalidEvent = errors.New("event record requires a path and a non-negative size")

// Database handles SQLite database operations
type Database struct {
	db     *sql.DB
	logger *slog.Logger
}

// EventRecord represents a finalized clip stored in the database
type EventRecord struct {
	ID        int64     `json:"id"`
	Epoch     int64     `json:"epoch"`
	Month     int       `json:"month"`
	Day       int       `json:"day"`
	Year      int       `json:"year"`
	Size      int64     `json:"size"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewEventRecord builds a record for a clip captured at t
func NewEventRecord(path string, size int64, t time.Time) *EventRecord {
	return &EventRecord{
		Epoch: t.Unix(),
		Month: int(t.Month()),
		Day:   t.Day(),
		Year:  t.Year(),
		Size:  size,
		Path:  path,
	}
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &Database{db: db, logger: slog.With("component", "Database")}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			epoch INTEGER NOT NULL,
			month INTEGER NOT NULL,
			day INTEGER NOT NULL,
			year INTEGER NOT NULL,
			size INTEGER NOT NULL,
			path TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_epoch ON events(epoch DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Debug("database migrations completed")
	return nil
}

// SaveEvent inserts an event and fills in its ID
func (d *Database) SaveEvent(event *EventRecord) error {
	if event == nil || event.Path == "" || event.Size < 0 {
		return ErrInvalidEvent
	}

	query := `INSERT INTO events (epoch, month, day, year, size, path)
		VALUES (?, ?, ?, ?, ?, ?)`

	result, err := d.db.Exec(query, event.Epoch, event.Month, event.Day, event.Year, event.Size, event.Path)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	event.ID = id

	d.logger.Info("event saved", "id", id, "path", event.Path, "size", event.Size)
	return nil
}

// GetEvent retrieves an event by ID
func (d *Database) GetEvent(id int64) (*EventRecord, error) {
	query := `SELECT id, epoch, month, day, year, size, path, created_at FROM events WHERE id = ?`

	var event EventRecord
	err := d.db.QueryRow(query, id).Scan(&event.ID, &event.Epoch, &event.Month, &event.Day,
		&event.Year, &event.Size, &event.Path, &event.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &event, nil
}

// ListEvents returns the most recent events, newest first
func (d *Database) ListEvents(limit int) ([]*EventRecord, error) {
	query := `SELECT id, epoch, month, day, year, size, path, created_at
		FROM events ORDER BY id DESC`
	args := []interface{}{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var event EventRecord
		if err := rows.Scan(&event.ID, &event.Epoch, &event.Month, &event.Day,
			&event.Year, &event.Size, &event.Path, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// CountEvents returns the total number of recorded events
func (d *Database) CountEvents() (int, error) {
	var count int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// CountEventsSince returns the number of events captured at or after since
func (d *Database) CountEventsSince(since time.Time) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM events WHERE epoch >= ?", since.Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events since %s: %w", since.Format(time.RFC3339), err)
	}
	return count, nil
}

// CountEventsToday returns the number of events captured since local midnight of now
func (d *Database) CountEventsToday(now time.Time) (int, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return d.CountEventsSince(midnight)
}
