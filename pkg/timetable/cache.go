package timetable

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/logx"
)

// Cache persists fetched timetables per alert so a failed or slow fetch can
// fall back to the last snapshot instead of stalling a tick.
type Cache struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewCache opens (and if needed initializes) the sqlite-backed timetable
// cache.
func NewCache(path string, logger *logx.Logger) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open timetable cache %s: %w", path, err)
	}

	schema := `CREATE TABLE IF NOT EXISTS timetables (
		alert_id   TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		fetched_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize timetable cache schema: %w", err)
	}

	return &Cache{db: db, logger: logger}, nil
}

// Put stores the latest timetable snapshot for an alert.
func (c *Cache) Put(alertID string, tt *pkg.Timetable) error {
	data, err := json.Marshal(tt)
	if err != nil {
		return fmt.Errorf("failed to marshal timetable: %w", err)
	}

	_, err = c.db.Exec(
		`INSERT INTO timetables (alert_id, data, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(alert_id) DO UPDATE SET data = excluded.data, fetched_at = excluded.fetched_at`,
		alertID, string(data), tt.FetchedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to store timetable for %s: %w", alertID, err)
	}
	return nil
}

// Get returns the cached timetable for an alert and its age. A missing row
// returns (nil, 0, nil).
func (c *Cache) Get(alertID string) (*pkg.Timetable, time.Duration, error) {
	var data string
	var fetchedAt int64
	err := c.db.QueryRow(
		`SELECT data, fetched_at FROM timetables WHERE alert_id = ?`, alertID).
		Scan(&data, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read timetable cache for %s: %w", alertID, err)
	}

	var tt pkg.Timetable
	if err := json.Unmarshal([]byte(data), &tt); err != nil {
		// A corrupt row is treated as a miss, not a fatal error.
		c.logger.Warn("Dropping corrupt timetable cache row", "alert", alertID, "error", err)
		return nil, 0, nil
	}

	age := time.Since(time.Unix(fetchedAt, 0))
	return &tt, age, nil
}

// Delete removes the cached timetable for an alert.
func (c *Cache) Delete(alertID string) error {
	_, err := c.db.Exec(`DELETE FROM timetables WHERE alert_id = ?`, alertID)
	return err
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
