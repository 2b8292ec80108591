// Package archive journals accepted uploads and threshold changes to a
// SQLite database. It is an audit trail, not a source of truth: the live
// broker state is memory-only and is rebuilt by devices reconnecting.
package archive

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/Burningfoam/IOT-Gateway-Server/internal/protocol"
)

// Archive is an append-only telemetry journal.
type Archive struct {
	log zerolog.Logger
	db  *sql.DB
}

// Open opens the database, enables WAL and creates the schema.
func Open(path string, log zerolog.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Archive{
		log: log.With().Str("component", "archive").Logger(),
		db:  db,
	}, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS telemetry (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id          TEXT NOT NULL,
		temperature        REAL NOT NULL,
		soil_moisture      REAL NOT NULL,
		temp_threshold     REAL NOT NULL,
		moisture_threshold REAL NOT NULL,
		watering           INTEGER NOT NULL,
		recorded_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_device_time ON telemetry(device_id, recorded_at);

	CREATE TABLE IF NOT EXISTS threshold_changes (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id          TEXT NOT NULL,
		temp_threshold     REAL NOT NULL,
		moisture_threshold REAL NOT NULL,
		changed_at         DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_threshold_changes_device ON threshold_changes(device_id, changed_at);
	`

	_, err := db.Exec(schema)
	return err
}

// RecordUpload appends one telemetry row.
func (a *Archive) RecordUpload(deviceID string, data protocol.DeviceData) error {
	_, err := a.db.Exec(`
		INSERT INTO telemetry (device_id, temperature, soil_moisture, temp_threshold, moisture_threshold, watering)
		VALUES (?, ?, ?, ?, ?, ?)
	`, deviceID, data.Temperature, data.SoilMoisture, data.TempThreshold, data.MoistureThreshold, data.Watering)
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

// RecordThresholds appends one threshold change row.
func (a *Archive) RecordThresholds(deviceID string, tempThreshold, moistureThreshold float64) error {
	_, err := a.db.Exec(`
		INSERT INTO threshold_changes (device_id, temp_threshold, moisture_threshold)
		VALUES (?, ?, ?)
	`, deviceID, tempThreshold, moistureThreshold)
	if err != nil {
		return fmt.Errorf("insert threshold change: %w", err)
	}
	return nil
}

// UploadCount returns the number of journaled uploads for a device.
func (a *Archive) UploadCount(deviceID string) (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM telemetry WHERE device_id = ?`, deviceID).Scan(&n)
	return n, err
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
