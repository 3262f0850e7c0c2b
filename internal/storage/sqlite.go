package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"skyhawk/internal/risk"
)

// SQLiteStore keeps detection records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database file and
// runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent reads from the HTTP handlers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS detection_patterns (
			id TEXT PRIMARY KEY,
			stream_name TEXT NOT NULL,
			latitude REAL,
			longitude REAL,
			detection_timestamp DATETIME NOT NULL,
			detection_count INTEGER NOT NULL,
			source TEXT,
			region TEXT,
			detections TEXT,
			risk_score REAL,
			risk_level TEXT,
			recommendation TEXT,
			risk_breakdown TEXT,
			environmental_context TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_time ON detection_patterns(detection_timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_stream_time ON detection_patterns(stream_name, detection_timestamp DESC)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Insert persists one record. Malformed records fail with ErrValidation.
func (s *SQLiteStore) Insert(ctx context.Context, record *DetectionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	detections, err := json.Marshal(record.Detections)
	if err != nil {
		return fmt.Errorf("failed to serialize detections: %w", err)
	}
	breakdown, err := json.Marshal(record.Assessment.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to serialize risk breakdown: %w", err)
	}
	environment, err := json.Marshal(record.Environment)
	if err != nil {
		return fmt.Errorf("failed to serialize environmental context: %w", err)
	}

	query := `INSERT INTO detection_patterns
		(id, stream_name, latitude, longitude, detection_timestamp, detection_count,
		 source, region, detections, risk_score, risk_level, recommendation,
		 risk_breakdown, environmental_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.StreamName, record.Latitude, record.Longitude,
		record.Timestamp.UTC().Format(time.RFC3339Nano), record.DetectionCount,
		record.Source, record.Region, string(detections),
		record.Assessment.Score, string(record.Assessment.Level),
		record.Assessment.Recommendation, string(breakdown), string(environment),
	)
	if err != nil {
		return fmt.Errorf("failed to insert detection record: %w", err)
	}
	return nil
}

// List returns the most recent records, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]DetectionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, stream_name, latitude, longitude, detection_timestamp,
		detection_count, source, region, detections, risk_score, risk_level,
		recommendation, risk_breakdown, environmental_context
		FROM detection_patterns ORDER BY detection_timestamp DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query detection records: %w", err)
	}
	defer rows.Close()

	var records []DetectionRecord
	for rows.Next() {
		var r DetectionRecord
		var ts, detections, level, breakdown, environment string
		if err := rows.Scan(&r.ID, &r.StreamName, &r.Latitude, &r.Longitude, &ts,
			&r.DetectionCount, &r.Source, &r.Region, &detections,
			&r.Assessment.Score, &level, &r.Assessment.Recommendation,
			&breakdown, &environment); err != nil {
			return nil, fmt.Errorf("failed to scan detection record: %w", err)
		}
		if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp %q: %w", ts, err)
		}
		if detections != "" {
			if err := json.Unmarshal([]byte(detections), &r.Detections); err != nil {
				return nil, fmt.Errorf("failed to parse detections: %w", err)
			}
		}
		if breakdown != "" {
			if err := json.Unmarshal([]byte(breakdown), &r.Assessment.Breakdown); err != nil {
				return nil, fmt.Errorf("failed to parse risk breakdown: %w", err)
			}
		}
		if environment != "" {
			if err := json.Unmarshal([]byte(environment), &r.Environment); err != nil {
				return nil, fmt.Errorf("failed to parse environmental context: %w", err)
			}
		}
		r.Assessment.Level = risk.Level(level)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
