// Package storage persists detection records. Two backends are
// provided: a local SQLite database and a Supabase-style REST endpoint.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"skyhawk/internal/conf"
	"skyhawk/internal/inference"
	"skyhawk/internal/risk"
)

// ErrValidation marks records the store rejected as malformed. A
// validation failure is permanent and must not be retried.
var ErrValidation = errors.New("invalid detection record")

// EnvironmentalContext records where in a stream a record came from.
type EnvironmentalContext struct {
	Stream        string `json:"stream"`
	FrameSequence uint64 `json:"frame_sequence"`
}

// DetectionRecord is the persisted unit: one processed frame with its
// detections and risk assessment. Append-only; never updated.
type DetectionRecord struct {
	ID             string                `json:"id"`
	StreamName     string                `json:"stream_name"`
	Latitude       float64               `json:"latitude"`
	Longitude      float64               `json:"longitude"`
	Timestamp      time.Time             `json:"detection_timestamp"`
	DetectionCount int                   `json:"detection_count"`
	Source         string                `json:"source"`
	Region         string                `json:"region"`
	Detections     []inference.Detection `json:"detections"`
	Assessment     risk.Assessment       `json:"risk_assessment"`
	Environment    EnvironmentalContext  `json:"environmental_context"`
}

// Validate reports whether the record can be persisted.
func (r *DetectionRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}
	if r.StreamName == "" {
		return fmt.Errorf("%w: missing stream name", ErrValidation)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrValidation)
	}
	if r.DetectionCount < 0 {
		return fmt.Errorf("%w: negative detection count", ErrValidation)
	}
	if r.DetectionCount != len(r.Detections) {
		return fmt.Errorf("%w: detection count %d does not match %d detections",
			ErrValidation, r.DetectionCount, len(r.Detections))
	}
	return nil
}

// Store persists and reads back detection records.
type Store interface {
	Insert(ctx context.Context, record *DetectionRecord) error
	List(ctx context.Context, limit int) ([]DetectionRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// New builds the store selected by the configuration.
func New(cfg conf.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "rest":
		return NewRESTStore(cfg.URL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
