package ws

import (
	"time"

	"skyhawk/internal/storage"
)

// AlertMessage is the payload pushed to subscribers when a frame
// produces a detection record.
type AlertMessage struct {
	Type      string                   `json:"type"` // "detection"
	Stream    string                   `json:"stream"`
	Timestamp time.Time                `json:"timestamp"`
	Record    *storage.DetectionRecord `json:"record"`
}

// NewAlertMessage wraps a detection record for broadcast.
func NewAlertMessage(record *storage.DetectionRecord) *AlertMessage {
	return &AlertMessage{
		Type:      "detection",
		Stream:    record.StreamName,
		Timestamp: record.Timestamp,
		Record:    record,
	}
}

// StatusMessage announces a stream state change.
type StatusMessage struct {
	Type      string    `json:"type"` // "stream_status"
	Stream    string    `json:"stream"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStatusMessage builds a stream state announcement.
func NewStatusMessage(stream, state string) *StatusMessage {
	return &StatusMessage{
		Type:      "stream_status",
		Stream:    stream,
		State:     state,
		Timestamp: time.Now().UTC(),
	}
}
