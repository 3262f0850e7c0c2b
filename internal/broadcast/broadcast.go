// Package broadcast pushes detection records to realtime subscribers.
// Delivery is best-effort: a failed broadcast never blocks or fails
// the persistence path.
package broadcast

import (
	"context"
	"log"

	"skyhawk/internal/storage"
)

// Publisher delivers a detection record to subscribers.
type Publisher interface {
	Publish(ctx context.Context, record *storage.DetectionRecord) error
	Close()
}

// Multi fans one record out to several publishers. Errors are logged
// and swallowed.
type Multi struct {
	publishers []Publisher
}

// NewMulti combines publishers; nil entries are skipped.
func NewMulti(publishers ...Publisher) *Multi {
	m := &Multi{}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Publish sends the record through every publisher.
func (m *Multi) Publish(ctx context.Context, record *storage.DetectionRecord) error {
	for _, p := range m.publishers {
		if err := p.Publish(ctx, record); err != nil {
			log.Printf("[Broadcast] publish failed: %v", err)
		}
	}
	return nil
}

// Close shuts down all publishers.
func (m *Multi) Close() {
	for _, p := range m.publishers {
		p.Close()
	}
}
