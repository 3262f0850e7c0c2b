// Package sink records detection results durably and notifies realtime
// subscribers.
package sink

import (
	"context"
	"errors"
	"log"
	"time"

	"skyhawk/internal/broadcast"
	"skyhawk/internal/observability"
	"skyhawk/internal/storage"
)

// DetectionSink persists detection records with a single retry and a
// bounded overflow buffer. Records that fail both attempts are parked
// in the buffer and flushed ahead of the next record that succeeds, so
// short storage outages lose nothing. The buffer discards its oldest
// entry when full. Used from the single consumer loop; not safe for
// concurrent Push calls.
type DetectionSink struct {
	store     storage.Store
	publisher broadcast.Publisher
	metrics   *observability.SinkMetrics

	overflow     []*storage.DetectionRecord
	overflowCap  int
	retryBackoff time.Duration
}

// Config holds sink tuning.
type Config struct {
	OverflowCapacity int
	RetryBackoff     time.Duration
}

// New creates a sink. Publisher and metrics may be nil.
func New(store storage.Store, publisher broadcast.Publisher, cfg Config, metrics *observability.SinkMetrics) *DetectionSink {
	capacity := cfg.OverflowCapacity
	if capacity <= 0 {
		capacity = 64
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &DetectionSink{
		store:        store,
		publisher:    publisher,
		metrics:      metrics,
		overflowCap:  capacity,
		retryBackoff: backoff,
	}
}

// Push persists one record. On storage failure the write is retried
// once after a short backoff; if that fails too the record goes to the
// overflow buffer and Push returns the error. Validation failures are
// returned immediately and never retried or buffered.
func (s *DetectionSink) Push(ctx context.Context, record *storage.DetectionRecord) error {
	if err := s.insertWithRetry(ctx, record); err != nil {
		if errors.Is(err, storage.ErrValidation) {
			return err
		}
		s.buffer(record)
		return err
	}

	s.noteStored(record)
	s.drain(ctx)
	s.notify(ctx, record)
	return nil
}

// Buffered returns the number of records waiting in the overflow buffer.
func (s *DetectionSink) Buffered() int {
	return len(s.overflow)
}

func (s *DetectionSink) insertWithRetry(ctx context.Context, record *storage.DetectionRecord) error {
	err := s.store.Insert(ctx, record)
	if err == nil || errors.Is(err, storage.ErrValidation) {
		return err
	}

	log.Printf("[Sink] insert failed, retrying: %v", err)
	if s.metrics != nil {
		s.metrics.Retries.Inc()
	}
	timer := time.NewTimer(s.retryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return s.store.Insert(ctx, record)
}

func (s *DetectionSink) buffer(record *storage.DetectionRecord) {
	if len(s.overflow) >= s.overflowCap {
		discarded := s.overflow[0]
		s.overflow = s.overflow[1:]
		log.Printf("[Sink] overflow buffer full, discarding record %s", discarded.ID)
		if s.metrics != nil {
			s.metrics.Discarded.Inc()
		}
	}
	s.overflow = append(s.overflow, record)
	if s.metrics != nil {
		s.metrics.OverflowDepth.Set(float64(len(s.overflow)))
	}
}

// drain replays buffered records after a successful insert. A failure
// mid-drain stops the replay and keeps the rest buffered.
func (s *DetectionSink) drain(ctx context.Context) {
	for len(s.overflow) > 0 {
		record := s.overflow[0]
		if err := s.store.Insert(ctx, record); err != nil {
			if errors.Is(err, storage.ErrValidation) {
				// Permanently bad; drop it and keep draining.
				log.Printf("[Sink] dropping invalid buffered record %s: %v", record.ID, err)
				s.overflow = s.overflow[1:]
				continue
			}
			log.Printf("[Sink] drain stopped, storage failing again: %v", err)
			break
		}
		s.overflow = s.overflow[1:]
		s.noteStored(record)
		s.notify(ctx, record)
	}
	if s.metrics != nil {
		s.metrics.OverflowDepth.Set(float64(len(s.overflow)))
	}
}

func (s *DetectionSink) noteStored(record *storage.DetectionRecord) {
	if s.metrics != nil {
		s.metrics.Stored.Inc()
		s.metrics.RiskLevels.WithLabelValues(string(record.Assessment.Level)).Inc()
	}
}

func (s *DetectionSink) notify(ctx context.Context, record *storage.DetectionRecord) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, record); err != nil {
		log.Printf("[Sink] broadcast failed for record %s: %v", record.ID, err)
	}
}
