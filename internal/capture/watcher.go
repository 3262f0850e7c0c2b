package capture

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"skyhawk/internal/conf"
	"skyhawk/internal/observability"
)

// readerFactory builds the FrameReader for a stream. Swapped in tests.
type readerFactory func(src StreamSource, interval time.Duration) FrameReader

// StreamWatcher owns one stream: it connects, reads frames, applies the
// motion gate and pushes surviving frames onto the shared queue. Lost
// connections are retried with exponential backoff; after the configured
// number of consecutive failures the stream is marked permanently failed.
type StreamWatcher struct {
	source  StreamSource
	queue   *FrameQueue
	gate    *MotionGate
	cfg     conf.CaptureConfig
	metrics *observability.CaptureMetrics

	newReader readerFactory
	onState   func(src StreamSource, state StreamState)
	stats     CaptureStats
	sequence  atomic.Uint64
	state     atomic.Int32
	failed    atomic.Bool
	running   atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewStreamWatcher creates a watcher for one stream. Metrics may be nil.
func NewStreamWatcher(src StreamSource, queue *FrameQueue, cfg conf.CaptureConfig, metrics *observability.CaptureMetrics) *StreamWatcher {
	return &StreamWatcher{
		source:    src,
		queue:     queue,
		gate:      NewMotionGate(cfg.MotionThreshold),
		cfg:       cfg,
		metrics:   metrics,
		newReader: newFrameReader,
		done:      make(chan struct{}),
	}
}

// Start launches the watcher goroutine. Starting an already-running
// watcher is a no-op.
func (w *StreamWatcher) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		log.Printf("[StreamWatcher] %s: already running, ignoring Start", w.source.Name)
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// Stop cancels the watcher and waits for its goroutine to exit.
// Stopping a watcher that never started is a no-op.
func (w *StreamWatcher) Stop() {
	if !w.running.Load() {
		return
	}
	w.once.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
	<-w.done
}

// State returns the current connection state.
func (w *StreamWatcher) State() StreamState {
	return StreamState(w.state.Load())
}

// Failed reports whether the stream gave up after exhausting retries.
func (w *StreamWatcher) Failed() bool {
	return w.failed.Load()
}

// Source returns the stream this watcher owns.
func (w *StreamWatcher) Source() StreamSource {
	return w.source
}

// Stats returns a snapshot of the per-stream counters.
func (w *StreamWatcher) Stats() StatsSnapshot {
	return w.stats.Snapshot()
}

func (w *StreamWatcher) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if !w.failed.Load() {
			w.setState(StateStopped)
		}
	}()

	retries := 0
	backoff := w.cfg.BackoffInitial
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}
		w.setState(StateConnecting)
		reader := w.newReader(w.source, w.cfg.SampleInterval)
		if err := reader.Open(ctx); err != nil {
			reader.Close()
			if ctx.Err() != nil {
				return
			}
			log.Printf("[StreamWatcher] %s: connect failed: %v", w.source.Name, err)
			retries++
			if w.giveUp(retries) {
				return
			}
			if !w.waitRetry(ctx, backoff) {
				return
			}
			backoff = w.nextBackoff(backoff)
			continue
		}

		log.Printf("[StreamWatcher] %s: connected", w.source.Name)
		w.setState(StateConnected)
		retries = 0
		backoff = w.cfg.BackoffInitial
		if backoff <= 0 {
			backoff = 2 * time.Second
		}
		w.gate.Reset()

		err := w.consume(ctx, reader)
		reader.Close()
		if ctx.Err() != nil {
			return
		}

		log.Printf("[StreamWatcher] %s: stream lost: %v", w.source.Name, err)
		w.stats.Reconnects.Add(1)
		if w.metrics != nil {
			w.metrics.Reconnects.WithLabelValues(w.source.Name).Inc()
		}
		retries++
		if w.giveUp(retries) {
			return
		}
		if !w.waitRetry(ctx, backoff) {
			return
		}
		backoff = w.nextBackoff(backoff)
	}
}

// consume reads frames until the stream fails or the context is done.
func (w *StreamWatcher) consume(ctx context.Context, reader FrameReader) error {
	for {
		frame, err := reader.ReadFrame(ctx)
		if err != nil {
			return err
		}

		w.stats.FramesCaptured.Add(1)
		w.stats.LastFrame.Store(time.Now().UnixNano())
		if w.metrics != nil {
			w.metrics.FramesCaptured.WithLabelValues(w.source.Name).Inc()
		}

		process, gateErr := w.gate.ShouldProcess(frame)
		if gateErr != nil {
			w.stats.FramesMalformed.Add(1)
			if w.metrics != nil {
				w.metrics.FramesMalformed.WithLabelValues(w.source.Name).Inc()
			}
		}
		if !process {
			if gateErr == nil {
				w.stats.MotionSkipped.Add(1)
				if w.metrics != nil {
					w.metrics.MotionSkipped.WithLabelValues(w.source.Name).Inc()
				}
			}
			continue
		}

		envelope := FrameEnvelope{
			Source:    w.source,
			Data:      frame,
			Sequence:  w.sequence.Add(1),
			Timestamp: time.Now(),
		}
		if !w.queue.TryEnqueue(envelope) {
			w.stats.FramesDropped.Add(1)
			if w.metrics != nil {
				w.metrics.FramesDropped.WithLabelValues(w.source.Name).Inc()
			}
		}
		if w.metrics != nil {
			w.metrics.QueueDepth.Set(float64(w.queue.Len()))
		}
	}
}

func (w *StreamWatcher) giveUp(retries int) bool {
	maxRetries := w.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retries < maxRetries {
		return false
	}
	log.Printf("[StreamWatcher] %s: giving up after %d consecutive failures", w.source.Name, retries)
	w.failed.Store(true)
	w.setState(StateStopped)
	return true
}

func (w *StreamWatcher) waitRetry(ctx context.Context, backoff time.Duration) bool {
	w.setState(StateRetrying)
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *StreamWatcher) nextBackoff(current time.Duration) time.Duration {
	ceiling := w.cfg.BackoffCeiling
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	next := current * 2
	if next > ceiling {
		next = ceiling
	}
	return next
}

func (w *StreamWatcher) setState(s StreamState) {
	if StreamState(w.state.Swap(int32(s))) == s {
		return
	}
	if w.metrics != nil {
		w.metrics.StreamState.WithLabelValues(w.source.Name).Set(float64(s))
	}
	if w.onState != nil {
		w.onState(w.source, s)
	}
}
