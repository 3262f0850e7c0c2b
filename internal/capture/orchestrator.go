package capture

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"skyhawk/internal/conf"
	"skyhawk/internal/inference"
	"skyhawk/internal/observability"
	"skyhawk/internal/risk"
	"skyhawk/internal/sink"
	"skyhawk/internal/storage"
)

// dequeueTimeout bounds each consumer wait so shutdown is prompt.
const dequeueTimeout = 500 * time.Millisecond

// drainDeadline caps how long Stop waits for in-flight work.
const drainDeadline = 5 * time.Second

// Detector is the slice of the inference client the consumer loop needs.
type Detector interface {
	Detect(ctx context.Context, frame []byte) (*inference.Result, error)
	IsHealthy(ctx context.Context) bool
}

// Orchestrator wires the capture pipeline together: one watcher per
// enabled stream producing into a shared queue, and a single consumer
// loop running inference, scoring and persistence.
type Orchestrator struct {
	settings *conf.Settings
	queue    *FrameQueue
	detector Detector
	store    storage.Store
	sink     *sink.DetectionSink
	metrics  *observability.Metrics

	// newReader overrides the watcher reader factory when set.
	newReader readerFactory
	// onStreamState, when set, receives every stream state change.
	onStreamState func(src StreamSource, state StreamState)

	watchers []*StreamWatcher
	cancel   context.CancelFunc
	quit     chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	started  bool
}

// NewOrchestrator assembles the pipeline from its dependencies.
// Metrics may be nil.
func NewOrchestrator(settings *conf.Settings, detector Detector, store storage.Store, s *sink.DetectionSink, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		settings: settings,
		queue:    NewFrameQueue(settings.Capture.QueueCapacity),
		detector: detector,
		store:    store,
		sink:     s,
		metrics:  metrics,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Initialize verifies the pipeline's dependencies. An unreachable
// store is fatal; an unhealthy inference service only logs a warning,
// since the service may come up later and detection calls check
// health again.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := o.settings.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := o.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}
	if !o.detector.IsHealthy(ctx) {
		log.Printf("[Orchestrator] warning: inference service not healthy yet")
	}
	return nil
}

// Start launches one watcher per enabled stream and the consumer loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("already started")
	}

	ctx, o.cancel = context.WithCancel(ctx)
	o.quit = make(chan struct{})
	o.done = make(chan struct{})
	o.watchers = nil

	var captureMetrics *observability.CaptureMetrics
	if o.metrics != nil {
		captureMetrics = o.metrics.Capture
	}
	for _, sc := range o.settings.EnabledStreams() {
		src := StreamSource{
			Name:      sc.Name,
			URL:       sc.URL,
			Latitude:  sc.Latitude,
			Longitude: sc.Longitude,
			Region:    sc.Region,
		}
		w := NewStreamWatcher(src, o.queue, o.settings.Capture, captureMetrics)
		if o.newReader != nil {
			w.newReader = o.newReader
		}
		w.onState = o.onStreamState
		w.Start(ctx)
		o.watchers = append(o.watchers, w)
		log.Printf("[Orchestrator] watching stream %s (%s)", src.Name, src.URL)
	}

	go o.consume(ctx)
	o.started = true
	return nil
}

// Stop shuts the watchers down, then gives the consumer a bounded
// window to drain the queue before cancelling in-flight work.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return
	}

	for _, w := range o.watchers {
		w.Stop()
	}
	close(o.quit)
	select {
	case <-o.done:
	case <-time.After(drainDeadline + time.Second):
		log.Printf("[Orchestrator] consumer did not drain within %s", drainDeadline)
	}
	o.cancel()
	o.started = false
}

// OnStreamState registers a callback invoked on every stream state
// change. Must be called before Start.
func (o *Orchestrator) OnStreamState(fn func(src StreamSource, state StreamState)) {
	o.onStreamState = fn
}

// Watchers exposes the stream watchers for status reporting.
func (o *Orchestrator) Watchers() []*StreamWatcher {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*StreamWatcher(nil), o.watchers...)
}

// QueueStats reports queue depth and total drops.
func (o *Orchestrator) QueueStats() (depth int, dropped uint64) {
	return o.queue.Len(), o.queue.Dropped()
}

// consume is the single consumer loop: dequeue, detect, score, record.
func (o *Orchestrator) consume(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			o.drain(ctx)
			return
		default:
		}
		if ctx.Err() != nil {
			return
		}
		frame, ok := o.queue.Dequeue(dequeueTimeout)
		if !ok {
			continue
		}
		o.process(ctx, frame)
	}
}

// drain processes whatever the watchers enqueued before they stopped.
// The queue sees no new producers at this point, so an empty dequeue
// means the backlog is gone.
func (o *Orchestrator) drain(ctx context.Context) {
	deadline := time.Now().Add(drainDeadline)
	for ctx.Err() == nil && time.Now().Before(deadline) {
		frame, ok := o.queue.Dequeue(10 * time.Millisecond)
		if !ok {
			return
		}
		o.process(ctx, frame)
	}
}

func (o *Orchestrator) process(ctx context.Context, frame FrameEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Orchestrator] panic processing %s seq %d: %v\n%s",
				frame.Source.Name, frame.Sequence, r, debug.Stack())
		}
	}()

	result, err := o.detector.Detect(ctx, frame.Data)
	if err != nil {
		log.Printf("[Orchestrator] detection failed for %s seq %d: %v",
			frame.Source.Name, frame.Sequence, err)
		return
	}

	if len(result.Detections) == 0 && !o.settings.Sink.RecordNoDetections {
		return
	}

	assessment := risk.Score(result.Detections, risk.Context{
		Region: frame.Source.Region,
		Now:    frame.Timestamp,
	})
	record := &storage.DetectionRecord{
		ID:             uuid.New().String(),
		StreamName:     frame.Source.Name,
		Latitude:       frame.Source.Latitude,
		Longitude:      frame.Source.Longitude,
		Timestamp:      frame.Timestamp.UTC(),
		DetectionCount: len(result.Detections),
		Source:         "rtsp_auto:" + frame.Source.Name,
		Region:         frame.Source.Region,
		Detections:     result.Detections,
		Assessment:     assessment,
		Environment: storage.EnvironmentalContext{
			Stream:        frame.Source.Name,
			FrameSequence: frame.Sequence,
		},
	}

	if err := o.sink.Push(ctx, record); err != nil {
		log.Printf("[Orchestrator] failed to record detections for %s: %v",
			frame.Source.Name, err)
		return
	}
	if len(result.Detections) > 0 {
		log.Printf("[Orchestrator] %s: %d detection(s), risk %.2f (%s)",
			frame.Source.Name, len(result.Detections), assessment.Score, assessment.Level)
	}
}
