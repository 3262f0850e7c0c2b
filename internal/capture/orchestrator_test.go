package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyhawk/internal/conf"
	"skyhawk/internal/inference"
	"skyhawk/internal/sink"
	"skyhawk/internal/storage"
)

type fakeDetector struct {
	mu      sync.Mutex
	healthy bool
	result  *inference.Result
	err     error
	delay   time.Duration
	panics  int
	calls   int
}

func (d *fakeDetector) Detect(ctx context.Context, frame []byte) (*inference.Result, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.panics > 0 {
		d.panics--
		panic("detector blew up")
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}

func (d *fakeDetector) IsHealthy(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

type memStore struct {
	mu      sync.Mutex
	records []storage.DetectionRecord
	pingErr error
}

func (s *memStore) Insert(ctx context.Context, record *storage.DetectionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *record)
	return nil
}

func (s *memStore) List(ctx context.Context, limit int) ([]storage.DetectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.DetectionRecord(nil), s.records...), nil
}

func (s *memStore) Ping(ctx context.Context) error { return s.pingErr }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func orchestratorSettings() *conf.Settings {
	return &conf.Settings{
		Streams: []conf.StreamConfig{
			{Name: "cam1", URL: "rtsp://test/cam1", Region: "Nigeria", Latitude: 9.05, Longitude: 7.49, Enabled: true},
		},
		Capture: conf.CaptureConfig{
			SampleInterval:  time.Millisecond,
			QueueCapacity:   16,
			MotionThreshold: 0.1,
			MaxRetries:      3,
			BackoffInitial:  5 * time.Millisecond,
			BackoffCeiling:  20 * time.Millisecond,
		},
		Inference: conf.InferenceConfig{Endpoint: "http://model.test"},
		Storage:   conf.StorageConfig{Backend: "sqlite", Path: "unused.db"},
		Sink:      conf.SinkConfig{OverflowCapacity: 8, RetryBackoff: time.Millisecond},
	}
}

func newTestOrchestrator(settings *conf.Settings, detector *fakeDetector, store *memStore) *Orchestrator {
	s := sink.New(store, nil, sink.Config{
		OverflowCapacity: settings.Sink.OverflowCapacity,
		RetryBackoff:     settings.Sink.RetryBackoff,
	}, nil)
	return NewOrchestrator(settings, detector, store, s, nil)
}

func TestInitialize(t *testing.T) {
	settings := orchestratorSettings()
	detector := &fakeDetector{healthy: true}

	o := newTestOrchestrator(settings, detector, &memStore{})
	assert.NoError(t, o.Initialize(context.Background()))

	// Unreachable storage is fatal.
	o = newTestOrchestrator(settings, detector, &memStore{pingErr: errors.New("disk gone")})
	assert.Error(t, o.Initialize(context.Background()))

	// Unhealthy inference only warns.
	o = newTestOrchestrator(settings, &fakeDetector{healthy: false}, &memStore{})
	assert.NoError(t, o.Initialize(context.Background()))

	// Broken configuration is fatal.
	bad := orchestratorSettings()
	bad.Streams[0].Enabled = false
	o = newTestOrchestrator(bad, detector, &memStore{})
	assert.Error(t, o.Initialize(context.Background()))
}

func TestPipelineEndToEnd(t *testing.T) {
	settings := orchestratorSettings()
	detector := &fakeDetector{
		healthy: true,
		result: &inference.Result{
			Detections: []inference.Detection{
				{Species: "Mastomys natalensis", Confidence: 0.9, BBox: []float64{10, 20, 110, 170}},
			},
			Count: 1,
		},
	}
	store := &memStore{}
	o := newTestOrchestrator(settings, detector, store)

	// Frames come from a fake reader instead of ffmpeg.
	o.newReader = func(StreamSource, time.Duration) FrameReader {
		return &fakeReader{frames: 2}
	}

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	waitFor(t, 2*time.Second, func() bool { return store.count() == 2 })

	records, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	got := records[0]
	assert.Equal(t, "cam1", got.StreamName)
	assert.Equal(t, "rtsp_auto:cam1", got.Source)
	assert.Equal(t, "Nigeria", got.Region)
	assert.Equal(t, 1, got.DetectionCount)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "cam1", got.Environment.Stream)
	assert.Equal(t, uint64(1), got.Environment.FrameSequence)
	// 0.80 detection arithmetic + 0.15 Nigeria bonus, capped by level.
	assert.InDelta(t, 9.05, got.Latitude, 1e-9)
	assert.Greater(t, got.Assessment.Score, 0.8)
}

func TestPipelineSkipsEmptyResults(t *testing.T) {
	settings := orchestratorSettings()
	detector := &fakeDetector{healthy: true, result: &inference.Result{}}
	store := &memStore{}
	o := newTestOrchestrator(settings, detector, store)
	o.newReader = func(StreamSource, time.Duration) FrameReader {
		return &fakeReader{frames: 3}
	}

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	waitFor(t, 2*time.Second, func() bool {
		detector.mu.Lock()
		defer detector.mu.Unlock()
		return detector.calls == 3
	})
	assert.Zero(t, store.count(), "empty results are not recorded by default")
}

func TestPipelineRecordsEmptyWhenConfigured(t *testing.T) {
	settings := orchestratorSettings()
	settings.Sink.RecordNoDetections = true
	detector := &fakeDetector{healthy: true, result: &inference.Result{}}
	store := &memStore{}
	o := newTestOrchestrator(settings, detector, store)
	o.newReader = func(StreamSource, time.Duration) FrameReader {
		return &fakeReader{frames: 1}
	}

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	waitFor(t, 2*time.Second, func() bool { return store.count() == 1 })
	records, _ := store.List(context.Background(), 10)
	assert.Zero(t, records[0].DetectionCount)
	assert.Equal(t, "MINIMAL", string(records[0].Assessment.Level))
}

func TestPipelineSurvivesDetectorErrors(t *testing.T) {
	settings := orchestratorSettings()
	detector := &fakeDetector{healthy: true, err: errors.New("model down")}
	store := &memStore{}
	o := newTestOrchestrator(settings, detector, store)
	o.newReader = func(StreamSource, time.Duration) FrameReader {
		return &fakeReader{frames: 2}
	}

	require.NoError(t, o.Start(context.Background()))

	waitFor(t, 2*time.Second, func() bool {
		detector.mu.Lock()
		defer detector.mu.Unlock()
		return detector.calls == 2
	})
	o.Stop()
	assert.Zero(t, store.count())
}

func TestPipelineSurvivesDetectorPanic(t *testing.T) {
	settings := orchestratorSettings()
	detector := &fakeDetector{
		healthy: true,
		panics:  1,
		result: &inference.Result{
			Detections: []inference.Detection{
				{Species: "Rattus rattus", Confidence: 0.7},
			},
			Count: 1,
		},
	}
	store := &memStore{}
	o := newTestOrchestrator(settings, detector, store)
	o.newReader = func(StreamSource, time.Duration) FrameReader {
		return &fakeReader{frames: 2}
	}

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	// The first frame panics inside Detect; the consumer loop must
	// survive it and record the second frame.
	waitFor(t, 2*time.Second, func() bool { return store.count() == 1 })
	detector.mu.Lock()
	assert.Equal(t, 2, detector.calls)
	detector.mu.Unlock()
}

func TestStopDrainsQueue(t *testing.T) {
	settings := orchestratorSettings()
	detector := &fakeDetector{
		healthy: true,
		delay:   20 * time.Millisecond,
		result: &inference.Result{
			Detections: []inference.Detection{
				{Species: "Mus musculus", Confidence: 0.6},
			},
			Count: 1,
		},
	}
	store := &memStore{}
	o := newTestOrchestrator(settings, detector, store)
	o.newReader = func(StreamSource, time.Duration) FrameReader {
		return &fakeReader{frames: 5}
	}

	require.NoError(t, o.Start(context.Background()))

	// The slow detector leaves frames queued when Stop is called; they
	// must still be processed before the consumer exits.
	waitFor(t, 2*time.Second, func() bool { return store.count() >= 1 })
	o.Stop()
	assert.Equal(t, 5, store.count())
}

func TestStartTwiceFails(t *testing.T) {
	o := newTestOrchestrator(orchestratorSettings(), &fakeDetector{healthy: true}, &memStore{})
	o.newReader = func(StreamSource, time.Duration) FrameReader {
		return &fakeReader{frames: 0}
	}
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()
	assert.Error(t, o.Start(context.Background()))
}
