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
)

// fakeReader serves a fixed number of frames, then fails with readErr.
// Frames are raw bytes that never decode as JPEG, so the gate holds no
// baseline and fails open on every one of them.
type fakeReader struct {
	openErr error
	readErr error
	frames  int
	served  int
	mu      sync.Mutex
	closed  bool
}

func (r *fakeReader) Open(ctx context.Context) error {
	return r.openErr
}

func (r *fakeReader) ReadFrame(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.served >= r.frames {
		if r.readErr != nil {
			return nil, r.readErr
		}
		r.mu.Unlock()
		<-ctx.Done()
		r.mu.Lock()
		return nil, ctx.Err()
	}
	r.served++
	return []byte{byte(r.served)}, nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func fastConfig() conf.CaptureConfig {
	return conf.CaptureConfig{
		SampleInterval:  time.Millisecond,
		QueueCapacity:   16,
		MotionThreshold: 0.1,
		MaxRetries:      3,
		BackoffInitial:  5 * time.Millisecond,
		BackoffCeiling:  20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestWatcherDeliversFrames(t *testing.T) {
	q := NewFrameQueue(16)
	w := NewStreamWatcher(StreamSource{Name: "cam1", URL: "rtsp://x"}, q, fastConfig(), nil)
	w.newReader = func(StreamSource, time.Duration) FrameReader {
		return &fakeReader{frames: 3}
	}

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return q.Len() == 3 })
	assert.Equal(t, StateConnected, w.State())

	frame, ok := q.Dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, "cam1", frame.Source.Name)
	assert.Equal(t, uint64(1), frame.Sequence)
	assert.Equal(t, uint64(3), w.Stats().FramesCaptured)
	assert.Equal(t, uint64(3), w.Stats().FramesMalformed, "raw test frames never decode")
}

func TestWatcherReconnectsAfterStreamLoss(t *testing.T) {
	q := NewFrameQueue(32)
	w := NewStreamWatcher(StreamSource{Name: "cam1", URL: "rtsp://x"}, q, fastConfig(), nil)

	var mu sync.Mutex
	opens := 0
	w.newReader = func(StreamSource, time.Duration) FrameReader {
		mu.Lock()
		opens++
		first := opens == 1
		mu.Unlock()
		if first {
			return &fakeReader{frames: 2, readErr: errors.New("connection reset")}
		}
		return &fakeReader{frames: 2}
	}

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return q.Len() == 4 })
	assert.Equal(t, StateConnected, w.State())
	assert.False(t, w.Failed())
	assert.Equal(t, uint64(1), w.Stats().Reconnects)

	// Sequence numbers keep increasing across the reconnect.
	var seqs []uint64
	for i := 0; i < 4; i++ {
		frame, ok := q.Dequeue(time.Second)
		require.True(t, ok)
		seqs = append(seqs, frame.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
}

func TestWatcherGivesUpAfterMaxRetries(t *testing.T) {
	q := NewFrameQueue(4)
	w := NewStreamWatcher(StreamSource{Name: "cam1", URL: "rtsp://x"}, q, fastConfig(), nil)

	var mu sync.Mutex
	opens := 0
	w.newReader = func(StreamSource, time.Duration) FrameReader {
		mu.Lock()
		opens++
		mu.Unlock()
		return &fakeReader{openErr: errors.New("no route to host")}
	}

	w.Start(context.Background())
	waitFor(t, 2*time.Second, w.Failed)
	w.Stop()

	assert.Equal(t, StateStopped, w.State())
	mu.Lock()
	assert.Equal(t, 3, opens, "should stop after three consecutive failed attempts")
	mu.Unlock()
}

func TestWatcherSuccessResetsRetryBudget(t *testing.T) {
	q := NewFrameQueue(32)
	w := NewStreamWatcher(StreamSource{Name: "cam1", URL: "rtsp://x"}, q, fastConfig(), nil)

	// Fails twice, recovers briefly, fails once more, then recovers for
	// good. Without the reset on a successful connect the four failures
	// here would exhaust the budget of three.
	script := []func() FrameReader{
		func() FrameReader { return &fakeReader{openErr: errors.New("down")} },
		func() FrameReader { return &fakeReader{openErr: errors.New("down")} },
		func() FrameReader { return &fakeReader{frames: 1, readErr: errors.New("reset")} },
		func() FrameReader { return &fakeReader{openErr: errors.New("down")} },
		func() FrameReader { return &fakeReader{frames: 1} },
	}
	var mu sync.Mutex
	idx := 0
	w.newReader = func(StreamSource, time.Duration) FrameReader {
		mu.Lock()
		defer mu.Unlock()
		f := script[idx]
		if idx < len(script)-1 {
			idx++
		}
		return f()
	}

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool { return q.Len() == 2 })
	assert.False(t, w.Failed())
	assert.Equal(t, StateConnected, w.State())
}

func TestWatcherStartTwiceIsNoop(t *testing.T) {
	q := NewFrameQueue(4)
	w := NewStreamWatcher(StreamSource{Name: "cam1", URL: "rtsp://x"}, q, fastConfig(), nil)

	var mu sync.Mutex
	opens := 0
	w.newReader = func(StreamSource, time.Duration) FrameReader {
		mu.Lock()
		opens++
		mu.Unlock()
		return &fakeReader{openErr: errors.New("down")}
	}

	w.Start(context.Background())
	w.Start(context.Background())

	waitFor(t, 2*time.Second, w.Failed)
	w.Stop()

	mu.Lock()
	assert.Equal(t, 3, opens, "a second Start must not spawn another run loop")
	mu.Unlock()
}

func TestWatcherBackoffProgression(t *testing.T) {
	cfg := fastConfig()
	cfg.BackoffInitial = 20 * time.Millisecond
	cfg.BackoffCeiling = 50 * time.Millisecond
	cfg.MaxRetries = 4

	q := NewFrameQueue(4)
	w := NewStreamWatcher(StreamSource{Name: "cam1", URL: "rtsp://x"}, q, cfg, nil)

	var mu sync.Mutex
	var attempts []time.Time
	w.newReader = func(StreamSource, time.Duration) FrameReader {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return &fakeReader{openErr: errors.New("down")}
	}

	w.Start(context.Background())
	waitFor(t, 2*time.Second, w.Failed)
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 4)
	// 20ms, then 40ms, then capped at the 50ms ceiling.
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, attempts[2].Sub(attempts[1]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, attempts[3].Sub(attempts[2]), 50*time.Millisecond)

	assert.Equal(t, 40*time.Millisecond, w.nextBackoff(20*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, w.nextBackoff(40*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, w.nextBackoff(50*time.Millisecond))
}

func TestWatcherStateCallback(t *testing.T) {
	q := NewFrameQueue(4)
	w := NewStreamWatcher(StreamSource{Name: "cam1", URL: "rtsp://x"}, q, fastConfig(), nil)
	w.newReader = func(StreamSource, time.Duration) FrameReader {
		return &fakeReader{frames: 1}
	}

	var mu sync.Mutex
	var states []StreamState
	w.onState = func(_ StreamSource, s StreamState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	w.Start(context.Background())
	waitFor(t, time.Second, func() bool { return q.Len() == 1 })
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []StreamState{StateConnecting, StateConnected, StateStopped}, states)
}

func TestWatcherStop(t *testing.T) {
	q := NewFrameQueue(4)
	w := NewStreamWatcher(StreamSource{Name: "cam1", URL: "rtsp://x"}, q, fastConfig(), nil)
	reader := &fakeReader{frames: 1}
	w.newReader = func(StreamSource, time.Duration) FrameReader { return reader }

	w.Start(context.Background())
	waitFor(t, time.Second, func() bool { return q.Len() == 1 })
	w.Stop()

	assert.Equal(t, StateStopped, w.State())
	reader.mu.Lock()
	assert.True(t, reader.closed)
	reader.mu.Unlock()
}
