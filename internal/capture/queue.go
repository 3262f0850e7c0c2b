package capture

import (
	"sync/atomic"
	"time"
)

// FrameQueue is a bounded multi-producer single-consumer queue of frames.
// Producers never block: when the queue is full the frame is dropped and
// counted, so a slow consumer cannot stall capture goroutines.
type FrameQueue struct {
	ch      chan FrameEnvelope
	dropped atomic.Uint64
}

// NewFrameQueue creates a queue holding at most capacity frames.
// A capacity below one is raised to one.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{ch: make(chan FrameEnvelope, capacity)}
}

// TryEnqueue offers a frame without blocking. It reports whether the
// frame was accepted; rejected frames increment the drop counter.
func (q *FrameQueue) TryEnqueue(frame FrameEnvelope) bool {
	select {
	case q.ch <- frame:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue waits up to timeout for the next frame. The second return
// value is false when the wait timed out.
func (q *FrameQueue) Dequeue(timeout time.Duration) (FrameEnvelope, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-q.ch:
		return frame, true
	case <-timer.C:
		return FrameEnvelope{}, false
	}
}

// Len returns the number of frames currently queued.
func (q *FrameQueue) Len() int {
	return len(q.ch)
}

// Dropped returns the total number of frames rejected since creation.
func (q *FrameQueue) Dropped() uint64 {
	return q.dropped.Load()
}
