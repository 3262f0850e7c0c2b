// Package capture acquires frames from camera streams, filters them by
// motion and feeds them to the processing loop through a bounded queue.
package capture

import (
	"sync/atomic"
	"time"
)

// StreamSource identifies one camera and where it is.
type StreamSource struct {
	Name      string
	URL       string
	Latitude  float64
	Longitude float64
	Region    string
}

// FrameEnvelope carries one JPEG frame through the pipeline together
// with the stream it came from.
type FrameEnvelope struct {
	Source    StreamSource
	Data      []byte
	Sequence  uint64
	Timestamp time.Time
}

// StreamState is the connection state of a watched stream.
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateConnected
	StateRetrying
	StateStopped
)

func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CaptureStats holds per-stream counters updated from the watcher
// goroutine and read from the HTTP status handler.
type CaptureStats struct {
	FramesCaptured  atomic.Uint64
	FramesDropped   atomic.Uint64
	FramesMalformed atomic.Uint64
	MotionSkipped   atomic.Uint64
	Reconnects      atomic.Uint64
	LastFrame       atomic.Int64 // unix nanos of the last captured frame
}

// StatsSnapshot is a plain copy of CaptureStats safe to serialize.
type StatsSnapshot struct {
	FramesCaptured  uint64    `json:"frames_captured"`
	FramesDropped   uint64    `json:"frames_dropped"`
	FramesMalformed uint64    `json:"frames_malformed"`
	MotionSkipped   uint64    `json:"motion_skipped"`
	Reconnects      uint64    `json:"reconnects"`
	LastFrame       time.Time `json:"last_frame"`
}

// Snapshot returns a consistent-enough copy of the counters.
func (s *CaptureStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		FramesCaptured:  s.FramesCaptured.Load(),
		FramesDropped:   s.FramesDropped.Load(),
		FramesMalformed: s.FramesMalformed.Load(),
		MotionSkipped:   s.MotionSkipped.Load(),
		Reconnects:      s.Reconnects.Load(),
	}
	if ns := s.LastFrame.Load(); ns > 0 {
		snap.LastFrame = time.Unix(0, ns)
	}
	return snap
}
