// Package observability provides Prometheus metrics for the capture pipeline.
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the per-component metric sets and their registry.
type Metrics struct {
	registry  *prometheus.Registry
	Capture   *CaptureMetrics
	Inference *InferenceMetrics
	Sink      *SinkMetrics
}

// NewMetrics creates and registers all pipeline metrics on a fresh registry.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	capture, err := NewCaptureMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("error creating capture metrics: %w", err)
	}
	inference, err := NewInferenceMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("error creating inference metrics: %w", err)
	}
	sink, err := NewSinkMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("error creating sink metrics: %w", err)
	}

	return &Metrics{
		registry:  registry,
		Capture:   capture,
		Inference: inference,
		Sink:      sink,
	}, nil
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CaptureMetrics tracks frame acquisition and queue behaviour.
type CaptureMetrics struct {
	FramesCaptured  *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	FramesMalformed *prometheus.CounterVec
	MotionSkipped   *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	StreamState     *prometheus.GaugeVec
	QueueDepth      prometheus.Gauge
}

// NewCaptureMetrics registers capture metrics with the given registry.
func NewCaptureMetrics(registry *prometheus.Registry) (*CaptureMetrics, error) {
	m := &CaptureMetrics{
		FramesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skyhawk_frames_captured_total",
			Help: "Total number of frames read from each stream.",
		}, []string{"stream"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skyhawk_frames_dropped_total",
			Help: "Total number of frames dropped because the queue was full.",
		}, []string{"stream"}),
		FramesMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skyhawk_frames_malformed_total",
			Help: "Total number of frames that failed to decode as JPEG.",
		}, []string{"stream"}),
		MotionSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skyhawk_motion_skipped_total",
			Help: "Total number of frames skipped by the motion gate.",
		}, []string{"stream"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skyhawk_stream_reconnects_total",
			Help: "Total number of reconnect attempts per stream.",
		}, []string{"stream"}),
		StreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyhawk_stream_state",
			Help: "Current stream state (0 disconnected, 1 connecting, 2 connected, 3 retrying, 4 stopped).",
		}, []string{"stream"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skyhawk_frame_queue_depth",
			Help: "Number of frames waiting in the shared frame queue.",
		}),
	}

	collectors := []prometheus.Collector{
		m.FramesCaptured, m.FramesDropped, m.FramesMalformed,
		m.MotionSkipped, m.Reconnects, m.StreamState, m.QueueDepth,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// InferenceMetrics tracks detection requests against the model service.
type InferenceMetrics struct {
	Requests        prometheus.Counter
	Errors          prometheus.Counter
	RequestDuration prometheus.Histogram
	Detections      *prometheus.CounterVec
}

// NewInferenceMetrics registers inference metrics with the given registry.
func NewInferenceMetrics(registry *prometheus.Registry) (*InferenceMetrics, error) {
	m := &InferenceMetrics{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skyhawk_inference_requests_total",
			Help: "Total number of detection requests sent to the model service.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skyhawk_inference_errors_total",
			Help: "Total number of failed detection requests.",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "skyhawk_inference_request_duration_seconds",
			Help:    "Detection request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skyhawk_detections_total",
			Help: "Total detections returned by the model service per species.",
		}, []string{"species"}),
	}

	collectors := []prometheus.Collector{
		m.Requests, m.Errors, m.RequestDuration, m.Detections,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SinkMetrics tracks persistence outcomes.
type SinkMetrics struct {
	Stored        prometheus.Counter
	Retries       prometheus.Counter
	Discarded     prometheus.Counter
	OverflowDepth prometheus.Gauge
	RiskLevels    *prometheus.CounterVec
}

// NewSinkMetrics registers sink metrics with the given registry.
func NewSinkMetrics(registry *prometheus.Registry) (*SinkMetrics, error) {
	m := &SinkMetrics{
		Stored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skyhawk_records_stored_total",
			Help: "Total detection records successfully persisted.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skyhawk_store_retries_total",
			Help: "Total persistence attempts that were retried.",
		}),
		Discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skyhawk_records_discarded_total",
			Help: "Total records discarded from a full overflow buffer.",
		}),
		OverflowDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skyhawk_overflow_buffer_depth",
			Help: "Records currently held in the overflow buffer.",
		}),
		RiskLevels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skyhawk_risk_level_total",
			Help: "Total assessments per risk level.",
		}, []string{"level"}),
	}

	collectors := []prometheus.Collector{
		m.Stored, m.Retries, m.Discarded, m.OverflowDepth, m.RiskLevels,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
