// Package inference talks to the rodent detection model service over HTTP.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"skyhawk/internal/observability"
)

// ErrUnavailable is returned when the model service cannot be reached
// or reports itself unhealthy.
var ErrUnavailable = errors.New("inference service unavailable")

// ErrDecode is returned when the model service replies with a body that
// does not parse as the expected JSON shape.
var ErrDecode = errors.New("malformed inference response")

// healthCacheTTL is how long a positive health check is trusted.
const healthCacheTTL = 30 * time.Second

// Detection is a single rodent found in a frame. IsPrimaryReservoir
// and RiskContribution are derived client-side from the species weight
// table; the model service only reports species, confidence and bbox.
type Detection struct {
	Species            string    `json:"species"`
	Confidence         float64   `json:"confidence"`
	BBox               []float64 `json:"bbox"` // [x1, y1, x2, y2]
	IsPrimaryReservoir bool      `json:"is_primary_reservoir"`
	RiskContribution   float64   `json:"risk_contribution"`
}

// Result is the model service response for one frame.
type Result struct {
	Detections      []Detection `json:"detections"`
	Count           int         `json:"count"`
	InferenceTimeMs float64     `json:"inference_time_ms"`
	ModelVersion    string      `json:"model_version"`
	Device          string      `json:"device"`
}

// HealthResponse is the model service health payload.
type HealthResponse struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Config holds client settings.
type Config struct {
	Endpoint            string
	Timeout             time.Duration
	ConfidenceThreshold float64
}

// Client calls the detection service. Safe for concurrent use.
type Client struct {
	endpoint      string
	confThreshold float64
	client        *http.Client
	metrics       *observability.InferenceMetrics

	mu          sync.RWMutex
	healthCheck time.Time
}

// NewClient creates a detection client. Metrics may be nil.
func NewClient(cfg Config, metrics *observability.InferenceMetrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint:      cfg.Endpoint,
		confThreshold: cfg.ConfidenceThreshold,
		client:        &http.Client{Timeout: timeout},
		metrics:       metrics,
	}
}

// IsHealthy checks the service health endpoint. Positive results are
// cached for 30 seconds to avoid hammering the service from the
// processing loop.
func (c *Client) IsHealthy(ctx context.Context) bool {
	c.mu.RLock()
	if time.Since(c.healthCheck) < healthCacheTTL {
		c.mu.RUnlock()
		return true
	}
	c.mu.RUnlock()

	health, err := c.Health(ctx)
	if err != nil || !health.ModelLoaded {
		return false
	}

	c.mu.Lock()
	c.healthCheck = time.Now()
	c.mu.Unlock()
	return true
}

// Health fetches the detailed health payload without caching.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("error creating health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: health check returned %d", ErrUnavailable, resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &health, nil
}

// Detect sends a JPEG frame for detection and returns the species found.
func (c *Client) Detect(ctx context.Context, frame []byte) (*Result, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame); err != nil {
		return nil, err
	}
	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.3f", c.confThreshold)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	if c.metrics != nil {
		c.metrics.Requests.Inc()
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	if c.metrics != nil {
		c.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.noteError()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.noteError()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, body)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.noteError()
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if result.Count == 0 {
		result.Count = len(result.Detections)
	}
	for i := range result.Detections {
		d := &result.Detections[i]
		d.IsPrimaryReservoir = IsPrimaryReservoir(d.Species)
		d.RiskContribution = d.Confidence * SpeciesWeight(d.Species)
	}

	if c.metrics != nil {
		for i := range result.Detections {
			c.metrics.Detections.WithLabelValues(result.Detections[i].Species).Inc()
		}
	}
	return &result, nil
}

func (c *Client) noteError() {
	if c.metrics != nil {
		c.metrics.Errors.Inc()
	}
	// Force a fresh health probe on the next IsHealthy call.
	c.mu.Lock()
	c.healthCheck = time.Time{}
	c.mu.Unlock()
}
