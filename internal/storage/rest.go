package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RESTStore persists records to a Supabase-style PostgREST endpoint.
type RESTStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRESTStore creates a store for the given base URL and service key.
func NewRESTStore(baseURL, apiKey string) *RESTStore {
	return &RESTStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *RESTStore) tableURL() string {
	return s.baseURL + "/rest/v1/detection_patterns"
}

func (s *RESTStore) setHeaders(req *http.Request) {
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// Insert posts one record. A 4xx response means the record itself is
// bad and maps to ErrValidation; transport failures and 5xx responses
// are returned as retryable errors.
func (s *RESTStore) Insert(ctx context.Context, record *DetectionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tableURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create insert request: %w", err)
	}
	s.setHeaders(req)
	req.Header.Set("Prefer", "return=minimal")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("insert request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: store rejected record with %d: %s", ErrValidation, resp.StatusCode, detail)
	default:
		return fmt.Errorf("store returned %d", resp.StatusCode)
	}
}

// List fetches the most recent records, newest first.
func (s *RESTStore) List(ctx context.Context, limit int) ([]DetectionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	url := fmt.Sprintf("%s?order=detection_timestamp.desc&limit=%d", s.tableURL(), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create list request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("store returned %d", resp.StatusCode)
	}
	var records []DetectionRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return records, nil
}

// Ping issues a HEAD request against the table endpoint.
func (s *RESTStore) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.tableURL()+"?limit=1", nil)
	if err != nil {
		return err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("store returned %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op; the HTTP client holds no persistent resources.
func (s *RESTStore) Close() error {
	return nil
}
