package inference

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	c := NewClient(Config{
		Endpoint:            "http://model.test:8000",
		Timeout:             5 * time.Second,
		ConfidenceThreshold: 0.25,
	}, nil)
	httpmock.ActivateNonDefault(c.client)
	return c
}

func TestDetect(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://model.test:8000/detect",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, req.ParseMultipartForm(1<<20))
			assert.Equal(t, "0.250", req.FormValue("conf_threshold"))
			_, header, err := req.FormFile("file")
			require.NoError(t, err)
			assert.Equal(t, "frame.jpg", header.Filename)

			return httpmock.NewJsonResponse(200, map[string]any{
				"detections": []map[string]any{
					{"species": "Mastomys natalensis", "confidence": 0.91, "bbox": []float64{10, 20, 100, 150}},
					{"species": "Mus musculus", "confidence": 0.42, "bbox": []float64{200, 50, 240, 90}},
				},
				"count":             2,
				"inference_time_ms": 38.5,
				"model_version":     "v2",
			})
		})

	result, err := c.Detect(context.Background(), []byte{0xFF, 0xD8, 0xFF, 0xD9})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count)
	assert.Equal(t, "Mastomys natalensis", result.Detections[0].Species)
	assert.InDelta(t, 0.91, result.Detections[0].Confidence, 1e-9)
	assert.Equal(t, "v2", result.ModelVersion)
}

func TestDetectServerError(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://model.test:8000/detect",
		httpmock.NewStringResponder(500, "model crashed"))

	_, err := c.Detect(context.Background(), []byte{0xFF, 0xD8})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestDetectDerivesRiskFields(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://model.test:8000/detect",
		httpmock.NewStringResponder(200, `{"detections":[
			{"species":"Mastomys natalensis","confidence":0.9},
			{"species":"Rattus rattus","confidence":0.6},
			{"species":"Spermophilus citellus","confidence":0.5}
		],"count":3}`))

	result, err := c.Detect(context.Background(), []byte{0xFF, 0xD8})
	require.NoError(t, err)
	require.Len(t, result.Detections, 3)

	assert.True(t, result.Detections[0].IsPrimaryReservoir)
	assert.InDelta(t, 0.9*1.0, result.Detections[0].RiskContribution, 1e-9)

	assert.False(t, result.Detections[1].IsPrimaryReservoir)
	assert.InDelta(t, 0.6*0.4, result.Detections[1].RiskContribution, 1e-9)

	// Species outside the weight table get the default weight.
	assert.InDelta(t, 0.5*0.3, result.Detections[2].RiskContribution, 1e-9)
}

func TestDetectMalformedResponse(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://model.test:8000/detect",
		httpmock.NewStringResponder(200, "<html>gateway timeout</html>"))

	_, err := c.Detect(context.Background(), []byte{0xFF, 0xD8})
	require.ErrorIs(t, err, ErrDecode)
}

func TestDetectFillsCountFromDetections(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://model.test:8000/detect",
		httpmock.NewStringResponder(200, `{"detections":[{"species":"Rattus rattus","confidence":0.6}]}`))

	result, err := c.Detect(context.Background(), []byte{0xFF, 0xD8})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
}

func TestIsHealthyCaching(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "http://model.test:8000/health",
		httpmock.NewStringResponder(200, `{"status":"ok","model_loaded":true}`))

	ctx := context.Background()
	assert.True(t, c.IsHealthy(ctx))
	assert.True(t, c.IsHealthy(ctx))
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "second check within TTL must hit the cache")
}

func TestIsHealthyModelNotLoaded(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "http://model.test:8000/health",
		httpmock.NewStringResponder(200, `{"status":"loading","model_loaded":false}`))

	assert.False(t, c.IsHealthy(context.Background()))
}

func TestIsHealthyServiceDown(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "http://model.test:8000/health",
		httpmock.NewErrorResponder(assert.AnError))

	assert.False(t, c.IsHealthy(context.Background()))
}
