package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carprice/internal/estimate"
	"carprice/internal/registry"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}

func statsSegment(brand, model string, n int, mean, lo, hi float64) *registry.Segment {
	return &registry.Segment{
		Key:         registry.NewKey(brand, model),
		SampleCount: n,
		Price:       registry.PriceStats{Mean: mean, Min: lo, Max: hi, StdDev: 1234.567},
		Averages:    registry.Averages{Year: 2017, Distance: 80000, EngineSize: 2},
		Tier:        registry.TierStatsOnly,
	}
}

type fakeCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeCounter) HTTPRequestInc(route string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[route+" "+http.StatusText(code)]++
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()

	reg, err := registry.New([]*registry.Segment{
		statsSegment("RareModel", "X", 5, 20000, 15000, 26000),
		statsSegment("RareModel", "Y", 3, 10000, 8000, 12000),
		statsSegment("Mercedes Benz", "E 200", 8, 40000, 30000, 50000),
	})
	require.NoError(t, err)

	snap := &registry.Snapshot{
		Version:       "20260101-000000",
		TrainedAt:     time.Now().Add(-time.Hour),
		ReferenceYear: 2026,
		Summary:       registry.Summarize(reg),
		Registry:      reg,
	}
	engine, err := estimate.NewEngineFromSnapshot(snap, estimate.Config{})
	require.NoError(t, err)

	ts := httptest.NewServer(NewServer(engine, opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postEstimate(t *testing.T, ts *httptest.Server, body string) (*http.Response, EstimateResponse) {
	t.Helper()

	resp, err := http.Post(ts.URL+"/api/v1/estimate", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out EstimateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestEstimate_StatsSegment(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, out := postEstimate(t, ts, `{"brand":"RareModel","model":"X","year":2020,"distanceTraveled":160000,"engineSize":2.0}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	assert.Equal(t, 19550.0, out.PredictedPrice)
	require.NotNil(t, out.PriceRange)
	assert.Equal(t, 16617.5, out.PriceRange.Min)
	assert.Equal(t, 22482.5, out.PriceRange.Max)
	assert.Equal(t, "AZN", out.Currency)
	assert.Equal(t, "medium", out.ConfidenceTier)
	assert.Equal(t, "STATS_ONLY", out.SourceTier)
	assert.Equal(t, 5, out.SampleCount)
	assert.Equal(t, "20260101-000000", out.SnapshotVersion)
	assert.Nil(t, out.Error)
	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, out.RequestID, resp.Header.Get(RequestIDHeader))
}

func TestEstimate_NumericStringsAndMileageAlias(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, out := postEstimate(t, ts, `{"brand":"rAREmODEL","model":" x ","year":"2020","mileage":"160000","engineSize":"2.0"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 19550.0, out.PredictedPrice)
}

func TestEstimate_BrandAverage(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, out := postEstimate(t, ts, `{"brand":"RareModel","model":"Z","year":2020,"distanceTraveled":50000,"engineSize":1.6}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 15000.0, out.PredictedPrice)
	assert.Equal(t, "BRAND_AVERAGE", out.SourceTier)
	assert.Equal(t, "low", out.ConfidenceTier)
	assert.Equal(t, 8, out.SampleCount)
}

func TestEstimate_Errors(t *testing.T) {
	ts := newTestServer(t, Options{})

	tests := []struct {
		name      string
		body      string
		status    int
		code      string
		wantField string
	}{
		{
			name:   "unknown brand",
			body:   `{"brand":"Zzz","model":"Q","year":2020,"distanceTraveled":1000,"engineSize":1.6}`,
			status: http.StatusNotFound,
			code:   "UNKNOWN_VEHICLE",
		},
		{
			name:      "missing engine size",
			body:      `{"brand":"RareModel","model":"X","year":2020,"distanceTraveled":1000}`,
			status:    http.StatusBadRequest,
			code:      "VALIDATION_FAILED",
			wantField: "engineSize",
		},
		{
			name:      "non-numeric year",
			body:      `{"brand":"RareModel","model":"X","year":"new","distanceTraveled":1000,"engineSize":1.6}`,
			status:    http.StatusBadRequest,
			code:      "VALIDATION_FAILED",
			wantField: "year",
		},
		{
			name:      "fractional year",
			body:      `{"brand":"RareModel","model":"X","year":2020.5,"distanceTraveled":1000,"engineSize":1.6}`,
			status:    http.StatusBadRequest,
			code:      "VALIDATION_FAILED",
			wantField: "year",
		},
		{
			name:      "future year",
			body:      `{"brand":"RareModel","model":"X","year":2030,"distanceTraveled":1000,"engineSize":1.6}`,
			status:    http.StatusBadRequest,
			code:      "VALIDATION_FAILED",
			wantField: "year",
		},
		{
			name:      "negative distance",
			body:      `{"brand":"RareModel","model":"X","year":2020,"distanceTraveled":-5,"engineSize":1.6}`,
			status:    http.StatusBadRequest,
			code:      "VALIDATION_FAILED",
			wantField: "distanceTraveled",
		},
		{
			name:      "empty brand",
			body:      `{"brand":"  ","model":"X","year":2020,"distanceTraveled":5,"engineSize":1.6}`,
			status:    http.StatusBadRequest,
			code:      "VALIDATION_FAILED",
			wantField: "brand",
		},
		{
			name:   "malformed JSON",
			body:   `{"brand":`,
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postEstimate(t, ts, tt.body)

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.False(t, out.Success)
			assert.Zero(t, out.PredictedPrice)
			require.NotNil(t, out.Error)
			assert.Equal(t, tt.code, out.Error.Code)
			assert.Equal(t, tt.wantField, out.Error.Field)
			assert.NotEmpty(t, out.RequestID)
		})
	}
}

func TestEstimate_PropagatesRequestID(t *testing.T) {
	ts := newTestServer(t, Options{})

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/estimate",
		strings.NewReader(`{"brand":"RareModel","model":"X","year":2020,"distanceTraveled":1,"engineSize":1}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, "caller-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out EstimateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "caller-123", out.RequestID)
	assert.Equal(t, "caller-123", resp.Header.Get(RequestIDHeader))
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestSnapshotEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})

	var out SnapshotResponse
	status := getJSON(t, ts.URL+"/api/v1/snapshot", &out)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "20260101-000000", out.Version)
	assert.Equal(t, 2026, out.ReferenceYear)
	assert.Equal(t, 3, out.Summary.TotalSegments)
	assert.Equal(t, 3, out.Summary.TierCounts[registry.TierStatsOnly])
	assert.InDelta(t, 3600, out.AgeSeconds, 60)
}

func TestSegmentEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})

	var out SegmentResponse
	status := getJSON(t, ts.URL+"/api/v1/segments/mercedes%20benz/E%20200", &out)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Mercedes Benz", out.Brand)
	assert.Equal(t, "E 200", out.Model)
	assert.Equal(t, "STATS_ONLY", out.Tier)
	assert.Equal(t, 8, out.SampleCount)
	assert.Equal(t, 1234.57, out.Price.StdDev)
	assert.Equal(t, PriceRange{Min: 15000, Max: 75000}, out.ClipRange)
	assert.Nil(t, out.Metrics)

	var missing ErrorResponse
	status = getJSON(t, ts.URL+"/api/v1/segments/RareModel/Nope", &missing)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, missing.Error)
	assert.Equal(t, "UNKNOWN_VEHICLE", missing.Error.Code)
}

func TestBrandEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})

	var out BrandResponse
	status := getJSON(t, ts.URL+"/api/v1/brands/raremodel", &out)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 15000.0, out.AveragePrice)
	assert.Equal(t, 8, out.SampleCount)
	assert.Equal(t, 2, out.SegmentCount)

	var missing ErrorResponse
	status = getJSON(t, ts.URL+"/api/v1/brands/Zzz", &missing)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})

	var out HealthResponse
	status := getJSON(t, ts.URL+"/health", &out)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, 3, out.Segments)
	assert.Equal(t, "20260101-000000", out.SnapshotVersion)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	ts := newTestServer(t, Options{})

	var out ErrorResponse
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v2/estimate", &out))
	require.NotNil(t, out.Error)
	assert.Equal(t, "NOT_FOUND", out.Error.Code)

	var notAllowed ErrorResponse
	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, ts.URL+"/api/v1/estimate", &notAllowed))
}

func TestUnknownRoutesShareOneLabel(t *testing.T) {
	counter := &fakeCounter{}
	ts := newTestServer(t, Options{Counter: counter})

	for i := 0; i < 5; i++ {
		var out ErrorResponse
		assert.Equal(t, http.StatusNotFound, getJSON(t, fmt.Sprintf("%s/scan/%d", ts.URL, i), &out))
	}

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, map[string]int{UnmatchedRoute + " Not Found": 5}, counter.calls)
}

func TestMetricsHandlerAndCounter(t *testing.T) {
	counter := &fakeCounter{}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "estimates_total 1\n")
	})
	ts := newTestServer(t, Options{Counter: counter, MetricsHandler: metricsHandler})

	postEstimate(t, ts, `{"brand":"RareModel","model":"X","year":2020,"distanceTraveled":1,"engineSize":1}`)
	postEstimate(t, ts, `{"brand":"Zzz","model":"X","year":2020,"distanceTraveled":1,"engineSize":1}`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "estimates_total")

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, 1, counter.calls["/api/v1/estimate OK"])
	assert.Equal(t, 1, counter.calls["/api/v1/estimate Not Found"])
	assert.Equal(t, 1, counter.calls["/metrics OK"])
}

func TestNumberUnmarshal(t *testing.T) {
	tests := []struct {
		in    string
		set   bool
		value float64
	}{
		{`12.5`, true, 12.5},
		{`"12.5"`, true, 12.5},
		{`" 7 "`, true, 7},
		{`null`, false, 0},
		{`""`, false, 0},
	}
	for _, tt := range tests {
		var n Number
		require.NoError(t, json.Unmarshal([]byte(tt.in), &n), tt.in)
		assert.Equal(t, tt.set, n.IsSet(), tt.in)
		if tt.set {
			v, err := n.Float64()
			require.NoError(t, err)
			assert.Equal(t, tt.value, v)
		}
	}
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 19550.0, round2(19549.999))
	assert.Equal(t, 1.01, round2(1.005))
	assert.Equal(t, -2.35, round2(-2.345))
}
