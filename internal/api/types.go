package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/shopspring/decimal"

	"carprice/internal/estimate"
	"carprice/internal/registry"
)

// PriceRangeFactor is the relative half-width of the reported price range.
const PriceRangeFactor = 0.15

// Number is a JSON number that may also arrive as a numeric string, as form
// posts commonly send it. null and "" leave it unset.
type Number struct {
	raw string
	set bool
}

func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
		if s == "" {
			return nil
		}
	}
	n.raw, n.set = s, true
	return nil
}

// IsSet reports whether a value was supplied.
func (n Number) IsSet() bool { return n.set }

// Float64 parses the supplied value.
func (n Number) Float64() (float64, error) {
	return strconv.ParseFloat(n.raw, 64)
}

// EstimateRequest is the body of POST /api/v1/estimate.
type EstimateRequest struct {
	Brand            string `json:"brand"`
	Model            string `json:"model"`
	Year             Number `json:"year"`
	DistanceTraveled Number `json:"distanceTraveled"`
	// Mileage is accepted in place of distanceTraveled.
	Mileage    Number `json:"mileage"`
	EngineSize Number `json:"engineSize"`

	req estimate.Request
}

// Bind implements render.Binder. It converts the loose wire form into an
// estimate.Request; range checks are left to the engine.
func (b *EstimateRequest) Bind(r *http.Request) error {
	distance := b.DistanceTraveled
	if !distance.IsSet() {
		distance = b.Mileage
	}

	year, err := requiredNumber("year", b.Year)
	if err != nil {
		return err
	}
	if year != math.Trunc(year) || math.Abs(year) > math.MaxInt32 {
		return &estimate.ValidationError{Field: "year", Reason: "must be a whole number"}
	}
	dist, err := requiredNumber("distanceTraveled", distance)
	if err != nil {
		return err
	}
	engine, err := requiredNumber("engineSize", b.EngineSize)
	if err != nil {
		return err
	}

	b.req = estimate.Request{
		Brand:            b.Brand,
		Model:            b.Model,
		Year:             int(year),
		DistanceTraveled: dist,
		EngineSize:       engine,
	}
	return nil
}

// Request returns the bound engine request.
func (b *EstimateRequest) Request() estimate.Request { return b.req }

func requiredNumber(field string, n Number) (float64, error) {
	if !n.IsSet() {
		return 0, &estimate.ValidationError{Field: field, Reason: "is required"}
	}
	v, err := n.Float64()
	if err != nil {
		return 0, &estimate.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a number", n.raw)}
	}
	return v, nil
}

// PriceRange is the band reported around a prediction.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// APIError is the structured error body of every failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// EstimateResponse is the body of every /api/v1/estimate response.
type EstimateResponse struct {
	Success           bool        `json:"success"`
	PredictedPrice    float64     `json:"predictedPrice,omitempty"`
	PriceRange        *PriceRange `json:"priceRange,omitempty"`
	Currency          string      `json:"currency,omitempty"`
	ConfidenceTier    string      `json:"confidenceTier,omitempty"`
	SourceTier        string      `json:"sourceTier,omitempty"`
	SampleCount       int         `json:"sampleCount,omitempty"`
	MeanAbsoluteError *float64    `json:"meanAbsoluteError,omitempty"`
	R2                *float64    `json:"r2,omitempty"`
	SnapshotVersion   string      `json:"snapshotVersion,omitempty"`
	Degraded          bool        `json:"degraded,omitempty"`
	Error             *APIError   `json:"error,omitempty"`
	RequestID         string      `json:"requestId"`

	status int
}

// Render implements render.Renderer.
func (e *EstimateResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.status)
	return nil
}

func newEstimateResponse(res estimate.Result, requestID string) *EstimateResponse {
	price := round2(res.PredictedPrice)
	resp := &EstimateResponse{
		Success:        true,
		PredictedPrice: price,
		PriceRange: &PriceRange{
			Min: round2(res.PredictedPrice * (1 - PriceRangeFactor)),
			Max: round2(res.PredictedPrice * (1 + PriceRangeFactor)),
		},
		Currency:        res.Currency,
		ConfidenceTier:  res.ConfidenceTier,
		SourceTier:      string(res.SourceTier),
		SampleCount:     res.SampleCount,
		SnapshotVersion: res.SnapshotVersion,
		Degraded:        res.Degraded,
		RequestID:       requestID,
		status:          http.StatusOK,
	}
	if res.MeanAbsoluteError != nil {
		mae := round2(*res.MeanAbsoluteError)
		resp.MeanAbsoluteError = &mae
	}
	if res.R2 != nil {
		r2 := *res.R2
		resp.R2 = &r2
	}
	return resp
}

func newErrorResponse(status int, apiErr *APIError, requestID string) *EstimateResponse {
	return &EstimateResponse{Error: apiErr, RequestID: requestID, status: status}
}

// round2 rounds half away from zero to two decimals.
func round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// ErrorResponse is the body of failed non-estimate requests.
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     *APIError `json:"error"`
	RequestID string    `json:"requestId"`

	status int
}

func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.status)
	return nil
}

// SnapshotResponse describes the active snapshot.
type SnapshotResponse struct {
	Version       string           `json:"version"`
	TrainedAt     time.Time        `json:"trainedAt"`
	ReferenceYear int              `json:"referenceYear"`
	AgeSeconds    float64          `json:"ageSeconds"`
	Summary       registry.Summary `json:"summary"`
}

func (s *SnapshotResponse) Render(w http.ResponseWriter, r *http.Request) error { return nil }

// SegmentResponse describes one segment's training statistics.
type SegmentResponse struct {
	Brand       string            `json:"brand"`
	Model       string            `json:"model"`
	Tier        string            `json:"tier"`
	SampleCount int               `json:"sampleCount"`
	Price       SegmentPrice      `json:"price"`
	Averages    SegmentAverages   `json:"averages"`
	Metrics     *registry.Metrics `json:"metrics,omitempty"`
	ClipRange   PriceRange        `json:"clipRange"`
}

type SegmentPrice struct {
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stdDev"`
}

type SegmentAverages struct {
	Year       float64 `json:"year"`
	Distance   float64 `json:"distance"`
	EngineSize float64 `json:"engineSize"`
}

func (s *SegmentResponse) Render(w http.ResponseWriter, r *http.Request) error { return nil }

func newSegmentResponse(seg *registry.Segment) *SegmentResponse {
	lo, hi := seg.ClipBounds()
	return &SegmentResponse{
		Brand:       seg.Key.Brand,
		Model:       seg.Key.Model,
		Tier:        string(seg.Tier),
		SampleCount: seg.SampleCount,
		Price: SegmentPrice{
			Mean:   round2(seg.Price.Mean),
			Min:    seg.Price.Min,
			Max:    seg.Price.Max,
			StdDev: round2(seg.Price.StdDev),
		},
		Averages: SegmentAverages{
			Year:       seg.Averages.Year,
			Distance:   seg.Averages.Distance,
			EngineSize: seg.Averages.EngineSize,
		},
		Metrics:   seg.Metrics,
		ClipRange: PriceRange{Min: round2(lo), Max: round2(hi)},
	}
}

// BrandResponse describes the brand-level fallback data.
type BrandResponse struct {
	Brand        string  `json:"brand"`
	AveragePrice float64 `json:"averagePrice"`
	SampleCount  int     `json:"sampleCount"`
	SegmentCount int     `json:"segmentCount"`
}

func (b *BrandResponse) Render(w http.ResponseWriter, r *http.Request) error { return nil }

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string  `json:"status"`
	SnapshotVersion string  `json:"snapshotVersion"`
	Segments        int     `json:"segments"`
	SnapshotAge     float64 `json:"snapshotAgeSeconds"`
}

func (h *HealthResponse) Render(w http.ResponseWriter, r *http.Request) error { return nil }
