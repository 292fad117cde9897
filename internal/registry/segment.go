// Package registry holds the immutable products of a training run: per-segment
// models keyed by (brand, model), the read-only registry over them, and the
// timestamped snapshot that bundles a registry with its training metadata.
package registry

import (
	"fmt"
	"strings"

	"carprice/internal/features"
	"carprice/internal/ml"
)

// Tier is the estimation technique assigned to a segment, or the fallback step
// that produced an estimate.
type Tier string

const (
	TierStatsOnly Tier = "STATS_ONLY"
	TierLinear    Tier = "LINEAR"
	TierForest    Tier = "FOREST"

	// SourceBrandAverage marks estimates resolved from the brand-level average.
	SourceBrandAverage Tier = "BRAND_AVERAGE"
)

// Sample count thresholds for tier assignment.
const (
	LinearMinSamples = 10
	ForestMinSamples = 30
)

// Clipping bounds relative to the segment price range.
const (
	clipLowFactor  = 0.5
	clipHighFactor = 1.5
)

// TierFor assigns the tier for a segment with n samples.
func TierFor(n int) Tier {
	switch {
	case n >= ForestMinSamples:
		return TierForest
	case n >= LinearMinSamples:
		return TierLinear
	default:
		return TierStatsOnly
	}
}

// HasModel reports whether the tier is backed by a fitted model.
func (t Tier) HasModel() bool {
	return t == TierLinear || t == TierForest
}

// Key identifies a segment.
type Key struct {
	Brand string `json:"brand"`
	Model string `json:"model"`
}

// NewKey trims surrounding whitespace from brand and model.
func NewKey(brand, model string) Key {
	return Key{Brand: strings.TrimSpace(brand), Model: strings.TrimSpace(model)}
}

// String renders the key as "brand/model".
func (k Key) String() string {
	return k.Brand + "/" + k.Model
}

// ID is the case-insensitive lookup form of the key.
func (k Key) ID() string {
	return canonicalBrand(k.Brand) + "\x00" + strings.ToLower(strings.TrimSpace(k.Model))
}

func canonicalBrand(brand string) string {
	return strings.ToLower(strings.TrimSpace(brand))
}

// PriceStats summarises the observed prices of a segment.
type PriceStats struct {
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
}

// Averages are the mean raw attributes of a segment.
type Averages struct {
	Year       float64 `json:"year"`
	Distance   float64 `json:"distance"`
	EngineSize float64 `json:"engine_size"`
}

// Metrics source labels.
const (
	MetricsFromTraining = "training"
	MetricsFromHoldout  = "holdout"
)

// Metrics are validation metrics of a fitted segment model.
type Metrics struct {
	MeanAbsoluteError float64 `json:"mae"`
	R2                float64 `json:"r2"`
	Source            string  `json:"source"`
	EvaluatedRows     int     `json:"evaluated_rows"`
	// Importance ranks model inputs on the holdout rows. FOREST only.
	Importance []ml.FeatureScore `json:"importance,omitempty"`
}

// Segment is the trained state for one (brand, model).
type Segment struct {
	Key         Key                   `json:"key"`
	SampleCount int                   `json:"sample_count"`
	Price       PriceStats            `json:"price"`
	Averages    Averages              `json:"averages"`
	Tier        Tier                  `json:"tier"`
	Model       *ml.Model             `json:"model,omitempty"`
	Scaler      *ml.Scaler            `json:"scaler,omitempty"`
	Encoders    []*ml.CategoryEncoder `json:"encoders,omitempty"`
	Metrics     *Metrics              `json:"metrics,omitempty"`
}

// ClipBounds returns the plausible price range for estimates from this segment.
func (s *Segment) ClipBounds() (lo, hi float64) {
	return clipLowFactor * s.Price.Min, clipHighFactor * s.Price.Max
}

// Clip bounds a raw estimate to ClipBounds.
func (s *Segment) Clip(v float64) float64 {
	lo, hi := s.ClipBounds()
	return ml.Clip(v, lo, hi)
}

// StatsEstimate adjusts the segment average price for year and distance.
func (s *Segment) StatsEstimate(year int, distance float64) float64 {
	return ml.AdjustFromAverages(ml.SegmentAverages{
		Price:    s.Price.Mean,
		Year:     s.Averages.Year,
		Distance: s.Averages.Distance,
	}, year, distance)
}

// Inputs encodes a feature vector into the unscaled model input row: numeric
// features followed by the encoded categorical features. The returned count is
// the number of categorical values that were not seen in training and were
// replaced by the encoder's neutral code.
func (s *Segment) Inputs(v features.Vector) ([]float64, int, error) {
	cats := v.Categorical()
	if len(s.Encoders) != len(cats) {
		return nil, 0, fmt.Errorf("segment %s has %d encoders, expected %d", s.Key, len(s.Encoders), len(cats))
	}

	row := v.Numeric()
	unseen := 0
	for i, label := range cats {
		code, ok := s.Encoders[i].Encode(label)
		if !ok {
			unseen++
		}
		row = append(row, code)
	}
	return row, unseen, nil
}

// Predict runs the segment model on a feature vector and returns the raw,
// unclipped estimate together with the unseen category count.
func (s *Segment) Predict(v features.Vector) (float64, int, error) {
	if !s.Tier.HasModel() || s.Model == nil || s.Scaler == nil {
		return 0, 0, fmt.Errorf("segment %s has no fitted model", s.Key)
	}

	row, unseen, err := s.Inputs(v)
	if err != nil {
		return 0, 0, err
	}

	scaled, err := s.Scaler.Transform(row)
	if err != nil {
		return 0, unseen, fmt.Errorf("scale inputs for %s: %w", s.Key, err)
	}

	estimate, err := s.Model.Predict(scaled)
	if err != nil {
		return 0, unseen, fmt.Errorf("predict %s: %w", s.Key, err)
	}
	return estimate, unseen, nil
}

// InputNames lists the model input names in Inputs order.
func InputNames() []string {
	names := make([]string, 0, len(features.NumericNames)+len(features.CategoricalNames))
	names = append(names, features.NumericNames...)
	return append(names, features.CategoricalNames...)
}
