// Package ml provides the regression building blocks used by per-segment price models:
// feature standardisation, ordinal category encoding, ordinary least squares,
// a random-forest regressor, deterministic train/test splitting and accuracy metrics.
//
// Everything here is deterministic for a given seed so that a training run can be
// reproduced exactly and inference never involves randomness.
package ml

import (
	"fmt"
	"math"
)

// Model kinds stored alongside serialised models.
const (
	KindLinear = "linear"
	KindForest = "forest"
)

// Regressor predicts a price from an already scaled input row.
type Regressor interface {
	// Predict returns the raw estimate for a scaled input row.
	Predict(x []float64) (float64, error)
}

// Model is the serialisable union of the supported regressors.
type Model struct {
	Kind   string       `json:"kind"`
	Linear *LinearModel `json:"linear,omitempty"`
	Forest *Forest      `json:"forest,omitempty"`
}

// NewLinear wraps a fitted linear model.
func NewLinear(m *LinearModel) *Model {
	return &Model{Kind: KindLinear, Linear: m}
}

// NewForest wraps a fitted forest.
func NewForest(f *Forest) *Model {
	return &Model{Kind: KindForest, Forest: f}
}

// Predict dispatches to the wrapped regressor and rejects non-finite output.
func (m *Model) Predict(x []float64) (float64, error) {
	if m == nil {
		return 0, fmt.Errorf("model is nil")
	}

	var (
		v   float64
		err error
	)
	switch m.Kind {
	case KindLinear:
		if m.Linear == nil {
			return 0, fmt.Errorf("linear model missing")
		}
		v, err = m.Linear.Predict(x)
	case KindForest:
		if m.Forest == nil {
			return 0, fmt.Errorf("forest model missing")
		}
		v, err = m.Forest.Predict(x)
	default:
		return 0, fmt.Errorf("unknown model kind %q", m.Kind)
	}
	if err != nil {
		return 0, err
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s model produced non-finite estimate", m.Kind)
	}
	return v, nil
}
