package ml

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"github.com/sajari/regression"
	"gonum.org/v1/gonum/floats"
)

// constantSpread is the value range below which a scaled column counts as constant.
const constantSpread = 1e-12

// dependentResidual is the share of a column's norm left after projecting out
// the intercept and earlier kept columns, below which the column is treated as
// a linear combination of them.
const dependentResidual = 1e-8

// LinearModel is an ordinary least squares fit over standardised inputs.
// Coefficients has one entry per input column; columns that were constant
// during training carry a zero coefficient.
type LinearModel struct {
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
}

// FitLinear fits price ~ inputs on scaled rows. Constant columns and columns
// that are linear combinations of earlier ones are left out of the regression
// and get a zero coefficient. When the remaining design is singular the fit degrades to an
// intercept-only model at the mean price.
func FitLinear(rows [][]float64, y []float64, names []string) (*LinearModel, error) {
	if len(rows) == 0 || len(rows) != len(y) {
		return nil, fmt.Errorf("linear fit needs matching non-empty rows and targets, got %d rows and %d targets", len(rows), len(y))
	}

	width := len(rows[0])
	if len(names) != width {
		return nil, fmt.Errorf("expected %d feature names, got %d", width, len(names))
	}

	meanOnly := &LinearModel{Intercept: mean(y), Coefficients: make([]float64, width)}

	active := independentColumns(rows, varyingColumns(rows))
	if len(active) == 0 || len(rows) < len(active)+1 {
		return meanOnly, nil
	}

	var r regression.Regression
	r.SetObserved("price")
	for i, col := range active {
		r.SetVar(i, names[col])
	}

	for i, row := range rows {
		vars := make([]float64, len(active))
		for k, col := range active {
			vars[k] = row[col]
		}
		r.Train(regression.DataPoint(y[i], vars))
	}

	if err := r.Run(); err != nil {
		log.Debug().Err(err).Int("rows", len(rows)).Msg("linear regression failed, using mean price")
		return meanOnly, nil
	}

	coeffs := r.GetCoeffs()
	if len(coeffs) != len(active)+1 {
		return nil, fmt.Errorf("regression returned %d coefficients, expected %d", len(coeffs), len(active)+1)
	}
	for _, c := range coeffs {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			log.Debug().Int("rows", len(rows)).Msg("linear regression singular, using mean price")
			return meanOnly, nil
		}
	}

	m := &LinearModel{Intercept: coeffs[0], Coefficients: make([]float64, width)}
	for k, col := range active {
		m.Coefficients[col] = coeffs[k+1]
	}
	return m, nil
}

// Predict evaluates the linear model on a scaled row.
func (m *LinearModel) Predict(x []float64) (float64, error) {
	if len(x) != len(m.Coefficients) {
		return 0, fmt.Errorf("expected %d features, got %d", len(m.Coefficients), len(x))
	}

	v := m.Intercept
	for j, c := range m.Coefficients {
		v += c * x[j]
	}
	return v, nil
}

func varyingColumns(rows [][]float64) []int {
	width := len(rows[0])
	var active []int
	for j := 0; j < width; j++ {
		lo, hi := rows[0][j], rows[0][j]
		for _, row := range rows[1:] {
			lo = math.Min(lo, row[j])
			hi = math.Max(hi, row[j])
		}
		if hi-lo > constantSpread {
			active = append(active, j)
		}
	}
	return active
}

// independentColumns keeps the candidates, in order, that are not in the span
// of the intercept and the columns kept before them (modified Gram-Schmidt).
func independentColumns(rows [][]float64, candidates []int) []int {
	n := len(rows)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1 / math.Sqrt(float64(n))
	}
	basis := [][]float64{ones}

	var kept []int
	for _, col := range candidates {
		v := make([]float64, n)
		for i, row := range rows {
			v[i] = row[col]
		}
		norm := floats.Norm(v, 2)
		if norm == 0 {
			continue
		}

		// Two passes keep the projection stable.
		for pass := 0; pass < 2; pass++ {
			for _, b := range basis {
				floats.AddScaled(v, -floats.Dot(v, b), b)
			}
		}

		residual := floats.Norm(v, 2)
		if residual <= dependentResidual*norm {
			continue
		}
		floats.Scale(1/residual, v)
		basis = append(basis, v)
		kept = append(kept, col)
	}
	return kept
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
