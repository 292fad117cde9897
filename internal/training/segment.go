// Package training turns cleaned listings into a versioned registry snapshot.
// Segments are trained independently; a batch run fans them out over a
// bounded worker pool and assembles the results in key order.
package training

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"carprice/internal/dataset"
	"carprice/internal/features"
	"carprice/internal/ml"
	"carprice/internal/registry"
)

// HoldoutFraction is the share of a FOREST segment held out for validation.
const HoldoutFraction = 0.2

// SegmentOptions configure training of one segment.
type SegmentOptions struct {
	ReferenceYear int
	Seed          uint64
}

// TrainSegment trains the segment for key from its records. All records must
// belong to the segment and be valid.
func TrainSegment(key registry.Key, records []dataset.Record, opts SegmentOptions) (*registry.Segment, error) {
	n := len(records)
	if n == 0 {
		return nil, fmt.Errorf("segment %s has no records", key)
	}

	prices := make([]float64, n)
	years := make([]float64, n)
	distances := make([]float64, n)
	engines := make([]float64, n)
	for i, r := range records {
		prices[i] = r.Price
		years[i] = float64(r.Year)
		distances[i] = r.Distance
		engines[i] = r.EngineSize
	}

	seg := &registry.Segment{
		Key:         key,
		SampleCount: n,
		Price:       priceStats(prices),
		Averages: registry.Averages{
			Year:       stat.Mean(years, nil),
			Distance:   stat.Mean(distances, nil),
			EngineSize: stat.Mean(engines, nil),
		},
		Tier: registry.TierFor(n),
	}

	vectors := make([]features.Vector, n)
	for i, r := range records {
		vectors[i] = features.Derive(r.Year, r.Distance, r.EngineSize, opts.ReferenceYear)
	}

	var err error
	switch seg.Tier {
	case registry.TierLinear:
		err = fitLinear(seg, vectors, prices)
	case registry.TierForest:
		err = fitForest(seg, vectors, prices, opts.Seed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to train segment %s: %w", key, err)
	}
	return seg, nil
}

func priceStats(prices []float64) registry.PriceStats {
	ps := registry.PriceStats{Min: prices[0], Max: prices[0]}
	for _, p := range prices[1:] {
		ps.Min = min(ps.Min, p)
		ps.Max = max(ps.Max, p)
	}
	if len(prices) > 1 {
		ps.Mean, ps.StdDev = stat.MeanStdDev(prices, nil)
	} else {
		ps.Mean = prices[0]
	}
	return ps
}

// fitLinear fits OLS on all rows and reports metrics on the same rows.
func fitLinear(seg *registry.Segment, vectors []features.Vector, prices []float64) error {
	prep, err := prepare(seg, vectors)
	if err != nil {
		return err
	}
	scaled, err := prep.scaler.TransformAll(prep.rows)
	if err != nil {
		return err
	}

	lm, err := ml.FitLinear(scaled, prices, registry.InputNames())
	if err != nil {
		return err
	}
	seg.Model = ml.NewLinear(lm)
	prep.apply(seg)

	metrics, err := evaluate(seg.Model, scaled, prices)
	if err != nil {
		return err
	}
	metrics.Source = registry.MetricsFromTraining
	seg.Metrics = metrics
	return nil
}

// fitForest fits a random forest on a seeded 80% split and reports metrics
// on the held-out rows.
func fitForest(seg *registry.Segment, vectors []features.Vector, prices []float64, seed uint64) error {
	trainIdx, testIdx, err := ml.TrainTestSplit(len(vectors), HoldoutFraction, seed)
	if err != nil {
		return err
	}

	trainVectors, trainPrices := pick(vectors, prices, trainIdx)
	testVectors, testPrices := pick(vectors, prices, testIdx)

	prep, err := prepare(seg, trainVectors)
	if err != nil {
		return err
	}
	scaledTrain, err := prep.scaler.TransformAll(prep.rows)
	if err != nil {
		return err
	}

	forest, err := ml.FitForest(scaledTrain, trainPrices, ml.ParamsForSamples(len(vectors), seed))
	if err != nil {
		return err
	}
	seg.Model = ml.NewForest(forest)
	prep.apply(seg)

	scaledTest := make([][]float64, len(testVectors))
	for i, v := range testVectors {
		row, _, err := seg.Inputs(v)
		if err != nil {
			return err
		}
		if scaledTest[i], err = seg.Scaler.Transform(row); err != nil {
			return err
		}
	}

	metrics, err := evaluate(seg.Model, scaledTest, testPrices)
	if err != nil {
		return err
	}
	metrics.Source = registry.MetricsFromHoldout

	metrics.Importance, err = ml.PermutationImportance(seg.Model, scaledTest, testPrices, registry.InputNames(), seed)
	if err != nil {
		return err
	}
	seg.Metrics = metrics
	return nil
}

type prepared struct {
	encoders []*ml.CategoryEncoder
	scaler   *ml.Scaler
	rows     [][]float64
}

func (p *prepared) apply(seg *registry.Segment) {
	seg.Encoders = p.encoders
	seg.Scaler = p.scaler
}

// prepare fits the category encoders and scaler on vectors and returns the
// unscaled input rows in model input order.
func prepare(seg *registry.Segment, vectors []features.Vector) (*prepared, error) {
	p := &prepared{encoders: make([]*ml.CategoryEncoder, len(features.CategoricalNames))}

	labels := make([]string, len(vectors))
	for c := range features.CategoricalNames {
		for i, v := range vectors {
			labels[i] = v.Categorical()[c]
		}
		enc, err := ml.FitEncoder(labels)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", features.CategoricalNames[c], err)
		}
		p.encoders[c] = enc
	}

	probe := &registry.Segment{Key: seg.Key, Encoders: p.encoders}
	p.rows = make([][]float64, len(vectors))
	for i, v := range vectors {
		row, _, err := probe.Inputs(v)
		if err != nil {
			return nil, err
		}
		p.rows[i] = row
	}

	scaler, err := ml.FitScaler(p.rows)
	if err != nil {
		return nil, err
	}
	p.scaler = scaler
	return p, nil
}

func evaluate(model *ml.Model, scaled [][]float64, actual []float64) (*registry.Metrics, error) {
	predicted := make([]float64, len(scaled))
	for i, row := range scaled {
		p, err := model.Predict(row)
		if err != nil {
			return nil, err
		}
		predicted[i] = p
	}
	return &registry.Metrics{
		MeanAbsoluteError: ml.MeanAbsoluteError(predicted, actual),
		R2:                ml.RSquared(predicted, actual),
		EvaluatedRows:     len(actual),
	}, nil
}

func pick(vectors []features.Vector, prices []float64, idx []int) ([]features.Vector, []float64) {
	vs := make([]features.Vector, len(idx))
	ps := make([]float64, len(idx))
	for i, j := range idx {
		vs[i] = vectors[j]
		ps[i] = prices[j]
	}
	return vs, ps
}
