package estimate

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carprice/internal/common"
	"carprice/internal/dataset"
	"carprice/internal/features"
	"carprice/internal/ml"
	"carprice/internal/registry"
	"carprice/internal/training"
)

const refYear = 2026

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}

// constantSegment returns a LINEAR segment whose model always predicts price.
func constantSegment(t *testing.T, brand, model string, price, minPrice, maxPrice float64) *registry.Segment {
	t.Helper()

	v := features.Derive(2018, 90000, 2.0, refYear)
	width := len(registry.InputNames())

	encoders := make([]*ml.CategoryEncoder, 0, len(features.CategoricalNames))
	for _, label := range v.Categorical() {
		e, err := ml.FitEncoder([]string{label})
		require.NoError(t, err)
		encoders = append(encoders, e)
	}

	scaler := &ml.Scaler{Mean: make([]float64, width), Scale: make([]float64, width)}
	for i := range scaler.Scale {
		scaler.Scale[i] = 1
	}

	return &registry.Segment{
		Key:         registry.NewKey(brand, model),
		SampleCount: 15,
		Price:       registry.PriceStats{Mean: (minPrice + maxPrice) / 2, Min: minPrice, Max: maxPrice},
		Averages:    registry.Averages{Year: 2018, Distance: 90000, EngineSize: 2},
		Tier:        registry.TierLinear,
		Model:       ml.NewLinear(&ml.LinearModel{Intercept: price, Coefficients: make([]float64, width)}),
		Scaler:      scaler,
		Encoders:    encoders,
		Metrics:     &registry.Metrics{MeanAbsoluteError: 500, R2: 0.8, Source: registry.MetricsFromTraining, EvaluatedRows: 15},
	}
}

func rareSegment() *registry.Segment {
	return &registry.Segment{
		Key:         registry.NewKey("RareModel", "X"),
		SampleCount: 5,
		Price:       registry.PriceStats{Mean: 20000, Min: 15000, Max: 26000},
		Averages:    registry.Averages{Year: 2017, Distance: 80000, EngineSize: 2},
		Tier:        registry.TierStatsOnly,
	}
}

func mercedesSegment(t *testing.T) *registry.Segment {
	t.Helper()

	records := make([]dataset.Record, 500)
	for i := range records {
		year := 2010 + i%14
		records[i] = dataset.Record{
			Brand: "Mercedes", Model: "E 200",
			Year: year, Distance: float64(10000 + (i*7919)%250000), EngineSize: 2.0,
			Price: float64(10000 + (year-2010)*3800 - (i%9)*150),
		}
	}

	seg, err := training.TrainSegment(registry.NewKey("Mercedes", "E 200"), records,
		training.SegmentOptions{ReferenceYear: refYear, Seed: 42})
	require.NoError(t, err)
	require.Equal(t, registry.TierForest, seg.Tier)
	return seg
}

func newSnapshot(t *testing.T, version string, segments ...*registry.Segment) *registry.Snapshot {
	t.Helper()
	reg, err := registry.New(segments)
	require.NoError(t, err)
	return &registry.Snapshot{
		Version:       version,
		TrainedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ReferenceYear: refYear,
		Summary:       registry.Summarize(reg),
		Registry:      reg,
	}
}

func newEngine(t *testing.T, segments ...*registry.Segment) *Engine {
	t.Helper()
	e, err := NewEngineFromSnapshot(newSnapshot(t, "20260101-000000", segments...), Config{})
	require.NoError(t, err)
	return e
}

func TestEstimate_ForestSegmentIsClipped(t *testing.T) {
	seg := mercedesSegment(t)
	e := newEngine(t, seg)

	res, err := e.Estimate(context.Background(), Request{
		Brand: "Mercedes", Model: "E 200", Year: 2020, DistanceTraveled: 50000, EngineSize: 2.0,
	})
	require.NoError(t, err)

	lo, hi := seg.ClipBounds()
	assert.GreaterOrEqual(t, res.PredictedPrice, lo)
	assert.LessOrEqual(t, res.PredictedPrice, hi)
	assert.Equal(t, registry.TierForest, res.SourceTier)
	assert.Equal(t, common.ConfidenceVeryHigh, res.ConfidenceTier)
	assert.Equal(t, 500, res.SampleCount)
	assert.Equal(t, common.DefaultCurrency, res.Currency)
	assert.Equal(t, "20260101-000000", res.SnapshotVersion)
	require.NotNil(t, res.MeanAbsoluteError)
	require.NotNil(t, res.R2)
	assert.False(t, res.Degraded)
}

func TestEstimate_StatsOnlyAdjustment(t *testing.T) {
	e := newEngine(t, rareSegment())

	res, err := e.Estimate(context.Background(), Request{
		Brand: "RareModel", Model: "X", Year: 2020, DistanceTraveled: 160000, EngineSize: 2.0,
	})
	require.NoError(t, err)

	assert.InDelta(t, 19550, res.PredictedPrice, 1e-6)
	assert.Equal(t, registry.TierStatsOnly, res.SourceTier)
	assert.Equal(t, common.ConfidenceMedium, res.ConfidenceTier)
	assert.Equal(t, 5, res.SampleCount)
	assert.Nil(t, res.MeanAbsoluteError)
}

func TestEstimate_StatsOnlyIsClipped(t *testing.T) {
	e := newEngine(t, rareSegment())

	// bounds are [7500, 39000]; 20000 * 1.5 * 1.15 stays inside them
	res, err := e.Estimate(context.Background(), Request{
		Brand: "RareModel", Model: "X", Year: 2027, DistanceTraveled: 0, EngineSize: 2.0,
	})
	require.NoError(t, err)
	assert.InDelta(t, 20000*1.5*1.15, res.PredictedPrice, 1e-6)

	// the raw adjustment goes negative here
	res, err = e.Estimate(context.Background(), Request{
		Brand: "RareModel", Model: "X", Year: 1990, DistanceTraveled: 500000, EngineSize: 2.0,
	})
	require.NoError(t, err)
	assert.Equal(t, 7500.0, res.PredictedPrice)
}

func TestEstimate_UnknownBrand(t *testing.T) {
	e := newEngine(t, rareSegment())

	res, err := e.Estimate(context.Background(), Request{
		Brand: "Zzz", Model: "Q", Year: 2020, DistanceTraveled: 1000, EngineSize: 1.0,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrandAbsent)
	assert.False(t, errors.Is(err, errSegmentAbsent))
	assert.Equal(t, Result{}, res)
}

func TestEstimate_BrandAverage(t *testing.T) {
	e := newEngine(t,
		constantSegment(t, "Toyota", "Camry", 25000, 10000, 30000),
		rareSegment(),
		&registry.Segment{
			Key: registry.NewKey("Toyota", "Yaris"), SampleCount: 3, Tier: registry.TierStatsOnly,
			Price: registry.PriceStats{Mean: 10000, Min: 9000, Max: 11000},
		},
	)

	res, err := e.Estimate(context.Background(), Request{
		Brand: "toyota", Model: "Supra", Year: 2020, DistanceTraveled: 1000, EngineSize: 3.0,
	})
	require.NoError(t, err)

	// mean of the Camry (20000) and Yaris (10000) segment means
	assert.Equal(t, 15000.0, res.PredictedPrice)
	assert.Equal(t, registry.SourceBrandAverage, res.SourceTier)
	assert.Equal(t, common.ConfidenceLow, res.ConfidenceTier)
	assert.Equal(t, 18, res.SampleCount)
}

func TestEstimate_ModelPredictionIsClipped(t *testing.T) {
	e := newEngine(t,
		constantSegment(t, "High", "Car", 1e6, 10000, 60000),
		constantSegment(t, "Low", "Car", -5000, 10000, 60000),
	)

	res, err := e.Estimate(context.Background(), Request{Brand: "High", Model: "Car", Year: 2018, DistanceTraveled: 90000, EngineSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 90000.0, res.PredictedPrice)
	assert.Equal(t, common.ConfidenceHigh, res.ConfidenceTier)

	res, err = e.Estimate(context.Background(), Request{Brand: "Low", Model: "Car", Year: 2018, DistanceTraveled: 90000, EngineSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5000.0, res.PredictedPrice)
}

func TestEstimate_ModelFailureDegrades(t *testing.T) {
	broken := constantSegment(t, "Broken", "Model", 25000, 10000, 30000)
	broken.Model = ml.NewLinear(&ml.LinearModel{Intercept: math.Inf(1), Coefficients: broken.Model.Linear.Coefficients})

	e := newEngine(t, broken)

	res, err := e.Estimate(context.Background(), Request{
		Brand: "Broken", Model: "Model", Year: 2018, DistanceTraveled: 90000, EngineSize: 2,
	})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, registry.TierStatsOnly, res.SourceTier)
	assert.Equal(t, common.ConfidenceMedium, res.ConfidenceTier)
	assert.Equal(t, 20000.0, res.PredictedPrice)
	assert.Nil(t, res.MeanAbsoluteError)
}

func TestEstimate_FallbackNeverEscalates(t *testing.T) {
	broken := constantSegment(t, "Broken", "Model", 25000, 10000, 30000)
	broken.Model = ml.NewLinear(&ml.LinearModel{Intercept: math.NaN(), Coefficients: broken.Model.Linear.Coefficients})
	e := newEngine(t, broken, rareSegment())

	requests := []Request{
		{Brand: "Broken", Model: "Model", Year: 2018, DistanceTraveled: 90000, EngineSize: 2},
		{Brand: "Broken", Model: "Other", Year: 2018, DistanceTraveled: 90000, EngineSize: 2},
		{Brand: "RareModel", Model: "X", Year: 2018, DistanceTraveled: 90000, EngineSize: 2},
		{Brand: "RareModel", Model: "Y", Year: 2018, DistanceTraveled: 90000, EngineSize: 2},
	}
	for _, req := range requests {
		res, err := e.Estimate(context.Background(), req)
		require.NoError(t, err)
		assert.NotEqual(t, common.ConfidenceVeryHigh, res.ConfidenceTier, req.Key().String())
		assert.NotEqual(t, common.ConfidenceHigh, res.ConfidenceTier, req.Key().String())
	}
}

func TestEstimate_UnseenCategoryUsesNeutralCode(t *testing.T) {
	e := newEngine(t, constantSegment(t, "Toyota", "Camry", 25000, 10000, 30000))

	res, err := e.Estimate(context.Background(), Request{
		Brand: "Toyota", Model: "Camry", Year: 1995, DistanceTraveled: 400000, EngineSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.UnseenCategories)
	assert.Equal(t, 25000.0, res.PredictedPrice)
	assert.Equal(t, registry.TierLinear, res.SourceTier)
}

func TestEstimate_Validation(t *testing.T) {
	e := newEngine(t, rareSegment())
	valid := Request{Brand: "RareModel", Model: "X", Year: 2020, DistanceTraveled: 1000, EngineSize: 2}

	tests := []struct {
		name   string
		mutate func(*Request)
		field  string
	}{
		{"missing brand", func(r *Request) { r.Brand = "" }, "brand"},
		{"blank model", func(r *Request) { r.Model = "   " }, "model"},
		{"year too old", func(r *Request) { r.Year = 1800 }, "year"},
		{"missing year", func(r *Request) { r.Year = 0 }, "year"},
		{"year in future", func(r *Request) { r.Year = refYear + 2 }, "year"},
		{"negative distance", func(r *Request) { r.DistanceTraveled = -1 }, "distanceTraveled"},
		{"infinite distance", func(r *Request) { r.DistanceTraveled = math.Inf(1) }, "distanceTraveled"},
		{"zero engine", func(r *Request) { r.EngineSize = 0 }, "engineSize"},
		{"NaN engine", func(r *Request) { r.EngineSize = math.NaN() }, "engineSize"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)

			_, err := e.Estimate(context.Background(), req)
			require.Error(t, err)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.True(t, IsValidation(err))
		})
	}

	_, err := e.Estimate(context.Background(), valid)
	assert.NoError(t, err)
}

func TestEstimate_Deterministic(t *testing.T) {
	e := newEngine(t, mercedesSegment(t), rareSegment())
	req := Request{Brand: "Mercedes", Model: "E 200", Year: 2017, DistanceTraveled: 123456, EngineSize: 2}

	first, err := e.Estimate(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := e.Estimate(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEstimate_Canceled(t *testing.T) {
	e := newEngine(t, rareSegment())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Estimate(ctx, Request{Brand: "RareModel", Model: "X", Year: 2020, DistanceTraveled: 1, EngineSize: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEstimate_RecoversPanic(t *testing.T) {
	seg := constantSegment(t, "Toyota", "Camry", 25000, 10000, 30000)
	seg.Scaler.Scale = seg.Scaler.Scale[:1]
	e := newEngine(t, seg)

	var err error
	assert.NotPanics(t, func() {
		_, err = e.Estimate(context.Background(), Request{Brand: "Toyota", Model: "Camry", Year: 2018, DistanceTraveled: 1, EngineSize: 2})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal estimation error")
}

func TestEngine_ConcurrentSwap(t *testing.T) {
	snapA := newSnapshot(t, "20260101-000000", constantSegment(t, "A", "B", 11000, 1000, 100000))
	snapB := newSnapshot(t, "20260102-000000", constantSegment(t, "A", "B", 22000, 1000, 100000))
	want := map[string]float64{snapA.Version: 11000, snapB.Version: 22000}

	e, err := NewEngineFromSnapshot(snapA, Config{Currency: "USD"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			select {
			case <-stop:
				return
			default:
			}
			next := snapA
			if i%2 == 0 {
				next = snapB
			}
			_, err := e.Swap(next)
			assert.NoError(t, err)
		}
	}()

	var readers sync.WaitGroup
	for r := 0; r < 8; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 200; i++ {
				res, err := e.Estimate(context.Background(), Request{Brand: "A", Model: "B", Year: 2018, DistanceTraveled: 1, EngineSize: 2})
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, want[res.SnapshotVersion], res.PredictedPrice)
				assert.Equal(t, "USD", res.Currency)
			}
		}()
	}
	readers.Wait()
	close(stop)
	wg.Wait()
}

func TestEngine_SwapRejectsInvalid(t *testing.T) {
	e := newEngine(t, rareSegment())
	_, err := e.Swap(&registry.Snapshot{})
	assert.Error(t, err)
	assert.Equal(t, "20260101-000000", e.Snapshot().Version)
}

type fakeProvider struct {
	mu      sync.Mutex
	snap    *registry.Snapshot
	err     error
	version string
	loads   int
}

func (p *fakeProvider) Active(ctx context.Context) (*registry.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	return p.snap, p.err
}

func (p *fakeProvider) ActiveVersion() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version, p.err
}

func (p *fakeProvider) set(snap *registry.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap, p.version = snap, snap.Version
}

func TestNewEngine_SnapshotUnavailable(t *testing.T) {
	_, err := NewEngine(context.Background(), &fakeProvider{err: errors.New("no active snapshot version")}, Config{})
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)

	_, err = NewEngine(context.Background(), nil, Config{})
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)

	_, err = NewEngine(context.Background(), &fakeProvider{}, Config{})
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)
}

func TestReloader_Check(t *testing.T) {
	snapA := newSnapshot(t, "20260101-000000", rareSegment())
	snapB := newSnapshot(t, "20260201-000000", rareSegment())

	provider := &fakeProvider{}
	provider.set(snapA)

	e, err := NewEngine(context.Background(), provider, Config{})
	require.NoError(t, err)
	r := NewReloader(e, provider, time.Minute)

	swapped, err := r.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, 1, provider.loads, "unchanged version must not reload the snapshot")

	provider.set(snapB)
	swapped, err = r.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, snapB.Version, e.Snapshot().Version)

	provider.mu.Lock()
	provider.err = errors.New("store closed")
	provider.mu.Unlock()
	_, err = r.Check(context.Background())
	assert.Error(t, err)
	assert.Equal(t, snapB.Version, e.Snapshot().Version)
}

func TestReloader_RunStopsOnCancel(t *testing.T) {
	provider := &fakeProvider{}
	provider.set(newSnapshot(t, "20260101-000000", rareSegment()))
	e, err := NewEngine(context.Background(), provider, Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReloader(e, provider, 5*time.Millisecond).Run(ctx)
		close(done)
	}()

	provider.set(newSnapshot(t, "20260301-000000", rareSegment()))
	assert.Eventually(t, func() bool {
		return e.Snapshot().Version == "20260301-000000"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reloader did not stop")
	}
}

type fakeMetrics struct {
	mu        sync.Mutex
	estimates map[string]int
	failures  map[string]int
	fallbacks int
	unseen    int
	latencies int
	ageSet    int
	segments  map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{estimates: map[string]int{}, failures: map[string]int{}, segments: map[string]int{}}
}

func (m *fakeMetrics) EstimatesInc(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimates[source]++
}

func (m *fakeMetrics) EstimateFailuresInc(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind]++
}

func (m *fakeMetrics) EstimateLatencyObserve(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *fakeMetrics) FallbackUseInc(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks++
}

func (m *fakeMetrics) UnseenCategoriesAdd(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unseen += n
}

func (m *fakeMetrics) SnapshotAgeSet(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ageSet++
}

func (m *fakeMetrics) SnapshotSegmentsSet(tier string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[tier] = n
}

func TestEngine_RecordsMetrics(t *testing.T) {
	fm := newFakeMetrics()
	e, err := NewEngineFromSnapshot(newSnapshot(t, "20260101-000000",
		rareSegment(),
		constantSegment(t, "Toyota", "Camry", 25000, 10000, 30000),
	), Config{Metrics: fm})
	require.NoError(t, err)

	ctx := context.Background()
	_, _ = e.Estimate(ctx, Request{Brand: "RareModel", Model: "X", Year: 2020, DistanceTraveled: 1, EngineSize: 1})
	_, _ = e.Estimate(ctx, Request{Brand: "Toyota", Model: "Camry", Year: 1995, DistanceTraveled: 400000, EngineSize: 2})
	_, _ = e.Estimate(ctx, Request{Brand: "Toyota", Model: "Supra", Year: 2020, DistanceTraveled: 1, EngineSize: 1})
	_, _ = e.Estimate(ctx, Request{Brand: "Zzz", Model: "Q", Year: 2020, DistanceTraveled: 1, EngineSize: 1})
	_, _ = e.Estimate(ctx, Request{Brand: "", Model: "Q", Year: 2020, DistanceTraveled: 1, EngineSize: 1})

	assert.Equal(t, 1, fm.estimates[string(registry.TierStatsOnly)])
	assert.Equal(t, 1, fm.estimates[string(registry.TierLinear)])
	assert.Equal(t, 1, fm.estimates[string(registry.SourceBrandAverage)])
	assert.Equal(t, 1, fm.failures[FailureBrandAbsent])
	assert.Equal(t, 1, fm.failures[FailureValidation])
	assert.Equal(t, 1, fm.fallbacks)
	assert.Equal(t, 2, fm.unseen)
	assert.Equal(t, 5, fm.latencies)
	assert.Equal(t, 1, fm.ageSet)
	assert.Equal(t, map[string]int{"STATS_ONLY": 1, "LINEAR": 1, "FOREST": 0}, fm.segments)
}
