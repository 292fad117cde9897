// Package estimate prices vehicles against the active trained snapshot.
//
// An estimate walks a fixed fallback chain: the segment's fitted model, then
// the segment's statistics, then the brand-level average. Each step reports
// a lower confidence than the one before it, and a degraded step never reports
// a higher tier than the segment was trained with.
//
// The active snapshot is held behind an atomic pointer. A retrain swaps the
// whole snapshot, so a request always sees either the old or the new one.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"carprice/internal/common"
	"carprice/internal/dataset"
	"carprice/internal/features"
	"carprice/internal/registry"
)

// SnapshotProvider supplies the active snapshot.
type SnapshotProvider interface {
	Active(ctx context.Context) (*registry.Snapshot, error)
}

// MetricsInterface defines metrics methods needed by the engine.
type MetricsInterface interface {
	EstimatesInc(source string)
	EstimateFailuresInc(kind string)
	EstimateLatencyObserve(seconds float64)
	FallbackUseInc(from, to string)
	UnseenCategoriesAdd(n int)
	SnapshotAgeSet(seconds float64)
	SnapshotSegmentsSet(tier string, n int)
}

// Failure kinds reported to metrics.
const (
	FailureValidation  = "validation"
	FailureBrandAbsent = "brand_absent"
	FailureInternal    = "internal"
	FailureCanceled    = "canceled"
)

// Config holds engine settings.
type Config struct {
	Currency string
	Metrics  MetricsInterface
}

// Engine estimates prices. It is safe for concurrent use.
type Engine struct {
	snapshot atomic.Pointer[registry.Snapshot]
	currency string
	metrics  MetricsInterface
}

// NewEngine loads the active snapshot from provider. It fails with
// ErrSnapshotUnavailable when there is none.
func NewEngine(ctx context.Context, provider SnapshotProvider, cfg Config) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: no provider", ErrSnapshotUnavailable)
	}

	snap, err := provider.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotUnavailable, err)
	}
	return NewEngineFromSnapshot(snap, cfg)
}

// NewEngineFromSnapshot creates an engine serving snap.
func NewEngineFromSnapshot(snap *registry.Snapshot, cfg Config) (*Engine, error) {
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotUnavailable, err)
	}

	if cfg.Currency == "" {
		cfg.Currency = common.DefaultCurrency
	}

	e := &Engine{currency: cfg.Currency, metrics: cfg.Metrics}
	e.snapshot.Store(snap)
	e.observeSnapshot(snap)

	log.Info().
		Str("version", snap.Version).
		Int("segments", snap.Registry.Len()).
		Msg("Estimation engine ready")
	return e, nil
}

// Snapshot returns the active snapshot.
func (e *Engine) Snapshot() *registry.Snapshot {
	return e.snapshot.Load()
}

// Swap atomically replaces the active snapshot and returns the previous one.
func (e *Engine) Swap(snap *registry.Snapshot) (*registry.Snapshot, error) {
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to swap in invalid snapshot: %w", err)
	}

	old := e.snapshot.Swap(snap)
	e.observeSnapshot(snap)

	oldVersion := ""
	if old != nil {
		oldVersion = old.Version
	}
	log.Info().
		Str("from", oldVersion).
		Str("to", snap.Version).
		Msg("Snapshot swapped")
	return old, nil
}

// Estimate prices the vehicle described by req. It returns a
// *ValidationError for malformed requests and ErrBrandAbsent when no
// estimate is possible.
func (e *Engine) Estimate(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("brand", req.Brand).
				Str("model", req.Model).
				Msg("Recovered panic in estimation")
			res, err = Result{}, fmt.Errorf("internal estimation error: %v", r)
		}
		e.record(res, err, time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// one load per request; a concurrent Swap does not affect this call
	snap := e.snapshot.Load()
	if snap == nil {
		return Result{}, ErrSnapshotUnavailable
	}

	if err := validateRequest(req, dataset.MaxYear(snap.ReferenceYear)); err != nil {
		return Result{}, err
	}

	res, err = e.estimate(snap, req)
	if errors.Is(err, errSegmentAbsent) {
		res, err = e.brandAverage(snap, req)
	}
	if err != nil {
		return Result{}, err
	}

	res.Currency = e.currency
	res.SnapshotVersion = snap.Version
	return res, nil
}

// estimate resolves req against its own segment.
func (e *Engine) estimate(snap *registry.Snapshot, req Request) (Result, error) {
	seg, ok := snap.Registry.Get(req.Key())
	if !ok {
		return Result{}, errSegmentAbsent
	}

	res := Result{SampleCount: seg.SampleCount}

	if seg.Tier.HasModel() {
		v := features.Derive(req.Year, req.DistanceTraveled, req.EngineSize, snap.ReferenceYear)
		raw, unseen, err := seg.Predict(v)
		if err == nil && !math.IsNaN(raw) && !math.IsInf(raw, 0) {
			res.PredictedPrice = seg.Clip(raw)
			res.SourceTier = seg.Tier
			res.ConfidenceTier = confidenceFor(seg.Tier)
			res.UnseenCategories = unseen
			if seg.Metrics != nil {
				mae, r2 := seg.Metrics.MeanAbsoluteError, seg.Metrics.R2
				res.MeanAbsoluteError = &mae
				res.R2 = &r2
			}
			return res, nil
		}

		log.Warn().
			Err(err).
			Str("segment", seg.Key.String()).
			Str("tier", string(seg.Tier)).
			Msg("Segment model failed, using segment statistics")
		if e.metrics != nil {
			e.metrics.FallbackUseInc(string(seg.Tier), string(registry.TierStatsOnly))
		}
		res.Degraded = true
	}

	res.PredictedPrice = seg.Clip(seg.StatsEstimate(req.Year, req.DistanceTraveled))
	res.SourceTier = registry.TierStatsOnly
	res.ConfidenceTier = common.ConfidenceMedium
	return res, nil
}

// brandAverage resolves req from the average of its brand's segments.
func (e *Engine) brandAverage(snap *registry.Snapshot, req Request) (Result, error) {
	brand, ok := snap.Registry.Brand(req.Brand)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrBrandAbsent, req.Key())
	}

	if e.metrics != nil {
		e.metrics.FallbackUseInc("segment", string(registry.SourceBrandAverage))
	}
	return Result{
		PredictedPrice: brand.AveragePrice,
		SourceTier:     registry.SourceBrandAverage,
		ConfidenceTier: common.ConfidenceLow,
		SampleCount:    brand.SampleCount,
	}, nil
}

func confidenceFor(tier registry.Tier) string {
	switch tier {
	case registry.TierForest:
		return common.ConfidenceVeryHigh
	case registry.TierLinear:
		return common.ConfidenceHigh
	case registry.TierStatsOnly:
		return common.ConfidenceMedium
	default:
		return common.ConfidenceLow
	}
}

func (e *Engine) record(res Result, err error, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}

	e.metrics.EstimateLatencyObserve(elapsed.Seconds())
	if err != nil {
		e.metrics.EstimateFailuresInc(failureKind(err))
		return
	}
	e.metrics.EstimatesInc(string(res.SourceTier))
	if res.UnseenCategories > 0 {
		e.metrics.UnseenCategoriesAdd(res.UnseenCategories)
	}
}

func (e *Engine) observeSnapshot(snap *registry.Snapshot) {
	if e.metrics == nil {
		return
	}
	if !snap.TrainedAt.IsZero() {
		e.metrics.SnapshotAgeSet(time.Since(snap.TrainedAt).Seconds())
	}
	for tier, n := range snap.Registry.TierCounts() {
		e.metrics.SnapshotSegmentsSet(string(tier), n)
	}
}

func failureKind(err error) string {
	switch {
	case IsValidation(err):
		return FailureValidation
	case errors.Is(err, ErrBrandAbsent):
		return FailureBrandAbsent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureCanceled
	default:
		return FailureInternal
	}
}
