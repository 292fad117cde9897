package registry

import (
	"errors"
	"fmt"
	"time"
)

// VersionLayout formats snapshot versions. Milliseconds are appended only
// when non-zero, so versions still sort by time as strings.
const VersionLayout = "20060102-150405.999"

// NewVersion returns the snapshot version for a training run finished at t.
func NewVersion(t time.Time) string {
	return t.UTC().Format(VersionLayout)
}

// Summary describes a training run.
type Summary struct {
	TotalSegments  int          `json:"total_segments"`
	TierCounts     map[Tier]int `json:"tier_counts"`
	TotalRecords   int          `json:"total_records"`
	SkippedRecords int          `json:"skipped_records"`
	MeanMAE        float64      `json:"mean_mae"`
	MeanR2         float64      `json:"mean_r2"`
	Duration       string       `json:"duration,omitempty"`
}

// Snapshot is an immutable, versioned registry together with the metadata
// inference needs. A retrain produces a new Snapshot.
type Snapshot struct {
	Version       string    `json:"version"`
	TrainedAt     time.Time `json:"trained_at"`
	ReferenceYear int       `json:"reference_year"`
	Summary       Summary   `json:"summary"`
	Registry      *Registry `json:"registry"`
}

// Summarize computes the per-tier counts and mean model metrics of reg.
// Record counts are left to the caller.
func Summarize(reg *Registry) Summary {
	s := Summary{
		TotalSegments: reg.Len(),
		TierCounts:    reg.TierCounts(),
	}

	var maeSum, r2Sum float64
	var n int
	for _, seg := range reg.Segments() {
		if seg.Metrics == nil {
			continue
		}
		maeSum += seg.Metrics.MeanAbsoluteError
		r2Sum += seg.Metrics.R2
		n++
	}
	if n > 0 {
		s.MeanMAE = maeSum / float64(n)
		s.MeanR2 = r2Sum / float64(n)
	}
	return s
}

// Validate checks that a snapshot can serve estimates.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.New("snapshot is nil")
	}
	if s.Version == "" {
		return errors.New("snapshot version is empty")
	}
	if _, err := time.Parse(VersionLayout, s.Version); err != nil {
		return fmt.Errorf("invalid snapshot version %q: %w", s.Version, err)
	}
	if s.ReferenceYear <= 0 {
		return fmt.Errorf("invalid reference year %d", s.ReferenceYear)
	}
	if s.Registry == nil {
		return errors.New("snapshot has no registry")
	}

	for _, seg := range s.Registry.Segments() {
		if seg.SampleCount < 1 {
			return fmt.Errorf("segment %s has no samples", seg.Key)
		}
		if want := TierFor(seg.SampleCount); seg.Tier != want {
			return fmt.Errorf("segment %s has tier %s, expected %s for %d samples", seg.Key, seg.Tier, want, seg.SampleCount)
		}
		if seg.Price.Min > seg.Price.Max {
			return fmt.Errorf("segment %s has min price above max", seg.Key)
		}
		if seg.Tier.HasModel() && (seg.Model == nil || seg.Scaler == nil) {
			return fmt.Errorf("segment %s is %s but has no fitted model", seg.Key, seg.Tier)
		}
	}
	return nil
}
