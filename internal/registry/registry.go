package registry

import (
	"encoding/json"
	"fmt"
	"sort"
)

// BrandSummary aggregates every segment of one brand.
type BrandSummary struct {
	Brand        string  `json:"brand"`
	AveragePrice float64 `json:"average_price"`
	SampleCount  int     `json:"sample_count"`
	SegmentCount int     `json:"segment_count"`
}

// Registry is a read-only lookup of segments by key. It has no mutators;
// a retrain builds a new Registry.
type Registry struct {
	segments map[string]*Segment
	brands   map[string]BrandSummary
	ordered  []*Segment
}

// New builds a registry. Keys are matched case-insensitively and must be unique.
func New(segments []*Segment) (*Registry, error) {
	r := &Registry{
		segments: make(map[string]*Segment, len(segments)),
		brands:   make(map[string]BrandSummary),
		ordered:  make([]*Segment, 0, len(segments)),
	}

	priceSums := make(map[string]float64)
	for _, s := range segments {
		if s == nil {
			return nil, fmt.Errorf("nil segment")
		}
		if s.Key.Brand == "" || s.Key.Model == "" {
			return nil, fmt.Errorf("segment key %q is incomplete", s.Key)
		}
		id := s.Key.ID()
		if _, dup := r.segments[id]; dup {
			return nil, fmt.Errorf("duplicate segment %s", s.Key)
		}
		r.segments[id] = s
		r.ordered = append(r.ordered, s)

		brand := canonicalBrand(s.Key.Brand)
		b := r.brands[brand]
		if b.Brand == "" {
			b.Brand = s.Key.Brand
		}
		b.SampleCount += s.SampleCount
		b.SegmentCount++
		r.brands[brand] = b
		priceSums[brand] += s.Price.Mean
	}

	// brand average is the mean of segment mean prices
	for brand, b := range r.brands {
		b.AveragePrice = priceSums[brand] / float64(b.SegmentCount)
		r.brands[brand] = b
	}

	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].Key.ID() < r.ordered[j].Key.ID()
	})

	return r, nil
}

// Get returns the segment for key.
func (r *Registry) Get(key Key) (*Segment, bool) {
	if r == nil {
		return nil, false
	}
	s, ok := r.segments[key.ID()]
	return s, ok
}

// Brand returns the aggregate over all segments of brand.
func (r *Registry) Brand(brand string) (BrandSummary, bool) {
	if r == nil {
		return BrandSummary{}, false
	}
	b, ok := r.brands[canonicalBrand(brand)]
	return b, ok
}

// Len returns the number of segments.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ordered)
}

// Segments returns the segments sorted by key. The slice is a copy; the
// segments themselves must not be modified.
func (r *Registry) Segments() []*Segment {
	if r == nil {
		return nil
	}
	out := make([]*Segment, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// TierCounts counts segments per tier.
func (r *Registry) TierCounts() map[Tier]int {
	counts := map[Tier]int{TierStatsOnly: 0, TierLinear: 0, TierForest: 0}
	if r == nil {
		return counts
	}
	for _, s := range r.ordered {
		counts[s.Tier]++
	}
	return counts
}

// MarshalJSON encodes the registry as its sorted segment list.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ordered)
}

// UnmarshalJSON rebuilds the registry from a segment list.
func (r *Registry) UnmarshalJSON(data []byte) error {
	var segments []*Segment
	if err := json.Unmarshal(data, &segments); err != nil {
		return err
	}
	built, err := New(segments)
	if err != nil {
		return err
	}
	*r = *built
	return nil
}
