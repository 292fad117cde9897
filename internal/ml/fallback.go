package ml

// Stats-only adjustment weights.
const (
	yearAdjustment     = 0.05 // per model year above the segment average
	distanceAdjustment = 0.15 // per multiple of the segment average distance
)

// SegmentAverages are the aggregate statistics a stats-only estimate starts from.
type SegmentAverages struct {
	Price    float64
	Year     float64
	Distance float64
}

// AdjustFromAverages estimates a price when no fitted model is available.
// The average price moves 5% per year of difference from the average year and
// 15% per unit of relative distance difference from the average distance.
func AdjustFromAverages(avg SegmentAverages, year int, distance float64) float64 {
	ageFactor := 1 + yearAdjustment*(float64(year)-avg.Year)

	distanceFactor := 1.0
	if avg.Distance > 0 {
		distanceFactor = 1 - distanceAdjustment*(distance/avg.Distance-1)
	}

	return avg.Price * ageFactor * distanceFactor
}

// Clip bounds v to [lo, hi].
func Clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
