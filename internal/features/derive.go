// Package features derives the model inputs for a vehicle from its raw attributes.
// The same Derive function is used when training segment models and when
// answering estimation requests, so both sides always see identical features.
package features

import "math"

// Distance bands, upper bounds inclusive.
const (
	distanceLowMax    = 50000
	distanceMediumMax = 100000
	distanceHighMax   = 200000
)

// Age bands in years, upper bounds inclusive.
const (
	ageNewMax    = 3
	ageRecentMax = 7
	ageMidMax    = 15
)

// Category labels.
const (
	DistanceLow      = "low"
	DistanceMedium   = "medium"
	DistanceHigh     = "high"
	DistanceVeryHigh = "veryHigh"

	AgeNew    = "new"
	AgeRecent = "recent"
	AgeMid    = "mid"
	AgeOld    = "old"
)

// NumericNames lists the numeric model inputs in the order returned by Vector.Numeric.
var NumericNames = []string{"age", "distance", "distance_per_year", "log_distance", "engine_size", "log_engine"}

// CategoricalNames lists the categorical model inputs in the order returned by Vector.Categorical.
var CategoricalNames = []string{"distance_category", "age_category"}

// Vector holds every derived feature for one vehicle.
type Vector struct {
	Age              float64 `json:"age"`
	Distance         float64 `json:"distance"`
	DistancePerYear  float64 `json:"distance_per_year"`
	LogDistance      float64 `json:"log_distance"`
	EngineSize       float64 `json:"engine_size"`
	LogEngine        float64 `json:"log_engine"`
	DistanceCategory string  `json:"distance_category"`
	AgeCategory      string  `json:"age_category"`
}

// Derive computes the feature vector for a vehicle relative to referenceYear.
// Age is floored at 1.
func Derive(year int, distance, engineSize float64, referenceYear int) Vector {
	age := float64(referenceYear - year)
	if age < 1 {
		age = 1
	}

	return Vector{
		Age:              age,
		Distance:         distance,
		DistancePerYear:  distance / (age + 1),
		LogDistance:      math.Log1p(distance),
		EngineSize:       engineSize,
		LogEngine:        math.Log1p(engineSize),
		DistanceCategory: DistanceCategory(distance),
		AgeCategory:      AgeCategory(age),
	}
}

// Numeric returns the numeric inputs ordered as NumericNames.
func (v Vector) Numeric() []float64 {
	return []float64{v.Age, v.Distance, v.DistancePerYear, v.LogDistance, v.EngineSize, v.LogEngine}
}

// Categorical returns the categorical inputs ordered as CategoricalNames.
func (v Vector) Categorical() []string {
	return []string{v.DistanceCategory, v.AgeCategory}
}

// DistanceCategory buckets a travelled distance.
func DistanceCategory(distance float64) string {
	switch {
	case distance <= distanceLowMax:
		return DistanceLow
	case distance <= distanceMediumMax:
		return DistanceMedium
	case distance <= distanceHighMax:
		return DistanceHigh
	default:
		return DistanceVeryHigh
	}
}

// AgeCategory buckets a vehicle age in years.
func AgeCategory(age float64) string {
	switch {
	case age <= ageNewMax:
		return AgeNew
	case age <= ageRecentMax:
		return AgeRecent
	case age <= ageMidMax:
		return AgeMid
	default:
		return AgeOld
	}
}
