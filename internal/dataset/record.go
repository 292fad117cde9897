// Package dataset loads and cleans historical vehicle listings before training.
package dataset

import (
	"fmt"
	"strings"

	"carprice/internal/common"
	"carprice/internal/registry"
)

// Record is one priced listing.
type Record struct {
	Brand      string  `json:"brand"`
	Model      string  `json:"model"`
	Year       int     `json:"year"`
	Distance   float64 `json:"distance"`
	EngineSize float64 `json:"engine_size"`
	Price      float64 `json:"price"`
}

// Key returns the segment key of the record.
func (r Record) Key() registry.Key {
	return registry.NewKey(r.Brand, r.Model)
}

// Validate checks the record against the training range. maxYear is the
// latest accepted production year.
func (r Record) Validate(maxYear int) error {
	switch {
	case strings.TrimSpace(r.Brand) == "":
		return fmt.Errorf("brand is empty")
	case strings.TrimSpace(r.Model) == "":
		return fmt.Errorf("model is empty")
	case r.Price <= 0:
		return fmt.Errorf("price must be positive, got %v", r.Price)
	case r.Year < common.MinRecordYear || r.Year > maxYear:
		return fmt.Errorf("year %d outside [%d, %d]", r.Year, common.MinRecordYear, maxYear)
	case r.Distance < 0:
		return fmt.Errorf("distance must not be negative, got %v", r.Distance)
	case r.EngineSize <= 0:
		return fmt.Errorf("engine size must be positive, got %v", r.EngineSize)
	}
	return nil
}

// MaxYear is the latest production year accepted for a reference year.
func MaxYear(referenceYear int) int {
	return referenceYear + 1
}
