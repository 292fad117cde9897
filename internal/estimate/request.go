package estimate

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"carprice/internal/registry"
)

// Request describes the vehicle to price.
type Request struct {
	Brand            string  `json:"brand" validate:"required"`
	Model            string  `json:"model" validate:"required"`
	Year             int     `json:"year" validate:"gte=1900"`
	DistanceTraveled float64 `json:"distanceTraveled" validate:"gte=0"`
	EngineSize       float64 `json:"engineSize" validate:"gt=0"`
}

// Key returns the segment key addressed by the request.
func (r Request) Key() registry.Key {
	return registry.NewKey(r.Brand, r.Model)
}

// Result is a successful estimate. PredictedPrice is unrounded.
type Result struct {
	PredictedPrice    float64       `json:"predictedPrice"`
	Currency          string        `json:"currency"`
	ConfidenceTier    string        `json:"confidenceTier"`
	SourceTier        registry.Tier `json:"sourceTier"`
	SampleCount       int           `json:"sampleCount"`
	MeanAbsoluteError *float64      `json:"meanAbsoluteError,omitempty"`
	R2                *float64      `json:"r2,omitempty"`
	SnapshotVersion   string        `json:"snapshotVersion"`
	// Degraded is set when a model tier fell back to segment statistics.
	Degraded bool `json:"degraded,omitempty"`
	// UnseenCategories counts categorical inputs replaced by a neutral code.
	UnseenCategories int `json:"unseenCategories,omitempty"`
}

// requestValidator checks request fields. validator.Validate caches struct
// metadata and is safe for concurrent use.
var requestValidator = validator.New(validator.WithRequiredStructEnabled())

// validateRequest rejects malformed requests before any lookup. maxYear is
// the latest accepted production year.
func validateRequest(req Request, maxYear int) error {
	if !finite(req.DistanceTraveled) {
		return &ValidationError{Field: "distanceTraveled", Reason: "must be a finite number"}
	}
	if !finite(req.EngineSize) {
		return &ValidationError{Field: "engineSize", Reason: "must be a finite number"}
	}

	if err := requestValidator.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fieldError(fieldErrs[0])
		}
		return &ValidationError{Field: "request", Reason: err.Error()}
	}

	if strings.TrimSpace(req.Brand) == "" {
		return &ValidationError{Field: "brand", Reason: "is required"}
	}
	if strings.TrimSpace(req.Model) == "" {
		return &ValidationError{Field: "model", Reason: "is required"}
	}
	if req.Year > maxYear {
		return &ValidationError{Field: "year", Reason: fmt.Sprintf("must be at most %d", maxYear)}
	}
	return nil
}

func fieldError(fe validator.FieldError) *ValidationError {
	field := jsonName(fe.Field())
	switch fe.Tag() {
	case "required":
		return &ValidationError{Field: field, Reason: "is required"}
	case "gte":
		return &ValidationError{Field: field, Reason: "must be at least " + fe.Param()}
	case "gt":
		return &ValidationError{Field: field, Reason: "must be greater than " + fe.Param()}
	default:
		return &ValidationError{Field: field, Reason: fmt.Sprintf("failed %s check", fe.Tag())}
	}
}

func jsonName(field string) string {
	switch field {
	case "Brand":
		return "brand"
	case "Model":
		return "model"
	case "Year":
		return "year"
	case "DistanceTraveled":
		return "distanceTraveled"
	case "EngineSize":
		return "engineSize"
	}
	return strings.ToLower(field)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
