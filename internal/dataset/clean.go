package dataset

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// CleanReport counts what Clean removed.
type CleanReport struct {
	Input      int `json:"input"`
	OutOfRange int `json:"out_of_range"`
	Duplicates int `json:"duplicates"`
	Kept       int `json:"kept"`
}

// Dropped returns the number of removed records.
func (r CleanReport) Dropped() int {
	return r.OutOfRange + r.Duplicates
}

type dedupeKey struct {
	segment    string
	year       int
	distance   float64
	engineSize float64
	price      float64
}

// Clean trims names, drops records outside the training range and removes
// exact duplicates. Brand and model compare case-insensitively for
// duplicates; the first occurrence is kept. Input order is preserved.
func Clean(records []Record, maxYear int) ([]Record, CleanReport) {
	report := CleanReport{Input: len(records)}
	seen := make(map[dedupeKey]struct{}, len(records))
	out := make([]Record, 0, len(records))

	for _, rec := range records {
		rec.Brand = strings.TrimSpace(rec.Brand)
		rec.Model = strings.TrimSpace(rec.Model)

		if err := rec.Validate(maxYear); err != nil {
			report.OutOfRange++
			continue
		}

		k := dedupeKey{
			segment:    rec.Key().ID(),
			year:       rec.Year,
			distance:   rec.Distance,
			engineSize: rec.EngineSize,
			price:      rec.Price,
		}
		if _, dup := seen[k]; dup {
			report.Duplicates++
			continue
		}
		seen[k] = struct{}{}
		out = append(out, rec)
	}

	report.Kept = len(out)
	log.Info().
		Int("input", report.Input).
		Int("out_of_range", report.OutOfRange).
		Int("duplicates", report.Duplicates).
		Int("kept", report.Kept).
		Msg("Dataset cleaned")
	return out, report
}
