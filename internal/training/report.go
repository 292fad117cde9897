package training

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"carprice/internal/ml"
	"carprice/internal/registry"
)

// Report file names written by Reporter.
const (
	SummaryFile      = "training_summary.txt"
	SegmentStatsFile = "segment_stats.csv"
	JSONReportFile   = "training_report.json"
)

// topFeatures is the number of most important inputs listed per segment.
const topFeatures = 3

// Reporter writes human- and machine-readable reports of a training run.
type Reporter struct {
	snapshot   *registry.Snapshot
	outputPath string
}

// NewReporter creates a new reporter
func NewReporter(snapshot *registry.Snapshot, outputPath string) *Reporter {
	return &Reporter{
		snapshot:   snapshot,
		outputPath: outputPath,
	}
}

// GenerateReport generates all report formats
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := r.generateSummary(); err != nil {
		return err
	}
	if err := r.generateSegmentStats(); err != nil {
		return err
	}
	return r.generateJSONReport()
}

func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, SummaryFile)
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	r.writeSummary(file)

	brands := r.brandStats()
	if len(brands) > 0 {
		fmt.Fprintf(file, "\nSEGMENTS BY BRAND\n")
		fmt.Fprintf(file, "-----------------\n")
		for _, b := range brands {
			fmt.Fprintf(file, "%s: %d segments, %d records, average price %.2f\n",
				b.Brand, b.SegmentCount, b.SampleCount, b.AveragePrice)
		}
	}

	log.Info().Str("file", summaryPath).Msg("Summary report generated")
	return nil
}

func (r *Reporter) writeSummary(w io.Writer) {
	s := r.snapshot.Summary

	fmt.Fprintf(w, "TRAINING RUN SUMMARY\n")
	fmt.Fprintf(w, "====================\n\n")
	fmt.Fprintf(w, "Version: %s\n", r.snapshot.Version)
	fmt.Fprintf(w, "Trained At: %s\n", r.snapshot.TrainedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Reference Year: %d\n", r.snapshot.ReferenceYear)
	if s.Duration != "" {
		fmt.Fprintf(w, "Duration: %s\n", s.Duration)
	}

	fmt.Fprintf(w, "\nRECORDS\n")
	fmt.Fprintf(w, "-------\n")
	fmt.Fprintf(w, "Used: %d\n", s.TotalRecords)
	fmt.Fprintf(w, "Skipped: %d\n", s.SkippedRecords)

	fmt.Fprintf(w, "\nSEGMENTS\n")
	fmt.Fprintf(w, "--------\n")
	fmt.Fprintf(w, "Total: %d\n", s.TotalSegments)
	for _, tier := range []registry.Tier{registry.TierForest, registry.TierLinear, registry.TierStatsOnly} {
		fmt.Fprintf(w, "%s: %d\n", tier, s.TierCounts[tier])
	}

	fmt.Fprintf(w, "\nMODEL QUALITY\n")
	fmt.Fprintf(w, "-------------\n")
	fmt.Fprintf(w, "Mean MAE: %.2f\n", s.MeanMAE)
	fmt.Fprintf(w, "Mean R2: %.4f\n", s.MeanR2)
}

func (r *Reporter) generateSegmentStats() error {
	csvPath := filepath.Join(r.outputPath, SegmentStatsFile)
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create segment stats: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"Brand", "Model", "Tier", "Samples", "Mean Price", "Min Price", "Max Price",
		"Std Dev", "Avg Year", "Avg Distance", "Avg Engine", "MAE", "R2", "Metrics Source", "Top Features",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, seg := range r.snapshot.Registry.Segments() {
		mae, r2, source, top := "", "", "", ""
		if seg.Metrics != nil {
			mae = fmt.Sprintf("%.2f", seg.Metrics.MeanAbsoluteError)
			r2 = fmt.Sprintf("%.4f", seg.Metrics.R2)
			source = seg.Metrics.Source
			top = strings.Join(ml.TopFeatures(seg.Metrics.Importance, topFeatures), ";")
		}
		record := []string{
			seg.Key.Brand,
			seg.Key.Model,
			string(seg.Tier),
			strconv.Itoa(seg.SampleCount),
			fmt.Sprintf("%.2f", seg.Price.Mean),
			fmt.Sprintf("%.2f", seg.Price.Min),
			fmt.Sprintf("%.2f", seg.Price.Max),
			fmt.Sprintf("%.2f", seg.Price.StdDev),
			fmt.Sprintf("%.1f", seg.Averages.Year),
			fmt.Sprintf("%.0f", seg.Averages.Distance),
			fmt.Sprintf("%.2f", seg.Averages.EngineSize),
			mae,
			r2,
			source,
			top,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write segment stats: %w", err)
	}

	log.Info().Str("file", csvPath).Msg("Segment statistics generated")
	return nil
}

// segmentReport is the model-free view of a segment in the JSON report.
type segmentReport struct {
	Key         registry.Key        `json:"key"`
	Tier        registry.Tier       `json:"tier"`
	SampleCount int                 `json:"sample_count"`
	Price       registry.PriceStats `json:"price"`
	Averages    registry.Averages   `json:"averages"`
	Metrics     *registry.Metrics   `json:"metrics,omitempty"`
}

func (r *Reporter) generateJSONReport() error {
	jsonPath := filepath.Join(r.outputPath, JSONReportFile)

	segments := r.snapshot.Registry.Segments()
	rows := make([]segmentReport, len(segments))
	for i, seg := range segments {
		rows[i] = segmentReport{
			Key:         seg.Key,
			Tier:        seg.Tier,
			SampleCount: seg.SampleCount,
			Price:       seg.Price,
			Averages:    seg.Averages,
			Metrics:     seg.Metrics,
		}
	}

	report := map[string]interface{}{
		"version":        r.snapshot.Version,
		"trained_at":     r.snapshot.TrainedAt,
		"reference_year": r.snapshot.ReferenceYear,
		"summary":        r.snapshot.Summary,
		"brands":         r.brandStats(),
		"segments":       rows,
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}

	log.Info().Str("file", jsonPath).Msg("JSON report generated")
	return nil
}

// brandStats returns the brand summaries sorted by brand.
func (r *Reporter) brandStats() []registry.BrandSummary {
	seen := make(map[string]bool)
	var out []registry.BrandSummary
	for _, seg := range r.snapshot.Registry.Segments() {
		b, ok := r.snapshot.Registry.Brand(seg.Key.Brand)
		if !ok || seen[b.Brand] {
			continue
		}
		seen[b.Brand] = true
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Brand < out[j].Brand })
	return out
}

// PrintSummary writes the run summary to w.
func (r *Reporter) PrintSummary(w io.Writer) {
	fmt.Fprintln(w)
	r.writeSummary(w)
	fmt.Fprintln(w, "====================")
}
