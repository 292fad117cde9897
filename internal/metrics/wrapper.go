package metrics

import (
	"strconv"
	"time"

	"carprice/internal/registry"
)

// Wrapper adapts Metrics to the narrow interfaces of the estimation engine,
// the training run and the HTTP layer, so those packages do not depend on
// Prometheus types.
type Wrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *Wrapper {
	return &Wrapper{m: m}
}

func (w *Wrapper) EstimatesInc(source string) {
	w.m.EstimatesTotal.WithLabelValues(source).Inc()
}

func (w *Wrapper) EstimateFailuresInc(kind string) {
	w.m.EstimateFailures.WithLabelValues(kind).Inc()
	if kind == "internal" {
		w.m.ErrorsTotal.Inc()
	}
}

func (w *Wrapper) EstimateLatencyObserve(seconds float64) {
	w.m.EstimateLatency.Observe(seconds)
}

func (w *Wrapper) FallbackUseInc(from, to string) {
	w.m.FallbackUse.WithLabelValues(from, to).Inc()
}

func (w *Wrapper) UnseenCategoriesAdd(n int) {
	w.m.UnseenCategories.Add(float64(n))
}

func (w *Wrapper) SnapshotAgeSet(seconds float64) {
	w.m.SnapshotAge.Set(seconds)
}

func (w *Wrapper) SnapshotSegmentsSet(tier string, n int) {
	w.m.SnapshotSegments.WithLabelValues(tier).Set(float64(n))
}

// RecordSegmentTrained implements training.Recorder.
func (w *Wrapper) RecordSegmentTrained(tier registry.Tier, d time.Duration) {
	w.m.SegmentsTrained.WithLabelValues(string(tier)).Inc()
	w.m.SegmentTrainingDuration.WithLabelValues(string(tier)).Observe(d.Seconds())
}

// RecordTrainingRun implements training.Recorder.
func (w *Wrapper) RecordTrainingRun(summary registry.Summary, d time.Duration) {
	w.m.TrainingRuns.Inc()
	w.m.TrainingDuration.Observe(d.Seconds())
	w.m.TrainingMeanMAE.Set(summary.MeanMAE)
	w.m.TrainingMeanR2.Set(summary.MeanR2)
}

// HTTPRequestInc counts a served request.
func (w *Wrapper) HTTPRequestInc(route string, code int) {
	w.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// ErrorsInc counts an error outside the estimation path.
func (w *Wrapper) ErrorsInc() {
	w.m.ErrorsTotal.Inc()
}
