package training

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"carprice/internal/common"
	"carprice/internal/dataset"
	"carprice/internal/registry"
)

// Recorder receives training telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordSegmentTrained(tier registry.Tier, d time.Duration)
	RecordTrainingRun(summary registry.Summary, d time.Duration)
}

// Options configure a batch training run.
type Options struct {
	ReferenceYear int
	Seed          uint64
	Workers       int
	Recorder      Recorder
	// Now stamps the snapshot; defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ReferenceYear <= 0 {
		o.ReferenceYear = common.DefaultReferenceYear
	}
	if o.Workers <= 0 {
		o.Workers = common.DefaultTrainWorkers
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type group struct {
	key     registry.Key
	records []dataset.Record
}

// Run trains every segment found in records and returns the new snapshot.
// Invalid records are skipped and counted. The result does not depend on the
// number of workers.
func Run(ctx context.Context, records []dataset.Record, opts Options) (*registry.Snapshot, error) {
	opts = opts.withDefaults()
	start := time.Now()

	groups, skipped := groupBySegment(records, dataset.MaxYear(opts.ReferenceYear))
	if len(groups) == 0 {
		return nil, fmt.Errorf("no valid records to train on (%d skipped)", skipped)
	}

	log.Info().
		Int("records", len(records)).
		Int("skipped", skipped).
		Int("segments", len(groups)).
		Int("workers", opts.Workers).
		Msg("Starting training run")

	segments := make([]*registry.Segment, len(groups))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, grp := range groups {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			segStart := time.Now()
			seg, err := TrainSegment(grp.key, grp.records, SegmentOptions{
				ReferenceYear: opts.ReferenceYear,
				Seed:          opts.Seed,
			})
			if err != nil {
				return err
			}
			segments[i] = seg

			if opts.Recorder != nil {
				opts.Recorder.RecordSegmentTrained(seg.Tier, time.Since(segStart))
			}
			if n := done.Add(1); n%100 == 0 || int(n) == len(groups) {
				log.Debug().Int64("done", n).Int("total", len(groups)).Msg("Training progress")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("training run failed: %w", err)
	}

	reg, err := registry.New(segments)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}

	elapsed := time.Since(start)
	summary := registry.Summarize(reg)
	summary.TotalRecords = len(records) - skipped
	summary.SkippedRecords = skipped
	summary.Duration = elapsed.Round(time.Millisecond).String()

	trainedAt := opts.Now().UTC()
	snap := &registry.Snapshot{
		Version:       registry.NewVersion(trainedAt),
		TrainedAt:     trainedAt,
		ReferenceYear: opts.ReferenceYear,
		Summary:       summary,
		Registry:      reg,
	}

	if opts.Recorder != nil {
		opts.Recorder.RecordTrainingRun(summary, elapsed)
	}

	log.Info().
		Str("version", snap.Version).
		Int("segments", summary.TotalSegments).
		Int("forest", summary.TierCounts[registry.TierForest]).
		Int("linear", summary.TierCounts[registry.TierLinear]).
		Int("stats_only", summary.TierCounts[registry.TierStatsOnly]).
		Float64("mean_mae", summary.MeanMAE).
		Float64("mean_r2", summary.MeanR2).
		Dur("duration", elapsed).
		Msg("Training run complete")

	return snap, nil
}

// groupBySegment validates records and groups them by case-insensitive
// segment key, sorted by key. The first spelling seen names the segment.
func groupBySegment(records []dataset.Record, maxYear int) ([]group, int) {
	index := make(map[string]int)
	var groups []group
	skipped := 0

	for _, r := range records {
		if err := r.Validate(maxYear); err != nil {
			skipped++
			continue
		}
		key := r.Key()
		id := key.ID()
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, group{key: key})
		}
		groups[i].records = append(groups[i].records, r)
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].key.ID() < groups[j].key.ID()
	})
	return groups, skipped
}
