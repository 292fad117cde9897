package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"carprice/internal/cfg"
	"carprice/internal/dataset"
	"carprice/internal/metrics"
	"carprice/internal/storage"
	"carprice/internal/training"
)

const usage = `Usage: trainer [flags] [command]

Commands:
  train              load the dataset, train every segment, save and activate the snapshot (default)
  list               list stored snapshot versions
  activate VERSION   make VERSION the active snapshot
  rollback           activate the version preceding the active one
  prune              delete old versions beyond -keep

Flags:
`

// options are the command line settings. Zero values leave the config as is,
// except for seed, which applies whenever the flag is given.
type options struct {
	datasetPath string
	dataPath    string
	workers     int
	seed        uint64
	seedSet     bool
	reportDir   string
	noActivate  bool
	keep        int
	logLevel    string
	metricsFile string
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{}
	fs.StringVar(&o.datasetPath, "dataset", "", "Dataset file (.csv, .xlsx, .json, .ndjson); overrides config")
	fs.StringVar(&o.dataPath, "data", "", "Snapshot store directory; overrides config")
	fs.IntVar(&o.workers, "workers", 0, "Parallel segment trainers; overrides config")
	fs.Uint64Var(&o.seed, "seed", 0, "Split and forest seed; overrides config when given")
	fs.StringVar(&o.reportDir, "report", "", "Write training reports to this directory")
	fs.BoolVar(&o.noActivate, "no-activate", false, "Save the new snapshot without activating it")
	fs.IntVar(&o.keep, "keep", -1, "Versions to keep after training (0 keeps all); overrides config")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error; overrides config")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "Write training metrics in Prometheus text format to this file")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			o.seedSet = true
		}
	})
	return o, nil
}

// apply overrides c with the options that were set.
func (o *options) apply(c *cfg.Settings) {
	if o.datasetPath != "" {
		c.DatasetPath = o.datasetPath
	}
	if o.dataPath != "" {
		c.DataPath = o.dataPath
	}
	if o.workers > 0 {
		c.TrainWorkers = o.workers
	}
	if o.seedSet {
		c.Seed = o.seed
	}
	if o.keep >= 0 {
		c.KeepVersions = o.keep
	}
	if o.logLevel != "" {
		c.LogLevel = o.logLevel
	}
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	c, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	opts.apply(&c)
	c.ConfigureLogging()

	store, err := storage.New(c.DataPath, c.CompressionLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open snapshot store")
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := flag.Arg(0)
	switch command {
	case "", "train":
		err = train(ctx, c, store, opts.reportDir, opts.metricsFile, !opts.noActivate)
	case "list":
		err = list(store)
	case "activate":
		if flag.NArg() != 2 {
			flag.CommandLine.Usage()
			os.Exit(2)
		}
		err = store.Activate(flag.Arg(1))
		if err == nil {
			log.Info().Str("version", flag.Arg(1)).Msg("Snapshot activated")
		}
	case "rollback":
		var version string
		if version, err = store.Rollback(); err == nil {
			log.Info().Str("version", version).Msg("Rolled back")
		}
	case "prune":
		err = prune(store, c.KeepVersions)
	default:
		flag.CommandLine.Usage()
		os.Exit(2)
	}

	if err != nil {
		store.Close()
		log.Fatal().Err(err).Str("command", command).Msg("Command failed")
	}
}

func train(ctx context.Context, c cfg.Settings, store *storage.Store, reportDir, metricsFile string, activate bool) error {
	records, report, err := dataset.LoadFile(c.DatasetPath)
	if err != nil {
		return err
	}
	log.Info().
		Str("source", report.Source).
		Int("rows", report.Rows).
		Int("malformed", report.Malformed).
		Msg("Dataset loaded")

	cleaned, cleanReport := dataset.Clean(records, dataset.MaxYear(c.ReferenceYear))
	log.Info().
		Int("kept", cleanReport.Kept).
		Int("out_of_range", cleanReport.OutOfRange).
		Int("duplicates", cleanReport.Duplicates).
		Msg("Dataset cleaned")

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	snap, err := training.Run(ctx, cleaned, training.Options{
		ReferenceYear: c.ReferenceYear,
		Seed:          c.Seed,
		Workers:       c.TrainWorkers,
		Recorder:      metrics.NewWrapper(m),
	})
	if err != nil {
		return err
	}
	snap.Summary.SkippedRecords += report.Malformed + cleanReport.Dropped()

	if metricsFile != "" {
		if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
			log.Warn().Err(err).Str("file", metricsFile).Msg("Failed to write training metrics")
		}
	}

	info, err := store.Save(snap)
	if err != nil {
		return err
	}
	log.Info().Str("version", info.Version).Int("bytes", info.Size).Msg("Snapshot saved")

	if activate {
		if err := store.Activate(info.Version); err != nil {
			return err
		}
		log.Info().Str("version", info.Version).Msg("Snapshot activated")
	}

	if c.KeepVersions > 0 {
		if err := prune(store, c.KeepVersions); err != nil {
			log.Warn().Err(err).Msg("Pruning old versions failed")
		}
	}

	reporter := training.NewReporter(snap, reportDir)
	if reportDir != "" {
		if err := reporter.GenerateReport(); err != nil {
			log.Error().Err(err).Msg("Failed to generate reports")
		}
	}
	reporter.PrintSummary(os.Stdout)
	return nil
}

func list(store *storage.Store) error {
	versions, err := store.Versions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return errors.New("no snapshots stored")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tACTIVE\tTRAINED AT\tSEGMENTS\tRECORDS\tMEAN MAE\tMEAN R2\tSIZE")
	for _, v := range versions {
		active := ""
		if v.Active {
			active = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%.2f\t%.4f\t%d\n",
			v.Version, active, v.TrainedAt.Format(time.RFC3339),
			v.Summary.TotalSegments, v.Summary.TotalRecords,
			v.Summary.MeanMAE, v.Summary.MeanR2, v.Size)
	}
	return w.Flush()
}

func prune(store *storage.Store, keep int) error {
	_, err := store.Prune(keep)
	return err
}
