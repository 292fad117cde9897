package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"carprice/internal/cfg"
	"carprice/internal/client"
	"carprice/internal/estimate"
	"carprice/internal/storage"
)

const usage = `Usage: estimate [flags] [command]

Commands:
  price               estimate the vehicle described by the flags (default)
  snapshot            describe the active snapshot
  segment BRAND MODEL show the training statistics of a segment
  health              check the server

With -local the active snapshot is read from the store directory instead of a server;
only price is available then.

Flags:
`

func main() {
	var (
		server   = flag.String("server", "http://localhost:8080", "Valuation API base URL")
		local    = flag.String("local", "", "Price against the snapshot store in this directory instead of a server")
		brand    = flag.String("brand", "", "Vehicle brand")
		model    = flag.String("model", "", "Vehicle model")
		year     = flag.Int("year", 0, "Production year")
		distance = flag.Float64("distance", 0, "Distance traveled")
		engine   = flag.Float64("engine", 0, "Engine size")
		timeout  = flag.Duration("timeout", 5*time.Second, "Request timeout")
		retries  = flag.Int("retries", 2, "Retries on connection failures and 503 responses")
		verbose  = flag.Bool("v", false, "Log at debug level")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	req := estimate.Request{
		Brand:            *brand,
		Model:            *model,
		Year:             *year,
		DistanceTraveled: *distance,
		EngineSize:       *engine,
	}

	var (
		out any
		err error
	)
	command := flag.Arg(0)
	if *local != "" {
		if command != "" && command != "price" {
			log.Fatal().Str("command", command).Msg("Only price is available with -local")
		}
		out, err = priceLocal(ctx, *local, req)
	} else {
		c := client.New(*server, *timeout, *retries)
		switch command {
		case "", "price":
			out, err = c.Estimate(ctx, req)
		case "snapshot":
			out, err = c.Snapshot(ctx)
		case "segment":
			if flag.NArg() != 3 {
				flag.Usage()
				os.Exit(2)
			}
			out, err = c.Segment(ctx, flag.Arg(1), flag.Arg(2))
		case "health":
			out, err = c.Health(ctx)
		default:
			flag.Usage()
			os.Exit(2)
		}
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Request failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal().Err(err).Msg("Failed to write result")
	}
}

// priceLocal estimates req against the active snapshot in dataPath.
func priceLocal(ctx context.Context, dataPath string, req estimate.Request) (estimate.Result, error) {
	settings, err := cfg.Load()
	currency := ""
	if err == nil {
		currency = settings.Currency
	}

	engine, err := estimate.NewEngine(ctx, storage.NewSource(dataPath, 0), estimate.Config{Currency: currency})
	if err != nil {
		return estimate.Result{}, err
	}
	return engine.Estimate(ctx, req)
}
