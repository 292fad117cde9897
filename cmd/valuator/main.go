package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"carprice/internal/api"
	"carprice/internal/cfg"
	"carprice/internal/estimate"
	"carprice/internal/metrics"
	"carprice/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	c, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	c.ConfigureLogging()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	source := storage.NewSource(c.DataPath, 0)

	var (
		engineMetrics estimate.MetricsInterface
		counter       api.RequestCounter
		metricsRoute  http.Handler
	)
	if c.MetricsEnabled {
		mw := metrics.NewWrapper(metrics.New())
		engineMetrics, counter = mw, mw
		metricsRoute = promhttp.Handler()
	}

	engine, err := estimate.NewEngine(ctx, source, estimate.Config{
		Currency: c.Currency,
		Metrics:  engineMetrics,
	})
	if err != nil {
		log.Fatal().Err(err).Str("data_path", c.DataPath).Msg("No snapshot to serve, run the trainer first")
	}

	server := api.NewServer(engine, api.Options{
		Port:           c.ListenPort,
		RequestTimeout: c.RequestTimeout,
		Counter:        counter,
		MetricsHandler: metricsRoute,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		estimate.NewReloader(engine, source, c.ReloadInterval).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		log.Info().Int("port", c.ListenPort).Msg("Valuation API listening")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down gracefully...")

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		log.Info().Msg("All goroutines stopped")
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout, forcing exit")
	}
}
