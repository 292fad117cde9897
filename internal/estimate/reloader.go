package estimate

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// versionSource is implemented by providers that can report the active
// version without loading the snapshot.
type versionSource interface {
	ActiveVersion() (string, error)
}

// Reloader keeps an engine in step with the provider's active snapshot.
type Reloader struct {
	engine   *Engine
	provider SnapshotProvider
	interval time.Duration
}

// NewReloader creates a reloader polling provider every interval.
func NewReloader(engine *Engine, provider SnapshotProvider, interval time.Duration) *Reloader {
	return &Reloader{engine: engine, provider: provider, interval: interval}
}

// Run polls until ctx is done. Errors are logged and polling continues.
func (r *Reloader) Run(ctx context.Context) {
	if r.interval <= 0 {
		log.Info().Msg("Snapshot reloading disabled")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Check(ctx); err != nil {
				log.Warn().Err(err).Msg("Snapshot reload failed, keeping current snapshot")
			}
		}
	}
}

// Check swaps in the provider's active snapshot when its version differs from
// the engine's. It reports whether a swap happened.
func (r *Reloader) Check(ctx context.Context) (bool, error) {
	current := r.engine.Snapshot()
	r.engine.observeSnapshot(current)

	if vs, ok := r.provider.(versionSource); ok {
		version, err := vs.ActiveVersion()
		if err != nil {
			return false, err
		}
		if version == current.Version {
			return false, nil
		}
	}

	snap, err := r.provider.Active(ctx)
	if err != nil {
		return false, err
	}
	if snap.Version == current.Version {
		return false, nil
	}

	if _, err := r.engine.Swap(snap); err != nil {
		return false, err
	}
	return true, nil
}
