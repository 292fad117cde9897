package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSource_ReadsActiveSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, 3)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	snap := testSnapshot(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if _, err := store.Save(snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Activate(snap.Version); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	store.Close()

	src := NewSource(dir, 0)

	version, err := src.ActiveVersion()
	if err != nil {
		t.Fatalf("ActiveVersion failed: %v", err)
	}
	if version != snap.Version {
		t.Errorf("Expected active version %s, got %s", snap.Version, version)
	}

	loaded, err := src.Active(context.Background())
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if loaded.Registry.Len() != snap.Registry.Len() {
		t.Errorf("Expected %d segments, got %d", snap.Registry.Len(), loaded.Registry.Len())
	}

	versions, err := src.Versions()
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 1 || !versions[0].Active {
		t.Errorf("Expected one active version, got %+v", versions)
	}
}

func TestSource_ReleasesLockBetweenCalls(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, 2)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	store.Close()

	src := NewSource(dir, 0)
	if _, err := src.ActiveVersion(); !errors.Is(err, ErrNoActiveVersion) {
		t.Fatalf("Expected ErrNoActiveVersion, got %v", err)
	}

	// A writer can open the store right after a read.
	writer, err := New(dir, 2)
	if err != nil {
		t.Fatalf("Writer blocked after read: %v", err)
	}
	defer writer.Close()

	// While the writer holds the file, reads time out instead of blocking.
	blocked := NewSource(dir, 50*time.Millisecond)
	if _, err := blocked.ActiveVersion(); err == nil {
		t.Error("Expected read to fail while the writer holds the lock")
	}
}

func TestSource_MissingStore(t *testing.T) {
	src := NewSource(t.TempDir(), 50*time.Millisecond)
	if _, err := src.Active(context.Background()); err == nil {
		t.Error("Expected error for a directory without a store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Active(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
