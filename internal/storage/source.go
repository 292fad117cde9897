package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"carprice/internal/registry"
)

const defaultSourceTimeout = 5 * time.Second

// Source reads snapshots from a store directory owned by another process.
// Each call opens the database read-only and closes it before returning, so
// a writer is only locked out for the duration of a call.
type Source struct {
	dbPath  string
	timeout time.Duration
}

// NewSource returns a Source over the store in dataPath. timeout bounds the
// wait for the file lock; zero selects a default.
func NewSource(dataPath string, timeout time.Duration) *Source {
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	return &Source{dbPath: filepath.Join(dataPath, DBFile), timeout: timeout}
}

func (s *Source) open() (*Store, error) {
	db, err := bbolt.Open(s.dbPath, 0o600, &bbolt.Options{ReadOnly: true, Timeout: s.timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.View(func(tx *bbolt.Tx) error {
		for _, name := range []string{snapshotsBucket, versionsBucket, metaBucket} {
			if tx.Bucket([]byte(name)) == nil {
				return fmt.Errorf("%w: missing %s bucket", ErrNoActiveVersion, name)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	c, err := newCodec(0)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, codec: c}, nil
}

// ActiveVersion returns the active version.
func (s *Source) ActiveVersion() (string, error) {
	store, err := s.open()
	if err != nil {
		return "", err
	}
	defer store.Close()
	return store.ActiveVersion()
}

// Active loads the active snapshot.
func (s *Source) Active(ctx context.Context) (*registry.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, err := s.open()
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Active(ctx)
}

// Versions lists stored versions, newest first.
func (s *Source) Versions() ([]VersionInfo, error) {
	store, err := s.open()
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Versions()
}
