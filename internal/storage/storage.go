// Package storage persists trained snapshots. It uses BoltDB as the underlying
// storage engine, keeps every saved version, and tracks which version is
// active so that a bad retrain can be rolled back.
//
// Snapshot blobs are zstd-compressed JSON; version metadata is stored
// uncompressed so listing versions never decodes a full registry.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"carprice/internal/registry"
)

const (
	snapshotsBucket = "snapshots" // version -> compressed snapshot
	versionsBucket  = "versions"  // version -> VersionInfo
	metaBucket      = "meta"

	activeKey = "active"

	// DBFile is the database file name inside the data directory.
	DBFile = "carprice.db"
)

var (
	// ErrVersionNotFound is returned for unknown snapshot versions.
	ErrVersionNotFound = errors.New("snapshot version not found")
	// ErrNoActiveVersion is returned when no snapshot has been activated.
	ErrNoActiveVersion = errors.New("no active snapshot version")
	// ErrVersionExists is returned when saving a version twice.
	ErrVersionExists = errors.New("snapshot version already exists")
)

// VersionInfo describes a stored snapshot.
type VersionInfo struct {
	Version   string           `json:"version"`
	TrainedAt time.Time        `json:"trained_at"`
	SavedAt   time.Time        `json:"saved_at"`
	Summary   registry.Summary `json:"summary"`
	Size      int              `json:"size"`
	Active    bool             `json:"active"`
}

// Store provides persistent storage for snapshots using BoltDB.
type Store struct {
	db    *bbolt.DB
	codec *codec
}

// New opens (or creates) the store in dataPath. compressionLevel selects the
// zstd level, 1 (fastest) to 4 (best).
func New(dataPath string, compressionLevel int) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, DBFile)
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{snapshotsBucket, versionsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	c, err := newCodec(compressionLevel)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, codec: c}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.codec != nil {
		s.codec.close()
		s.codec = nil
	}
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Save stores a snapshot under its version. It does not activate it.
func (s *Store) Save(snap *registry.Snapshot) (VersionInfo, error) {
	if err := snap.Validate(); err != nil {
		return VersionInfo{}, fmt.Errorf("refusing to save invalid snapshot: %w", err)
	}

	blob, err := s.codec.encode(snap)
	if err != nil {
		return VersionInfo{}, err
	}

	info := VersionInfo{
		Version:   snap.Version,
		TrainedAt: snap.TrainedAt,
		SavedAt:   time.Now().UTC(),
		Summary:   snap.Summary,
		Size:      len(blob),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("marshal version info: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(snap.Version)
		if tx.Bucket([]byte(versionsBucket)).Get(key) != nil {
			return fmt.Errorf("%w: %s", ErrVersionExists, snap.Version)
		}
		if err := tx.Bucket([]byte(snapshotsBucket)).Put(key, blob); err != nil {
			return err
		}
		return tx.Bucket([]byte(versionsBucket)).Put(key, meta)
	})
	if err != nil {
		return VersionInfo{}, fmt.Errorf("failed to save snapshot: %w", err)
	}

	log.Info().
		Str("version", info.Version).
		Int("bytes", info.Size).
		Int("segments", info.Summary.TotalSegments).
		Msg("Snapshot saved")
	return info, nil
}

// Activate makes version the active snapshot.
func (s *Store) Activate(version string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(versionsBucket)).Get([]byte(version)) == nil {
			return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		return tx.Bucket([]byte(metaBucket)).Put([]byte(activeKey), []byte(version))
	})
	if err != nil {
		return err
	}

	log.Info().Str("version", version).Msg("Snapshot activated")
	return nil
}

// Rollback activates the newest version older than the active one.
func (s *Store) Rollback() (string, error) {
	versions, err := s.Versions()
	if err != nil {
		return "", err
	}
	if len(versions) < 2 {
		return "", fmt.Errorf("no previous version available for rollback")
	}

	currentIdx := -1
	for i, v := range versions {
		if v.Active {
			currentIdx = i
			break
		}
	}
	if currentIdx == -1 {
		return "", ErrNoActiveVersion
	}
	if currentIdx+1 >= len(versions) {
		return "", fmt.Errorf("no version older than %s", versions[currentIdx].Version)
	}

	previous := versions[currentIdx+1].Version
	if err := s.Activate(previous); err != nil {
		return "", err
	}
	return previous, nil
}

// Versions lists stored versions, newest first.
func (s *Store) Versions() ([]VersionInfo, error) {
	var versions []VersionInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		active := string(tx.Bucket([]byte(metaBucket)).Get([]byte(activeKey)))
		return tx.Bucket([]byte(versionsBucket)).ForEach(func(k, v []byte) error {
			var info VersionInfo
			if err := json.Unmarshal(v, &info); err != nil {
				log.Warn().Err(err).Str("version", string(k)).Msg("Skipping unreadable version info")
				return nil
			}
			info.Active = info.Version == active
			versions = append(versions, info)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	// version strings sort chronologically
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version > versions[j].Version
	})
	return versions, nil
}

// Load reads and validates a stored snapshot.
func (s *Store) Load(version string) (*registry.Snapshot, error) {
	var blob []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(snapshotsBucket)).Get([]byte(version))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		blob = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap, err := s.codec.decode(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", version, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("stored snapshot %s is invalid: %w", version, err)
	}
	return snap, nil
}

// ActiveVersion returns the active version.
func (s *Store) ActiveVersion() (string, error) {
	var version string
	err := s.db.View(func(tx *bbolt.Tx) error {
		version = string(tx.Bucket([]byte(metaBucket)).Get([]byte(activeKey)))
		return nil
	})
	if err != nil {
		return "", err
	}
	if version == "" {
		return "", ErrNoActiveVersion
	}
	return version, nil
}

// Active loads the active snapshot.
func (s *Store) Active(ctx context.Context) (*registry.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	version, err := s.ActiveVersion()
	if err != nil {
		return nil, err
	}
	return s.Load(version)
}

// Prune deletes all but the newest keep versions. The active version is
// never deleted. It returns the deleted versions.
func (s *Store) Prune(keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("keep must be at least 1, got %d", keep)
	}

	versions, err := s.Versions()
	if err != nil {
		return nil, err
	}

	var deleted []string
	err = s.db.Update(func(tx *bbolt.Tx) error {
		for i, v := range versions {
			if i < keep || v.Active {
				continue
			}
			key := []byte(v.Version)
			if err := tx.Bucket([]byte(snapshotsBucket)).Delete(key); err != nil {
				return err
			}
			if err := tx.Bucket([]byte(versionsBucket)).Delete(key); err != nil {
				return err
			}
			deleted = append(deleted, v.Version)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prune versions: %w", err)
	}

	if len(deleted) > 0 {
		log.Info().Strs("versions", deleted).Msg("Pruned snapshot versions")
	}
	return deleted, nil
}
