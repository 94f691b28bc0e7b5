// Package archive persists published model bundles in BadgerDB so a
// restarted engine can resume scoring without retraining.
package archive

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/hed1ad/eventguard/pkg/logging"
	"github.com/hed1ad/eventguard/pkg/pipeline"
)

const (
	prefixBundle  = "bundle:"
	prefixSummary = "summary:"
)

var (
	// ErrNotFound is returned when no bundle is stored under a version.
	ErrNotFound = errors.New("archive: bundle not found")
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("archive: closed")
)

// Config holds archive settings. An empty Path keeps bundles in memory.
type Config struct {
	Path       string `koanf:"path"`
	Keep       int    `koanf:"keep"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// DefaultConfig returns the default archive settings.
func DefaultConfig() Config {
	return Config{Path: "data/models", Keep: 10, SyncWrites: true}
}

// Validate reports unusable settings.
func (c Config) Validate() error {
	if c.Keep < 0 {
		return fmt.Errorf("keep must not be negative, got %d", c.Keep)
	}
	return nil
}

// Archive stores encoded bundles keyed by version. It is safe for
// concurrent use.
type Archive struct {
	db     *badger.DB
	codec  *pipeline.Codec
	keep   int
	closed atomic.Bool
	log    zerolog.Logger
}

// Open opens or creates the archive described by cfg.
func Open(cfg Config, codec *pipeline.Codec) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid archive config: %w", err)
	}
	if codec == nil {
		codec = pipeline.NewCodec()
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.Path == "" {
		opts.InMemory = true
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	a := &Archive{
		db:    db,
		codec: codec,
		keep:  cfg.Keep,
		log:   logging.WithComponent("archive"),
	}
	a.log.Debug().Str("path", cfg.Path).Int("keep", cfg.Keep).Msg("model archive opened")
	return a, nil
}

func key(prefix string, version uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", prefix, version)
}

func versionOf(k []byte, prefix string) (uint64, error) {
	return strconv.ParseUint(string(k[len(prefix):]), 10, 64)
}

// Save stores b and prunes old bundles beyond the configured keep count.
func (a *Archive) Save(b *pipeline.Bundle) error {
	if a.closed.Load() {
		return ErrClosed
	}
	data, err := a.codec.Encode(b)
	if err != nil {
		return err
	}
	summary, err := json.Marshal(b.Summary())
	if err != nil {
		return fmt.Errorf("archive: encode summary: %w", err)
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key(prefixBundle, b.Version), data); err != nil {
			return err
		}
		return txn.Set(key(prefixSummary, b.Version), summary)
	})
	if err != nil {
		return fmt.Errorf("archive: save v%d: %w", b.Version, err)
	}
	a.log.Debug().Uint64("version", b.Version).Int("bytes", len(data)).Msg("bundle archived")

	if a.keep > 0 {
		if _, err := a.Prune(a.keep); err != nil {
			return err
		}
	}
	return nil
}

// Load decodes the bundle stored under version.
func (a *Archive) Load(version uint64) (*pipeline.Bundle, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	var data []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixBundle, version))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: load v%d: %w", version, err)
	}
	return a.codec.Decode(data)
}

// Latest decodes the bundle with the highest version.
func (a *Archive) Latest() (*pipeline.Bundle, error) {
	versions, err := a.Versions()
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return a.Load(versions[len(versions)-1])
}

// Versions lists stored versions in ascending order.
func (a *Archive) Versions() ([]uint64, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	var versions []uint64
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixBundle)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := versionOf(it.Item().Key(), prefixBundle)
			if err != nil {
				a.log.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skipping malformed archive key")
				continue
			}
			versions = append(versions, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return versions, nil
}

// List returns the summaries of stored bundles, oldest first. Detector
// state is not decoded.
func (a *Archive) List() ([]pipeline.Summary, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	summaries := []pipeline.Summary{}
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixSummary)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s pipeline.Summary
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			})
			if err != nil {
				a.log.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skipping unreadable summary")
				continue
			}
			summaries = append(summaries, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return summaries, nil
}

// Prune deletes all but the newest keep bundles and returns how many were
// removed.
func (a *Archive) Prune(keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("archive: prune must keep at least one bundle, got %d", keep)
	}
	versions, err := a.Versions()
	if err != nil {
		return 0, err
	}
	if len(versions) <= keep {
		return 0, nil
	}
	stale := versions[:len(versions)-keep]

	err = a.db.Update(func(txn *badger.Txn) error {
		for _, v := range stale {
			if err := txn.Delete(key(prefixBundle, v)); err != nil {
				return err
			}
			if err := txn.Delete(key(prefixSummary, v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive: prune: %w", err)
	}
	a.log.Debug().Int("removed", len(stale)).Int("kept", keep).Msg("archive pruned")
	return len(stale), nil
}

// Close releases the database. It is safe to call more than once.
func (a *Archive) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.db.Close()
}
