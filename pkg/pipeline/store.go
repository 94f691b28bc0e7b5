package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// DefaultRetain is how many published bundles a Store keeps by default.
const DefaultRetain = 5

// ErrUnknownVersion is returned for versions the store no longer retains.
var ErrUnknownVersion = errors.New("unknown model version")

// Store holds the active bundle and a bounded history of published ones.
// Readers take the active bundle with a single atomic load and keep using
// that bundle for the whole request even if a newer one is published.
type Store struct {
	active atomic.Pointer[Bundle]

	mu       sync.Mutex
	last     uint64
	retain   int
	retained []*Bundle // oldest first
}

// NewStore returns an empty store keeping up to retain bundles.
func NewStore(retain int) *Store {
	if retain < 1 {
		retain = DefaultRetain
	}
	return &Store{retain: retain}
}

// Active returns the bundle currently used for scoring, or nil before the
// first publish.
func (s *Store) Active() *Bundle {
	return s.active.Load()
}

// Publish assigns b the next version and makes it active. b itself is not
// modified; the published copy is returned.
func (s *Store) Publish(b *Bundle) (*Bundle, error) {
	if b == nil || b.Outlier == nil || b.Novelty == nil {
		return nil, errors.New("pipeline: publish of incomplete bundle")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last++
	pub := *b
	pub.Version = s.last
	s.install(&pub)
	return &pub, nil
}

// Adopt publishes b under its own version, for bundles restored from an
// archive. The version must be newer than anything published so far.
func (s *Store) Adopt(b *Bundle) error {
	if b == nil || b.Outlier == nil || b.Novelty == nil {
		return errors.New("pipeline: adopt of incomplete bundle")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Version <= s.last {
		return fmt.Errorf("pipeline: adopt version %d, store already at %d", b.Version, s.last)
	}
	s.last = b.Version
	pub := *b
	s.install(&pub)
	return nil
}

// install must be called with mu held.
func (s *Store) install(b *Bundle) {
	s.retained = append(s.retained, b)
	if over := len(s.retained) - s.retain; over > 0 {
		s.retained = slices.Delete(s.retained, 0, over)
	}
	s.active.Store(b)
}

// Get returns a retained bundle by version.
func (s *Store) Get(version uint64) (*Bundle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.retained {
		if b.Version == version {
			return b, true
		}
	}
	return nil, false
}

// Versions lists the retained versions, oldest first.
func (s *Store) Versions() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.retained))
	for i, b := range s.retained {
		out[i] = b.Version
	}
	return out
}

// Rollback republishes a retained bundle under a new version number so
// versions stay strictly increasing.
func (s *Store) Rollback(version uint64) (*Bundle, error) {
	b, ok := s.Get(version)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return s.Publish(b)
}
