package geom

import (
	"sync"

	"github.com/heliotropium72/plumeflux/model"
)

// Event is emitted to subscribers when the store swaps in a new field.
type Event struct {
	Version uint64
	Field   *Field
}

// Store holds the current geometry field and swaps it atomically on
// rebuild. Consumers keep whatever field reference they fetched;
// version stamps let downstream code detect when results were derived
// from stale geometry.
type Store struct {
	mu      sync.RWMutex
	field   *Field
	version uint64

	subs []func(Event)
}

// NewStore constructs an empty store; Current fails until the first
// Rebuild or Install.
func NewStore() *Store {
	return &Store{}
}

// Current returns the live field, or ErrNoField before the first
// build.
func (s *Store) Current() (*Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.field == nil {
		return nil, ErrNoField
	}
	return s.field, nil
}

// Version returns the version of the live field, 0 if none.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Rebuild computes a fresh field and swaps it in under the next
// version. The build runs outside the lock, so readers stay on the
// previous field until the swap.
func (s *Store) Rebuild(pose model.CameraPose, terr Terrain, plumeAltM float64, set Settings) (*Field, error) {
	f, err := Build(pose, terr, plumeAltM, set)
	if err != nil {
		return nil, err
	}
	s.install(f)
	return f, nil
}

// Install adopts an externally built field (synthetic scenes, tests)
// under the next version.
func (s *Store) Install(f *Field) *Field {
	s.install(f)
	return f
}

func (s *Store) install(f *Field) {
	s.mu.Lock()
	s.version++
	f.Version = s.version
	s.field = f
	event := Event{Version: s.version, Field: f}
	subs := append([]func(Event){}, s.subs...)
	s.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(event)
	}
}

// Subscribe registers a callback for field swaps. It returns an
// unsubscribe function.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < 0 || idx >= len(s.subs) {
			return
		}
		s.subs = append(s.subs[:idx], s.subs[idx+1:]...)
		idx = -1
	}
}
