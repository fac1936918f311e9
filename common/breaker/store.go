package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/fluxline/engine/common/cache"
	"github.com/fluxline/engine/common/models"
)

// Store persists breaker rows keyed by circuit id.
//
// Save applies optimistic locking: expectedUpdatedAt must equal the stored
// row's UpdatedAt (the zero time inserts a new row). A false return means
// another writer won and the caller should re-read and re-apply.
type Store interface {
	Get(ctx context.Context, circuitID string) (*models.CircuitBreakerState, error)
	Save(ctx context.Context, state *models.CircuitBreakerState, expectedUpdatedAt time.Time) (bool, error)
}

// MemoryStore is an in-process Store for tests and single-node setups
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*models.CircuitBreakerState
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*models.CircuitBreakerState)}
}

// Get returns a copy of the stored row, nil when absent
func (s *MemoryStore) Get(ctx context.Context, circuitID string) (*models.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[circuitID]
	if !ok {
		return nil, nil
	}
	return row.Clone(), nil
}

// Save stores a copy of the row when the version guard holds
func (s *MemoryStore) Save(ctx context.Context, state *models.CircuitBreakerState, expectedUpdatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rows[state.CircuitID]
	if !ok {
		if !expectedUpdatedAt.IsZero() {
			return false, nil
		}
		s.rows[state.CircuitID] = state.Clone()
		return true, nil
	}

	if !existing.UpdatedAt.Equal(expectedUpdatedAt) {
		return false, nil
	}
	s.rows[state.CircuitID] = state.Clone()
	return true, nil
}

// States returns the observed row per circuit, for assertions in tests
func (s *MemoryStore) States() map[string]models.CircuitBreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.CircuitBreakerState, len(s.rows))
	for id, row := range s.rows {
		out[id] = *row.Clone()
	}
	return out
}

// CachedStore wraps a Store with a short-TTL read-through cache to keep
// per-attempt admission checks off the hot row. Writes invalidate, so a
// worker observes its own transitions immediately; cross-worker changes
// surface within the TTL.
type CachedStore struct {
	inner Store
	cache *cache.LRU
}

// NewCachedStore wraps inner with an LRU of maxEntries rows cached for ttl
func NewCachedStore(inner Store, maxEntries int, ttl time.Duration) *CachedStore {
	return &CachedStore{
		inner: inner,
		cache: cache.NewLRU(maxEntries, ttl),
	}
}

// Get serves from cache when fresh, falling back to the inner store
func (s *CachedStore) Get(ctx context.Context, circuitID string) (*models.CircuitBreakerState, error) {
	if v, ok := s.cache.Get(circuitID); ok {
		return v.(*models.CircuitBreakerState).Clone(), nil
	}

	row, err := s.inner.Get(ctx, circuitID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	s.cache.Set(circuitID, row.Clone())
	return row, nil
}

// Save writes through and invalidates the cached row
func (s *CachedStore) Save(ctx context.Context, state *models.CircuitBreakerState, expectedUpdatedAt time.Time) (bool, error) {
	ok, err := s.inner.Save(ctx, state, expectedUpdatedAt)
	s.cache.Delete(state.CircuitID)
	return ok, err
}
