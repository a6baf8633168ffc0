package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"
)

const memoryCleanupInterval = 5 * time.Minute

// MemoryIndex is the single-process index. Session links live in a mutex-guarded
// map; revoked ids live in a TTL cache that forgets them once the token expires.
type MemoryIndex struct {
	mu      sync.Mutex
	links   map[string]map[string]time.Time
	revoked *cache.Cache
	clock   clockwork.Clock
}

// MemoryOption customises a MemoryIndex.
type MemoryOption func(*MemoryIndex)

// WithClock sets the clock used to judge link expiry.
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(m *MemoryIndex) { m.clock = clock }
}

// NewMemoryIndex returns an empty in-memory index.
func NewMemoryIndex(opts ...MemoryOption) *MemoryIndex {
	m := &MemoryIndex{
		links:   make(map[string]map[string]time.Time),
		revoked: cache.New(cache.NoExpiration, memoryCleanupInterval),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Link implements Index.
func (m *MemoryIndex) Link(_ context.Context, sid, jti string, expiresAt time.Time) error {
	if sid == "" {
		return nil
	}
	if jti == "" {
		return errEmptyJTI
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.links[sid]
	if !ok {
		set = make(map[string]time.Time)
		m.links[sid] = set
	}
	set[jti] = expiresAt
	return nil
}

// RevokeBySID implements Index.
func (m *MemoryIndex) RevokeBySID(_ context.Context, sid string) (int, error) {
	if sid == "" {
		return 0, nil
	}
	m.mu.Lock()
	set := m.links[sid]
	delete(m.links, sid)
	m.mu.Unlock()

	now := m.clock.Now()
	revoked := 0
	for jti, exp := range set {
		ttl := cache.NoExpiration
		if !exp.IsZero() {
			ttl = exp.Sub(now)
			if ttl <= 0 {
				// already expired; verification rejects it without our help
				continue
			}
		}
		if _, found := m.revoked.Get(jti); !found {
			revoked++
		}
		m.revoked.Set(jti, struct{}{}, ttl)
	}
	return revoked, nil
}

// IsRevoked implements Index.
func (m *MemoryIndex) IsRevoked(_ context.Context, jti string) (bool, error) {
	_, found := m.revoked.Get(jti)
	return found, nil
}

// Sweep drops links whose tokens have expired and purges expired revoked ids.
func (m *MemoryIndex) Sweep(_ context.Context) (int, error) {
	now := m.clock.Now()
	removed := 0
	m.mu.Lock()
	for sid, set := range m.links {
		for jti, exp := range set {
			if !exp.IsZero() && !now.Before(exp) {
				delete(set, jti)
				removed++
			}
		}
		if len(set) == 0 {
			delete(m.links, sid)
		}
	}
	m.mu.Unlock()
	m.revoked.DeleteExpired()
	return removed, nil
}

// Sessions reports how many sids currently hold links.
func (m *MemoryIndex) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Close implements Index.
func (m *MemoryIndex) Close() error {
	m.revoked.Flush()
	return nil
}
