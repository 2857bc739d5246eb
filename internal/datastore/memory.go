package datastore

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// replayCacheSize bounds the nonce cache so a flood of unique token ids
// cannot grow memory without limit.
const replayCacheSize = 100_000

type quotaCounters struct {
	secWindow string
	sec       int64
	dayWindow string
	day       int64
	monWindow string
	month     int64
}

// MemoryStore keeps all shared state in process. Suitable for a single
// node or for tests.
type MemoryStore struct {
	mu     sync.Mutex
	quotas map[string]*quotaCounters
	stats  map[string]statsEntry

	nonces *lru.Cache[string, time.Time]
}

type statsEntry struct {
	view    StatsView
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	nonces, _ := lru.New[string, time.Time](replayCacheSize)
	return &MemoryStore{
		quotas: make(map[string]*quotaCounters),
		stats:  make(map[string]statsEntry),
		nonces: nonces,
	}
}

func (m *MemoryStore) IncrQuotas(_ context.Context, clientID string, now time.Time) (QuotaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.quotas[clientID]
	if c == nil {
		c = &quotaCounters{}
		m.quotas[clientID] = c
	}

	if w := secWindow(now); c.secWindow != w {
		c.secWindow, c.sec = w, 0
	}
	if w := dayWindow(now); c.dayWindow != w {
		c.dayWindow, c.day = w, 0
	}
	if w := monthWindow(now); c.monWindow != w {
		c.monWindow, c.month = w, 0
	}

	c.sec++
	c.day++
	c.month++

	return QuotaState{WithinSecond: c.sec, WithinDay: c.day, WithinMonth: c.month}, nil
}

func (m *MemoryStore) CheckAndStoreNonce(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if expiry, ok := m.nonces.Get(jti); ok && expiry.After(now) {
		return false, nil
	}
	m.nonces.Add(jti, now.Add(ttl))
	return true, nil
}

func (m *MemoryStore) PublishStats(_ context.Context, view StatsView, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[view.NodeID] = statsEntry{view: view, expires: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) ListStats(_ context.Context) ([]StatsView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	views := make([]StatsView, 0, len(m.stats))
	for id, e := range m.stats {
		if e.expires.Before(now) {
			delete(m.stats, id)
			continue
		}
		views = append(views, e.view)
	}
	return views, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
