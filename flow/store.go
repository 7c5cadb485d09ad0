package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultStateTTL bounds how long a pending state waits for its callback.
const DefaultStateTTL = 10 * time.Minute

// ErrEmptyKey is returned when a store is asked to use an empty key.
var ErrEmptyKey = errors.New("flow: empty state key")

// StateStore persists the pending state between the request and callback phases. Keys are
// per-login (a nonce cookie, a session id). Take reads and deletes in one step so a state can
// only ever be consumed once.
type StateStore interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Take(ctx context.Context, key string) (string, bool, error)
}

// MemoryStore keeps pending states in process. Use it when request and callback hit the same
// instance.
type MemoryStore struct {
	mu sync.Mutex
	c  *gocache.Cache
}

// NewMemoryStore builds an in-process store; expired entries are swept every minute.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = DefaultStateTTL
	}
	return &MemoryStore{c: gocache.New(defaultTTL, time.Minute)}
}

// Put stores value under key, replacing any previous state.
func (m *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Set(key, value, ttl)
	return nil
}

// Take returns and removes the state under key.
func (m *MemoryStore) Take(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.c.Get(key)
	if !ok {
		return "", false, nil
	}
	m.c.Delete(key)
	s, _ := v.(string)
	return s, true, nil
}

// Len reports the number of unexpired pending states.
func (m *MemoryStore) Len() int {
	return m.c.ItemCount()
}
