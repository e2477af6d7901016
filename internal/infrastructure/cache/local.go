package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// localEntry is one in-process cache slot. An entry is fresh until
// freshUntil, stale-but-servable until hardExpireAt, and dead afterwards.
type localEntry struct {
	value        []byte
	freshUntil   time.Time
	hardExpireAt time.Time
	createdAt    time.Time
}

// LocalStore is the in-process cache tier: an LRU-capped map with a stale
// window per entry. The LRU cap bounds memory; hard-expired entries are
// dropped on read.
type LocalStore struct {
	entries *lru.Cache
	now     func() time.Time
}

func NewLocalStore(size int) (*LocalStore, error) {
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &LocalStore{entries: entries, now: time.Now}, nil
}

// Get returns the cached value. isStale is true when the fresh TTL has
// passed but the stale window has not.
func (s *LocalStore) Get(key string) (value []byte, found, isStale bool) {
	raw, ok := s.entries.Get(key)
	if !ok {
		return nil, false, false
	}
	entry := raw.(localEntry)
	now := s.now()
	if now.After(entry.hardExpireAt) {
		s.entries.Remove(key)
		return nil, false, false
	}
	return entry.value, true, now.After(entry.freshUntil)
}

// Set stores a value with a fresh TTL and a stale window. staleTTL is the
// total lifetime and is clamped to at least ttl.
func (s *LocalStore) Set(key string, value []byte, ttl, staleTTL time.Duration) {
	if staleTTL < ttl {
		staleTTL = ttl
	}
	now := s.now()
	s.entries.Add(key, localEntry{
		value:        value,
		freshUntil:   now.Add(ttl),
		hardExpireAt: now.Add(staleTTL),
		createdAt:    now,
	})
}

// CreatedAt returns when the entry was written, for refresh scheduling.
func (s *LocalStore) CreatedAt(key string) (time.Time, bool) {
	raw, ok := s.entries.Get(key)
	if !ok {
		return time.Time{}, false
	}
	return raw.(localEntry).createdAt, true
}

func (s *LocalStore) Delete(key string) {
	s.entries.Remove(key)
}

func (s *LocalStore) Len() int {
	return s.entries.Len()
}
