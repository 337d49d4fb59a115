package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a threadsafe in-process store for tests and single-node use.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memEntry
	// versions outlive values so a deleted or expired key never reuses one.
	versions map[string]int64
	sets     map[string]map[string]struct{}
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]memEntry),
		versions: make(map[string]int64),
		sets:     make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// live returns the entry if it exists and has not expired. Caller holds mu.
func (s *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := s.values[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.values, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Versioned, error) {
	if err := ctx.Err(); err != nil {
		return Versioned{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return Versioned{Version: s.versions[key]}, nil
	}
	return Versioned{Value: e.value, Version: s.versions[key], Found: true}, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, value, ttl), nil
}

// write stores value under the next version. Caller holds mu.
func (s *MemoryStore) write(key, value string, ttl time.Duration) int64 {
	s.versions[key]++
	s.values[key] = memEntry{value: value, expiresAt: s.expiry(ttl)}
	return s.versions[key]
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expected int64, value string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.versions[key]; cur != expected {
		return cur, ErrVersionConflict
	}
	return s.write(key, value, ttl), nil
}

func (s *MemoryStore) AddToSet(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	if set == nil {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

// Members returns the set sorted.
func (s *MemoryStore) Members(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
		delete(s.sets, k)
	}
	return nil
}

// TTL reports the remaining lifetime of a key, 0 when it has none.
func (s *MemoryStore) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.expiresAt.IsZero() {
		return 0
	}
	return e.expiresAt.Sub(s.now())
}

func (s *MemoryStore) Close() error { return nil }
