package shellcache

import (
	"context"
	"sort"
	"sync"
)

type memoryBucket struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// MemoryStorage keeps stores in process memory. A handle obtained before its
// store was deleted keeps working on the detached entries.
type MemoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{buckets: map[string]*memoryBucket{}}
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		b = &memoryBucket{entries: map[string]CacheEntry{}}
		s.buckets[name] = b
	}
	return b, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	delete(s.buckets, name)
	return ok, nil
}

func (s *MemoryStorage) Close() error { return nil }

func (b *memoryBucket) Get(ctx context.Context, key string) (CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ent, ok := b.entries[key]
	if !ok {
		return CacheEntry{}, ErrNotFound
	}
	return ent.clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, key string, ent CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.entries[key] = ent.clone()
	b.mu.Unlock()
	return nil
}

func (b *memoryBucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	out := make([]string, 0, len(b.entries))
	for k := range b.entries {
		out = append(out, k)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Usage reports entry counts and body sizes per store.
func (s *MemoryStorage) Usage() map[string]StoreUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StoreUsage, len(s.buckets))
	for name, b := range s.buckets {
		var u StoreUsage
		b.mu.RLock()
		for _, ent := range b.entries {
			u.Entries++
			u.Bytes += int64(len(ent.Body))
		}
		b.mu.RUnlock()
		out[name] = u
	}
	return out
}
