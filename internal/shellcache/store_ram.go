package shellcache

import (
	"context"
	"errors"
	"sync"
)

// ramStorage fronts a persistent backend with a byte-bounded LRU per store.
// Writes go through to the backend; reads are served from RAM when possible.
type ramStorage struct {
	backend  Storage
	maxBytes int64

	mu  sync.Mutex
	ram map[string]*ramCache
}

func newRAMStorage(backend Storage, maxBytes int64) *ramStorage {
	return &ramStorage{backend: backend, maxBytes: maxBytes, ram: map[string]*ramCache{}}
}

func (s *ramStorage) Open(ctx context.Context, name string) (Store, error) {
	st, err := s.backend.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	c, ok := s.ram[name]
	if !ok {
		c = newRAMCache(s.maxBytes)
		s.ram[name] = c
	}
	s.mu.Unlock()
	return &ramStore{backend: st, ram: c}, nil
}

func (s *ramStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	delete(s.ram, name)
	s.mu.Unlock()
	return s.backend.Delete(ctx, name)
}

func (s *ramStorage) Close() error {
	return s.backend.Close()
}

// RAMBytes is the total size held in the RAM fronts.
func (s *ramStorage) RAMBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, c := range s.ram {
		total += c.TotalSize()
	}
	return total
}

func (s *ramStorage) Usage() map[string]StoreUsage {
	if u, ok := s.backend.(usageReporter); ok {
		return u.Usage()
	}
	return nil
}

type ramStore struct {
	backend Store
	ram     *ramCache
}

func (st *ramStore) Get(ctx context.Context, key string) (CacheEntry, error) {
	if ent, ok := st.ram.Get(key); ok {
		return ent.clone(), nil
	}
	ent, err := st.backend.Get(ctx, key)
	if err != nil {
		return CacheEntry{}, err
	}
	st.ram.Put(key, ent)
	return ent, nil
}

func (st *ramStore) Put(ctx context.Context, key string, ent CacheEntry) error {
	if err := st.backend.Put(ctx, key, ent); err != nil {
		st.ram.Delete(key)
		return err
	}
	st.ram.Put(key, ent.clone())
	return nil
}

func (st *ramStore) Delete(ctx context.Context, key string) error {
	st.ram.Delete(key)
	err := st.backend.Delete(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (st *ramStore) Keys(ctx context.Context) ([]string, error) {
	return st.backend.Keys(ctx)
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func entrySize(ent CacheEntry) int64 {
	sz := int64(len(ent.Body))
	for k, vs := range ent.Header {
		sz += int64(len(k))
		for _, v := range vs {
			sz += int64(len(v))
		}
	}
	return sz
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

func (c *ramCache) Put(key string, ent CacheEntry) {
	sz := entrySize(ent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.remove(it)
		delete(c.items, key)
		c.total -= it.size
	}
	if c.maxBytes > 0 && sz > c.maxBytes {
		// too big for RAM, the backend still has it
		return
	}
	for c.maxBytes > 0 && c.total+sz > c.maxBytes && c.tail != nil {
		c.evictLocked()
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

// evictLocked drops the least-recently-used 10% of items.
func (c *ramCache) evictLocked() {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		it := c.tail
		if it == nil {
			return
		}
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
