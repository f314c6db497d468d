package shellcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store names. They match the ones a generated Flutter service worker uses,
// so a record written by one can be read by the other.
const (
	TempCacheName     = "flutter-temp-cache"
	ContentCacheName  = "flutter-app-cache"
	ManifestCacheName = "flutter-app-manifest"

	manifestRecordKey = "manifest"
)

// ErrNotFound is returned by Store.Get for a missing key.
var ErrNotFound = errors.New("entry not found")

// Store is one named cache: request keys to stored responses.
type Store interface {
	Get(ctx context.Context, key string) (CacheEntry, error)
	Put(ctx context.Context, key string, ent CacheEntry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Storage holds the named stores.
type Storage interface {
	// Open returns the named store, creating it when absent.
	Open(ctx context.Context, name string) (Store, error)
	// Delete drops the named store and all its entries. It reports whether
	// the store existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// OpenStorage opens the backend selected by cfg.
func OpenStorage(cfg Config) (Storage, error) {
	var (
		backend Storage
		err     error
	)
	switch strings.ToLower(cfg.Storage.Backend) {
	case "", "leveldb":
		backend, err = OpenLevelDBStorage(cfg.Storage.Path)
	case "sqlite":
		backend, err = OpenSQLiteStorage(cfg.Storage.Path)
	case "memory":
		backend = NewMemoryStorage()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	if cfg.Storage.ramMaxBytes > 0 {
		return newRAMStorage(backend, cfg.Storage.ramMaxBytes), nil
	}
	return backend, nil
}

// copyEntries copies every entry of src into dst, overwriting same keys.
func copyEntries(ctx context.Context, dst, src Store) (int, error) {
	keys, err := src.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}
	n := 0
	for _, k := range keys {
		ent, err := src.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("get %q: %w", k, err)
		}
		if err := dst.Put(ctx, k, ent); err != nil {
			return n, fmt.Errorf("put %q: %w", k, err)
		}
		n++
	}
	return n, nil
}

// storeKey namespaces key under store name for backends that share one
// keyspace.
func storeKey(name, key string) string {
	return name + "\x00" + key
}

// StoreUsage summarises one store.
type StoreUsage struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// usageReporter is implemented by backends that can size their stores
// without reading them.
type usageReporter interface {
	Usage() map[string]StoreUsage
}
