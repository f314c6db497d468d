package shellcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<store>           marker, present while the store exists
//	e:<store>\x00<key>  gob-encoded CacheEntry
const (
	ldbMarkerPrefix = "n:"
	ldbEntryPrefix  = "e:"
)

// LevelDBStorage persists stores in a single goleveldb database.
type LevelDBStorage struct {
	db *leveldb.DB

	mu    sync.Mutex
	index map[string]map[string]int64 // store -> key -> encoded size
}

// OpenLevelDBStorage opens (or creates) the database at path.
func OpenLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newLevelDBStorage(db)
}

// NewLevelDBMemStorage returns a leveldb-backed storage that lives in memory.
func NewLevelDBMemStorage() (*LevelDBStorage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newLevelDBStorage(db)
}

func newLevelDBStorage(db *leveldb.DB) (*LevelDBStorage, error) {
	s := &LevelDBStorage{db: db, index: map[string]map[string]int64{}}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelDBStorage) loadIndex() error {
	idx := map[string]map[string]int64{}

	it := s.db.NewIterator(util.BytesPrefix([]byte(ldbMarkerPrefix)), nil)
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(ldbMarkerPrefix)))
		idx[name] = map[string]int64{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(ldbEntryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		rest := string(bytes.TrimPrefix(it.Key(), []byte(ldbEntryPrefix)))
		name, key, ok := strings.Cut(rest, "\x00")
		if !ok {
			continue
		}
		keys := idx[name]
		if keys == nil {
			keys = map[string]int64{}
			idx[name] = keys
		}
		keys[key] = int64(len(it.Value()))
	}
	if err := it.Error(); err != nil {
		return err
	}

	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()
	return nil
}

func (s *LevelDBStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, ok := s.index[name]
	if !ok {
		s.index[name] = map[string]int64{}
	}
	s.mu.Unlock()
	if !ok {
		if err := s.db.Put([]byte(ldbMarkerPrefix+name), nil, nil); err != nil {
			return nil, err
		}
	}
	return &levelDBStore{s: s, name: name}, nil
}

func (s *LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(ldbMarkerPrefix + name))
	it := s.db.NewIterator(util.BytesPrefix([]byte(ldbEntryPrefix+storeKey(name, ""))), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	s.mu.Lock()
	_, existed := s.index[name]
	delete(s.index, name)
	s.mu.Unlock()
	return existed, nil
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

// Usage reports entry counts and encoded sizes per store.
func (s *LevelDBStorage) Usage() map[string]StoreUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StoreUsage, len(s.index))
	for name, keys := range s.index {
		var u StoreUsage
		for _, sz := range keys {
			u.Entries++
			u.Bytes += sz
		}
		out[name] = u
	}
	return out
}

type levelDBStore struct {
	s    *LevelDBStorage
	name string
}

func (st *levelDBStore) entryKey(key string) []byte {
	return []byte(ldbEntryPrefix + storeKey(st.name, key))
}

func (st *levelDBStore) Get(ctx context.Context, key string) (CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, err
	}
	b, err := st.s.db.Get(st.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, err
	}
	return ent, nil
}

func (st *levelDBStore) Put(ctx context.Context, key string, ent CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(ldbMarkerPrefix+st.name), nil)
	batch.Put(st.entryKey(key), b)
	if err := st.s.db.Write(batch, nil); err != nil {
		return err
	}
	st.s.mu.Lock()
	keys := st.s.index[st.name]
	if keys == nil {
		keys = map[string]int64{}
		st.s.index[st.name] = keys
	}
	keys[key] = int64(len(b))
	st.s.mu.Unlock()
	return nil
}

func (st *levelDBStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := st.s.db.Delete(st.entryKey(key), nil); err != nil {
		return err
	}
	st.s.mu.Lock()
	delete(st.s.index[st.name], key)
	st.s.mu.Unlock()
	return nil
}

func (st *levelDBStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := st.entryKey("")
	it := st.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
