package shellcache_test

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"shellcache/internal/shellcache"
)

// fakeFetcher serves bodies by request URI. Unknown URIs get a 404.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	fail   map[string]error
	calls  []shellcache.FetchRequest
}

func newFakeFetcher(bodies map[string]string) *fakeFetcher {
	return &fakeFetcher{
		bodies: bodies,
		status: map[string]int{},
		fail:   map[string]error{},
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, req shellcache.FetchRequest) (shellcache.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.fail[req.URI]; err != nil {
		return shellcache.CacheEntry{}, err
	}
	body, ok := f.bodies[req.URI]
	if !ok {
		return shellcache.NewCacheEntry(http.StatusNotFound, nil, []byte("not found")), nil
	}
	status := http.StatusOK
	if s, ok := f.status[req.URI]; ok {
		status = s
	}
	h := http.Header{"Content-Type": {"text/plain"}}
	return shellcache.NewCacheEntry(status, h, []byte(body)), nil
}

func (f *fakeFetcher) set(uri, body string) {
	f.mu.Lock()
	f.bodies[uri] = body
	f.mu.Unlock()
}

func (f *fakeFetcher) failWith(uri string, err error) {
	f.mu.Lock()
	f.fail[uri] = err
	f.mu.Unlock()
}

func (f *fakeFetcher) setStatus(uri string, status int) {
	f.mu.Lock()
	f.status[uri] = status
	f.mu.Unlock()
}

// URIs returns the fetched URIs, sorted.
func (f *fakeFetcher) URIs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.URI)
	}
	sort.Strings(out)
	return out
}

func (f *fakeFetcher) Requests() []shellcache.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shellcache.FetchRequest(nil), f.calls...)
}

func (f *fakeFetcher) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// fakeHost records host calls and runs background work inline.
type fakeHost struct {
	mu          sync.Mutex
	skipWaiting int
	claimed     []*shellcache.Worker
}

func (h *fakeHost) SkipWaiting(*shellcache.Worker) {
	h.mu.Lock()
	h.skipWaiting++
	h.mu.Unlock()
}

func (h *fakeHost) Claim(w *shellcache.Worker) {
	h.mu.Lock()
	h.claimed = append(h.claimed, w)
	h.mu.Unlock()
}

func (h *fakeHost) Go(fn func(ctx context.Context)) {
	fn(context.Background())
}

func (h *fakeHost) Claimed() []*shellcache.Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*shellcache.Worker(nil), h.claimed...)
}

func newTestWorker(m shellcache.Manifest, st shellcache.Storage, f shellcache.Fetcher, h shellcache.Host) *shellcache.Worker {
	return shellcache.NewWorker(shellcache.WorkerOptions{
		Manifest:    m,
		Storage:     st,
		Fetcher:     f,
		Host:        h,
		Concurrency: 4,
	})
}

func install(t *testing.T, w *shellcache.Worker) {
	t.Helper()
	task := w.Dispatch(context.Background(), shellcache.Event{Kind: shellcache.EventInstall})
	require.NotNil(t, task)
	_, err := task.Wait(context.Background())
	require.NoError(t, err)
}

func activate(t *testing.T, w *shellcache.Worker) shellcache.ActivationResult {
	t.Helper()
	task := w.Dispatch(context.Background(), shellcache.Event{Kind: shellcache.EventActivate})
	require.NotNil(t, task)
	_, err := task.Wait(context.Background())
	require.NoError(t, err)
	res, ok := w.LastActivation()
	require.True(t, ok)
	return res
}

func installAndActivate(t *testing.T, w *shellcache.Worker) shellcache.ActivationResult {
	t.Helper()
	install(t, w)
	return activate(t, w)
}

func storeKeys(t *testing.T, st shellcache.Storage, name string) []string {
	t.Helper()
	s, err := st.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := s.Keys(context.Background())
	require.NoError(t, err)
	if keys == nil {
		keys = []string{}
	}
	return keys
}

func storeBody(t *testing.T, st shellcache.Storage, name, key string) string {
	t.Helper()
	s, err := st.Open(context.Background(), name)
	require.NoError(t, err)
	ent, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	return string(ent.Body)
}

func fetch(t *testing.T, w *shellcache.Worker, method, uri string) (*shellcache.Task, shellcache.Response, error) {
	t.Helper()
	task := w.Dispatch(context.Background(), shellcache.Event{
		Kind:    shellcache.EventFetch,
		Request: &shellcache.FetchRequest{Method: method, URI: uri},
	})
	if task == nil {
		return nil, shellcache.Response{}, nil
	}
	resp, err := task.Wait(context.Background())
	return task, resp, err
}

// failingStorage wraps a Storage and makes Keys fail on one named store.
type failingStorage struct {
	shellcache.Storage
	failKeysOn string
}

var errBrokenStore = errors.New("broken store")

func (s *failingStorage) Open(ctx context.Context, name string) (shellcache.Store, error) {
	st, err := s.Storage.Open(ctx, name)
	if err != nil || name != s.failKeysOn {
		return st, err
	}
	return failingKeysStore{st}, nil
}

type failingKeysStore struct {
	shellcache.Store
}

func (failingKeysStore) Keys(context.Context) ([]string, error) {
	return nil, errBrokenStore
}

// countingStorage counts Put calls per store and key.
type countingStorage struct {
	shellcache.Storage

	mu   sync.Mutex
	puts map[string]int
}

func newCountingStorage(st shellcache.Storage) *countingStorage {
	return &countingStorage{Storage: st, puts: map[string]int{}}
}

func (s *countingStorage) Open(ctx context.Context, name string) (shellcache.Store, error) {
	st, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingStore{Store: st, name: name, owner: s}, nil
}

func (s *countingStorage) Puts(name, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[name+" "+key]
}

type countingStore struct {
	shellcache.Store
	name  string
	owner *countingStorage
}

func (st *countingStore) Put(ctx context.Context, key string, ent shellcache.CacheEntry) error {
	st.owner.mu.Lock()
	st.owner.puts[st.name+" "+key]++
	st.owner.mu.Unlock()
	return st.Store.Put(ctx, key, ent)
}
