package shellcache_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shellcache/internal/shellcache"
)

// testOrigin is a static web build served over HTTP.
type testOrigin struct {
	mu       sync.Mutex
	files    map[string]string
	manifest string
	hits     map[string]int

	offline atomic.Bool
}

func newTestOrigin(t *testing.T) (*testOrigin, *httptest.Server) {
	t.Helper()
	o := &testOrigin{
		files: map[string]string{
			"/":             "<html>root</html>",
			"/index.html":   "<html>root</html>",
			"/main.dart.js": "main-v1",
			"/assets/a.png": "png-a",
			"/assets/b.png": "png-b",
		},
		hits: map[string]int{},
	}
	o.setManifest(`{
		"resources": {"/": "r1", "index.html": "r1", "main.dart.js": "m1", "assets/a.png": "a1", "assets/b.png": "b1"},
		"core": ["main.dart.js", "index.html"]
	}`)
	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)
	return o, srv
}

func (o *testOrigin) setManifest(doc string) {
	o.mu.Lock()
	o.manifest = doc
	o.mu.Unlock()
}

func (o *testOrigin) setFile(uri, body string) {
	o.mu.Lock()
	o.files[uri] = body
	o.mu.Unlock()
}

func (o *testOrigin) Hits(uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[uri]
}

func (o *testOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if o.offline.Load() {
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("origin: hijack unsupported")
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}

	uri := r.URL.RequestURI()
	o.mu.Lock()
	o.hits[uri]++
	manifest := o.manifest
	body, ok := o.files[uri]
	o.mu.Unlock()

	switch {
	case uri == "/manifest.json":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, manifest)
	case uri == "/manifest.json.gz":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = io.WriteString(zw, manifest)
		_ = zw.Close()
		_, _ = w.Write(buf.Bytes())
	case r.Method == http.MethodPost:
		b, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, "echo:"+string(b))
	case ok:
		// ServeContent answers Range and conditional requests like a static
		// file server does.
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("ETag", fmt.Sprintf(`"%016x"`, xxhash.Sum64String(body)))
		http.ServeContent(w, r, uri, time.Time{}, strings.NewReader(body))
	default:
		http.NotFound(w, r)
	}
}

func newTestService(t *testing.T, originURL, extra string) *shellcache.Service {
	t.Helper()
	doc := fmt.Sprintf("server: {origin: %q}\nstorage: {backend: memory}\nfetch: {concurrency: 2}\n%s", originURL, extra)
	if !strings.Contains(extra, "manifest:") {
		doc += "manifest: {url: /manifest.json}\n"
	}
	cfg, err := shellcache.ParseConfig([]byte(doc))
	require.NoError(t, err)
	svc, err := shellcache.NewService(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func post(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestService_ProxiesUntilClaimed(t *testing.T) {
	_, origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, "")
	proxy := httptest.NewServer(svc.Handler())
	defer proxy.Close()

	resp, body := get(t, proxy.URL+"/main.dart.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bypass", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, "main-v1", body)
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "X-Shellcache")
	assert.Nil(t, svc.Controller())
}

func TestService_InterceptsAfterActivation(t *testing.T) {
	o, origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, "")
	proxy := httptest.NewServer(svc.Handler())
	defer proxy.Close()

	require.NoError(t, svc.DiscoverOnce(context.Background()))
	w := svc.Controller()
	require.NotNil(t, w)
	assert.Equal(t, shellcache.StateActivated, w.State())
	assert.Equal(t, 1, o.Hits("/main.dart.js"))

	resp, body := get(t, proxy.URL+"/main.dart.js")
	assert.Equal(t, "hit", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, "main-v1", body)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, 1, o.Hits("/main.dart.js"), "core resources are served from cache")

	resp, _ = get(t, proxy.URL+"/assets/a.png")
	assert.Equal(t, "miss", resp.Header.Get("X-Shellcache"))
	resp, _ = get(t, proxy.URL+"/assets/a.png")
	assert.Equal(t, "hit", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, 1, o.Hits("/assets/a.png"))

	resp, _ = get(t, proxy.URL+"/api/data")
	assert.Equal(t, "bypass", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = post(t, proxy.URL+"/main.dart.js", "ping")
	assert.Equal(t, "bypass", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, "echo:ping", body)

	resp, _ = get(t, proxy.URL+"/")
	assert.Equal(t, "network", resp.Header.Get("X-Shellcache"))

	ss := svc.Status().Stats
	assert.Equal(t, uint64(2), ss.Hits)
	assert.Equal(t, uint64(1), ss.Misses)
	assert.Equal(t, uint64(1), ss.Network)
	assert.Equal(t, uint64(2), ss.Bypassed)
}

func TestService_Offline(t *testing.T) {
	o, origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, "")
	proxy := httptest.NewServer(svc.Handler())
	defer proxy.Close()

	require.NoError(t, svc.DiscoverOnce(context.Background()))
	resp, _ := get(t, proxy.URL+"/")
	require.Equal(t, "network", resp.Header.Get("X-Shellcache"))

	o.offline.Store(true)

	resp, body := get(t, proxy.URL+"/")
	assert.Equal(t, "fallback", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, "<html>root</html>", body)

	resp, body = get(t, proxy.URL+"/main.dart.js")
	assert.Equal(t, "hit", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, "main-v1", body)

	resp, _ = get(t, proxy.URL+"/assets/b.png")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bad-gateway", resp.Header.Get("X-Shellcache"))

	resp, _ = get(t, proxy.URL+"/api/data")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestService_Upgrade(t *testing.T) {
	o, origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, "")
	proxy := httptest.NewServer(svc.Handler())
	defer proxy.Close()

	ctx := context.Background()
	require.NoError(t, svc.DiscoverOnce(ctx))
	v1 := svc.Controller()
	require.NotNil(t, v1)

	// Same build: nothing is reinstalled.
	require.NoError(t, svc.DiscoverOnce(ctx))
	assert.Same(t, v1, svc.Controller())
	assert.Equal(t, 1, o.Hits("/main.dart.js"))

	o.setFile("/main.dart.js", "main-v2")
	o.setManifest(`{
		"resources": {"/": "r1", "index.html": "r1", "main.dart.js": "m2", "assets/a.png": "a1"},
		"core": ["main.dart.js", "index.html"]
	}`)
	require.NoError(t, svc.DiscoverOnce(ctx))

	v2 := svc.Controller()
	require.NotNil(t, v2)
	assert.NotEqual(t, v1.Version(), v2.Version())
	assert.Equal(t, shellcache.StateRedundant, v1.State())
	res, ok := v2.LastActivation()
	require.True(t, ok)
	assert.Equal(t, shellcache.OutcomeUpgraded, res.Outcome)

	resp, body := get(t, proxy.URL+"/main.dart.js")
	assert.Equal(t, "hit", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, "main-v2", body)

	// Dropped from the manifest: no longer intercepted.
	resp, _ = get(t, proxy.URL+"/assets/b.png")
	assert.Equal(t, "bypass", resp.Header.Get("X-Shellcache"))
}

func TestService_MessageEndpoint(t *testing.T) {
	_, origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, "")
	proxy := httptest.NewServer(svc.Handler())
	defer proxy.Close()

	resp, _ := post(t, proxy.URL+"/__shellcache/message", "downloadOffline")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no worker yet")

	require.NoError(t, svc.DiscoverOnce(context.Background()))

	resp, _ = post(t, proxy.URL+"/__shellcache/message", `"downloadOffline"`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Eventually(t, func() bool {
		return svc.Status().Stores[shellcache.ContentCacheName].Entries == 5
	}, 5*time.Second, 20*time.Millisecond)

	resp, _ = post(t, proxy.URL+"/__shellcache/message", "reload")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = post(t, proxy.URL+"/__shellcache/message?target=waiting", "skipWaiting")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = post(t, proxy.URL+"/__shellcache/message?target=everyone", "skipWaiting")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, proxy.URL+"/__shellcache/message?target=active", "skipWaiting")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestService_StatusEndpoint(t *testing.T) {
	_, origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, "")
	proxy := httptest.NewServer(svc.Handler())
	defer proxy.Close()

	require.NoError(t, svc.DiscoverOnce(context.Background()))

	resp, body := get(t, proxy.URL+"/__shellcache/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st shellcache.Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	require.NotNil(t, st.Controller)
	assert.Equal(t, svc.Controller().Version(), st.Controller.Version)
	assert.Equal(t, shellcache.StateActivated, st.Controller.State)
	assert.Equal(t, 5, st.Controller.Resources)
	assert.Equal(t, 2, st.Controller.Core)
	require.NotNil(t, st.Controller.Activation)
	assert.Equal(t, shellcache.OutcomeFresh, st.Controller.Activation.Outcome)
	assert.Equal(t, 2, st.Controller.Activation.Promoted)
	assert.Nil(t, st.Waiting)
	assert.NotNil(t, st.ClaimedAt)
	assert.Equal(t, 2, st.Stores[shellcache.ContentCacheName].Entries)
}

func TestService_DownloadOfflineNeedsController(t *testing.T) {
	_, origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, "")

	_, err := svc.DownloadOffline(context.Background())
	assert.ErrorIs(t, err, shellcache.ErrNoController)

	require.NoError(t, svc.DiscoverOnce(context.Background()))
	fetched, err := svc.DownloadOffline(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "assets/a.png", "assets/b.png"}, fetched)
}

func TestService_StartDiscoversInBackground(t *testing.T) {
	_, origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, "manifest: {url: manifest.json, rediscoverEvery: 50ms}\n")

	svc.Start()
	assert.Eventually(t, func() bool {
		return svc.Controller() != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestService_LoadManifest(t *testing.T) {
	_, origin := newTestOrigin(t)

	t.Run("gzipped body", func(t *testing.T) {
		svc := newTestService(t, origin.URL, "manifest: {url: /manifest.json.gz}\n")
		m, err := svc.LoadManifest(context.Background())
		require.NoError(t, err)
		assert.Len(t, m.Resources, 5)
	})

	t.Run("absolute url", func(t *testing.T) {
		svc := newTestService(t, "http://unused.invalid", fmt.Sprintf("manifest: {url: %q}\n", origin.URL+"/manifest.json"))
		m, err := svc.LoadManifest(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"main.dart.js", "index.html"}, m.Core)
	})

	t.Run("file with core override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "manifest.json")
		require.NoError(t, os.WriteFile(path,
			[]byte(`{"resources": {"a.js": "1", "b.js": "2"}, "core": ["a.js"]}`), 0o644))
		svc := newTestService(t, origin.URL, fmt.Sprintf("manifest: {path: %q, core: [b.js]}\n", path))

		m, err := svc.LoadManifest(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"b.js"}, m.Core)
	})

	t.Run("core override outside resources", func(t *testing.T) {
		svc := newTestService(t, origin.URL, "manifest: {url: /manifest.json, core: [missing.js]}\n")
		_, err := svc.LoadManifest(context.Background())
		assert.ErrorContains(t, err, "not a manifest resource")
	})

	t.Run("not found", func(t *testing.T) {
		svc := newTestService(t, origin.URL, "manifest: {url: /nope.json}\n")
		_, err := svc.LoadManifest(context.Background())
		assert.ErrorContains(t, err, "unexpected status 404")
	})
}

func TestService_RangeRequestDoesNotPoisonCache(t *testing.T) {
	o, origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, "")
	proxy := httptest.NewServer(svc.Handler())
	defer proxy.Close()
	require.NoError(t, svc.DiscoverOnce(context.Background()))

	req, err := http.NewRequest(http.MethodGet, origin.URL+"/assets/a.png", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-1")
	resp, body := do(t, req)
	require.Equal(t, http.StatusPartialContent, resp.StatusCode, "origin honours Range")
	require.Equal(t, "pn", body)

	req, err = http.NewRequest(http.MethodGet, proxy.URL+"/assets/a.png", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-1")
	resp, body = do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, "png-a", body)

	resp, body = get(t, proxy.URL+"/assets/a.png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, "png-a", body)
	assert.Equal(t, 2, o.Hits("/assets/a.png"))
}

func TestService_ConditionalRootStillServedOffline(t *testing.T) {
	o, origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, "")
	proxy := httptest.NewServer(svc.Handler())
	defer proxy.Close()
	require.NoError(t, svc.DiscoverOnce(context.Background()))

	resp, _ := get(t, origin.URL+"/")
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, err := http.NewRequest(http.MethodGet, proxy.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp, body := do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "network", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, "<html>root</html>", body)

	o.offline.Store(true)

	resp, body = get(t, proxy.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fallback", resp.Header.Get("X-Shellcache"))
	assert.Equal(t, "<html>root</html>", body)
}
