package shellcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrFetchStatus is returned by bulk fetches when a response is not 2xx.
var ErrFetchStatus = errors.New("unexpected response status")

// FetchRequest describes one origin request.
type FetchRequest struct {
	Method string // GET when empty
	URI    string // origin-relative request URI
	Header http.Header
	Body   io.Reader
	// Reload bypasses any intermediate HTTP cache.
	Reload bool
}

// Fetcher issues network requests against the origin. A non-2xx response is
// not an error.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (CacheEntry, error)
}

// OriginFetcher fetches from a fixed origin with an http.Client.
type OriginFetcher struct {
	Origin string
	Client *http.Client
}

func (f *OriginFetcher) Fetch(ctx context.Context, fr FetchRequest) (CacheEntry, error) {
	method := fr.Method
	if method == "" {
		method = http.MethodGet
	}
	uri := fr.URI
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	req, err := http.NewRequestWithContext(ctx, method, f.Origin+uri, fr.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, fr.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if fr.Reload {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("read body of %s: %w", uri, err)
	}
	return NewCacheEntry(resp.StatusCode, resp.Header, body), nil
}

// hop-by-hop headers are not forwarded.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
