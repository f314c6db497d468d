package shellcache

import (
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CacheEntry is a stored response.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash64   uint64
}

// NewCacheEntry builds an entry stamped with the current time and a digest
// of body.
func NewCacheEntry(status int, header http.Header, body []byte) CacheEntry {
	h := cloneHeader(header)
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Content-Length")
	return CacheEntry{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash64:   xxhash.Sum64(body),
	}
}

// OK reports whether the entry holds a 2xx response.
func (e CacheEntry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

func (e CacheEntry) clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Response is the outcome of an intercepted fetch.
type Response struct {
	Entry CacheEntry
	// Source is one of "hit", "miss", "network" or "fallback".
	Source string
}

const (
	sourceHit      = "hit"
	sourceMiss     = "miss"
	sourceNetwork  = "network"
	sourceFallback = "fallback"

	sourceBypass     = "bypass"
	sourceBadGateway = "bad-gateway"
)

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
