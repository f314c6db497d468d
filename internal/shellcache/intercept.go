package shellcache

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// handleFetch decides, before any I/O, whether the request is intercepted.
// Non-GET requests and URIs outside the manifest are left to the network.
func (w *Worker) handleFetch(ctx context.Context, ev Event) *Task {
	req := ev.Request
	if req == nil {
		return nil
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return nil
	}
	key := InterceptKey(req.URI)
	if !w.manifest.Has(key) {
		return nil
	}
	fr := *req
	fr.Header = withoutValidators(req.Header)
	if key == RootKey {
		return runTask(func() (Response, error) {
			return w.onlineFirst(ctx, fr)
		})
	}
	return runTask(func() (Response, error) {
		return w.cacheFirst(ctx, fr)
	})
}

// Client range and conditional headers. Intercepted fetches must bring back
// the full resource, never a partial body or a 304 for the client's copy.
var validatorHeaders = []string{
	"Range",
	"If-Range",
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
}

func withoutValidators(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for _, k := range validatorHeaders {
		out.Del(k)
	}
	return out
}

// cacheFirst serves the cached response, or fetches and caches it when the
// fetch succeeds with a 2xx status. Fetch errors are returned as is.
func (w *Worker) cacheFirst(ctx context.Context, req FetchRequest) (Response, error) {
	content, err := w.storage.Open(ctx, ContentCacheName)
	if err != nil {
		return Response{}, err
	}
	ent, err := content.Get(ctx, req.URI)
	if err == nil {
		return Response{Entry: ent, Source: sourceHit}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		w.log.Warn("content lookup failed", zap.String("key", req.URI), zap.Error(err))
	}

	ent, err = w.fetcher.Fetch(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if ent.OK() && ent.Status != http.StatusPartialContent {
		if err := content.Put(ctx, req.URI, ent); err != nil {
			w.log.Warn("cache put failed", zap.String("key", req.URI), zap.Error(err))
		}
	}
	return Response{Entry: ent, Source: sourceMiss}, nil
}

// onlineFirst always tries the network and caches whatever comes back,
// whatever its status. A response matching the cached copy is not rewritten.
// When the network fails the cached copy is served; with no cached copy the
// network error is returned.
func (w *Worker) onlineFirst(ctx context.Context, req FetchRequest) (Response, error) {
	content, err := w.storage.Open(ctx, ContentCacheName)
	if err != nil {
		return Response{}, err
	}
	ent, fetchErr := w.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		if cached, err := content.Get(ctx, req.URI); err == nil && sameContent(cached, ent) {
			return Response{Entry: ent, Source: sourceNetwork}, nil
		}
		if err := content.Put(ctx, req.URI, ent); err != nil {
			w.log.Warn("cache put failed", zap.String("key", req.URI), zap.Error(err))
		}
		return Response{Entry: ent, Source: sourceNetwork}, nil
	}

	cached, err := content.Get(ctx, req.URI)
	if err != nil {
		return Response{}, fetchErr
	}
	w.log.Debug("serving cached entry document", zap.Error(fetchErr))
	return Response{Entry: cached, Source: sourceFallback}, nil
}

// sameContent reports whether a and b carry the same status and body digest.
func sameContent(a, b CacheEntry) bool {
	return a.Status == b.Status && a.Hash64 == b.Hash64 && len(a.Body) == len(b.Body)
}
