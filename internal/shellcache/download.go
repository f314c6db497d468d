package shellcache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DownloadOffline fetches every manifest resource missing from the content
// store and caches it. It returns the manifest keys it fetched; a second run
// with nothing changed fetches nothing.
func (w *Worker) DownloadOffline(ctx context.Context) ([]string, error) {
	content, err := w.storage.Open(ctx, ContentCacheName)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ContentCacheName, err)
	}
	missing, err := w.missingResources(ctx, content)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}
	w.log.Debug("downloading offline resources", zap.Int("missing", len(missing)))
	if err := w.addAll(ctx, content, missing, false); err != nil {
		return nil, err
	}
	return missing, nil
}

func (w *Worker) missingResources(ctx context.Context, content Store) ([]string, error) {
	keys, err := content.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ContentCacheName, err)
	}
	present := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		present[LogicalKey(k)] = struct{}{}
	}
	var missing []string
	for _, k := range w.manifest.Keys() {
		if _, ok := present[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// addAll fetches every manifest key and stores the responses in st. Nothing
// is stored unless every fetch returns a 2xx response.
func (w *Worker) addAll(ctx context.Context, st Store, keys []string, reload bool) error {
	entries := make([]CacheEntry, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, key := range keys {
		i, key := i, key // per-iteration copies (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			uri := uriForKey(key)
			ent, err := w.fetcher.Fetch(gctx, FetchRequest{URI: uri, Reload: reload})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", uri, err)
			}
			if !ent.OK() {
				return fmt.Errorf("fetch %s: %w %d", uri, ErrFetchStatus, ent.Status)
			}
			entries[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, key := range keys {
		if err := st.Put(ctx, uriForKey(key), entries[i]); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	return nil
}
