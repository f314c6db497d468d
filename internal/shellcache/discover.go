package shellcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

func (s *Service) startManifestDiscover() {
	initDelay := s.cfg.Manifest.initialDelayDur
	period := s.cfg.Manifest.rediscoverEveryDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(s.bgCtx, 5*time.Minute)
			defer cancel()
			if err := s.DiscoverOnce(ctx); err != nil {
				s.log.Error("manifest discovery failed", zap.Error(err))
			}
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// DiscoverOnce loads the manifest source and registers a worker when the
// build changed.
func (s *Service) DiscoverOnce(ctx context.Context) error {
	m, err := s.LoadManifest(ctx)
	if err != nil {
		return err
	}
	w, err := s.Register(ctx, m)
	if err != nil {
		return err
	}
	s.log.Debug("manifest discovered",
		zap.String("version", w.Version()),
		zap.String("state", string(w.State())),
		zap.Int("resources", len(m.Resources)),
	)
	return nil
}

// LoadManifest reads the configured manifest source. manifest.core, when
// set, replaces the document's core list.
func (s *Service) LoadManifest(ctx context.Context) (Manifest, error) {
	var (
		m   Manifest
		err error
	)
	if s.cfg.Manifest.Path != "" {
		m, err = LoadManifestFile(s.cfg.Manifest.Path)
	} else {
		m, err = s.fetchManifest(ctx, s.normalizeMaybeRelativeURL(s.cfg.Manifest.URL))
	}
	if err != nil {
		return Manifest{}, err
	}
	m = m.WithCore(s.cfg.Manifest.Core)
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (s *Service) normalizeMaybeRelativeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

func (s *Service) fetchManifest(ctx context.Context, manifestURL string) (Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return Manifest{}, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Manifest{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Manifest{}, fmt.Errorf("fetch manifest %q: unexpected status %d: %s",
			manifestURL, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Manifest{}, err
	}

	// Some servers serve a .gz file without Content-Encoding, in which case
	// the body is still compressed.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	m, err := ParseManifest(body)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", manifestURL, err)
	}
	return m, nil
}
