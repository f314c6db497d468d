package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoController is returned when an operation needs an activated worker
	// and none has claimed yet.
	ErrNoController = errors.New("no controlling worker")
	// ErrNoWorker is returned when a message target has no worker.
	ErrNoWorker = errors.New("no worker for target")
)

// Service hosts workers: it runs their lifecycle events, routes requests
// through the controlling worker and proxies everything else to the origin.
type Service struct {
	cfg Config
	log *zap.Logger

	httpClient *http.Client
	storage    Storage
	fetcher    Fetcher

	// lifecycleMu serialises install and activate across workers.
	lifecycleMu sync.Mutex

	mu         sync.Mutex
	controller *Worker
	waiting    *Worker
	claimedAt  time.Time

	bgCtx    context.Context
	bgCancel context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	failLog *rateLimitedLogger
	stats   *statsCollector
}

// NewService opens the configured storage. Background loops do not run
// until Start is called.
func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	storage, err := OpenStorage(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.FetchTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		log:        log,
		httpClient: client,
		storage:    storage,
		fetcher:    &OriginFetcher{Origin: cfg.Server.Origin, Client: client},
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
		stopCh:     make(chan struct{}),
		failLog:    newRateLimitedLogger(log, time.Minute),
		stats:      newStatsCollector(),
	}
	return s, nil
}

// Start launches manifest discovery and the stats logger.
func (s *Service) Start() {
	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	s.startManifestDiscover()
}

// Close stops background work and closes the storage.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.bgCancel()
		s.wg.Wait()
		if err := s.storage.Close(); err != nil {
			s.log.Warn("close storage", zap.Error(err))
		}
	})
}

// Controller returns the worker that intercepts requests, or nil.
func (s *Service) Controller() *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}

// Waiting returns the installed worker waiting to activate, or nil.
func (s *Service) Waiting() *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// Register installs a worker for m and, once it asks to skip waiting,
// activates it. Registering the version already in control or waiting is a
// no-op.
func (s *Service) Register(ctx context.Context, m Manifest) (*Worker, error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	version := m.Version()
	s.mu.Lock()
	cur, waiting := s.controller, s.waiting
	s.mu.Unlock()
	if cur != nil && cur.Version() == version {
		return cur, nil
	}
	if waiting != nil && waiting.Version() == version {
		return waiting, nil
	}

	w := NewWorker(WorkerOptions{
		Manifest:    m,
		Storage:     s.storage,
		Fetcher:     s.fetcher,
		Host:        s,
		Logger:      s.log,
		Concurrency: s.cfg.Fetch.Concurrency,
	})
	if _, err := w.Dispatch(ctx, Event{Kind: EventInstall}).Wait(ctx); err != nil {
		return nil, fmt.Errorf("install %s: %w", version, err)
	}

	if !w.SkipWaitingRequested() {
		s.mu.Lock()
		if s.waiting != nil {
			s.waiting.setState(StateRedundant)
		}
		s.waiting = w
		s.mu.Unlock()
		return w, nil
	}
	return w, s.activateLocked(ctx, w)
}

func (s *Service) activateLocked(ctx context.Context, w *Worker) error {
	if _, err := w.Dispatch(ctx, Event{Kind: EventActivate}).Wait(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", w.Version(), err)
	}
	if res, _ := w.LastActivation(); res.Outcome == OutcomeReset {
		// Not claimed: the next registration starts over from empty stores.
		s.log.Warn("worker activation reset caches", zap.String("version", w.Version()))
	}
	return nil
}

// SkipWaiting implements Host. A worker that is already waiting activates
// in the background; one still installing activates as soon as it is done.
func (s *Service) SkipWaiting(w *Worker) {
	s.mu.Lock()
	isWaiting := s.waiting == w
	if isWaiting {
		s.waiting = nil
	}
	s.mu.Unlock()
	if !isWaiting {
		return
	}
	s.Go(func(ctx context.Context) {
		s.lifecycleMu.Lock()
		defer s.lifecycleMu.Unlock()
		if err := s.activateLocked(ctx, w); err != nil {
			s.log.Error("activate waiting worker", zap.Error(err))
		}
	})
}

// Claim implements Host.
func (s *Service) Claim(w *Worker) {
	s.mu.Lock()
	old := s.controller
	s.controller = w
	s.claimedAt = time.Now()
	if s.waiting == w {
		s.waiting = nil
	}
	s.mu.Unlock()
	if old != nil && old != w {
		old.setState(StateRedundant)
	}
	s.log.Info("worker claimed clients", zap.String("worker", w.ID()), zap.String("version", w.Version()))
}

// Go implements Host. fn's context is cancelled by Close.
func (s *Service) Go(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.bgCtx)
	}()
}

// PostMessage delivers a message to the worker named by target: "waiting",
// "active", or "" for the waiting worker if any, else the active one. It
// reports whether the worker handled the message.
func (s *Service) PostMessage(ctx context.Context, target, msg string) (bool, error) {
	s.mu.Lock()
	var w *Worker
	switch target {
	case "":
		w = s.waiting
		if w == nil {
			w = s.controller
		}
	case "waiting":
		w = s.waiting
	case "active":
		w = s.controller
	default:
		s.mu.Unlock()
		return false, fmt.Errorf("unknown message target %q", target)
	}
	s.mu.Unlock()
	if w == nil {
		return false, ErrNoWorker
	}

	task := w.Dispatch(ctx, Event{Kind: EventMessage, Message: msg})
	if task == nil {
		return false, nil
	}
	_, err := task.Wait(ctx)
	return err == nil, err
}

// DownloadOffline runs the full-offline download on the controller.
func (s *Service) DownloadOffline(ctx context.Context) ([]string, error) {
	w := s.Controller()
	if w == nil {
		return nil, ErrNoController
	}
	return w.DownloadOffline(ctx)
}

// ---- request handling ----

func (s *Service) handle(rw http.ResponseWriter, r *http.Request) {
	fr := FetchRequest{
		Method: r.Method,
		URI:    EntryKey(r.URL),
		Header: r.Header,
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		fr.Body = r.Body
	}

	if w := s.Controller(); w != nil {
		if task := w.Dispatch(r.Context(), Event{Kind: EventFetch, Request: &fr}); task != nil {
			resp, err := task.Wait(r.Context())
			if err != nil {
				s.badGateway(rw, fr, err)
				return
			}
			s.writeEntryWithStats(rw, resp.Entry, resp.Source)
			return
		}
	}
	s.proxyPass(r.Context(), rw, fr)
}

func (s *Service) proxyPass(ctx context.Context, rw http.ResponseWriter, fr FetchRequest) {
	ent, err := s.fetcher.Fetch(ctx, fr)
	if err != nil {
		s.badGateway(rw, fr, err)
		return
	}
	s.writeEntryWithStats(rw, ent, sourceBypass)
}

func (s *Service) badGateway(rw http.ResponseWriter, fr FetchRequest, err error) {
	s.failLog.Warn("origin fetch failed", zap.String("uri", fr.URI), zap.Error(err))
	s.stats.Observe(sourceBadGateway, 0)
	setShellcacheHeaders(rw.Header(), sourceBadGateway)
	http.Error(rw, "bad gateway", http.StatusBadGateway)
}

func (s *Service) writeEntryWithStats(rw http.ResponseWriter, ent CacheEntry, source string) {
	writeEntry(rw, ent, source)
	s.stats.Observe(source, len(ent.Body))
}

func writeEntry(rw http.ResponseWriter, ent CacheEntry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-shellcache") {
			continue
		}
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	setShellcacheHeaders(rw.Header(), source)
	status := ent.Status
	if status == 0 {
		status = http.StatusOK
	}
	rw.WriteHeader(status)
	_, _ = rw.Write(ent.Body)
}

func setShellcacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-Shellcache", source)
	}
	// Browsers hide custom headers from CORS callers unless exposed.
	ensureExposedHeader(h, "X-Shellcache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- stats ----

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.Uint64("hits", ss.Hits),
				zap.Uint64("misses", ss.Misses),
				zap.Uint64("network", ss.Network),
				zap.Uint64("fallbacks", ss.Fallbacks),
				zap.Uint64("bypassed", ss.Bypassed),
				zap.Uint64("failed", ss.Failed),
				zap.String("respMin", formatBytes(ss.MinRespBytes)),
				zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
				zap.String("respMax", formatBytes(ss.MaxRespBytes)),
			}
			if u, ok := s.storage.(usageReporter); ok {
				content := u.Usage()[ContentCacheName]
				fields = append(fields,
					zap.Int("cachedEntries", content.Entries),
					zap.String("cachedBytes", formatBytes(uint64(content.Bytes))),
				)
			}
			if rs, ok := s.storage.(*ramStorage); ok {
				fields = append(fields, zap.String("ram", formatBytes(uint64(rs.RAMBytes()))))
			}
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			s.log.Info("stats", fields...)
		}
	}
}
