package shellcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind names a lifecycle event delivered to a Worker.
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
)

// Message payloads understood by the message handler.
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

// Event is one lifecycle event.
type Event struct {
	Kind EventKind
	// Message is the payload of an EventMessage.
	Message string
	// Request is the intercepted request of an EventFetch.
	Request *FetchRequest
}

// Host is the runtime a Worker lives in.
type Host interface {
	// SkipWaiting lets w activate without waiting for the current worker to
	// be released.
	SkipWaiting(w *Worker)
	// Claim makes w the controller of every client.
	Claim(w *Worker)
	// Go runs fn in the background, keeping the host alive until it returns.
	Go(fn func(ctx context.Context))
}

// State is a worker's position in its lifecycle.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// WorkerOptions configures NewWorker.
type WorkerOptions struct {
	Manifest Manifest
	Storage  Storage
	Fetcher  Fetcher
	Host     Host
	Logger   *zap.Logger
	// Concurrency bounds parallel fetches of bulk downloads.
	Concurrency int
}

// Worker runs the cache lifecycle for one manifest version.
type Worker struct {
	id          string
	manifest    Manifest
	version     string
	storage     Storage
	fetcher     Fetcher
	host        Host
	log         *zap.Logger
	concurrency int

	handlers map[EventKind]handlerFunc

	skipWaiting atomic.Bool

	mu             sync.Mutex
	state          State
	lastActivation *ActivationResult
}

// handlerFunc returns the task the host must await, or nil when the event
// is not handled.
type handlerFunc func(ctx context.Context, ev Event) *Task

// NewWorker creates a worker in the parsed state.
func NewWorker(opts WorkerOptions) *Worker {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	conc := opts.Concurrency
	if conc <= 0 {
		conc = 8
	}
	w := &Worker{
		id:          uuid.NewString(),
		manifest:    opts.Manifest,
		version:     opts.Manifest.Version(),
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		host:        opts.Host,
		concurrency: conc,
		state:       StateParsed,
	}
	w.log = log.With(zap.String("worker", w.id), zap.String("version", w.version))
	w.handlers = map[EventKind]handlerFunc{
		EventInstall:  w.handleInstall,
		EventActivate: w.handleActivate,
		EventFetch:    w.handleFetch,
		EventMessage:  w.handleMessage,
	}
	return w
}

func (w *Worker) ID() string         { return w.id }
func (w *Worker) Version() string    { return w.version }
func (w *Worker) Manifest() Manifest { return w.manifest }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// SkipWaitingRequested reports whether skip-waiting was asked for.
func (w *Worker) SkipWaitingRequested() bool {
	return w.skipWaiting.Load()
}

// LastActivation returns the result of the most recent activation, if any.
func (w *Worker) LastActivation() (ActivationResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastActivation == nil {
		return ActivationResult{}, false
	}
	return *w.lastActivation, true
}

// Dispatch delivers ev to its handler. A nil task means the worker did not
// handle the event: fetches fall through to the network and unknown
// messages are dropped.
func (w *Worker) Dispatch(ctx context.Context, ev Event) *Task {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		return nil
	}
	return h(ctx, ev)
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) *Task {
	switch ev.Message {
	case MessageSkipWaiting:
		w.requestSkipWaiting()
		return doneTask(Response{}, nil)
	case MessageDownloadOffline:
		w.host.Go(func(ctx context.Context) {
			fetched, err := w.DownloadOffline(ctx)
			if err != nil {
				w.log.Warn("download offline failed", zap.Error(err))
				return
			}
			w.log.Info("download offline done", zap.Int("fetched", len(fetched)))
		})
		return doneTask(Response{}, nil)
	default:
		return nil
	}
}

func (w *Worker) requestSkipWaiting() {
	w.skipWaiting.Store(true)
	w.host.SkipWaiting(w)
}

// ---- tasks ----

// Task is a pending event result.
type Task struct {
	done chan struct{}
	resp Response
	err  error
}

func runTask(fn func() (Response, error)) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.resp, t.err = fn()
	}()
	return t
}

func doneTask(resp Response, err error) *Task {
	t := &Task{done: make(chan struct{}), resp: resp, err: err}
	close(t.done)
	return t
}

// Done is closed when the task completes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task completes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Response, error) {
	select {
	case <-t.done:
		return t.resp, t.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
