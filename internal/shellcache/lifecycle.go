package shellcache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

func (w *Worker) handleInstall(ctx context.Context, _ Event) *Task {
	return runTask(func() (Response, error) {
		return Response{}, w.install(ctx)
	})
}

func (w *Worker) handleActivate(ctx context.Context, _ Event) *Task {
	// Activation runs to completion once started.
	ctx = context.WithoutCancel(ctx)
	return runTask(func() (Response, error) {
		w.activate(ctx)
		return Response{}, nil
	})
}

// install stages the application shell. It fails, writing nothing, when any
// core resource cannot be fetched.
func (w *Worker) install(ctx context.Context) error {
	w.setState(StateInstalling)
	w.requestSkipWaiting()

	temp, err := w.storage.Open(ctx, TempCacheName)
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("open %s: %w", TempCacheName, err)
	}
	if err := w.addAll(ctx, temp, w.manifest.Core, true); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("stage core resources: %w", err)
	}
	w.setState(StateInstalled)
	w.log.Info("installed", zap.Int("core", len(w.manifest.Core)))
	return nil
}

// ActivationOutcome is the terminal state an activation reached.
type ActivationOutcome string

const (
	// OutcomeFresh: no prior record; the content store was rebuilt from staging.
	OutcomeFresh ActivationOutcome = "fresh"
	// OutcomeUpgraded: unchanged entries kept, stale ones pruned.
	OutcomeUpgraded ActivationOutcome = "upgraded"
	// OutcomeReset: activation failed and every store was dropped.
	OutcomeReset ActivationOutcome = "reset"
)

// ActivationResult reports what an activation did.
type ActivationResult struct {
	Outcome  ActivationOutcome
	Pruned   []string // entry keys removed from the content store
	Promoted int      // staging entries copied into the content store
	// FailedIn and Err are set for OutcomeReset.
	FailedIn ActivationStep
	Err      error
}

// ActivationStep names a state of the activation machine.
type ActivationStep string

const (
	stepOpen       ActivationStep = "open"
	stepReadRecord ActivationStep = "read-record"
	stepFresh      ActivationStep = "fresh"
	stepPrune      ActivationStep = "prune"
	stepPromote    ActivationStep = "promote"
	stepPersist    ActivationStep = "persist"
	stepClaim      ActivationStep = "claim"
	stepDone       ActivationStep = "done"
	stepReset      ActivationStep = "reset"
)

type activation struct {
	w *Worker

	content Store
	temp    Store
	record  Store

	prior  map[string]string
	result ActivationResult
}

// activate reconciles the content store with the worker's manifest. It
// never fails: an error in any step moves the machine to stepReset.
func (w *Worker) activate(ctx context.Context) ActivationResult {
	w.setState(StateActivating)
	a := &activation{w: w}

	step := stepOpen
	for step != stepDone {
		next, err := a.run(ctx, step)
		if err != nil {
			a.result.FailedIn = step
			a.result.Err = err
			next = stepReset
		}
		if next == stepReset {
			a.reset(ctx)
			break
		}
		step = next
	}

	w.mu.Lock()
	res := a.result
	w.lastActivation = &res
	w.state = StateActivated
	w.mu.Unlock()
	return res
}

func (a *activation) run(ctx context.Context, step ActivationStep) (ActivationStep, error) {
	switch step {
	case stepOpen:
		return a.open(ctx)
	case stepReadRecord:
		return a.readRecord(ctx)
	case stepFresh:
		return a.fresh(ctx)
	case stepPrune:
		return a.prune(ctx)
	case stepPromote:
		return a.promote(ctx)
	case stepPersist:
		return a.persist(ctx)
	case stepClaim:
		a.w.host.Claim(a.w)
		return stepDone, nil
	default:
		return stepReset, fmt.Errorf("unknown activation step %q", step)
	}
}

func (a *activation) open(ctx context.Context) (ActivationStep, error) {
	var err error
	if a.content, err = a.w.storage.Open(ctx, ContentCacheName); err != nil {
		return "", err
	}
	if a.temp, err = a.w.storage.Open(ctx, TempCacheName); err != nil {
		return "", err
	}
	if a.record, err = a.w.storage.Open(ctx, ManifestCacheName); err != nil {
		return "", err
	}
	return stepReadRecord, nil
}

func (a *activation) readRecord(ctx context.Context) (ActivationStep, error) {
	ent, err := a.record.Get(ctx, manifestRecordKey)
	if errors.Is(err, ErrNotFound) {
		return stepFresh, nil
	}
	if err != nil {
		return "", err
	}
	prior, err := parseRecord(ent.Body)
	if err != nil {
		a.w.log.Warn("discarding unreadable manifest record", zap.Error(err))
		return stepFresh, nil
	}
	a.prior = prior
	return stepPrune, nil
}

func (a *activation) fresh(ctx context.Context) (ActivationStep, error) {
	a.result.Outcome = OutcomeFresh
	if _, err := a.w.storage.Delete(ctx, ContentCacheName); err != nil {
		return "", err
	}
	content, err := a.w.storage.Open(ctx, ContentCacheName)
	if err != nil {
		return "", err
	}
	a.content = content
	return stepPromote, nil
}

// prune deletes content entries whose resource left the manifest or whose
// checksum changed since the prior record.
func (a *activation) prune(ctx context.Context) (ActivationStep, error) {
	a.result.Outcome = OutcomeUpgraded
	keys, err := a.content.Keys(ctx)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		lk := LogicalKey(k)
		sum, ok := a.w.manifest.Resources[lk]
		if ok && sum == a.prior[lk] {
			continue
		}
		if err := a.content.Delete(ctx, k); err != nil {
			return "", err
		}
		a.result.Pruned = append(a.result.Pruned, k)
	}
	return stepPromote, nil
}

func (a *activation) promote(ctx context.Context) (ActivationStep, error) {
	n, err := copyEntries(ctx, a.content, a.temp)
	a.result.Promoted = n
	if err != nil {
		return "", err
	}
	if _, err := a.w.storage.Delete(ctx, TempCacheName); err != nil {
		return "", err
	}
	return stepPersist, nil
}

func (a *activation) persist(ctx context.Context) (ActivationStep, error) {
	body, err := a.w.manifest.record()
	if err != nil {
		return "", err
	}
	ent := NewCacheEntry(200, nil, body)
	ent.Header.Set("Content-Type", "application/json")
	if err := a.record.Put(ctx, manifestRecordKey, ent); err != nil {
		return "", err
	}
	a.w.log.Info("activated",
		zap.String("outcome", string(a.result.Outcome)),
		zap.Int("pruned", len(a.result.Pruned)),
		zap.Int("promoted", a.result.Promoted),
	)
	return stepClaim, nil
}

// reset drops every store so the next activation starts from nothing.
func (a *activation) reset(ctx context.Context) {
	a.result.Outcome = OutcomeReset
	a.w.log.Error("failed to upgrade worker, dropping caches",
		zap.String("step", string(a.result.FailedIn)),
		zap.Error(a.result.Err),
	)
	for _, name := range []string{ContentCacheName, TempCacheName, ManifestCacheName} {
		if _, err := a.w.storage.Delete(ctx, name); err != nil {
			a.w.log.Error("drop cache", zap.String("cache", name), zap.Error(err))
		}
	}
}
