package shellcache

import "time"

// Status is a snapshot of the service for the status endpoint and CLI.
type Status struct {
	Controller *WorkerStatus         `json:"controller,omitempty"`
	Waiting    *WorkerStatus         `json:"waiting,omitempty"`
	ClaimedAt  *time.Time            `json:"claimedAt,omitempty"`
	Stores     map[string]StoreUsage `json:"stores,omitempty"`
	Stats      StatsSnapshot         `json:"stats"`
}

type WorkerStatus struct {
	ID         string            `json:"id"`
	Version    string            `json:"version"`
	State      State             `json:"state"`
	Resources  int               `json:"resources"`
	Core       int               `json:"core"`
	Activation *ActivationStatus `json:"activation,omitempty"`
}

type ActivationStatus struct {
	Outcome  ActivationOutcome `json:"outcome"`
	Pruned   int               `json:"pruned"`
	Promoted int               `json:"promoted"`
	FailedIn ActivationStep    `json:"failedIn,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	ctrl, waiting, claimedAt := s.controller, s.waiting, s.claimedAt
	s.mu.Unlock()

	st := Status{
		Controller: workerStatus(ctrl),
		Waiting:    workerStatus(waiting),
		Stats:      s.stats.Snapshot(),
	}
	if !claimedAt.IsZero() {
		st.ClaimedAt = &claimedAt
	}
	if u, ok := s.storage.(usageReporter); ok {
		st.Stores = u.Usage()
	}
	return st
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	ws := &WorkerStatus{
		ID:        w.ID(),
		Version:   w.Version(),
		State:     w.State(),
		Resources: len(w.manifest.Resources),
		Core:      len(w.manifest.Core),
	}
	if res, ok := w.LastActivation(); ok {
		ws.Activation = &ActivationStatus{
			Outcome:  res.Outcome,
			Pruned:   len(res.Pruned),
			Promoted: res.Promoted,
			FailedIn: res.FailedIn,
		}
		if res.Err != nil {
			ws.Activation.Error = res.Err.Error()
		}
	}
	return ws
}
