package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/axiomvoice/axiom/model"
)

// ErrUnknownWorkflow is returned when an event references a workflow that
// was never registered.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// DefaultWorkflowTTL is how long a workflow survives with no provider
// events before the janitor evicts it. Lost webhooks are routine in
// telephony; a record past this age will never see its callbacks.
const DefaultWorkflowTTL = time.Hour

// WorkflowEvictFunc is invoked with a copy of each workflow removed by
// eviction. Used to archive records whose provider events never arrived.
type WorkflowEvictFunc func(model.Workflow)

// workflowEntry guards one workflow record.
type workflowEntry struct {
	mu       sync.Mutex
	workflow model.Workflow
}

// Workflows holds multi-call orchestration records keyed by the SID of the
// call that started them, giving O(1) resolution of provider callbacks.
type Workflows struct {
	mu      sync.RWMutex
	entries map[string]*workflowEntry

	clock   Clock
	ttl     time.Duration
	onEvict WorkflowEvictFunc
	logger  *zap.Logger
}

// WorkflowsOption configures the workflow store.
type WorkflowsOption func(*Workflows)

// WithWorkflowClock sets the clock used for timestamps.
func WithWorkflowClock(c Clock) WorkflowsOption {
	return func(w *Workflows) { w.clock = c }
}

// WithWorkflowTTL sets the stale lifetime of a workflow record.
func WithWorkflowTTL(d time.Duration) WorkflowsOption {
	return func(w *Workflows) { w.ttl = d }
}

// WithWorkflowEvictFunc registers a callback for evicted workflows.
func WithWorkflowEvictFunc(f WorkflowEvictFunc) WorkflowsOption {
	return func(w *Workflows) { w.onEvict = f }
}

// WithWorkflowLogger sets the store logger.
func WithWorkflowLogger(l *zap.Logger) WorkflowsOption {
	return func(w *Workflows) { w.logger = l }
}

// NewWorkflows creates a workflow store.
func NewWorkflows(opts ...WorkflowsOption) *Workflows {
	w := &Workflows{
		entries: make(map[string]*workflowEntry),
		clock:   NewAutoClock(),
		ttl:     DefaultWorkflowTTL,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Put registers a new workflow keyed by its call SID.
func (w *Workflows) Put(wf model.Workflow) {
	now := w.clock.Now()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = model.WorkflowPending
	}

	w.mu.Lock()
	w.entries[wf.ID] = &workflowEntry{workflow: wf}
	w.mu.Unlock()
	w.logger.Debug("workflow registered", zap.String("workflow_id", wf.ID), zap.String("kind", string(wf.Kind)))
}

// Get returns a copy of the workflow for the given call SID.
func (w *Workflows) Get(id string) (model.Workflow, bool) {
	w.mu.RLock()
	e, ok := w.entries[id]
	w.mu.RUnlock()
	if !ok {
		return model.Workflow{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workflow, true
}

// Update applies fn to the workflow under its lock and returns the updated
// copy. Status and transcription callbacks for the same call race; this is
// the serialization point that keeps them from losing updates.
func (w *Workflows) Update(id string, fn func(*model.Workflow)) (model.Workflow, error) {
	w.mu.RLock()
	e, ok := w.entries[id]
	w.mu.RUnlock()
	if !ok {
		return model.Workflow{}, ErrUnknownWorkflow
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.workflow)
	e.workflow.UpdatedAt = w.clock.Now()
	return e.workflow, nil
}

// Remove deletes the workflow and returns its final copy.
func (w *Workflows) Remove(id string) (model.Workflow, bool) {
	w.mu.Lock()
	e, ok := w.entries[id]
	if ok {
		delete(w.entries, id)
	}
	w.mu.Unlock()
	if !ok {
		return model.Workflow{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workflow, true
}

// EvictExpired removes every workflow whose last update is older than the
// TTL and returns how many were removed. A record this stale will never
// receive its missing provider events; the eviction callback gives it a
// last chance to be archived.
func (w *Workflows) EvictExpired() int {
	cutoff := w.clock.Now().Add(-w.ttl)

	w.mu.Lock()
	var expired []*workflowEntry
	for id, e := range w.entries {
		e.mu.Lock()
		stale := e.workflow.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if stale {
			expired = append(expired, e)
			delete(w.entries, id)
		}
	}
	w.mu.Unlock()

	for _, e := range expired {
		e.mu.Lock()
		evicted := e.workflow
		e.mu.Unlock()
		w.logger.Info("stale workflow evicted",
			zap.String("workflow_id", evicted.ID), zap.String("status", string(evicted.Status)))
		if w.onEvict != nil {
			w.onEvict(evicted)
		}
	}
	return len(expired)
}

// RunJanitor evicts stale workflows on the given interval until the
// context is canceled.
func (w *Workflows) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.EvictExpired()
		}
	}
}

// Snapshot returns copies of all live workflows.
func (w *Workflows) Snapshot() []model.Workflow {
	w.mu.RLock()
	entries := make([]*workflowEntry, 0, len(w.entries))
	for _, e := range w.entries {
		entries = append(entries, e)
	}
	w.mu.RUnlock()

	out := make([]model.Workflow, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.workflow)
		e.mu.Unlock()
	}
	return out
}
