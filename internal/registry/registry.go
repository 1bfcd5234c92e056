// Package registry tracks pipeline runs for the lifetime of the process.
// All access goes through a mutex so status queries can read concurrently
// with the coordinator goroutine mutating a run.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lumen-bio/trialscope/internal/model"
)

const (
	// DefaultMaxEntries bounds the registry; oldest terminal runs are
	// evicted past this.
	DefaultMaxEntries = 256
	// DefaultRetention is how long a terminal run stays queryable.
	DefaultRetention = 24 * time.Hour
)

// Registry is a synchronized run store with lazy eviction. Running entries
// are never evicted regardless of age or count pressure.
type Registry struct {
	mu         sync.Mutex
	runs       map[string]*model.RunRecord
	waiters    map[string]chan struct{}
	maxEntries int
	retention  time.Duration
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxEntries overrides the entry bound.
func WithMaxEntries(n int) Option {
	return func(r *Registry) { r.maxEntries = n }
}

// WithRetention overrides how long terminal runs are kept.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		runs:       make(map[string]*model.RunRecord),
		waiters:    make(map[string]chan struct{}),
		maxEntries: DefaultMaxEntries,
		retention:  DefaultRetention,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new run in the running state. Eviction of stale
// terminal entries happens here, so the registry only does cleanup work
// when it grows.
func (r *Registry) Create(id string, params model.RunParams) (*model.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[id]; exists {
		return nil, eris.Errorf("registry: run %s already exists", id)
	}

	r.evictLocked()

	rec := &model.RunRecord{
		ID:        id,
		Params:    params,
		Status:    model.RunStatusRunning,
		StartTime: r.now(),
		Files:     make(map[string]string),
	}
	r.runs[id] = rec
	r.waiters[id] = make(chan struct{})

	copied := cloneRecord(rec)
	return &copied, nil
}

// Get returns a copy of the run record, or false when unknown.
func (r *Registry) Get(id string) (model.RunRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.runs[id]
	if !ok {
		return model.RunRecord{}, false
	}
	return cloneRecord(rec), true
}

// List returns copies of all run records, newest first.
func (r *Registry) List() []model.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.RunRecord, 0, len(r.runs))
	for _, rec := range r.runs {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Update applies fn to the run record under the lock. Unknown ids are a
// no-op so a coordinator racing an evicted run cannot panic.
func (r *Registry) Update(id string, fn func(*model.RunRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.runs[id]
	if !ok {
		return
	}
	fn(rec)
}

// SetProgress publishes a coarse progress update for status queries.
func (r *Registry) SetProgress(id string, stage int, message string, percent int) {
	r.Update(id, func(rec *model.RunRecord) {
		rec.Progress = model.Progress{Stage: stage, Message: message, Percent: percent}
	})
}

// Complete moves the run to a terminal state and wakes all waiters.
func (r *Registry) Complete(id string, status model.RunStatus, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.runs[id]
	if !ok {
		return
	}
	rec.Status = status
	rec.Error = errMsg
	rec.EndTime = r.now()

	if ch, ok := r.waiters[id]; ok {
		close(ch)
		delete(r.waiters, id)
	}
}

// Wait blocks until the run reaches a terminal state or the timeout
// elapses. It replaces polling for completion: the channel is closed by
// Complete, so waiters wake immediately.
func (r *Registry) Wait(id string, timeout time.Duration) (model.RunRecord, error) {
	r.mu.Lock()
	rec, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return model.RunRecord{}, eris.Errorf("registry: unknown run %s", id)
	}
	if rec.Status.Terminal() {
		copied := cloneRecord(rec)
		r.mu.Unlock()
		return copied, nil
	}
	ch := r.waiters[id]
	r.mu.Unlock()

	select {
	case <-ch:
		rec, _ := r.Get(id)
		return rec, nil
	case <-time.After(timeout):
		return model.RunRecord{}, eris.Errorf("registry: timed out waiting for run %s", id)
	}
}

// evictLocked drops terminal runs past retention, then the oldest terminal
// runs while over the entry bound. Caller holds the lock.
func (r *Registry) evictLocked() {
	now := r.now()
	for id, rec := range r.runs {
		if rec.Status.Terminal() && now.Sub(rec.EndTime) > r.retention {
			delete(r.runs, id)
		}
	}

	if len(r.runs) < r.maxEntries {
		return
	}

	var terminal []*model.RunRecord
	for _, rec := range r.runs {
		if rec.Status.Terminal() {
			terminal = append(terminal, rec)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].EndTime.Before(terminal[j].EndTime)
	})
	for _, rec := range terminal {
		if len(r.runs) < r.maxEntries {
			break
		}
		delete(r.runs, rec.ID)
	}
}

func cloneRecord(rec *model.RunRecord) model.RunRecord {
	copied := *rec
	copied.Files = make(map[string]string, len(rec.Files))
	for k, v := range rec.Files {
		copied.Files[k] = v
	}
	copied.Timings = append([]model.StageTiming(nil), rec.Timings...)
	return copied
}
