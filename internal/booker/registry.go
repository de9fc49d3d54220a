package booker

import (
	"context"
	"sort"
	"sync"

	"github.com/example/wodbooker/internal/logger"
)

// Registry owns the running workers, at most one per booking id.
type Registry struct {
	ctx   context.Context
	deps  Deps
	lease Lease
	log   logger.Logger

	mu      sync.Mutex
	workers map[int64]*Worker
	wg      sync.WaitGroup

	// terminal exit reason of the last worker per id, cleared on start
	terminal map[int64]string
}

type Option func(*Registry)

// WithLease makes Start take a cross-process lease before running a worker.
func WithLease(l Lease) Option {
	return func(r *Registry) { r.lease = l }
}

// NewRegistry creates a registry whose workers run until ctx is cancelled.
func NewRegistry(ctx context.Context, deps Deps, opts ...Option) *Registry {
	deps.defaults()
	r := &Registry{
		ctx:      ctx,
		deps:     deps,
		log:      deps.Log.With(logger.String("component", "registry")),
		workers:  map[int64]*Worker{},
		terminal: map[int64]string{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start runs a worker for id unless one is already registered. It reports
// whether a new worker was started. The slot is reserved before the lease
// round trip so the registry lock is never held across it.
func (r *Registry) Start(id int64) bool {
	r.mu.Lock()
	if _, ok := r.workers[id]; ok || r.ctx.Err() != nil {
		r.mu.Unlock()
		return false
	}
	w := newWorker(id, r.deps)
	r.workers[id] = w
	if r.lease == nil {
		r.launch(w)
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	ok, err := r.lease.Acquire(r.ctx, id)
	if err != nil {
		r.log.Warn("failed to acquire booking lease", logger.Int64("booking_id", id), logger.Error(err))
	} else if !ok {
		r.log.Debug("booking is run by another instance", logger.Int64("booking_id", id))
	}

	acquired := err == nil && ok

	r.mu.Lock()
	current := r.workers[id] == w
	switch {
	case current && acquired:
		r.launch(w)
		r.mu.Unlock()
		return true
	case current:
		delete(r.workers, id)
	}
	r.mu.Unlock()

	if acquired {
		// stopped while the lease was being taken
		r.release(id)
	}
	return false
}

// launch runs w. r.mu must be held.
func (r *Registry) launch(w *Worker) {
	delete(r.terminal, w.id)
	r.wg.Add(1)
	r.deps.Metrics.WorkerStarted()
	r.log.Info("starting booking worker", logger.Int64("booking_id", w.id))

	go func() {
		defer r.wg.Done()
		reason := w.Run(r.ctx)
		r.exited(w, reason)
	}()
}

// Stop flags the worker for id and forgets it right away, so a later Start
// creates a fresh worker even while the old one finishes its current wait.
func (r *Registry) Stop(id int64) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.log.Info("stopping booking worker", logger.Int64("booking_id", id))
	w.Stop()
	r.release(id)
	return true
}

func (r *Registry) exited(w *Worker, reason string) {
	r.deps.Metrics.WorkerExited(reason)

	r.mu.Lock()
	current := r.workers[w.id] == w
	if current {
		delete(r.workers, w.id)
		if isTerminal(reason) {
			r.terminal[w.id] = reason
		}
	}
	r.mu.Unlock()

	// a stopped worker already gave its lease up, possibly to its successor
	if current {
		r.release(w.id)
	}
	r.log.Info("booking worker exited", logger.Int64("booking_id", w.id), logger.String("reason", reason))
}

func (r *Registry) release(id int64) {
	if r.lease == nil {
		return
	}
	if err := r.lease.Release(context.WithoutCancel(r.ctx), id); err != nil {
		r.log.Warn("failed to release booking lease", logger.Int64("booking_id", id), logger.Error(err))
	}
}

// Terminated reports whether the last worker for id ended in a fatal or
// aborted state. A fresh Start clears it.
func (r *Registry) Terminated(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.terminal[id]
	return ok
}

func isTerminal(reason string) bool {
	return reason == ExitFatal || reason == ExitAborted || reason == ExitPanic
}

func (r *Registry) Running(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// IDs lists the registered booking ids in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Wait blocks until every worker goroutine returned, including stopped
// ones still finishing a wait.
func (r *Registry) Wait() { r.wg.Wait() }
