// Package ctrlstate keeps the runtime resources of every connected
// controller: a lock serializing operational-status updates, the IP-changed
// flag, and a serial work queue for events about that controller.
package ctrlstate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrReleased is returned when submitting to a released entry.
var ErrReleased = errors.New("ctrlstate: entry released")

const defaultQueueSize = 64

// Entry is the runtime state of one controller.
type Entry struct {
	name      string
	mu        sync.RWMutex
	ipChanged atomic.Bool

	qmu      sync.Mutex
	queue    chan func()
	released bool
	done     chan struct{}
}

func newEntry(name string, size int) *Entry {
	e := &Entry{
		name:  name,
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Entry) run() {
	defer close(e.done)
	for task := range e.queue {
		task()
	}
}

// Name is the controller name.
func (e *Entry) Name() string { return e.name }

// Update runs fn holding the entry's write lock.
func (e *Entry) Update(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// View runs fn holding the entry's read lock.
func (e *Entry) View(fn func()) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn()
}

// SetIPChanged records that the controller's address changed and its next
// connection must be treated as new.
func (e *Entry) SetIPChanged(v bool) { e.ipChanged.Store(v) }

// IPChanged reports the flag set by SetIPChanged.
func (e *Entry) IPChanged() bool { return e.ipChanged.Load() }

// Submit queues task behind every task submitted before it. It blocks while
// the queue is full.
func (e *Entry) Submit(task func()) error {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if e.released {
		return ErrReleased
	}
	e.queue <- task
	return nil
}

// Do queues fn behind every earlier task and waits for it to run under the
// entry's write lock. If ctx ends first Do returns, and fn still runs in
// its turn.
func (e *Entry) Do(ctx context.Context, fn func() error) error {
	var err error
	done := make(chan struct{})
	if serr := e.Submit(func() {
		e.Update(func() { err = fn() })
		close(done)
	}); serr != nil {
		return serr
	}
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release stops the queue after draining it.
func (e *Entry) release() {
	e.qmu.Lock()
	if !e.released {
		e.released = true
		close(e.queue)
	}
	e.qmu.Unlock()
	<-e.done
}

// Released reports whether the entry has been torn down.
func (e *Entry) Released() bool {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return e.released
}

// Registry maps controller names to their runtime entries.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	queueSize int
	logger    *zap.Logger
}

// NewRegistry creates an empty registry. A non-positive queueSize selects
// the default.
func NewRegistry(logger *zap.Logger, queueSize int) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Registry{
		entries:   make(map[string]*Entry),
		queueSize: queueSize,
		logger:    logger.Named("ctrlstate"),
	}
}

// Provision creates a fresh entry for name, releasing any previous one.
func (r *Registry) Provision(name string) *Entry {
	e := newEntry(name, r.queueSize)
	r.mu.Lock()
	old := r.entries[name]
	r.entries[name] = e
	r.mu.Unlock()
	if old != nil {
		old.release()
	}
	r.logger.Debug("provisioned controller runtime", zap.String("controller", name))
	return e
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Update runs fn in name's queue when the controller has runtime resources
// and directly otherwise. A nil registry runs fn directly.
func (r *Registry) Update(ctx context.Context, name string, fn func() error) error {
	if r == nil {
		return fn()
	}
	if e, ok := r.Get(name); ok {
		ran := false
		err := e.Do(ctx, func() error {
			ran = true
			return fn()
		})
		if !errors.Is(err, ErrReleased) || ran {
			return err
		}
	}
	return fn()
}

// View runs fn under name's read lock, or directly when there is no entry.
func (r *Registry) View(name string, fn func()) {
	if r != nil {
		if e, ok := r.Get(name); ok {
			e.View(fn)
			return
		}
	}
	fn()
}

// IPChanged reports whether name's address changed since its last
// successful connection.
func (r *Registry) IPChanged(name string) bool {
	if r == nil {
		return false
	}
	e, ok := r.Get(name)
	return ok && e.IPChanged()
}

// Release tears down the entry for name. It reports whether one existed.
func (r *Registry) Release(name string) bool {
	r.mu.Lock()
	e, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if ok {
		e.release()
		r.logger.Debug("released controller runtime", zap.String("controller", name))
	}
	return ok
}

// ReleaseAll tears down every entry.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()
	for _, e := range entries {
		e.release()
	}
}

// Names lists provisioned controllers in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len reports how many controllers are provisioned.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
