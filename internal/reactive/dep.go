// Package reactive provides the narrow depend/invalidate contract consumed
// by collections: a Dep is a dependency token observers register against,
// and a Watcher is a computation that re-runs when any Dep it touched
// during its last run changes.
package reactive

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Watcher runs are serialized, and the running watcher is recorded together
// with its goroutine id so that Depend calls can be attributed without
// threading the watcher through every read. Depend calls from other
// goroutines while a run is in flight see no current watcher and no-op,
// same as reads outside any run.
var (
	runMu   sync.Mutex
	current atomic.Pointer[running]
)

type running struct {
	w   *Watcher
	gid uint64
}

// gid returns the calling goroutine's id, parsed from the stack header.
func gid() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		n, _ := strconv.ParseUint(string(buf[:i]), 10, 64)
		return n
	}
	return 0
}

// Dep is a dependency token. Reads that depend on it call Depend; writes
// that invalidate it call Changed. Safe for concurrent use.
type Dep struct {
	mu   sync.Mutex
	subs map[*Watcher]struct{}
}

// NewDep creates a dependency token with no subscribers.
func NewDep() *Dep {
	return &Dep{subs: make(map[*Watcher]struct{})}
}

// Depend registers the currently running watcher, if any, as a subscriber.
// Outside a watcher run it is a no-op, so plain (non-reactive) callers can
// share the same read paths.
func (d *Dep) Depend() {
	r := current.Load()
	if r == nil || r.gid != gid() {
		return
	}
	d.mu.Lock()
	d.subs[r.w] = struct{}{}
	d.mu.Unlock()
	r.w.addDep(d)
}

// Changed invalidates every subscribed watcher, scheduling each for a
// single coalesced re-run.
func (d *Dep) Changed() {
	d.mu.Lock()
	ws := make([]*Watcher, 0, len(d.subs))
	for w := range d.subs {
		ws = append(ws, w)
	}
	d.mu.Unlock()

	for _, w := range ws {
		w.invalidate()
	}
}

func (d *Dep) remove(w *Watcher) {
	d.mu.Lock()
	delete(d.subs, w)
	d.mu.Unlock()
}

// Watcher re-runs a function whenever a dependency recorded during its
// previous run changes.
type Watcher struct {
	fn func()

	mu      sync.Mutex
	deps    []*Dep
	queued  bool
	stopped bool
}

// Watch runs fn once, recording every Dep it touches, and returns a watcher
// that re-runs fn when any of them changes. Dependencies are re-recorded on
// each run, so conditional reads behave correctly.
func Watch(fn func()) *Watcher {
	w := &Watcher{fn: fn}
	w.run()
	return w
}

// Stop detaches the watcher from all dependencies. A stopped watcher never
// runs again.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	deps := w.deps
	w.deps = nil
	w.mu.Unlock()

	for _, d := range deps {
		d.remove(w)
	}
}

func (w *Watcher) addDep(d *Dep) {
	w.mu.Lock()
	w.deps = append(w.deps, d)
	w.mu.Unlock()
}

func (w *Watcher) run() {
	runMu.Lock()
	defer runMu.Unlock()

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	// Drop the previous run's dependency edges; the run below rebuilds them.
	deps := w.deps
	w.deps = nil
	w.mu.Unlock()
	for _, d := range deps {
		d.remove(w)
	}

	current.Store(&running{w: w, gid: gid()})
	w.fn()
	current.Store(nil)
}

// invalidate schedules a re-run. Multiple invalidations before the re-run
// executes coalesce into one.
func (w *Watcher) invalidate() {
	w.mu.Lock()
	if w.stopped || w.queued {
		w.mu.Unlock()
		return
	}
	w.queued = true
	w.mu.Unlock()

	go func() {
		w.mu.Lock()
		w.queued = false
		w.mu.Unlock()
		w.run()
	}()
}
