package collection

import (
	"fmt"
	"sync"

	"github.com/strandlabs/strand/internal/model"
	"github.com/strandlabs/strand/internal/promise"
	"github.com/strandlabs/strand/internal/reactive"
)

// Mutation kinds reported to the OnMutate hook.
const (
	MutateAdded   = "added"
	MutateRemoved = "removed"
)

// MutateFunc observes committed in-memory mutations, e.g. to feed live
// queries. It runs outside the collection lock.
type MutateFunc func(kind string, rec *model.Record, index int)

// Options describe where a collection sits in a larger model tree and which
// collaborators it uses. Immutable after construction except for re-pathing
// appended children.
type Options struct {
	Parent    any
	Path      string
	Persistor Persistor
	OnMutate  MutateFunc
}

// ArrayModel is a reactive ordered collection of records. Insertion order
// is meaningful and preserved. A persistor-less collection is purely
// in-memory and trivially loaded; otherwise the persistor drives the
// not_loaded → loading → loaded lifecycle, with error reachable from
// loading.
//
// Mutations to one ArrayModel are expected to come from a single logical
// stream; the internal lock only guarantees that the sequence and the load
// state are observed together, never torn.
type ArrayModel struct {
	opts Options

	mu      sync.Mutex
	items   []*model.Record
	state   string
	loadErr error

	// loadedP settles only after the initial fetch's records have been
	// merged into items and the state transition committed. Deferred reads
	// gate on it rather than on the persistor's raw load promise, whose
	// continuations run concurrently with the merge.
	loadedP *promise.Promise

	// localDep backs RootDep-less persistors and in-memory collections.
	localDep *reactive.Dep
}

// NewArrayModel constructs a collection and, when a persistor is attached,
// starts its initial fetch.
func NewArrayModel(opts Options) *ArrayModel {
	m := &ArrayModel{
		opts:     opts,
		loadedP:  promise.New(),
		localDep: reactive.NewDep(),
	}

	if opts.Persistor == nil {
		m.state = model.StateLoaded
		m.loadedP.Resolve(nil)
		return m
	}

	m.state = model.StateNotLoaded
	m.transition(model.StateLoading)
	opts.Persistor.Load().Then(func(v any) (any, error) {
		recs, _ := v.([]*model.Record)
		m.mu.Lock()
		// Records appended optimistically while the fetch was in flight
		// stay behind the loaded ones, preserving stored order at the head
		// and tail-append order overall.
		merged := make([]*model.Record, 0, len(recs)+len(m.items))
		merged = append(merged, recs...)
		merged = append(merged, m.items...)
		m.items = merged
		m.mu.Unlock()
		m.transition(model.StateLoaded)
		m.dep().Changed()
		m.loadedP.Resolve(nil)
		return nil, nil
	}).Catch(func(err error) (any, error) {
		m.mu.Lock()
		m.loadErr = err
		m.mu.Unlock()
		m.transition(model.StateError)
		m.dep().Changed()
		m.loadedP.Reject(err)
		return nil, nil
	})
	return m
}

// Path returns the collection's location in the model tree.
func (m *ArrayModel) Path() string {
	return m.opts.Path
}

// transition applies a load-state change, ignoring moves the state table
// forbids (a late load completion after an error, for example).
func (m *ArrayModel) transition(to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if model.ValidTransition(m.state, to) {
		m.state = to
	}
}

// dep returns the persistor's root dependency when it has one, falling back
// to the collection-local token.
func (m *ArrayModel) dep() *reactive.Dep {
	if p := m.opts.Persistor; p != nil {
		if d := p.RootDep(); d != nil {
			return d
		}
	}
	return m.localDep
}

// Snapshot returns the sequence and load state from a single observation
// point, so dependents never pair a stale length with a newer state.
func (m *ArrayModel) Snapshot() ([]*model.Record, string) {
	m.dep().Depend()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Record, len(m.items))
	copy(out, m.items)
	return out, m.state
}

// Len returns the number of records currently in memory.
func (m *ArrayModel) Len() int {
	items, _ := m.Snapshot()
	return len(items)
}

// State returns the collection's load state.
func (m *ArrayModel) State() string {
	_, state := m.Snapshot()
	return state
}

// LoadErr returns the persistor's initial fetch error, if the collection is
// in the error state.
func (m *ArrayModel) LoadErr() error {
	m.dep().Depend()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadErr
}

// At returns the record at index i, or nil when out of range.
func (m *ArrayModel) At(i int) *model.Record {
	items, _ := m.Snapshot()
	if i < 0 || i >= len(items) {
		return nil
	}
	return items[i]
}

// Last returns the final record, or nil for an empty collection.
func (m *ArrayModel) Last() *model.Record {
	items, _ := m.Snapshot()
	if len(items) == 0 {
		return nil
	}
	return items[len(items)-1]
}

// All returns a copy of the sequence in insertion order.
func (m *ArrayModel) All() []*model.Record {
	items, _ := m.Snapshot()
	return items
}

// Reverse returns a reversed copy of the sequence.
func (m *ArrayModel) Reverse() []*model.Record {
	items, _ := m.Snapshot()
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// runOnceLoaded defers fn until this collection has absorbed its initial
// fetch, then settles the returned promise with fn's result. A failed
// fetch skips fn and rejects with the load error.
func (m *ArrayModel) runOnceLoaded(fn func() (any, error)) *promise.Promise {
	return m.loadedP.Then(func(any) (any, error) {
		return fn()
	})
}

// AllAsync resolves with the full sequence once the collection is loaded.
// Persistor-less collections resolve immediately.
func (m *ArrayModel) AllAsync() *promise.Promise {
	m.dep().Depend()
	if m.opts.Persistor == nil {
		return promise.Resolved(m.All())
	}
	return m.runOnceLoaded(func() (any, error) {
		return m.All(), nil
	})
}

// First resolves with the first record once loaded, or nil when the
// collection is empty.
func (m *ArrayModel) First() *promise.Promise {
	m.dep().Depend()
	if m.opts.Persistor == nil {
		return promise.Resolved(m.At(0))
	}
	return m.runOnceLoaded(func() (any, error) {
		return m.At(0), nil
	})
}

// FirstBang builds on First but turns an absent result into ErrNotFound,
// for callers that need an existence guarantee.
func (m *ArrayModel) FirstBang() *promise.Promise {
	return m.First().Then(func(v any) (any, error) {
		rec, _ := v.(*model.Record)
		if rec == nil {
			return nil, fmt.Errorf("%w in %q", ErrNotFound, m.opts.Path)
		}
		return rec, nil
	})
}

// Append adds a value at the tail. Raw values are wrapped into records
// typed by the collection path. The insert is optimistic: the record is
// visible to readers immediately, persisted asynchronously, and removed
// again if persistence fails, leaving memory indistinguishable from a
// never-appended state. The promise resolves to the record only after
// persistence succeeds.
func (m *ArrayModel) Append(v any) *promise.Promise {
	rec := m.asRecord(v)

	if err := rec.AllowCreate(); err != nil {
		return promise.Rejected(fmt.Errorf("%w: %v", ErrPermission, err))
	}

	m.mu.Lock()
	m.items = append(m.items, rec)
	idx := len(m.items) - 1
	m.mu.Unlock()
	m.notifyMutate(MutateAdded, rec, idx)
	m.dep().Changed()

	p := m.opts.Persistor
	if p == nil {
		rec.New = false
		rec.State = model.StateLoaded
		return promise.Resolved(rec)
	}

	result := promise.New()
	p.Added(rec, idx).Then(func(any) (any, error) {
		rec.New = false
		rec.State = model.StateLoaded
		result.Resolve(rec)
		return nil, nil
	}).Catch(func(err error) (any, error) {
		at := m.removeByIdentity(rec)
		p.Forget(rec)
		if at >= 0 {
			m.notifyMutate(MutateRemoved, rec, at)
		}
		m.dep().Changed()
		rec.State = model.StateError
		result.Reject(err)
		return nil, nil
	})
	return result
}

// Delete removes a value. Records must authorize deletion via their policy;
// raw values are matched against wrapped records. The in-memory removal is
// synchronous and stands even if the persistor later fails: deletions are
// fire-and-forget at this layer, an accepted asymmetry versus Append.
func (m *ArrayModel) Delete(v any) *promise.Promise {
	rec, isRec := v.(*model.Record)
	if isRec {
		if err := rec.AllowDelete(); err != nil {
			return promise.Rejected(fmt.Errorf("%w: %v", ErrPermission, err))
		}
	} else {
		rec = m.findRaw(v)
		if rec == nil {
			return promise.Rejected(fmt.Errorf("%w in %q", ErrNotFound, m.opts.Path))
		}
	}

	at := m.removeByIdentity(rec)
	if at < 0 {
		return promise.Rejected(fmt.Errorf("%w in %q", ErrNotFound, m.opts.Path))
	}
	m.notifyMutate(MutateRemoved, rec, at)
	m.dep().Changed()

	p := m.opts.Persistor
	if p == nil {
		return promise.Resolved(rec)
	}
	return p.Removed(rec).Then(func(any) (any, error) {
		return rec, nil
	})
}

// Buffer stages a detached, not-yet-added record pre-populated with attrs
// and tagged with this collection as its eventual save target. The
// collection itself is not mutated.
func (m *ArrayModel) Buffer(attrs map[string]any) *Buffer {
	return &Buffer{
		Record: model.NewRecord(m.opts.Path, attrs),
		target: m,
	}
}

// Fetch queries the persistor by attribute equality without materializing
// the collection. Persistor-less collections filter in memory.
func (m *ArrayModel) Fetch(query map[string]any) *promise.Promise {
	m.dep().Depend()
	if p := m.opts.Persistor; p != nil {
		return p.Fetch(query)
	}
	return promise.Resolved(filterRecords(m.All(), query))
}

// FetchFirst resolves with the first record matching the query, or nil.
func (m *ArrayModel) FetchFirst(query map[string]any) *promise.Promise {
	m.dep().Depend()
	if p := m.opts.Persistor; p != nil {
		return p.FetchFirst(query)
	}
	matches := filterRecords(m.All(), query)
	if len(matches) == 0 {
		return promise.Resolved(nil)
	}
	return promise.Resolved(matches[0])
}

// FetchEach streams records matching the query through fn in stored order,
// without materializing the full result set. The promise resolves with the
// number of records visited. Persistor-less collections iterate in memory.
func (m *ArrayModel) FetchEach(query map[string]any, fn func(*model.Record) error) *promise.Promise {
	m.dep().Depend()
	if p := m.opts.Persistor; p != nil {
		return p.FetchEach(query, fn)
	}
	n := 0
	for _, r := range filterRecords(m.All(), query) {
		if err := fn(r); err != nil {
			return promise.Rejected(err)
		}
		n++
	}
	return promise.Resolved(n)
}

// asRecord wraps raw values into records rooted at this collection's path.
// Records arriving from elsewhere in the tree are re-pathed.
func (m *ArrayModel) asRecord(v any) *model.Record {
	switch val := v.(type) {
	case *model.Record:
		if val.Path == "" {
			val.Path = m.opts.Path
		}
		return val
	case map[string]any:
		return model.NewRecord(m.opts.Path, val)
	default:
		return model.NewRecord(m.opts.Path, map[string]any{"value": val})
	}
}

// removeByIdentity drops the record from the sequence, returning the index
// it occupied or -1. The index is recomputed at removal time because other
// mutations may have shifted it since the optimistic insert.
func (m *ArrayModel) removeByIdentity(rec *model.Record) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.items {
		if r == rec {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return i
		}
	}
	return -1
}

// findRaw locates the record wrapping a raw value.
func (m *ArrayModel) findRaw(v any) *model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.items {
		if r.Get("value") == v {
			return r
		}
	}
	return nil
}

func (m *ArrayModel) notifyMutate(kind string, rec *model.Record, index int) {
	if m.opts.OnMutate != nil {
		m.opts.OnMutate(kind, rec, index)
	}
}

func filterRecords(recs []*model.Record, query map[string]any) []*model.Record {
	var out []*model.Record
	for _, r := range recs {
		if matches(r, query) {
			out = append(out, r)
		}
	}
	return out
}

func matches(r *model.Record, query map[string]any) bool {
	for k, want := range query {
		if r.Get(k) != want {
			return false
		}
	}
	return true
}

// Buffer is a staged record awaiting an explicit commit into its target
// collection.
type Buffer struct {
	Record *model.Record
	target *ArrayModel
}

// Save commits the buffered record via the target collection's Append,
// inheriting its optimistic-persistence semantics.
func (b *Buffer) Save() *promise.Promise {
	return b.target.Append(b.Record)
}
