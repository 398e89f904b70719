// Package store provides concrete persistors: an in-memory implementation
// with failure injection for tests and embedded use, and a SQLite-backed
// implementation for durable collections.
package store

import (
	"sync"

	"github.com/strandlabs/strand/internal/collection"
	"github.com/strandlabs/strand/internal/model"
	"github.com/strandlabs/strand/internal/promise"
	"github.com/strandlabs/strand/internal/reactive"
)

// Compile-time interface satisfaction check.
var _ collection.Persistor = (*MemPersistor)(nil)

// MemPersistor keeps records in process memory. Its load completion can be
// deferred and its mutations forced to fail, which makes it the test double
// for every persistor-driven code path.
type MemPersistor struct {
	mu         sync.Mutex
	stored     []*model.Record
	tracking   map[string]string
	loadP      *promise.Promise
	dep        *reactive.Dep
	failAdd    error
	failRemove error
}

// NewMemPersistor creates a persistor whose initial fetch resolves
// immediately with the seed records.
func NewMemPersistor(seed ...*model.Record) *MemPersistor {
	p := newMem()
	p.stored = append(p.stored, seed...)
	recs := make([]*model.Record, len(seed))
	copy(recs, seed)
	p.loadP.Resolve(recs)
	return p
}

// NewPendingMemPersistor creates a persistor whose initial fetch stays
// outstanding until FinishLoad is called.
func NewPendingMemPersistor() *MemPersistor {
	return newMem()
}

func newMem() *MemPersistor {
	return &MemPersistor{
		tracking: make(map[string]string),
		loadP:    promise.New(),
		dep:      reactive.NewDep(),
	}
}

// FinishLoad settles the initial fetch with recs or err.
func (p *MemPersistor) FinishLoad(recs []*model.Record, err error) {
	if err != nil {
		p.loadP.Reject(err)
		return
	}
	p.mu.Lock()
	p.stored = append(p.stored, recs...)
	p.mu.Unlock()
	p.loadP.Resolve(recs)
}

// FailAdds makes every subsequent Added reject with err. Pass nil to heal.
func (p *MemPersistor) FailAdds(err error) {
	p.mu.Lock()
	p.failAdd = err
	p.mu.Unlock()
}

// FailRemoves makes every subsequent Removed reject with err.
func (p *MemPersistor) FailRemoves(err error) {
	p.mu.Lock()
	p.failRemove = err
	p.mu.Unlock()
}

// Load returns the initial-fetch promise.
func (p *MemPersistor) Load() *promise.Promise {
	return p.loadP
}

// Loaded reports whether the initial fetch has resolved.
func (p *MemPersistor) Loaded() bool {
	_, err, ok := p.loadP.Peek()
	return ok && err == nil
}

// RunOnceLoaded defers fn until the initial fetch resolves; a failed fetch
// rejects the returned promise with the load error.
func (p *MemPersistor) RunOnceLoaded(fn func() (any, error)) *promise.Promise {
	return p.loadP.Then(func(any) (any, error) {
		return fn()
	})
}

// Added persists the record, assigning a tracking id, unless failure
// injection is active.
func (p *MemPersistor) Added(rec *model.Record, index int) *promise.Promise {
	p.mu.Lock()
	if p.failAdd != nil {
		err := p.failAdd
		p.mu.Unlock()
		return promise.Rejected(err)
	}
	p.tracking[rec.ID] = model.NewID()
	if index < 0 || index > len(p.stored) {
		index = len(p.stored)
	}
	p.stored = append(p.stored[:index], append([]*model.Record{rec}, p.stored[index:]...)...)
	p.mu.Unlock()
	p.dep.Changed()
	return promise.Resolved(rec)
}

// Removed drops the record from storage.
func (p *MemPersistor) Removed(rec *model.Record) *promise.Promise {
	p.mu.Lock()
	if p.failRemove != nil {
		err := p.failRemove
		p.mu.Unlock()
		return promise.Rejected(err)
	}
	for i, r := range p.stored {
		if r == rec || r.ID == rec.ID {
			p.stored = append(p.stored[:i], p.stored[i+1:]...)
			break
		}
	}
	delete(p.tracking, rec.ID)
	p.mu.Unlock()
	p.dep.Changed()
	return promise.Resolved(rec)
}

// Forget drops any tracking id assigned during a rolled-back add.
func (p *MemPersistor) Forget(rec *model.Record) {
	p.mu.Lock()
	delete(p.tracking, rec.ID)
	p.mu.Unlock()
}

// Tracked reports whether the persistor holds a tracking id for the record.
func (p *MemPersistor) Tracked(rec *model.Record) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tracking[rec.ID]
	return ok
}

// StoredLen returns how many records the backing store holds.
func (p *MemPersistor) StoredLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stored)
}

// RootDep returns the collection-membership dependency token.
func (p *MemPersistor) RootDep() *reactive.Dep {
	return p.dep
}

// Fetch resolves with stored records matching the attribute-equality query.
func (p *MemPersistor) Fetch(query map[string]any) *promise.Promise {
	return p.RunOnceLoaded(func() (any, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		var out []*model.Record
		for _, r := range p.stored {
			if memMatches(r, query) {
				out = append(out, r)
			}
		}
		return out, nil
	})
}

// FetchFirst resolves with the first stored record matching the query, or
// nil.
func (p *MemPersistor) FetchFirst(query map[string]any) *promise.Promise {
	return p.RunOnceLoaded(func() (any, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, r := range p.stored {
			if memMatches(r, query) {
				return r, nil
			}
		}
		return nil, nil
	})
}

// FetchEach streams stored records matching the query through fn. fn runs
// outside the persistor lock against a snapshot of the store.
func (p *MemPersistor) FetchEach(query map[string]any, fn func(*model.Record) error) *promise.Promise {
	return p.RunOnceLoaded(func() (any, error) {
		p.mu.Lock()
		recs := make([]*model.Record, len(p.stored))
		copy(recs, p.stored)
		p.mu.Unlock()

		n := 0
		for _, r := range recs {
			if !memMatches(r, query) {
				continue
			}
			if err := fn(r); err != nil {
				return nil, err
			}
			n++
		}
		return n, nil
	})
}

func memMatches(r *model.Record, query map[string]any) bool {
	for k, want := range query {
		if r.Get(k) != want {
			return false
		}
	}
	return true
}
