// Package collection implements the reactive ordered collection: an
// in-memory sequence of records that delegates durability to a pluggable
// persistor, exposes a load-state machine, and applies mutations
// optimistically with rollback on persistence failure.
package collection

import (
	"errors"

	"github.com/strandlabs/strand/internal/model"
	"github.com/strandlabs/strand/internal/promise"
	"github.com/strandlabs/strand/internal/reactive"
)

// ErrPermission is returned (as a promise rejection, never a panic) when a
// record's policy refuses a create or delete.
var ErrPermission = errors.New("operation not permitted")

// ErrNotFound is returned by existence-asserting reads on an empty result.
var ErrNotFound = errors.New("record not found")

// Persistor is the durability delegate for an ArrayModel. Implementations
// settle the returned promises asynchronously; the collection never blocks
// on them.
type Persistor interface {
	// Load performs the initial backing fetch. The promise resolves with
	// []*model.Record in stored order.
	Load() *promise.Promise

	// Loaded reports whether the initial fetch has completed successfully.
	Loaded() bool

	// RunOnceLoaded defers fn until the initial fetch completes, then
	// settles the returned promise with fn's result. If the fetch failed,
	// fn is skipped and the promise rejects with the load error.
	RunOnceLoaded(fn func() (any, error)) *promise.Promise

	// Added persists a record optimistically inserted at index. Rejection
	// triggers rollback in the collection.
	Added(rec *model.Record, index int) *promise.Promise

	// Removed persists a deletion. The collection treats this as
	// fire-and-forget; there is no rollback path for deletes.
	Removed(rec *model.Record) *promise.Promise

	// Forget drops any tracking id the persistor assigned to a record
	// whose persistence was rolled back.
	Forget(rec *model.Record)

	// RootDep is the dependency token representing the whole collection's
	// membership and load state. May be nil.
	RootDep() *reactive.Dep

	// Fetch resolves with []*model.Record matching the attribute-equality
	// query, without requiring full materialization in the collection.
	Fetch(query map[string]any) *promise.Promise

	// FetchFirst resolves with the first matching *model.Record, or nil
	// when nothing matches.
	FetchFirst(query map[string]any) *promise.Promise

	// FetchEach streams records matching the query through fn in stored
	// order, without materializing the full result set. An error from fn
	// stops the stream and rejects the promise; otherwise it resolves
	// with the number of records visited.
	FetchEach(query map[string]any, fn func(*model.Record) error) *promise.Promise
}
