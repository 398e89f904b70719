// Package tasks provides the built-in task classes exposed over RPC and
// the application state they operate on: a registry of reactive
// collections keyed by path.
package tasks

import (
	"sort"
	"sync"

	"github.com/strandlabs/strand/internal/collection"
	"github.com/strandlabs/strand/internal/live"
)

// PersistorFactory builds the durability delegate for one collection path.
// Nil means purely in-memory collections.
type PersistorFactory func(path string) collection.Persistor

// App holds the server's collections and the mutation broker. It is the
// value handed to every task invocation as its application state.
type App struct {
	broker      *live.Broker
	persistorFn PersistorFactory

	mu          sync.Mutex
	collections map[string]*collection.ArrayModel
}

// NewApp creates an App. persistorFn may be nil for in-memory operation.
func NewApp(persistorFn PersistorFactory, broker *live.Broker) *App {
	if broker == nil {
		broker = live.NewBroker()
	}
	return &App{
		broker:      broker,
		persistorFn: persistorFn,
		collections: make(map[string]*collection.ArrayModel),
	}
}

// Broker returns the mutation broker.
func (a *App) Broker() *live.Broker {
	return a.broker
}

// Collection returns the collection at path, creating it on first use.
// Created collections publish their mutations to the broker.
func (a *App) Collection(path string) *collection.ArrayModel {
	a.mu.Lock()
	defer a.mu.Unlock()

	if m, ok := a.collections[path]; ok {
		return m
	}
	opts := collection.Options{
		Path:     path,
		OnMutate: a.broker.OnMutate(path),
	}
	if a.persistorFn != nil {
		opts.Persistor = a.persistorFn(path)
	}
	m := collection.NewArrayModel(opts)
	a.collections[path] = m
	return m
}

// Paths lists the materialized collection paths in sorted order.
func (a *App) Paths() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	paths := make([]string, 0, len(a.collections))
	for p := range a.collections {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
