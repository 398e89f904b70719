package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/strandlabs/strand/internal/collection"
	"github.com/strandlabs/strand/internal/model"
	"github.com/strandlabs/strand/internal/rpc"
	"github.com/strandlabs/strand/internal/task"
)

// CollectionTask exposes collection operations to remote callers. One
// instance exists per call.
type CollectionTask struct {
	task.Base
}

// CollectionDefinition declares the CollectionTask class and its remotely
// callable surface. Anything not listed here is refused by the guard.
func CollectionDefinition() *task.Definition {
	return &task.Definition{
		Name: "CollectionTask",
		New:  func() task.Task { return &CollectionTask{} },
		Methods: map[string]task.Method{
			"append":     collectionMethod(appendMethod),
			"delete":     collectionMethod(deleteMethod),
			"all":        collectionMethod(allMethod),
			"first":      collectionMethod(firstMethod),
			"first_bang": collectionMethod(firstBangMethod),
			"fetch":      collectionMethod(fetchMethod),
			"fetch_each": collectionMethod(fetchEachMethod),
			"watch":      collectionMethod(watchMethod),
		},
	}
}

// collectionMethod resolves the App and the target collection from the
// call before handing off to the operation body.
func collectionMethod(fn func(ctx context.Context, call *task.Context, app *App, m *collection.ArrayModel, args []any) (any, error)) task.Method {
	return func(ctx context.Context, t task.Task, args []any) (any, error) {
		ct, ok := t.(*CollectionTask)
		if !ok {
			return nil, fmt.Errorf("wrong task type %T", t)
		}
		call := ct.Call()
		app, ok := call.App.(*App)
		if !ok {
			return nil, errors.New("no application state bound")
		}
		path, rest, err := pathArg(args)
		if err != nil {
			return nil, err
		}
		return fn(ctx, call, app, app.Collection(path), rest)
	}
}

func pathArg(args []any) (string, []any, error) {
	if len(args) == 0 {
		return "", nil, errors.New("missing collection path argument")
	}
	path, ok := args[0].(string)
	if !ok || path == "" {
		return "", nil, fmt.Errorf("collection path must be a non-empty string, got %v", args[0])
	}
	return path, args[1:], nil
}

func appendMethod(ctx context.Context, _ *task.Context, _ *App, m *collection.ArrayModel, args []any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("missing value to append")
	}
	return m.Append(args[0]).Await(ctx)
}

func deleteMethod(ctx context.Context, _ *task.Context, _ *App, m *collection.ArrayModel, args []any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("missing record id to delete")
	}
	id, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("record id must be a string, got %v", args[0])
	}
	var target *model.Record
	for _, r := range m.All() {
		if r.ID == id {
			target = r
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: id %s", collection.ErrNotFound, id)
	}
	return m.Delete(target).Await(ctx)
}

func allMethod(ctx context.Context, _ *task.Context, _ *App, m *collection.ArrayModel, _ []any) (any, error) {
	return m.AllAsync().Await(ctx)
}

func firstMethod(ctx context.Context, _ *task.Context, _ *App, m *collection.ArrayModel, _ []any) (any, error) {
	return m.First().Await(ctx)
}

func firstBangMethod(ctx context.Context, _ *task.Context, _ *App, m *collection.ArrayModel, _ []any) (any, error) {
	return m.FirstBang().Await(ctx)
}

func fetchMethod(ctx context.Context, _ *task.Context, _ *App, m *collection.ArrayModel, args []any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("missing query argument")
	}
	query, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("query must be an object, got %v", args[0])
	}
	return m.Fetch(query).Await(ctx)
}

// fetchEachMethod streams each matching record to the caller's channel as
// a notify message; the call itself resolves with the visit count.
func fetchEachMethod(ctx context.Context, call *task.Context, _ *App, m *collection.ArrayModel, args []any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("missing query argument")
	}
	query, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("query must be an object, got %v", args[0])
	}
	ch := call.Channel
	return m.FetchEach(query, func(r *model.Record) error {
		return ch.SendMessage(rpc.KindNotify, "", r, nil)
	}).Await(ctx)
}

// watchMethod streams the collection's mutations to the caller's channel
// as notify messages until the channel closes. The call itself resolves
// immediately; forwarding continues in the background.
func watchMethod(_ context.Context, call *task.Context, app *App, m *collection.ArrayModel, _ []any) (any, error) {
	events, unsub := app.Broker().Subscribe(m.Path())
	ch := call.Channel

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	if call.Dispatcher != nil {
		call.Dispatcher.OnChannelClose(ch, stop)
	}

	go func() {
		defer unsub()
		for {
			select {
			case ev := <-events:
				if err := ch.SendMessage(rpc.KindNotify, "", ev, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return map[string]any{"watching": m.Path()}, nil
}
