// testserver starts a strand server with in-memory collections and a stub
// task class for E2E testing. Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/strandlabs/strand/internal/api"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/live"
	"github.com/strandlabs/strand/internal/rpc/codec"
	"github.com/strandlabs/strand/internal/task"
	"github.com/strandlabs/strand/internal/tasks"
)

// stubTask is a configurable task class for exercising clients: echo
// returns its argument, slow sleeps past any short deadline.
type stubTask struct {
	task.Base
}

func stubDefinition(delay time.Duration) *task.Definition {
	return &task.Definition{
		Name: "StubTask",
		New:  func() task.Task { return &stubTask{} },
		Methods: map[string]task.Method{
			"echo": func(_ context.Context, _ task.Task, args []any) (any, error) {
				if len(args) == 0 {
					return nil, nil
				}
				return args[0], nil
			},
			"slow": func(ctx context.Context, _ task.Task, _ []any) (any, error) {
				select {
				case <-time.After(delay):
					return "done", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("STRAND_LISTEN_ADDR"); v != "" {
		addr = v
	}
	logger := config.NewLogger(os.Stdout, slog.LevelDebug)

	app := tasks.NewApp(nil, live.NewBroker())

	reg := task.NewRegistry()
	if err := reg.Register(tasks.CollectionDefinition()); err != nil {
		log.Fatalf("failed to register collection tasks: %v", err)
	}
	if err := reg.Register(stubDefinition(2 * time.Second)); err != nil {
		log.Fatalf("failed to register stub task: %v", err)
	}

	pool := task.NewPool(2, 4, logger)
	defer pool.Stop()

	dispatcher := task.NewDispatcher(reg, pool, app, 500*time.Millisecond, logger)

	codecs := codec.NewRegistry()
	cb, err := codec.CBOR()
	if err != nil {
		log.Fatalf("failed to build cbor codec: %v", err)
	}
	codecs.Register(cb)

	logger.Info("testserver listening", "addr", addr)
	srv := api.NewServer(addr, app, reg, dispatcher, codecs, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
