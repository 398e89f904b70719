package main

import (
	"log"
	"os"
	"time"

	"github.com/strandlabs/strand/internal/api"
	"github.com/strandlabs/strand/internal/collection"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/live"
	"github.com/strandlabs/strand/internal/rpc/codec"
	"github.com/strandlabs/strand/internal/store"
	"github.com/strandlabs/strand/internal/task"
	"github.com/strandlabs/strand/internal/tasks"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("strand: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers_min", cfg.WorkerMin,
		"workers_max", cfg.WorkerMax,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	app := tasks.NewApp(func(path string) collection.Persistor {
		return db.Persistor(path)
	}, live.NewBroker())

	reg := task.NewRegistry()
	if err := reg.Register(tasks.CollectionDefinition()); err != nil {
		log.Fatalf("failed to register tasks: %v", err)
	}

	pool := task.NewPool(cfg.WorkerMin, cfg.WorkerMax, logger)
	defer pool.Stop()

	timeout := time.Duration(cfg.WorkerTimeoutS) * time.Second
	dispatcher := task.NewDispatcher(reg, pool, app, timeout, logger)

	codecs := codec.NewRegistry()
	cb, err := codec.CBOR()
	if err != nil {
		log.Fatalf("failed to build cbor codec: %v", err)
	}
	codecs.Register(cb)

	srv := api.NewServer(cfg.ListenAddr, app, reg, dispatcher, codecs, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
