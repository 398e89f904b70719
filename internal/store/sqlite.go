package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/strandlabs/strand/internal/collection"
	"github.com/strandlabs/strand/internal/model"
	"github.com/strandlabs/strand/internal/promise"
	"github.com/strandlabs/strand/internal/reactive"

	_ "modernc.org/sqlite"
)

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS records (
    id         TEXT PRIMARY KEY,
    path       TEXT NOT NULL,
    position   INTEGER NOT NULL,
    attrs      TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createRecordsPathIndex = `
CREATE INDEX IF NOT EXISTS idx_records_path ON records (path, position)`

// opTimeout bounds every single persistence statement.
const opTimeout = 5 * time.Second

// SQLiteStore owns the database connection and hands out per-path
// persistors that share it.
type SQLiteStore struct {
	db *sql.DB

	mu   sync.Mutex
	deps map[string]*reactive.Dep
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createRecordsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}

	if _, err := db.Exec(createRecordsPathIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create records index: %w", err)
	}

	return &SQLiteStore{db: db, deps: make(map[string]*reactive.Dep)}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Persistor returns the durability delegate for one collection path. Two
// calls with the same path share a dependency token, so collections over
// the same path invalidate each other.
func (s *SQLiteStore) Persistor(path string) *SQLitePersistor {
	s.mu.Lock()
	dep, ok := s.deps[path]
	if !ok {
		dep = reactive.NewDep()
		s.deps[path] = dep
	}
	s.mu.Unlock()
	return &SQLitePersistor{db: s.db, path: path, dep: dep}
}

// Compile-time interface satisfaction check.
var _ collection.Persistor = (*SQLitePersistor)(nil)

// SQLitePersistor persists one collection path. The initial fetch runs
// lazily on the first Load call; mutations run on their own goroutines and
// settle the returned promises.
type SQLitePersistor struct {
	db   *sql.DB
	path string
	dep  *reactive.Dep

	loadOnce sync.Once
	loadP    *promise.Promise
}

// Load starts the initial fetch on first call and returns the same promise
// to every caller.
func (p *SQLitePersistor) Load() *promise.Promise {
	p.loadOnce.Do(func() {
		p.loadP = promise.New()
		go func() {
			recs, err := p.fetchAll()
			if err != nil {
				p.loadP.Reject(err)
				return
			}
			p.loadP.Resolve(recs)
		}()
	})
	return p.loadP
}

// Loaded reports whether the initial fetch has resolved.
func (p *SQLitePersistor) Loaded() bool {
	_, err, ok := p.Load().Peek()
	return ok && err == nil
}

// RunOnceLoaded defers fn until the initial fetch resolves.
func (p *SQLitePersistor) RunOnceLoaded(fn func() (any, error)) *promise.Promise {
	return p.Load().Then(func(any) (any, error) {
		return fn()
	})
}

// Added inserts the record at position index, shifting later records down.
func (p *SQLitePersistor) Added(rec *model.Record, index int) *promise.Promise {
	result := promise.New()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		attrs, err := json.Marshal(rec.Attrs)
		if err != nil {
			result.Reject(fmt.Errorf("encode attrs: %w", err))
			return
		}

		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			result.Reject(fmt.Errorf("begin tx: %w", err))
			return
		}
		defer tx.Rollback()

		if index < 0 {
			index = 0
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE records SET position = position + 1 WHERE path = ? AND position >= ?",
			p.path, index,
		); err != nil {
			result.Reject(fmt.Errorf("shift positions: %w", err))
			return
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO records (id, path, position, attrs, created_at) VALUES (?, ?, ?, ?, ?)",
			rec.ID, p.path, index, string(attrs), rec.CreatedAt.UTC(),
		); err != nil {
			result.Reject(fmt.Errorf("insert record: %w", err))
			return
		}

		if err := tx.Commit(); err != nil {
			result.Reject(fmt.Errorf("commit insert: %w", err))
			return
		}
		p.dep.Changed()
		result.Resolve(rec)
	}()
	return result
}

// Removed deletes the record and closes the position gap it leaves.
func (p *SQLitePersistor) Removed(rec *model.Record) *promise.Promise {
	result := promise.New()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			result.Reject(fmt.Errorf("begin tx: %w", err))
			return
		}
		defer tx.Rollback()

		var pos int
		err = tx.QueryRowContext(ctx,
			"SELECT position FROM records WHERE id = ? AND path = ?", rec.ID, p.path,
		).Scan(&pos)
		if err == sql.ErrNoRows {
			// Already gone; a delete that races a rollback is not an error.
			result.Resolve(rec)
			return
		}
		if err != nil {
			result.Reject(fmt.Errorf("find record: %w", err))
			return
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM records WHERE id = ? AND path = ?", rec.ID, p.path,
		); err != nil {
			result.Reject(fmt.Errorf("delete record: %w", err))
			return
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE records SET position = position - 1 WHERE path = ? AND position > ?",
			p.path, pos,
		); err != nil {
			result.Reject(fmt.Errorf("reindex positions: %w", err))
			return
		}

		if err := tx.Commit(); err != nil {
			result.Reject(fmt.Errorf("commit delete: %w", err))
			return
		}
		p.dep.Changed()
		result.Resolve(rec)
	}()
	return result
}

// Forget removes any row left behind by a rolled-back add. Best effort.
func (p *SQLitePersistor) Forget(rec *model.Record) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		p.db.ExecContext(ctx, "DELETE FROM records WHERE id = ? AND path = ?", rec.ID, p.path)
	}()
}

// RootDep returns the shared per-path dependency token.
func (p *SQLitePersistor) RootDep() *reactive.Dep {
	return p.dep
}

// Fetch resolves with records matching the attribute-equality query.
// Attributes live in a JSON column, so filtering happens after the scan.
func (p *SQLitePersistor) Fetch(query map[string]any) *promise.Promise {
	return p.RunOnceLoaded(func() (any, error) {
		recs, err := p.fetchAll()
		if err != nil {
			return nil, err
		}
		var out []*model.Record
		for _, r := range recs {
			if memMatches(r, query) {
				out = append(out, r)
			}
		}
		return out, nil
	})
}

// FetchFirst resolves with the first matching record, or nil.
func (p *SQLitePersistor) FetchFirst(query map[string]any) *promise.Promise {
	return p.Fetch(query).Then(func(v any) (any, error) {
		recs, _ := v.([]*model.Record)
		if len(recs) == 0 {
			return nil, nil
		}
		return recs[0], nil
	})
}

// FetchEach streams matching records through fn in position order, one row
// at a time, so large collections never build a full in-memory slice.
func (p *SQLitePersistor) FetchEach(query map[string]any, fn func(*model.Record) error) *promise.Promise {
	return p.RunOnceLoaded(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		rows, err := p.db.QueryContext(ctx,
			"SELECT id, attrs, created_at FROM records WHERE path = ? ORDER BY position",
			p.path,
		)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		defer rows.Close()

		n := 0
		for rows.Next() {
			rec, err := scanRecord(rows, p.path)
			if err != nil {
				return nil, err
			}
			if !memMatches(rec, query) {
				continue
			}
			if err := fn(rec); err != nil {
				return nil, err
			}
			n++
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate records: %w", err)
		}
		return n, nil
	})
}

func scanRecord(rows *sql.Rows, path string) (*model.Record, error) {
	var (
		id        string
		attrsJSON string
		createdAt time.Time
	)
	if err := rows.Scan(&id, &attrsJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	attrs := map[string]any{}
	if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
		return nil, fmt.Errorf("decode attrs for %s: %w", id, err)
	}
	return &model.Record{
		ID:        id,
		Path:      path,
		Attrs:     attrs,
		State:     model.StateLoaded,
		CreatedAt: createdAt,
	}, nil
}

func (p *SQLitePersistor) fetchAll() ([]*model.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		"SELECT id, attrs, created_at FROM records WHERE path = ? ORDER BY position",
		p.path,
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var recs []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows, p.path)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return recs, nil
}
