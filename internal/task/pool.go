package task

import (
	"log/slog"
	"sync"
)

// Pool executes posted work. Two modes exist: a bounded concurrent pool
// with min workers running eagerly and growth up to max under queue
// pressure, and an immediate mode that runs work synchronously on the
// caller for deterministic tests.
//
// Post never returns a value the caller depends on; all results flow back
// through channels, not the call stack.
type Pool struct {
	logger    *slog.Logger
	immediate bool
	max       int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	idle    int
	workers int
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a bounded pool and starts min workers.
func NewPool(min, max int, logger *slog.Logger) *Pool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	p := &Pool{logger: logger, max: max}
	p.cond = sync.NewCond(&p.mu)

	p.mu.Lock()
	for i := 0; i < min; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p
}

// NewImmediatePool creates a pool whose Post runs work synchronously on the
// caller. Only for controlled test execution where ordering must be
// deterministic.
func NewImmediatePool(logger *slog.Logger) *Pool {
	return &Pool{logger: logger, immediate: true}
}

// Post enqueues work. In the bounded mode submissions beyond max workers
// queue without bound, first come first served. Posting to a stopped pool
// is a logged no-op.
func (p *Pool) Post(fn func()) {
	if p.immediate {
		p.invoke(fn)
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.logger.Warn("work posted to stopped pool, dropping")
		return
	}
	p.queue = append(p.queue, fn)
	if p.idle == 0 && p.workers < p.max {
		p.spawnLocked()
	}
	p.cond.Signal()
	p.mu.Unlock()
}

// Stop drains queued work and joins all workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.immediate || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

// Workers returns the number of running workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

func (p *Pool) spawnLocked() {
	p.workers++
	p.wg.Add(1)
	go p.worker()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		if len(p.queue) == 0 && p.stopped {
			p.workers--
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.invoke(fn)
	}
}

// invoke runs one unit of work, recovering panics so a misbehaving body
// cannot take down the worker.
func (p *Pool) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in pooled work", "panic", r)
		}
	}()
	fn()
}
