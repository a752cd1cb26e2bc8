// Package worker runs heavy jobs (compression, archive building,
// extraction) on dedicated goroutines so the caller only waits for a reply.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"pbak/internal/logging"
	"sync"
)

var ErrStopped = errors.New("worker pool is stopped")

type job struct {
	name  string
	fn    func() error
	reply chan error
}

type Pool struct {
	jobs   chan job
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.RWMutex
	stopped bool
}

func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs:   make(chan job),
		logger: logging.OrDefault(logger),
	}
	for range workers {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.logger.Debug("Worker job started", "job", j.name)
		err := run(j.fn)
		p.logger.Debug("Worker job finished", "job", j.name, "error", err)
		j.reply <- err
	}
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker job panicked: %v", r)
		}
	}()
	return fn()
}

// Run hands fn to a worker and waits for its result. ctx only bounds the wait
// for a free worker: once fn has started it runs to completion.
func (p *Pool) Run(ctx context.Context, name string, fn func() error) error {
	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrStopped
	}
	j := job{name: name, fn: fn, reply: make(chan error, 1)}
	select {
	case p.jobs <- j:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	return <-j.reply
}

// Stop waits for running jobs and shuts the workers down. It is safe to call
// more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
