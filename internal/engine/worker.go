package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned when a step is submitted after Shutdown.
var ErrPoolClosed = errors.New("step pool is closed")

// PoolStats is a snapshot of step pool activity.
type PoolStats struct {
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Recovered int64 `json:"recovered"`
}

type stepJob struct {
	ctx context.Context
	run func(ctx context.Context) error
}

// StepPool runs step handlers on a fixed set of worker goroutines shared by
// all executions. Handoff is unbuffered, so Submit blocks while every worker
// is busy; that single point throttles parallel fan-out across the whole
// orchestrator.
type StepPool struct {
	jobs    chan stepJob
	quit    chan struct{}
	once    sync.Once
	workers sync.WaitGroup
	pending sync.WaitGroup

	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	recovered atomic.Int64
}

// NewStepPool starts a pool with the given number of workers.
func NewStepPool(workers int) *StepPool {
	if workers <= 0 {
		workers = 1
	}
	p := &StepPool{
		jobs: make(chan stepJob),
		quit: make(chan struct{}),
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *StepPool) worker() {
	defer p.workers.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(job)
		case <-p.quit:
			return
		}
	}
}

// Submit hands a step handler to an idle worker, blocking until one accepts
// it. It returns ctx.Err() if the context ends while waiting and
// ErrPoolClosed once Shutdown has been called.
func (p *StepPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}

	p.pending.Add(1)
	select {
	case p.jobs <- stepJob{ctx: ctx, run: fn}:
		return nil
	case <-ctx.Done():
		p.pending.Done()
		return ctx.Err()
	case <-p.quit:
		p.pending.Done()
		return ErrPoolClosed
	}
}

func (p *StepPool) run(job stepJob) {
	defer p.pending.Done()
	p.running.Add(1)
	defer p.running.Add(-1)

	if err := p.invoke(job); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// invoke isolates the handler call so a panicking handler takes down only
// its own job, surfacing as a failure.
func (p *StepPool) invoke(job stepJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.recovered.Add(1)
			err = fmt.Errorf("step handler panicked: %v", r)
		}
	}()
	return job.run(job.ctx)
}

// Wait blocks until every accepted job has finished.
func (p *StepPool) Wait() {
	p.pending.Wait()
}

// Shutdown rejects further submissions, waits for accepted jobs to finish,
// and stops the workers. Safe to call more than once.
func (p *StepPool) Shutdown() {
	p.once.Do(func() { close(p.quit) })
	p.pending.Wait()
	p.workers.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *StepPool) Stats() PoolStats {
	return PoolStats{
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Recovered: p.recovered.Load(),
	}
}
