package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/andrej220/remexec/internal/lg"
)

const TotalMaxWorkers = 10

type JobFunc[T any] func(ctx context.Context, payload T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs jobs on a fixed number of workers. Jobs are not retried.
type Pool[T any] struct {
	jobs          chan Job[T]
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	stopOnce      sync.Once
	maxWorkers    int
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	pool := &Pool[T]{
		jobs:       make(chan Job[T], maxWorkers),
		quit:       make(chan struct{}),
		maxWorkers: maxWorkers,
	}
	pool.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go pool.loop()
	}
	return pool
}

// Stop waits for running jobs. Queued jobs that never started only get
// their cleanup.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
		for {
			select {
			case job := <-p.jobs:
				if job.CleanupFunc != nil {
					job.CleanupFunc()
				}
			default:
				return
			}
		}
	})
}

// Submit blocks until a worker slot frees up. It returns false when the pool
// is stopping or the job's context ends first.
func (p *Pool[T]) Submit(job Job[T]) bool {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	logger := lg.FromContext(job.Ctx)
	select {
	case <-p.quit:
		logger.Info("worker pool is shutting down, job rejected")
		return false
	default:
	}
	select {
	case p.jobs <- job:
		logger.Debug("job submitted", lg.Any("job", job.Payload))
		return true
	case <-p.quit:
		logger.Info("worker pool is shutting down, job rejected")
	case <-job.Ctx.Done():
		logger.Info("job canceled before start", lg.Err(job.Ctx.Err()))
	}
	return false
}

func (p *Pool[T]) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

func (p *Pool[T]) run(job Job[T]) {
	active := atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))

	if err := job.Ctx.Err(); err != nil {
		logger.Info("job canceled", lg.Err(err))
		return
	}
	logger.Debug("worker started", lg.Int32("workers", active))
	if err := job.Fn(job.Ctx, job.Payload); err != nil {
		logger.Warn("job failed", lg.Err(err))
		return
	}
	logger.Debug("worker finished", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) MaxWorkers() int {
	return p.maxWorkers
}
