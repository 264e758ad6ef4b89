package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"feedarchive/logger"
)

// JobHandler executes one archive job.
type JobHandler func(ctx context.Context, job Job) error

// Submitter accepts archive jobs without waiting for their result.
type Submitter interface {
	Submit(job Job) bool
}

// PoolStats counts pool traffic.
type PoolStats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
	Submitted int64  `json:"submitted"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
	Panicked  int64  `json:"panicked"`
}

// Pool runs archive jobs on a bounded set of goroutines. Submit only enqueues;
// a dispatcher hands queued jobs to the ants pool as workers free up.
type Pool struct {
	name    string
	ctx     context.Context
	handle  JobHandler
	pool    *ants.Pool
	jobs    chan Job
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	log     *logger.Log

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
}

// NewPool starts a pool named name with the given worker count and queue
// capacity. Jobs run with ctx; they are expected to finish their bounded
// retries even after shutdown begins.
func NewPool(ctx context.Context, name string, workers, queue int, handle JobHandler) (*Pool, error) {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	p := &Pool{
		name:   name,
		ctx:    ctx,
		handle: handle,
		jobs:   make(chan Job, queue),
		done:   make(chan struct{}),
		log:    logger.GetLogger(),
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(r interface{}) {
		p.recovered(Job{}, r)
	}))
	if err != nil {
		return nil, fmt.Errorf("create %s pool: %w", name, err)
	}
	p.pool = pool

	go p.dispatch()

	p.log.WithComponent("archive").WithFields(logger.Fields{
		"pool":    name,
		"workers": workers,
		"queue":   queue,
	}).Info("archive pool started")
	return p, nil
}

// Submit queues job and returns immediately unless the queue is full, in
// which case it warns and waits for room. It returns false once the pool is
// stopping.
func (p *Pool) Submit(job Job) bool {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.log.WithComponent("archive").WithFields(logger.Fields{
			"pool":   p.name,
			"job_id": job.ID,
			"symbol": job.Symbol,
		}).Warn("pool stopped, job rejected")
		return false
	}

	select {
	case p.jobs <- job:
	default:
		p.log.WithComponent("archive").WithFields(logger.Fields{
			"pool":     p.name,
			"job_id":   job.ID,
			"symbol":   job.Symbol,
			"capacity": cap(p.jobs),
		}).Warn("archive queue full, waiting")
		p.jobs <- job
	}
	p.submitted.Add(1)
	return true
}

func (p *Pool) dispatch() {
	defer close(p.done)
	for job := range p.jobs {
		job := job
		p.wg.Add(1)
		err := p.pool.Submit(func() {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.recovered(job, r)
				}
			}()
			if err := p.handle(p.ctx, job); err != nil {
				p.failed.Add(1)
				return
			}
			p.succeeded.Add(1)
		})
		if err != nil {
			p.wg.Done()
			p.failed.Add(1)
			p.log.WithComponent("archive").WithError(err).WithField("pool", p.name).Error("failed to schedule archive job")
		}
	}
}

func (p *Pool) recovered(job Job, r interface{}) {
	p.panicked.Add(1)
	p.log.WithComponent("archive").WithFields(logger.Fields{
		"pool":   p.name,
		"job_id": job.ID,
		"symbol": job.Symbol,
		"panic":  fmt.Sprint(r),
	}).Error("archive job panicked")
}

// Stop rejects new jobs, runs everything already queued and releases the
// workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	<-p.done
	p.wg.Wait()
	p.pool.Release()

	p.log.WithComponent("archive").WithFields(logger.Fields{
		"pool":      p.name,
		"succeeded": p.succeeded.Load(),
		"failed":    p.failed.Load(),
	}).Info("archive pool drained")
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Name:      p.name,
		Workers:   p.pool.Cap(),
		Running:   p.pool.Running(),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
