package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// PoolConfig sizes a worker pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	// RatePerSecond limits job attempts across all workers; <= 0 is unlimited.
	RatePerSecond float64
	Retry         RetryPolicy
	// ShutdownTimeout bounds how long Close waits for queued jobs.
	ShutdownTimeout time.Duration
}

// Pool is a channel-backed worker pool.
type Pool struct {
	cfg     PoolConfig
	handler Handler
	limiter *rate.Limiter
	log     zerolog.Logger

	jobs   chan Job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a pool; call Start to launch the workers.
func NewPool(cfg PoolConfig, h Handler, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Pool{
		cfg:     cfg,
		handler: h,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With().Str("component", "queue").Logger(),
		jobs:    make(chan Job, cfg.QueueSize),
	}
}

// Start launches the workers. They stop when ctx ends or once Close has
// drained the queue.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Info().Int("workers", p.cfg.Workers).Int("queue_size", p.cfg.QueueSize).Msg("worker pool started")
}

// Enqueue adds a job without blocking.
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Len reports the number of queued jobs.
func (p *Pool) Len() int { return len(p.jobs) }

// Stats returns the number of jobs that succeeded and failed.
func (p *Pool) Stats() (processed, failed int64) {
	return p.processed.Load(), p.failed.Load()
}

// Close stops accepting jobs and waits for queued ones, up to the
// shutdown timeout, after which in-flight work is cancelled.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("worker pool drained")
	case <-time.After(p.cfg.ShutdownTimeout):
		p.log.Warn().Int("remaining", len(p.jobs)).Msg("shutdown timeout reached, cancelling jobs")
		if p.cancel != nil {
			p.cancel()
		}
		<-done
	}
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for {
		var job Job
		var ok bool
		select {
		case <-ctx.Done():
			return
		case job, ok = <-p.jobs:
			if !ok {
				return
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if err := run(ctx, job, p.handler, p.cfg.Retry, log); err != nil {
			p.failed.Add(1)
			log.Error().Err(err).Str("job", job.Name).Str("record_id", job.RecordID).Msg("job failed")
			continue
		}
		p.processed.Add(1)
	}
}
