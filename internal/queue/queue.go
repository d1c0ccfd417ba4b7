// Package queue runs background jobs with bounded retries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// JobGenerateEmbedding computes and stores the embedding of one record.
const JobGenerateEmbedding = "generate_embedding"

var (
	ErrQueueFull = errors.New("queue is full")
	ErrClosed    = errors.New("queue is closed")
)

// Job is a unit of background work.
type Job struct {
	Name     string `json:"name"`
	RecordID string `json:"record_id"`
}

// Handler executes a job. Handlers must be idempotent: a job may run more
// than once.
type Handler func(ctx context.Context, job Job) error

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// RetryPolicy bounds how often a failing job is attempted.
type RetryPolicy struct {
	MaxAttempts int
	// BackoffBase is the wait before the second attempt; it doubles after that.
	BackoffBase time.Duration
	// AttemptTimeout bounds each handler call when set.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is three attempts starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BackoffBase << (attempt - 1)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// run executes job until it succeeds, fails permanently, exhausts the
// policy or ctx ends.
func run(ctx context.Context, job Job, h Handler, policy RetryPolicy, log zerolog.Logger) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = attemptOnce(ctx, job, h, policy.AttemptTimeout)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		wait := policy.Backoff(attempt)
		log.Debug().Err(err).Str("job", job.Name).Str("record_id", job.RecordID).
			Int("attempt", attempt).Dur("backoff", wait).Msg("job failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (after attempt %d: %v)", ctx.Err(), attempt, err)
		case <-timer.C:
		}
	}
	return fmt.Errorf("job %s for %s failed after %d attempts: %w", job.Name, job.RecordID, maxAttempts, err)
}

func attemptOnce(ctx context.Context, job Job, h Handler, timeout time.Duration) error {
	if timeout <= 0 {
		return h(ctx, job)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h(ctx, job)
}

// Inline runs each job synchronously inside Enqueue. One-shot commands use
// it so that work finishes before the process exits.
type Inline struct {
	handler Handler
	policy  RetryPolicy
	log     zerolog.Logger
}

// NewInline creates an inline queue.
func NewInline(h Handler, policy RetryPolicy, log zerolog.Logger) *Inline {
	return &Inline{handler: h, policy: policy, log: log}
}

func (q *Inline) Enqueue(ctx context.Context, job Job) error {
	return run(ctx, job, q.handler, q.policy, q.log)
}
