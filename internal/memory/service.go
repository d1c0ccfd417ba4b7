// Package memory implements the save and recall operations on top of the
// store, the dedup finder, the retrieval merger and the embedding queue.
package memory

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/memcp/internal/dedup"
	"github.com/rcliao/memcp/internal/embedding"
	"github.com/rcliao/memcp/internal/observability"
	"github.com/rcliao/memcp/internal/queue"
	"github.com/rcliao/memcp/internal/retrieval"
	"github.com/rcliao/memcp/internal/store"
)

// ValidationError lists client-facing problems with a request.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "; ")
}

// Options configures a Service.
type Options struct {
	Store store.Store
	// Embedder is optional; nil disables query embedding and the embedding job.
	Embedder embedding.Embedder
	// Hub is optional.
	Hub *observability.Hub
	Log zerolog.Logger
	// Threshold is the dedup similarity threshold; <= 0 uses the default.
	Threshold float64
}

// Service is the memory core.
type Service struct {
	store     store.Store
	finder    *dedup.Finder
	merger    *retrieval.Merger
	embedder  embedding.Embedder
	queue     queue.Queue
	hub       *observability.Hub
	log       zerolog.Logger
	threshold float64
	clock     func() time.Time
}

// New creates a service. Attach a queue with SetQueue before saving if
// embeddings should be generated.
func New(opts Options) *Service {
	log := opts.Log.With().Str("component", "memory").Logger()
	return &Service{
		store:     opts.Store,
		finder:    dedup.NewFinder(opts.Store),
		merger:    retrieval.NewMerger(opts.Store, opts.Embedder, opts.Log),
		embedder:  opts.Embedder,
		hub:       opts.Hub,
		log:       log,
		threshold: opts.Threshold,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// SetQueue sets the queue that receives embedding jobs. The queue's handler
// is usually s.HandleJob, hence the separate setter.
func (s *Service) SetQueue(q queue.Queue) {
	s.queue = q
}

func (s *Service) now() time.Time {
	return s.clock()
}

// emit records an observability event for an operation that started at
// started. Emit failures never reach the caller.
func (s *Service) emit(ctx context.Context, op, entity string, started time.Time, payload any, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	_, _ = s.hub.Emit(ctx, observability.Event{
		Operation:  op,
		Entity:     entity,
		Payload:    payload,
		Status:     status,
		Error:      observability.ErrorFrom(err),
		StartedAt:  started,
		FinishedAt: s.now(),
	})
}
