package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/memcp/internal/queue"
	"github.com/rcliao/memcp/internal/store"
)

// HandleJob dispatches queued jobs; it is the handler given to a queue.
func (s *Service) HandleJob(ctx context.Context, job queue.Job) error {
	switch job.Name {
	case queue.JobGenerateEmbedding:
		return s.EmbedRecord(ctx, job.RecordID)
	default:
		return queue.Permanent(fmt.Errorf("unknown job %q", job.Name))
	}
}

// EmbedRecord computes and stores the embedding of one record. It does
// nothing when the record is gone or already embedded, so it is safe to run
// more than once.
func (s *Service) EmbedRecord(ctx context.Context, id string) error {
	if s.embedder == nil {
		return queue.Permanent(errors.New("no embedding provider configured"))
	}
	rec, err := s.store.GetRecord(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Debug().Str("record_id", id).Msg("record gone, skipping embedding")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	if rec.HasEmbedding() {
		return nil
	}
	if strings.TrimSpace(rec.Content) == "" {
		return queue.Permanent(fmt.Errorf("record %s has no content", id))
	}

	vec, err := s.embedder.Embed(ctx, rec.Content)
	if err != nil {
		s.log.Warn().Err(err).Str("record_id", id).Msg("embedding generation failed")
		return fmt.Errorf("embed record %s: %w", id, err)
	}
	if err := s.store.SetEmbedding(ctx, id, vec); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	return nil
}

// Backfill enqueues embedding jobs for up to limit records that lack one.
// It returns the number of jobs accepted by the queue.
func (s *Service) Backfill(ctx context.Context, limit int) (int, error) {
	if s.queue == nil || s.embedder == nil {
		return 0, nil
	}
	ids, err := s.store.MissingEmbeddings(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list records without embeddings: %w", err)
	}

	n := 0
	for _, id := range ids {
		err := s.queue.Enqueue(ctx, queue.Job{Name: queue.JobGenerateEmbedding, RecordID: id})
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrClosed) {
			s.log.Warn().Err(err).Int("enqueued", n).Msg("backfill stopped early")
			break
		}
		if err != nil {
			s.log.Warn().Err(err).Str("record_id", id).Msg("backfill job failed")
			continue
		}
		n++
	}
	if len(ids) > 0 {
		s.log.Info().Int("found", len(ids)).Int("enqueued", n).Msg("embedding backfill")
	}
	return n, nil
}
