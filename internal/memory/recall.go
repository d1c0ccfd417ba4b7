package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/memcp/internal/bundle"
	"github.com/rcliao/memcp/internal/retrieval"
	"github.com/rcliao/memcp/internal/store"
)

// RecallParams is a recall request.
type RecallParams struct {
	ProjectKey     string   `json:"project_key"`
	TaskExternalID string   `json:"task_external_id,omitempty"`
	RepoPath       string   `json:"repo_path,omitempty"`
	Query          string   `json:"query,omitempty"`
	Symbols        []string `json:"symbols,omitempty"`
	Signals        []string `json:"signals,omitempty"`
	LimitTokens    int      `json:"limit_tokens,omitempty"`
}

// Recall assembles the memory bundle for a task context. An unknown project
// yields an empty bundle.
func (s *Service) Recall(ctx context.Context, p RecallParams) (*bundle.Bundle, error) {
	started := s.now()
	b, err := s.recall(ctx, p)
	var payload any
	if b != nil {
		payload = map[string]any{
			"facts":      len(b.Facts),
			"few_shots":  len(b.FewShots),
			"links":      len(b.Links),
			"confidence": b.Confidence,
		}
	}
	s.emit(ctx, "memory.recall", p.ProjectKey, started, payload, err)
	return b, err
}

func (s *Service) recall(ctx context.Context, p RecallParams) (*bundle.Bundle, error) {
	key := strings.TrimSpace(p.ProjectKey)
	if key == "" {
		return nil, &ValidationError{Messages: []string{"project_key is required"}}
	}

	proj, err := s.store.FindProject(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return bundle.Empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("find project: %w", err)
	}

	now := s.now()
	records, err := s.merger.Retrieve(ctx, retrieval.Query{
		ProjectID:      proj.ID,
		TaskExternalID: p.TaskExternalID,
		RepoPath:       p.RepoPath,
		Query:          p.Query,
		Symbols:        p.Symbols,
		Signals:        p.Signals,
		Now:            now,
	})
	if err != nil {
		return nil, err
	}
	return bundle.Assemble(records, p.LimitTokens, now), nil
}
