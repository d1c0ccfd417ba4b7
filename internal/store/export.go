package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcliao/memcp/internal/model"
)

// ExportedRecord is a record tagged with its project key so that it can be
// replayed through save on another store.
type ExportedRecord struct {
	ProjectKey string `json:"project_key"`
	model.MemoryRecord
}

// Export returns every record, expired ones included, optionally limited to
// one project. Records are grouped by project key, oldest first.
func Export(ctx context.Context, s Store, projectKey string) ([]ExportedRecord, error) {
	var projects []model.Project
	if projectKey != "" {
		p, err := s.FindProject(ctx, projectKey)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		projects = []model.Project{*p}
	} else {
		var err error
		if projects, err = s.ListProjects(ctx); err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
	}

	var out []ExportedRecord
	for _, p := range projects {
		records, err := s.FindRecords(ctx, Filter{ProjectID: p.ID, IncludeExpired: true})
		if err != nil {
			return out, fmt.Errorf("export %s: %w", p.Key, err)
		}
		for i := len(records) - 1; i >= 0; i-- {
			out = append(out, ExportedRecord{ProjectKey: p.Key, MemoryRecord: records[i]})
		}
	}
	return out, nil
}
