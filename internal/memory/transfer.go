package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/memcp/internal/store"
)

// ImportResult summarizes an import.
type ImportResult struct {
	Created int      `json:"created"`
	Merged  int      `json:"merged"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Export returns every record of a project, oldest first.
func (s *Service) Export(ctx context.Context, projectKey string) ([]store.ExportedRecord, error) {
	return store.Export(ctx, s.store, projectKey)
}

// Import saves exported records through the regular save path, so
// near-duplicates of existing memories are merged rather than copied.
// Invalid entries are skipped and reported; store failures abort.
func (s *Service) Import(ctx context.Context, records []store.ExportedRecord) (*ImportResult, error) {
	res := &ImportResult{}
	for i, r := range records {
		p := SaveParams{
			ProjectKey:     r.ProjectKey,
			TaskExternalID: r.TaskExternalID,
			Kind:           string(r.Kind),
			Content:        r.Content,
			Scope:          r.Scope,
			Tags:           r.Tags,
			Owner:          r.Owner,
			Quality:        r.Quality,
			Meta:           r.Meta,
		}
		if r.TTL != nil {
			p.TTL = r.TTL.UTC().Format(time.RFC3339Nano)
		}

		out, err := s.Save(ctx, p)
		var verr *ValidationError
		if errors.As(err, &verr) {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("record %d: %v", i, verr))
			continue
		}
		if err != nil {
			return res, fmt.Errorf("import record %d: %w", i, err)
		}
		if out.Merged {
			res.Merged++
		} else {
			res.Created++
		}
	}
	return res, nil
}
