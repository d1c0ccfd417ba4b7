// Package store provides the memory storage interface with SQLite and
// PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rcliao/memcp/internal/model"
)

// ErrNotFound is returned when a project or record does not exist.
var ErrNotFound = errors.New("not found")

// PutParams holds parameters for writing a memory record.
type PutParams struct {
	// ProjectKey is upserted in the same transaction as the record write.
	ProjectKey string
	// Record is inserted when its ID is empty, otherwise updated in place.
	Record model.MemoryRecord
}

// Filter selects records for FindRecords. Empty fields do not filter.
type Filter struct {
	ProjectID      string
	TaskExternalID string
	Kind           model.Kind
	// Query is a case-insensitive content substring.
	Query string
	// Scope keeps records whose scope shares at least one segment.
	Scope []string
	// Tags keeps records whose tags share at least one label.
	Tags []string
	// IncludeExpired disables the TTL filter.
	IncludeExpired bool
	// Now is the reference time for the TTL filter; zero means time.Now().
	Now time.Time
	// Limit caps the result; <= 0 returns every match.
	Limit int
}

func (f Filter) now() time.Time {
	if f.Now.IsZero() {
		return time.Now().UTC()
	}
	return f.Now.UTC()
}

// Stats holds database statistics.
type Stats struct {
	Driver         string         `json:"driver"`
	DBPath         string         `json:"db_path,omitempty"`
	DBSizeBytes    int64          `json:"db_size_bytes,omitempty"`
	Projects       int            `json:"projects"`
	TotalRecords   int            `json:"total_records"`
	ActiveRecords  int            `json:"active_records"`
	EmbeddedCount  int            `json:"embedded_records"`
	ProjectDetails []ProjectStats `json:"project_details"`
}

// ProjectStats holds per-project counts.
type ProjectStats struct {
	Key      string         `json:"key"`
	Records  int            `json:"records"`
	Embedded int            `json:"embedded"`
	ByKind   map[string]int `json:"by_kind"`
}

// Store defines the memory storage interface.
type Store interface {
	// Put upserts the project and inserts or updates the record atomically.
	Put(ctx context.Context, p PutParams) (*model.Project, *model.MemoryRecord, error)

	// GetRecord retrieves a record by id, expired or not.
	GetRecord(ctx context.Context, id string) (*model.MemoryRecord, error)

	// FindProject retrieves a project by key.
	FindProject(ctx context.Context, key string) (*model.Project, error)

	// ListProjects lists all projects ordered by key.
	ListProjects(ctx context.Context) ([]model.Project, error)

	// FindRecords returns matching records, most recent first.
	FindRecords(ctx context.Context, f Filter) ([]model.MemoryRecord, error)

	// FingerprintedRecords returns the active records of a project that
	// carry a simhash.
	FingerprintedRecords(ctx context.Context, projectID string) ([]model.MemoryRecord, error)

	// NearestNeighbors returns the active embedded records of a project
	// ordered by cosine similarity to vec.
	NearestNeighbors(ctx context.Context, projectID string, vec []float32, limit int) ([]model.MemoryRecord, error)

	// SetEmbedding stores the embedding vector of a record.
	SetEmbedding(ctx context.Context, id string, vec []float32) error

	// MissingEmbeddings lists ids of active records without an embedding,
	// oldest first.
	MissingEmbeddings(ctx context.Context, limit int) ([]string, error)

	// Stats returns database statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the store.
	Close() error
}
