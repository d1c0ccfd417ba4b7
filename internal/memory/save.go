package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rcliao/memcp/internal/dedup"
	"github.com/rcliao/memcp/internal/model"
	"github.com/rcliao/memcp/internal/queue"
	"github.com/rcliao/memcp/internal/store"
)

// SaveParams is a save request.
type SaveParams struct {
	ProjectKey     string             `json:"project_key"`
	TaskExternalID string             `json:"task_external_id,omitempty"`
	Kind           string             `json:"kind"`
	Content        string             `json:"content"`
	Scope          []string           `json:"scope,omitempty"`
	Tags           []string           `json:"tags,omitempty"`
	Owner          string             `json:"owner,omitempty"`
	TTL            string             `json:"ttl,omitempty"`
	Quality        map[string]float64 `json:"quality,omitempty"`
	Meta           map[string]any     `json:"meta,omitempty"`
}

// SaveResult describes the stored record.
type SaveResult struct {
	ID        string             `json:"id"`
	ProjectID string             `json:"project_id"`
	Kind      model.Kind         `json:"kind"`
	Content   string             `json:"content"`
	Scope     []string           `json:"scope"`
	Tags      []string           `json:"tags"`
	TTL       *time.Time         `json:"ttl"`
	Quality   map[string]float64 `json:"quality"`
	Meta      map[string]any     `json:"meta"`
	// Merged is set when the content was folded into an existing record.
	Merged     bool    `json:"merged"`
	Similarity float64 `json:"similarity,omitempty"`
}

func (p SaveParams) validate() (model.Kind, error) {
	var msgs []string
	if strings.TrimSpace(p.ProjectKey) == "" {
		msgs = append(msgs, "project_key is required")
	}
	kind := strings.TrimSpace(p.Kind)
	if kind == "" {
		msgs = append(msgs, "kind is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		msgs = append(msgs, "content is required")
	}
	var k model.Kind
	if kind != "" {
		var err error
		if k, err = model.ParseKind(kind); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) > 0 {
		return "", &ValidationError{Messages: msgs}
	}
	return k, nil
}

// Save stores content, folding it into an existing near-duplicate record of
// the same project when one exists. The embedding job is enqueued after the
// write commits; a failed enqueue is logged only.
func (s *Service) Save(ctx context.Context, p SaveParams) (*SaveResult, error) {
	started := s.now()
	res, err := s.save(ctx, p)
	var payload any
	if res != nil {
		payload = map[string]any{"id": res.ID, "merged": res.Merged}
	}
	s.emit(ctx, "memory.save", p.ProjectKey, started, payload, err)
	return res, err
}

func (s *Service) save(ctx context.Context, p SaveParams) (*SaveResult, error) {
	kind, err := p.validate()
	if err != nil {
		return nil, err
	}
	projectKey := strings.TrimSpace(p.ProjectKey)

	incoming := model.MemoryRecord{
		TaskExternalID: p.TaskExternalID,
		Kind:           kind,
		Content:        p.Content,
		Scope:          p.Scope,
		Tags:           p.Tags,
		Owner:          p.Owner,
		TTL:            ParseTTL(p.TTL, s.now()),
		Quality:        p.Quality,
		Meta:           p.Meta,
	}
	setFingerprint(&incoming)

	rec := incoming
	needsEmbedding := true
	var match *dedup.Match
	if m := s.findDuplicate(ctx, projectKey, p.Content); m != nil {
		match = m
		var contentChanged bool
		rec, contentChanged = mergeRecords(m.Record, incoming)
		needsEmbedding = contentChanged || !rec.HasEmbedding()
	}

	_, saved, err := s.store.Put(ctx, store.PutParams{ProjectKey: projectKey, Record: rec})
	if err != nil {
		return nil, fmt.Errorf("save record: %w", err)
	}

	if needsEmbedding {
		s.enqueueEmbedding(ctx, saved.ID)
	}

	res := &SaveResult{
		ID:        saved.ID,
		ProjectID: saved.ProjectID,
		Kind:      saved.Kind,
		Content:   saved.Content,
		Scope:     saved.Scope,
		Tags:      saved.Tags,
		TTL:       saved.TTL,
		Quality:   saved.Quality,
		Meta:      saved.Meta,
	}
	if match != nil {
		res.Merged = true
		res.Similarity = match.Similarity
		s.log.Debug().Str("record_id", saved.ID).Float64("similarity", match.Similarity).Msg("merged near-duplicate")
	}
	return res, nil
}

// findDuplicate returns the best near-duplicate of content in the project,
// or nil. Lookup failures are logged and treated as no match.
func (s *Service) findDuplicate(ctx context.Context, projectKey, content string) *dedup.Match {
	proj, err := s.store.FindProject(ctx, projectKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.log.Warn().Err(err).Str("project", projectKey).Msg("dedup lookup failed, saving as new")
		return nil
	}
	matches, err := s.finder.FindSimilar(ctx, content, proj.ID, s.threshold)
	if err != nil {
		s.log.Warn().Err(err).Str("project", projectKey).Msg("dedup lookup failed, saving as new")
		return nil
	}
	if len(matches) == 0 {
		return nil
	}
	return &matches[0]
}

func (s *Service) enqueueEmbedding(ctx context.Context, recordID string) {
	if s.queue == nil || s.embedder == nil {
		return
	}
	err := s.queue.Enqueue(ctx, queue.Job{Name: queue.JobGenerateEmbedding, RecordID: recordID})
	if err != nil {
		s.log.Warn().Err(err).Str("record_id", recordID).Msg("enqueue embedding job")
	}
}

// setFingerprint stores the content sketches on r. Content too short to
// fingerprint gets none and never takes part in dedup.
func setFingerprint(r *model.MemoryRecord) {
	fp := dedup.Compute(r.Content)
	if fp.Degenerate() {
		r.SimHash = nil
		r.MinHash = nil
		return
	}
	sh := fp.SimHash
	r.SimHash = &sh
	r.MinHash = fp.MinHash
}

// mergeRecords folds incoming into existing. It reports whether the content
// changed, in which case the stored embedding is dropped.
func mergeRecords(existing, incoming model.MemoryRecord) (model.MemoryRecord, bool) {
	out := existing
	out.Tags = union(existing.Tags, incoming.Tags)
	out.Scope = union(existing.Scope, incoming.Scope)

	out.Quality = make(map[string]float64, len(existing.Quality)+len(incoming.Quality))
	for k, v := range existing.Quality {
		out.Quality[k] = v
	}
	for k, v := range incoming.Quality {
		if cur, ok := out.Quality[k]; !ok || v > cur {
			out.Quality[k] = v
		}
	}

	out.Meta = make(map[string]any, len(existing.Meta)+len(incoming.Meta))
	for k, v := range existing.Meta {
		out.Meta[k] = v
	}
	for k, v := range incoming.Meta {
		if _, ok := out.Meta[k]; !ok {
			out.Meta[k] = v
		}
	}

	// a record without expiry stays without expiry
	switch {
	case existing.TTL == nil || incoming.TTL == nil:
		out.TTL = nil
	case incoming.TTL.After(*existing.TTL):
		out.TTL = incoming.TTL
	}

	if out.TaskExternalID == "" {
		out.TaskExternalID = incoming.TaskExternalID
	}
	if out.Owner == "" {
		out.Owner = incoming.Owner
	}

	changed := false
	if utf8.RuneCountInString(incoming.Content) > utf8.RuneCountInString(existing.Content) {
		out.Content = incoming.Content
		setFingerprint(&out)
		out.Embedding = nil
		changed = true
	}
	return out, changed
}

// union returns a followed by the elements of b it lacks.
func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
