package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rcliao/memcp/internal/embedding"
	"github.com/rcliao/memcp/internal/model"
)

// FindRecords returns records matching f, most recently created first.
func (s *SQLiteStore) FindRecords(ctx context.Context, f Filter) ([]model.MemoryRecord, error) {
	var where []string
	var args []interface{}

	if !f.IncludeExpired {
		where = append(where, "(r.ttl IS NULL OR r.ttl >= ?)")
		args = append(args, formatTime(f.now()))
	}
	if f.ProjectID != "" {
		where = append(where, "r.project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.TaskExternalID != "" {
		where = append(where, "r.task_external_id = ?")
		args = append(args, f.TaskExternalID)
	}
	if f.Kind != "" {
		where = append(where, "r.kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Query != "" {
		where = append(where, "instr("+foldFunc+"(r.content), ?) > 0")
		args = append(args, strings.ToLower(f.Query))
	}
	if len(f.Scope) > 0 {
		clause, a := jsonOverlap("r.scope", f.Scope)
		where = append(where, clause)
		args = append(args, a...)
	}
	if len(f.Tags) > 0 {
		clause, a := jsonOverlap("r.tags", f.Tags)
		where = append(where, clause)
		args = append(args, a...)
	}

	query := `SELECT ` + recordColumns + ` FROM memory_records r`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.created_at DESC, r.id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return s.queryRecords(ctx, query, args...)
}

// jsonOverlap matches rows whose JSON array column shares an element with values.
func jsonOverlap(column string, values []string) (string, []interface{}) {
	placeholders := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	clause := fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value IN (%s))",
		column, strings.Join(placeholders, ", "))
	return clause, args
}

func (s *SQLiteStore) FingerprintedRecords(ctx context.Context, projectID string) ([]model.MemoryRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM memory_records r
		 WHERE r.project_id = ? AND r.simhash IS NOT NULL AND (r.ttl IS NULL OR r.ttl >= ?)
		 ORDER BY r.updated_at DESC`,
		projectID, formatTime(Filter{}.now()))
}

// NearestNeighbors ranks the project's embedded records by cosine similarity
// in process. Vectors are small enough that a scan beats an extension.
func (s *SQLiteStore) NearestNeighbors(ctx context.Context, projectID string, vec []float32, limit int) ([]model.MemoryRecord, error) {
	if len(vec) == 0 || limit <= 0 {
		return nil, nil
	}
	records, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM memory_records r
		 WHERE r.project_id = ? AND r.embedding IS NOT NULL AND (r.ttl IS NULL OR r.ttl >= ?)`,
		projectID, formatTime(Filter{}.now()))
	if err != nil {
		return nil, err
	}

	type scored struct {
		rec   model.MemoryRecord
		score float64
	}
	ranked := make([]scored, 0, len(records))
	for _, r := range records {
		ranked = append(ranked, scored{rec: r, score: embedding.CosineSimilarity(vec, r.Embedding)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]model.MemoryRecord, len(ranked))
	for i, r := range ranked {
		out[i] = r.rec
	}
	return out, nil
}

func (s *SQLiteStore) MissingEmbeddings(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT r.id FROM memory_records r
		WHERE r.embedding IS NULL AND (r.ttl IS NULL OR r.ttl >= ?)
		ORDER BY r.created_at ASC`
	args := []interface{}{formatTime(Filter{}.now())}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]model.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.MemoryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
