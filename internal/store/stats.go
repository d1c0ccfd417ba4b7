package store

import (
	"context"
	"os"
)

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Driver: "sqlite", DBPath: s.dbPath}

	// DB file size
	if info, err := os.Stat(s.dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	now := formatTime(Filter{}.now())
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&st.Projects)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&st.TotalRecords)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE ttl IS NULL OR ttl >= ?`, now).Scan(&st.ActiveRecords)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE embedding IS NOT NULL`).Scan(&st.EmbeddedCount)

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.key, r.kind, COUNT(*), SUM(CASE WHEN r.embedding IS NOT NULL THEN 1 ELSE 0 END)
		FROM memory_records r JOIN projects p ON p.id = r.project_id
		GROUP BY p.key, r.kind ORDER BY p.key, r.kind`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	st.ProjectDetails, err = collectProjectStats(rows)
	return st, err
}

type rowIterator interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// collectProjectStats folds (key, kind, count, embedded) rows ordered by key.
func collectProjectStats(rows rowIterator) ([]ProjectStats, error) {
	var out []ProjectStats
	for rows.Next() {
		var key, kind string
		var count, embedded int
		if err := rows.Scan(&key, &kind, &count, &embedded); err != nil {
			return out, err
		}
		if len(out) == 0 || out[len(out)-1].Key != key {
			out = append(out, ProjectStats{Key: key, ByKind: map[string]int{}})
		}
		ps := &out[len(out)-1]
		ps.Records += count
		ps.Embedded += embedded
		ps.ByKind[kind] = count
	}
	return out, rows.Err()
}
