package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/rcliao/memcp/internal/model"
)

// PostgresStore implements Store using PostgreSQL with the pgvector extension.
type PostgresStore struct {
	db   *sql.DB
	dims int

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewPostgresStore connects to dsn and applies the schema. dims fixes the
// width of the embedding column.
func NewPostgresStore(ctx context.Context, dsn string, dims int) (*PostgresStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("postgres: embedding dimension must be positive, got %d", dims)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping database: %w", err)
	}

	s := &PostgresStore{
		db:      db,
		dims:    dims,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("enable pgvector: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		key         TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		path        TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_records (
		id               TEXT PRIMARY KEY,
		project_id       TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		task_external_id TEXT,
		kind             TEXT NOT NULL,
		content          TEXT NOT NULL,
		scope            TEXT[] NOT NULL DEFAULT '{}',
		tags             TEXT[] NOT NULL DEFAULT '{}',
		owner            TEXT,
		ttl              TIMESTAMPTZ,
		quality          JSONB NOT NULL DEFAULT '{}',
		meta             JSONB NOT NULL DEFAULT '{}',
		simhash          BIGINT,
		minhash          TEXT[],
		embedding        vector(` + strconv.Itoa(s.dims) + `),
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_project_created ON memory_records(project_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_task ON memory_records(project_id, task_external_id);
	CREATE INDEX IF NOT EXISTS idx_records_scope ON memory_records USING GIN (scope);
	CREATE INDEX IF NOT EXISTS idx_records_tags ON memory_records USING GIN (tags);
	CREATE INDEX IF NOT EXISTS idx_records_ttl ON memory_records(ttl);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Put(ctx context.Context, p PutParams) (*model.Project, *model.MemoryRecord, error) {
	if p.ProjectKey == "" {
		return nil, nil, errors.New("project key is required")
	}
	now := time.Now().UTC()
	rec := p.Record

	quality, meta, err := encodeMaps(&rec)
	if err != nil {
		return nil, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO projects (id, key, name, path, created_at, updated_at)
		 VALUES ($1, $2, $2, $2, $3, $3)
		 ON CONFLICT (key) DO NOTHING`,
		s.newID(), p.ProjectKey, now)
	if err != nil {
		return nil, nil, fmt.Errorf("upsert project: %w", err)
	}
	proj, err := scanPgProject(tx.QueryRowContext(ctx,
		`SELECT id, key, name, path, created_at, updated_at FROM projects WHERE key = $1`, p.ProjectKey))
	if err != nil {
		return nil, nil, fmt.Errorf("load project: %w", err)
	}

	rec.ProjectID = proj.ID
	rec.UpdatedAt = now
	args := []interface{}{
		nullString(rec.TaskExternalID), string(rec.Kind), rec.Content,
		pq.Array(nonNilStrings(rec.Scope)), pq.Array(nonNilStrings(rec.Tags)), nullString(rec.Owner),
		rec.TTL, string(quality), string(meta), rec.SimHash, minhashArg(rec.MinHash), s.vectorArg(rec.Embedding), now,
	}

	if rec.ID == "" {
		rec.ID = s.newID()
		rec.CreatedAt = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_records (task_external_id, kind, content, scope, tags, owner, ttl, quality, meta,
			                             simhash, minhash, embedding, updated_at, id, project_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $13)`,
			append(args, rec.ID, proj.ID)...)
		if err != nil {
			return nil, nil, fmt.Errorf("insert record: %w", err)
		}
	} else {
		err = tx.QueryRowContext(ctx,
			`UPDATE memory_records SET task_external_id = $1, kind = $2, content = $3, scope = $4, tags = $5,
			        owner = $6, ttl = $7, quality = $8, meta = $9, simhash = $10, minhash = $11, embedding = $12,
			        updated_at = $13
			 WHERE id = $14 AND project_id = $15
			 RETURNING created_at`,
			append(args, rec.ID, proj.ID)...).Scan(&rec.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("record %s: %w", rec.ID, ErrNotFound)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("update record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &proj, &rec, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.MemoryRecord, error) {
	rec, err := scanPgRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records r WHERE r.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) FindProject(ctx context.Context, key string) (*model.Project, error) {
	p, err := scanPgProject(s.db.QueryRowContext(ctx,
		`SELECT id, key, name, path, created_at, updated_at FROM projects WHERE key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, name, path, created_at, updated_at FROM projects ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanPgProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// pgQuery accumulates numbered placeholders.
type pgQuery struct {
	where []string
	args  []interface{}
}

func (q *pgQuery) add(clause string, arg interface{}) {
	q.args = append(q.args, arg)
	q.where = append(q.where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(q.args))))
}

func (s *PostgresStore) FindRecords(ctx context.Context, f Filter) ([]model.MemoryRecord, error) {
	var q pgQuery
	if !f.IncludeExpired {
		q.add("(r.ttl IS NULL OR r.ttl >= ?)", f.now())
	}
	if f.ProjectID != "" {
		q.add("r.project_id = ?", f.ProjectID)
	}
	if f.TaskExternalID != "" {
		q.add("r.task_external_id = ?", f.TaskExternalID)
	}
	if f.Kind != "" {
		q.add("r.kind = ?", string(f.Kind))
	}
	if f.Query != "" {
		q.add("position(lower(?) in lower(r.content)) > 0", f.Query)
	}
	if len(f.Scope) > 0 {
		q.add("r.scope && ?", pq.Array(f.Scope))
	}
	if len(f.Tags) > 0 {
		q.add("r.tags && ?", pq.Array(f.Tags))
	}

	query := `SELECT ` + recordColumns + ` FROM memory_records r`
	if len(q.where) > 0 {
		query += " WHERE " + strings.Join(q.where, " AND ")
	}
	query += " ORDER BY r.created_at DESC, r.id DESC"
	args := q.args
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	return s.queryRecords(ctx, query, args...)
}

func (s *PostgresStore) FingerprintedRecords(ctx context.Context, projectID string) ([]model.MemoryRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM memory_records r
		 WHERE r.project_id = $1 AND r.simhash IS NOT NULL AND (r.ttl IS NULL OR r.ttl >= $2)
		 ORDER BY r.updated_at DESC`,
		projectID, Filter{}.now())
}

// NearestNeighbors orders by pgvector cosine distance.
func (s *PostgresStore) NearestNeighbors(ctx context.Context, projectID string, vec []float32, limit int) ([]model.MemoryRecord, error) {
	if len(vec) == 0 || limit <= 0 {
		return nil, nil
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM memory_records r
		 WHERE r.project_id = $1 AND r.embedding IS NOT NULL AND (r.ttl IS NULL OR r.ttl >= $2)
		 ORDER BY r.embedding <=> $3::vector
		 LIMIT $4`,
		projectID, Filter{}.now(), pgvector.NewVector(vec), limit)
}

func (s *PostgresStore) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_records SET embedding = $1 WHERE id = $2`, s.vectorArg(vec), id)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MissingEmbeddings(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT r.id FROM memory_records r
		WHERE r.embedding IS NULL AND (r.ttl IS NULL OR r.ttl >= $1)
		ORDER BY r.created_at ASC`
	args := []interface{}{Filter{}.now()}
	if limit > 0 {
		query += " LIMIT $2"
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

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Driver: "postgres"}
	now := Filter{}.now()
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&st.Projects)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&st.TotalRecords)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE ttl IS NULL OR ttl >= $1`, now).Scan(&st.ActiveRecords)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE embedding IS NOT NULL`).Scan(&st.EmbeddedCount)
	s.db.QueryRowContext(ctx, `SELECT pg_database_size(current_database())`).Scan(&st.DBSizeBytes)

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.key, r.kind, COUNT(*), COUNT(r.embedding)
		FROM memory_records r JOIN projects p ON p.id = r.project_id
		GROUP BY p.key, r.kind ORDER BY p.key, r.kind`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	st.ProjectDetails, err = collectProjectStats(rows)
	return st, err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// vectorArg binds an empty vector as NULL. Vectors are fitted to the column
// width so that a provider change does not break writes.
func (s *PostgresStore) vectorArg(vec []float32) interface{} {
	if len(vec) == 0 {
		return nil
	}
	if len(vec) != s.dims {
		fitted := make([]float32, s.dims)
		copy(fitted, vec)
		vec = fitted
	}
	return pgvector.NewVector(vec)
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]model.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.MemoryRecord
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanPgProject(row scanner) (model.Project, error) {
	var p model.Project
	err := row.Scan(&p.ID, &p.Key, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func scanPgRecord(row scanner) (model.MemoryRecord, error) {
	var r model.MemoryRecord
	var taskID, owner sql.NullString
	var ttl sql.NullTime
	var simhash sql.NullInt64
	var kind string
	var scope, tags, minhash pq.StringArray
	var quality, meta []byte
	var emb *pgvector.Vector

	err := row.Scan(
		&r.ID, &r.ProjectID, &taskID, &kind, &r.Content, &scope, &tags, &owner,
		&ttl, &quality, &meta, &simhash, &minhash, &emb, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}

	r.Kind = model.Kind(kind)
	r.TaskExternalID = taskID.String
	r.Owner = owner.String
	r.Scope = []string(scope)
	r.Tags = []string(tags)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if ttl.Valid {
		t := ttl.Time.UTC()
		r.TTL = &t
	}
	if simhash.Valid {
		v := simhash.Int64
		r.SimHash = &v
	}
	if len(minhash) > 0 {
		r.MinHash = []string(minhash)
	}
	json.Unmarshal(quality, &r.Quality)
	json.Unmarshal(meta, &r.Meta)
	if emb != nil {
		r.Embedding = emb.Slice()
	}
	return r, nil
}

func encodeMaps(r *model.MemoryRecord) (quality, meta []byte, err error) {
	q := r.Quality
	if q == nil {
		q = map[string]float64{}
	}
	if quality, err = json.Marshal(q); err != nil {
		return nil, nil, fmt.Errorf("encode quality: %w", err)
	}
	m := r.Meta
	if m == nil {
		m = map[string]any{}
	}
	if meta, err = json.Marshal(m); err != nil {
		return nil, nil, fmt.Errorf("encode meta: %w", err)
	}
	return quality, meta, nil
}

func minhashArg(m []string) interface{} {
	if len(m) == 0 {
		return nil
	}
	return pq.Array(m)
}
