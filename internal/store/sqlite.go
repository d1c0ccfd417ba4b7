package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"modernc.org/sqlite"

	"github.com/rcliao/memcp/internal/model"
)

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// foldFunc lowercases with full Unicode case mapping. SQLite's built-in
// lower() folds ASCII only.
const foldFunc = "memcp_lower"

func init() {
	if err := sqlite.RegisterDeterministicScalarFunction(foldFunc, 1, foldCase); err != nil {
		panic(fmt.Sprintf("register %s: %v", foldFunc, err))
	}
}

func foldCase(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// a single connection serializes writers; SQLite allows only one anyway
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		dbPath:  dbPath,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		key         TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		path        TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_records (
		id               TEXT PRIMARY KEY,
		project_id       TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		task_external_id TEXT,
		kind             TEXT NOT NULL,
		content          TEXT NOT NULL,
		scope            TEXT NOT NULL DEFAULT '[]',
		tags             TEXT NOT NULL DEFAULT '[]',
		owner            TEXT,
		ttl              TEXT,
		quality          TEXT NOT NULL DEFAULT '{}',
		meta             TEXT NOT NULL DEFAULT '{}',
		simhash          INTEGER,
		minhash          TEXT,
		embedding        BLOB,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_project_created ON memory_records(project_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_task ON memory_records(project_id, task_external_id);
	CREATE INDEX IF NOT EXISTS idx_records_kind ON memory_records(project_id, kind);
	CREATE INDEX IF NOT EXISTS idx_records_ttl ON memory_records(ttl);
	CREATE INDEX IF NOT EXISTS idx_records_simhash ON memory_records(project_id, simhash);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, p PutParams) (*model.Project, *model.MemoryRecord, error) {
	if p.ProjectKey == "" {
		return nil, nil, errors.New("project key is required")
	}
	now := time.Now().UTC()
	rec := p.Record

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	// project upsert; name and path default to the key
	_, err = tx.ExecContext(ctx,
		`INSERT INTO projects (id, key, name, path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		s.newID(), p.ProjectKey, p.ProjectKey, p.ProjectKey, formatTime(now), formatTime(now))
	if err != nil {
		return nil, nil, fmt.Errorf("upsert project: %w", err)
	}
	proj, err := scanProject(tx.QueryRowContext(ctx,
		`SELECT id, key, name, path, created_at, updated_at FROM projects WHERE key = ?`, p.ProjectKey))
	if err != nil {
		return nil, nil, fmt.Errorf("load project: %w", err)
	}

	cols, err := encodeRecord(&rec)
	if err != nil {
		return nil, nil, err
	}

	if rec.ID == "" {
		rec.ID = s.newID()
		rec.ProjectID = proj.ID
		rec.CreatedAt = now
		rec.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_records (id, project_id, task_external_id, kind, content, scope, tags, owner,
			                             ttl, quality, meta, simhash, minhash, embedding, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ProjectID, nullString(rec.TaskExternalID), string(rec.Kind), rec.Content,
			cols.scope, cols.tags, nullString(rec.Owner), cols.ttl, cols.quality, cols.meta,
			cols.simhash, cols.minhash, cols.embedding, formatTime(now), formatTime(now))
		if err != nil {
			return nil, nil, fmt.Errorf("insert record: %w", err)
		}
	} else {
		var createdAt string
		err = tx.QueryRowContext(ctx,
			`SELECT created_at FROM memory_records WHERE id = ? AND project_id = ?`, rec.ID, proj.ID).Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("record %s: %w", rec.ID, ErrNotFound)
		}
		if err != nil {
			return nil, nil, err
		}
		rec.ProjectID = proj.ID
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			`UPDATE memory_records SET task_external_id = ?, kind = ?, content = ?, scope = ?, tags = ?, owner = ?,
			        ttl = ?, quality = ?, meta = ?, simhash = ?, minhash = ?, embedding = ?, updated_at = ?
			 WHERE id = ?`,
			nullString(rec.TaskExternalID), string(rec.Kind), rec.Content, cols.scope, cols.tags,
			nullString(rec.Owner), cols.ttl, cols.quality, cols.meta, cols.simhash, cols.minhash,
			cols.embedding, formatTime(now), rec.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("update record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &proj, &rec, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.MemoryRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records r WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) FindProject(ctx context.Context, key string) (*model.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT id, key, name, path, created_at, updated_at FROM projects WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, name, path, created_at, updated_at FROM projects ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_records SET embedding = ? WHERE id = ?`, vectorArg(vec), id)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const recordColumns = `r.id, r.project_id, r.task_external_id, r.kind, r.content, r.scope, r.tags, r.owner,
	r.ttl, r.quality, r.meta, r.simhash, r.minhash, r.embedding, r.created_at, r.updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scanner) (model.Project, error) {
	var p model.Project
	var createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.Key, &p.Name, &p.Path, &createdAt, &updatedAt); err != nil {
		return p, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func scanRecord(row scanner) (model.MemoryRecord, error) {
	var r model.MemoryRecord
	var taskID, owner, ttl, minhash sql.NullString
	var simhash sql.NullInt64
	var kind, scope, tags, quality, meta, createdAt, updatedAt string
	var embedding []byte

	err := row.Scan(
		&r.ID, &r.ProjectID, &taskID, &kind, &r.Content, &scope, &tags, &owner,
		&ttl, &quality, &meta, &simhash, &minhash, &embedding, &createdAt, &updatedAt,
	)
	if err != nil {
		return r, err
	}

	r.Kind = model.Kind(kind)
	r.TaskExternalID = taskID.String
	r.Owner = owner.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if ttl.Valid {
		t := parseTime(ttl.String)
		r.TTL = &t
	}
	if simhash.Valid {
		v := simhash.Int64
		r.SimHash = &v
	}
	if minhash.Valid {
		json.Unmarshal([]byte(minhash.String), &r.MinHash)
	}
	json.Unmarshal([]byte(scope), &r.Scope)
	json.Unmarshal([]byte(tags), &r.Tags)
	json.Unmarshal([]byte(quality), &r.Quality)
	json.Unmarshal([]byte(meta), &r.Meta)
	r.Embedding = decodeVector(embedding)
	return r, nil
}

// encodedRecord holds the column forms of the non-scalar record fields.
type encodedRecord struct {
	scope, tags, quality, meta string
	ttl, minhash               *string
	simhash                    *int64
	embedding                  any
}

func encodeRecord(r *model.MemoryRecord) (encodedRecord, error) {
	var e encodedRecord
	var err error
	if e.scope, err = jsonText(nonNilStrings(r.Scope)); err != nil {
		return e, fmt.Errorf("encode scope: %w", err)
	}
	if e.tags, err = jsonText(nonNilStrings(r.Tags)); err != nil {
		return e, fmt.Errorf("encode tags: %w", err)
	}
	quality := r.Quality
	if quality == nil {
		quality = map[string]float64{}
	}
	if e.quality, err = jsonText(quality); err != nil {
		return e, fmt.Errorf("encode quality: %w", err)
	}
	meta := r.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	if e.meta, err = jsonText(meta); err != nil {
		return e, fmt.Errorf("encode meta: %w", err)
	}
	if r.TTL != nil {
		t := formatTime(*r.TTL)
		e.ttl = &t
	}
	if r.SimHash != nil {
		e.simhash = r.SimHash
	}
	if len(r.MinHash) > 0 {
		m, err := jsonText(r.MinHash)
		if err != nil {
			return e, fmt.Errorf("encode minhash: %w", err)
		}
		e.minhash = &m
	}
	e.embedding = vectorArg(r.Embedding)
	return e, nil
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// encodeVector packs vec as little-endian float32s; nil encodes as NULL.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// vectorArg binds an empty vector as NULL.
func vectorArg(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return encodeVector(vec)
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return vec
}
