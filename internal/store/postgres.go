package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"

	"github.com/openjudge/arbiter/internal/model"
)

// PostgresStores implements the capability set on Postgres. Records are kept
// as JSONB documents keyed by id, matching the file backend's shape so the
// two stay interchangeable. Problem assets and submission sources still live
// on disk; only the records move into the database.
type PostgresStores struct {
	db      *sql.DB
	dataDir string
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS problems    (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS submissions (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS users       (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS roles       (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
}

// NewPostgresStores connects, pings and ensures the schema.
func NewPostgresStores(ctx context.Context, dsn, dataDir string) (*PostgresStores, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range pgSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return &PostgresStores{db: db, dataDir: dataDir}, nil
}

func (p *PostgresStores) Close() error { return p.db.Close() }

// Stores returns the capability set backed by this connection.
func (p *PostgresStores) Stores() *Stores {
	return &Stores{
		Problems:    &pgProblemStore{p},
		Submissions: &pgSubmissionStore{p},
		Users:       &pgDocStore[model.User]{p: p, table: "users", missing: ErrUserNotFound},
		Roles:       &pgDocStore[model.Role]{p: p, table: "roles", missing: ErrRoleNotFound},
	}
}

func pgGet[T any](ctx context.Context, p *PostgresStores, table, id string, missing error) (*T, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", missing, id)
	}
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", table, id, err)
	}
	return &out, nil
}

func pgList[T any](ctx context.Context, p *PostgresStores, table string) ([]*T, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s ORDER BY id`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

func pgInsert(ctx context.Context, p *PostgresStores, table, id string, doc any, exists error) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, table),
		id, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 && exists != nil {
		return fmt.Errorf("%w: %s", exists, id)
	}
	return nil
}

func pgUpdate(ctx context.Context, p *PostgresStores, table, id string, doc any, missing error) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET doc = $2 WHERE id = $1`, table), id, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", missing, id)
	}
	return nil
}

func pgDelete(ctx context.Context, p *PostgresStores, table, id string, missing error) error {
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", missing, id)
	}
	return nil
}

// pgDocStore covers the collections whose records need no filesystem side
// effects. The id is read through a small adapter because Go has no field
// constraints in generics.
type pgDocStore[T any] struct {
	p       *PostgresStores
	table   string
	missing error
}

func docID(doc any) string {
	switch v := doc.(type) {
	case *model.User:
		return v.ID
	case *model.Role:
		return v.ID
	}
	return ""
}

func (s *pgDocStore[T]) Get(ctx context.Context, id string) (*T, error) {
	return pgGet[T](ctx, s.p, s.table, id, s.missing)
}

func (s *pgDocStore[T]) List(ctx context.Context) ([]*T, error) {
	return pgList[T](ctx, s.p, s.table)
}

func (s *pgDocStore[T]) Add(ctx context.Context, doc *T) error {
	return pgInsert(ctx, s.p, s.table, docID(doc), doc, nil)
}

func (s *pgDocStore[T]) Update(ctx context.Context, id string, doc *T) error {
	return pgUpdate(ctx, s.p, s.table, id, doc, s.missing)
}

func (s *pgDocStore[T]) Delete(ctx context.Context, id string) error {
	return pgDelete(ctx, s.p, s.table, id, s.missing)
}

type pgProblemStore struct{ p *PostgresStores }

func (s *pgProblemStore) Get(ctx context.Context, id string) (*model.Problem, error) {
	return pgGet[model.Problem](ctx, s.p, "problems", id, ErrProblemNotFound)
}

func (s *pgProblemStore) List(ctx context.Context) ([]*model.Problem, error) {
	return pgList[model.Problem](ctx, s.p, "problems")
}

func (s *pgProblemStore) Add(ctx context.Context, p *model.Problem) error {
	if p.Dir == "" {
		p.Dir = filepath.Join(s.p.dataDir, "problems", p.ID)
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return err
	}
	return pgInsert(ctx, s.p, "problems", p.ID, p, ErrProblemExists)
}

func (s *pgProblemStore) Update(ctx context.Context, id string, p *model.Problem) error {
	return pgUpdate(ctx, s.p, "problems", id, p, ErrProblemNotFound)
}

func (s *pgProblemStore) Delete(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := pgDelete(ctx, s.p, "problems", id, ErrProblemNotFound); err != nil {
		return err
	}
	if p.Dir != "" {
		return os.RemoveAll(p.Dir)
	}
	return nil
}

type pgSubmissionStore struct{ p *PostgresStores }

func (s *pgSubmissionStore) Get(ctx context.Context, id string) (*model.Submission, error) {
	return pgGet[model.Submission](ctx, s.p, "submissions", id, ErrSubmissionNotFound)
}

func (s *pgSubmissionStore) List(ctx context.Context) ([]*model.Submission, error) {
	return pgList[model.Submission](ctx, s.p, "submissions")
}

// Add mirrors the file backend: source written to disk, code cleared from
// the record.
func (s *pgSubmissionStore) Add(ctx context.Context, sub *model.Submission) error {
	name, ok := SourceFileName(sub.Language.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrLanguageNotSupport, sub.Language.Name)
	}
	sub.Dir = filepath.Join(s.p.dataDir, "submissions", sub.ID)
	sub.FilePath = filepath.Join(sub.Dir, name)
	if err := os.MkdirAll(sub.Dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(sub.FilePath, []byte(sub.Code), 0o644); err != nil {
		return fmt.Errorf("write source: %w", err)
	}
	sub.Code = ""
	return pgInsert(ctx, s.p, "submissions", sub.ID, sub, ErrSubmissionExists)
}

func (s *pgSubmissionStore) Update(ctx context.Context, id string, sub *model.Submission) error {
	return pgUpdate(ctx, s.p, "submissions", id, sub, ErrSubmissionNotFound)
}
