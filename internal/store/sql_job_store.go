package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/dunamismax/cutout/internal/domain"
)

type dialect struct {
	driver    string
	timestamp string
	// positional reports whether placeholders are $1, $2, ... rather than ?.
	positional bool
}

var (
	postgresDialect = dialect{driver: "postgres", timestamp: "TIMESTAMPTZ", positional: true}
	sqliteDialect   = dialect{driver: "sqlite", timestamp: "DATETIME"}
)

func (d dialect) schema() string {
	return `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	source_key TEXT NOT NULL,
	original_key TEXT NOT NULL DEFAULT '',
	cutout_key TEXT NOT NULL DEFAULT '',
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at ` + d.timestamp + ` NOT NULL,
	updated_at ` + d.timestamp + ` NOT NULL
);
`
}

// rebind rewrites $N placeholders for drivers that only accept ?.
func (d dialect) rebind(query string) string {
	if d.positional {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if j > i+1 {
				b.WriteByte('?')
				i = j - 1
				continue
			}
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLJobStore keeps jobs in postgres (lib/pq) or sqlite (modernc.org/sqlite).
type SQLJobStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*SQLJobStore, error) {
	return openSQL(ctx, postgresDialect, dsn)
}

// NewSQLiteJobStore opens the database file at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteJobStore(ctx context.Context, path string) (*SQLJobStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	return openSQL(ctx, sqliteDialect, path)
}

func openSQL(ctx context.Context, d dialect, dsn string) (*SQLJobStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", d.driver, err)
	}
	if d.driver == sqliteDialect.driver {
		// sqlite allows one writer; a single connection also keeps an
		// in-memory database alive and shared.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.driver, err)
	}

	s := &SQLJobStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema()); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *SQLJobStore) Close() error {
	return s.db.Close()
}

func (s *SQLJobStore) Create(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO jobs (id, status, webhook_url, source_key, original_key, cutout_key, width, height, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`),
		job.ID,
		job.Status,
		job.WebhookURL,
		job.SourceKey,
		job.OriginalKey,
		job.CutoutKey,
		job.Width,
		job.Height,
		job.Error,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT id, status, webhook_url, source_key, original_key, cutout_key, width, height, error, created_at, updated_at
		 FROM jobs
		 WHERE id = $1`),
		id,
	)

	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.WebhookURL,
		&job.SourceKey,
		&job.OriginalKey,
		&job.CutoutKey,
		&job.Width,
		&job.Height,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *SQLJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.exec(ctx, id,
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		status, s.now(), id,
	)
}

func (s *SQLJobStore) SaveOutcome(ctx context.Context, id string, outcome domain.JobOutcome) (domain.Job, error) {
	return s.exec(ctx, id,
		`UPDATE jobs
		 SET status = $1, original_key = $2, cutout_key = $3, width = $4, height = $5, error = $6, updated_at = $7
		 WHERE id = $8`,
		outcome.Status,
		outcome.OriginalKey,
		outcome.CutoutKey,
		outcome.Width,
		outcome.Height,
		outcome.Error,
		s.now(),
		id,
	)
}

func (s *SQLJobStore) exec(ctx context.Context, id, query string, args ...any) (domain.Job, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

