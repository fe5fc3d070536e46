package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/manthysbr/clipforge/internal/core/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           VARCHAR PRIMARY KEY,
	batch_id     VARCHAR,
	source       VARCHAR NOT NULL,
	params       VARCHAR NOT NULL,
	status       VARCHAR NOT NULL,
	progress     INTEGER NOT NULL,
	artifacts    VARCHAR NOT NULL,
	metadata     VARCHAR,
	error        VARCHAR,
	attempt      INTEGER NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	started_at   TIMESTAMP,
	completed_at TIMESTAMP,
	updated_at   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS batches (
	id         VARCHAR PRIMARY KEY,
	name       VARCHAR,
	member_ids VARCHAR NOT NULL,
	rejected   VARCHAR NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key        VARCHAR PRIMARY KEY,
	value      VARCHAR NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

const jobColumns = `id, batch_id, source, params, status, progress, artifacts, metadata, error,
	attempt, created_at, started_at, completed_at, updated_at`

// Repository persists job, batch and settings records in DuckDB.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the database at path. An empty path
// opens an in-memory database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Ensure Repository implements Repository interface
var _ ports.Repository = (*Repository)(nil)

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	artifacts := job.Artifacts
	if artifacts == nil {
		artifacts = []domain.Artifact{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	metadataJSON, err := nullableJSON(job.Metadata, len(job.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	errorJSON, err := nullableJSON(job.Error, job.Error == nil)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	var batchID *string
	if job.BatchID != nil {
		s := string(*job.BatchID)
		batchID = &s
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status       = excluded.status,
			progress     = excluded.progress,
			artifacts    = excluded.artifacts,
			metadata     = excluded.metadata,
			error        = excluded.error,
			attempt      = excluded.attempt,
			started_at   = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at   = excluded.updated_at`,
		string(job.ID),
		batchID,
		job.Source,
		string(params),
		string(job.Status),
		job.Progress,
		string(artifactsJSON),
		metadataJSON,
		errorJSON,
		job.Attempt,
		utc(job.CreatedAt),
		utcPtr(job.StartedAt),
		utcPtr(job.CompletedAt),
		utc(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *Repository) GetJobs(ctx context.Context, ids []domain.JobID) ([]domain.Job, error) {
	if len(ids) == 0 {
		return []domain.Job{}, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = string(id)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *Repository) ListJobs(ctx context.Context, filter ports.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.BatchID != nil {
		where = append(where, "batch_id = ?")
		args = append(args, string(*filter.BatchID))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job                       domain.Job
		batchID, metadata, jobErr *string
		params, status, artifacts string
		startedAt, completedAt    *time.Time
	)
	err := row.Scan(
		&job.ID, &batchID, &job.Source, &params, &status, &job.Progress, &artifacts,
		&metadata, &jobErr, &job.Attempt, &job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}

	job.Status = domain.JobStatus(status)
	if batchID != nil {
		bid := domain.BatchID(*batchID)
		job.BatchID = &bid
	}
	if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
		return domain.Job{}, fmt.Errorf("decode params of %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(artifacts), &job.Artifacts); err != nil {
		return domain.Job{}, fmt.Errorf("decode artifacts of %s: %w", job.ID, err)
	}
	if job.Artifacts == nil {
		job.Artifacts = []domain.Artifact{}
	}
	if metadata != nil {
		if err := json.Unmarshal([]byte(*metadata), &job.Metadata); err != nil {
			return domain.Job{}, fmt.Errorf("decode metadata of %s: %w", job.ID, err)
		}
	}
	if jobErr != nil {
		job.Error = &domain.JobError{}
		if err := json.Unmarshal([]byte(*jobErr), job.Error); err != nil {
			return domain.Job{}, fmt.Errorf("decode error of %s: %w", job.ID, err)
		}
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = utcPtr(startedAt)
	job.CompletedAt = utcPtr(completedAt)
	return job, nil
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()

	out := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *Repository) SaveBatch(ctx context.Context, batch domain.Batch) error {
	members, err := json.Marshal(batch.MemberJobIDs)
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}
	rejected := batch.Rejected
	if rejected == nil {
		rejected = []domain.ItemError{}
	}
	rejectedJSON, err := json.Marshal(rejected)
	if err != nil {
		return fmt.Errorf("marshal rejected items: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO batches (id, name, member_ids, rejected, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name       = excluded.name,
			member_ids = excluded.member_ids,
			rejected   = excluded.rejected`,
		string(batch.ID), batch.Name, string(members), string(rejectedJSON), utc(batch.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

func (r *Repository) GetBatch(ctx context.Context, id domain.BatchID) (domain.Batch, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, member_ids, rejected, created_at FROM batches WHERE id = ?`, string(id))
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Batch{}, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
	}
	if err != nil {
		return domain.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

func (r *Repository) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, member_ids, rejected, created_at FROM batches ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	out := []domain.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row rowScanner) (domain.Batch, error) {
	var (
		b                 domain.Batch
		name              *string
		members, rejected string
	)
	if err := row.Scan(&b.ID, &name, &members, &rejected, &b.CreatedAt); err != nil {
		return domain.Batch{}, err
	}
	if name != nil {
		b.Name = *name
	}
	if err := json.Unmarshal([]byte(members), &b.MemberJobIDs); err != nil {
		return domain.Batch{}, fmt.Errorf("decode members of %s: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(rejected), &b.Rejected); err != nil {
		return domain.Batch{}, fmt.Errorf("decode rejected items of %s: %w", b.ID, err)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

func (r *Repository) SaveSetting(ctx context.Context, key string, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

func nullableJSON(v any, empty bool) (*string, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// DuckDB TIMESTAMP keeps microseconds and no zone.
func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := utc(*t)
	return &v
}
