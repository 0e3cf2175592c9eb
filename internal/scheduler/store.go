package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/stratoguard/cspm/internal/models"
)

// ErrJobNotFound means no scheduled job exists with the given id.
var ErrJobNotFound = errors.New("scheduled job not found")

// PostgresStore persists scheduled jobs and their execution history.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// jobRecord is the scheduled_jobs row shape. The tenant scope and the
// framework id list are first-class columns so tenant-scoped jobs can
// be queried relationally; Config holds the remaining job-type knobs
// (report type, retention days) as one JSON document.
type jobRecord struct {
	ID           string             `db:"id"`
	Name         string             `db:"name"`
	Description  string             `db:"description"`
	Schedule     string             `db:"schedule"`
	JobType      string             `db:"job_type"`
	TenantID     *uuid.UUID         `db:"tenant_id"`
	FrameworkIDs models.StringArray `db:"framework_ids"`
	Config       []byte             `db:"config"`
	Enabled      bool               `db:"enabled"`
	LastRun      *time.Time         `db:"last_run"`
	NextRun      *time.Time         `db:"next_run"`
	CreatedAt    time.Time          `db:"created_at"`
	UpdatedAt    time.Time          `db:"updated_at"`
}

const jobColumns = `id, name, description, schedule, job_type, tenant_id, framework_ids, config, enabled, last_run, next_run, created_at, updated_at`

func (r *jobRecord) toJob() (*Job, error) {
	var config map[string]string
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &config); err != nil {
			return nil, fmt.Errorf("decoding config for job %s: %w", r.ID, err)
		}
	}

	return &Job{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Schedule:     r.Schedule,
		JobType:      JobType(r.JobType),
		TenantID:     r.TenantID,
		FrameworkIDs: r.FrameworkIDs,
		Config:       config,
		Enabled:      r.Enabled,
		LastRun:      r.LastRun,
		NextRun:      r.NextRun,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var record jobRecord
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE id = $1`
	err := s.db.GetContext(ctx, &record, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return record.toJob()
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*Job, error) {
	var records []jobRecord
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs ORDER BY created_at DESC`
	if err := s.db.SelectContext(ctx, &records, query); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(records))
	for i := range records {
		job, err := records[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	config, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encoding job config: %w", err)
	}

	query := `
		INSERT INTO scheduled_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, NULL, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.Description,
		job.Schedule,
		string(job.JobType),
		job.TenantID,
		job.FrameworkIDs,
		config,
		job.Enabled,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()

	config, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encoding job config: %w", err)
	}

	query := `
		UPDATE scheduled_jobs SET
			name = $2, description = $3, schedule = $4, job_type = $5,
			tenant_id = $6, framework_ids = $7, config = $8, enabled = $9,
			next_run = $10, updated_at = $11
		WHERE id = $1
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.Description,
		job.Schedule,
		string(job.JobType),
		job.TenantID,
		job.FrameworkIDs,
		config,
		job.Enabled,
		job.NextRun,
		job.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	query := `UPDATE scheduled_jobs SET last_run = $2, updated_at = NOW() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, lastRun)
	return err
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO job_executions (id, job_id, status, started_at, error, output)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		exec.ID, exec.JobID, string(exec.Status), exec.StartedAt, exec.Error, exec.Output)
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	query := `
		UPDATE job_executions SET status = $2, ended_at = $3, error = $4, output = $5
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query,
		exec.ID, string(exec.Status), exec.EndedAt, exec.Error, exec.Output)
	return err
}

// GetJobExecutions returns a job's most recent executions, newest first.
func (s *PostgresStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	var execs []*JobExecution
	query := `
		SELECT id, job_id, status, started_at, ended_at, error, output
		FROM job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	err := s.db.SelectContext(ctx, &execs, query, jobID, limit)
	return execs, err
}
