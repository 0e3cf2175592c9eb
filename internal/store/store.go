package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/stratoguard/cspm/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, external_ref, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	tenant.ID = uuid.New()
	tenant.CreatedAt = time.Now()
	tenant.UpdatedAt = time.Now()
	if tenant.Status == "" {
		tenant.Status = "active"
	}

	_, err := s.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.ExternalRef,
		tenant.Status,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)
	return err
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var tenant models.Tenant
	query := `SELECT * FROM tenants WHERE id = $1`
	err := s.db.GetContext(ctx, &tenant, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &tenant, err
}

func (s *Store) ListTenants(ctx context.Context, status *string) ([]models.Tenant, error) {
	query := `SELECT * FROM tenants WHERE 1=1`
	args := make([]interface{}, 0)

	if status != nil {
		query += " AND status = $1"
		args = append(args, *status)
	}

	query += " ORDER BY created_at DESC"

	var tenants []models.Tenant
	err := s.db.SelectContext(ctx, &tenants, query, args...)
	return tenants, err
}

func (s *Store) UpdateTenantStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE tenants SET status = $1, updated_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, status, time.Now(), id)
	return err
}

func (s *Store) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM tenants WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// CreateSnapshot stores a resource inventory capture. The resource list
// is stored as one JSONB document; snapshots are immutable once written.
func (s *Store) CreateSnapshot(ctx context.Context, snapshot *models.ResourceSnapshot) error {
	resources, err := json.Marshal(snapshot.Resources)
	if err != nil {
		return fmt.Errorf("encoding snapshot resources: %w", err)
	}

	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	if snapshot.TakenAt.IsZero() {
		snapshot.TakenAt = time.Now()
	}

	query := `
		INSERT INTO resource_snapshots (id, tenant_id, source, resources, resource_count, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.ExecContext(ctx, query,
		snapshot.ID, snapshot.TenantID, snapshot.Source, resources, len(snapshot.Resources), snapshot.TakenAt,
	)
	return err
}

type snapshotRow struct {
	ID        uuid.UUID `db:"id"`
	TenantID  uuid.UUID `db:"tenant_id"`
	Source    string    `db:"source"`
	Resources []byte    `db:"resources"`
	TakenAt   time.Time `db:"taken_at"`
}

func (r *snapshotRow) toSnapshot() (*models.ResourceSnapshot, error) {
	snapshot := &models.ResourceSnapshot{
		ID:       r.ID,
		TenantID: r.TenantID,
		Source:   r.Source,
		TakenAt:  r.TakenAt,
	}
	if err := json.Unmarshal(r.Resources, &snapshot.Resources); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", r.ID, err)
	}
	return snapshot, nil
}

func (s *Store) GetSnapshot(ctx context.Context, id uuid.UUID) (*models.ResourceSnapshot, error) {
	var row snapshotRow
	query := `SELECT id, tenant_id, source, resources, taken_at FROM resource_snapshots WHERE id = $1`
	err := s.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toSnapshot()
}

func (s *Store) GetLatestSnapshot(ctx context.Context, tenantID uuid.UUID) (*models.ResourceSnapshot, error) {
	var row snapshotRow
	query := `
		SELECT id, tenant_id, source, resources, taken_at FROM resource_snapshots
		WHERE tenant_id = $1 ORDER BY taken_at DESC LIMIT 1
	`
	err := s.db.GetContext(ctx, &row, query, tenantID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toSnapshot()
}

func (s *Store) CreateAnalysisRun(ctx context.Context, run *models.AnalysisRun) error {
	query := `
		INSERT INTO analysis_runs (id, tenant_id, snapshot_id, status, framework_ids, triggered_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = models.RunPending
	run.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.TenantID, run.SnapshotID, run.Status, run.FrameworkIDs, run.TriggeredBy, run.CreatedAt,
	)
	return err
}

func (s *Store) GetAnalysisRun(ctx context.Context, id uuid.UUID) (*models.AnalysisRun, error) {
	var run models.AnalysisRun
	query := `SELECT * FROM analysis_runs WHERE id = $1`
	err := s.db.GetContext(ctx, &run, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

func (s *Store) UpdateAnalysisRunStatus(ctx context.Context, id uuid.UUID, status models.RunStatus, workerID string) error {
	query := `UPDATE analysis_runs SET status = $1, worker_id = $2`
	args := []interface{}{status, workerID}

	switch status {
	case models.RunRunning:
		query += ", started_at = $3 WHERE id = $4"
		args = append(args, time.Now(), id)
	case models.RunCompleted, models.RunPartial, models.RunFailed:
		query += ", completed_at = $3 WHERE id = $4"
		args = append(args, time.Now(), id)
	default:
		query += " WHERE id = $3"
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// CompleteAnalysisRun persists the aggregated outcome onto the run row.
func (s *Store) CompleteAnalysisRun(ctx context.Context, id uuid.UUID, result *models.AggregatedResult, runErr string) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding aggregated result: %w", err)
	}

	query := `
		UPDATE analysis_runs
		SET status = $1, overall_score = $2, total_findings = $3, result = $4, error = $5, completed_at = $6
		WHERE id = $7
	`
	_, err = s.db.ExecContext(ctx, query,
		result.Status, result.OverallScore, result.TotalFindings, encoded, runErr, time.Now(), id,
	)
	return err
}

type ListRunFilters struct {
	TenantID *uuid.UUID
	Status   *models.RunStatus
	Limit    int
	Offset   int
}

func (s *Store) ListAnalysisRuns(ctx context.Context, filters ListRunFilters) ([]models.AnalysisRun, int, error) {
	baseQuery := `FROM analysis_runs WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.TenantID != nil {
		baseQuery += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, *filters.TenantID)
		argIdx++
	}
	if filters.Status != nil {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filters.Status)
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var runs []models.AnalysisRun
	if err := s.db.SelectContext(ctx, &runs, selectQuery, args...); err != nil {
		return nil, 0, err
	}

	return runs, total, nil
}

func (s *Store) ListPendingAnalysisRuns(ctx context.Context, limit int) ([]models.AnalysisRun, error) {
	var runs []models.AnalysisRun
	query := `
		SELECT * FROM analysis_runs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	err := s.db.SelectContext(ctx, &runs, query, models.RunPending, limit)
	return runs, err
}

// InsertFindings writes all findings of one run in a single transaction.
func (s *Store) InsertFindings(ctx context.Context, analysisID uuid.UUID, findings []models.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO findings (
			id, analysis_id, rule_id, framework_id, severity, pillar, category,
			account_id, resource_id, resource_type, message, recommendation, evidence, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	now := time.Now()
	for i := range findings {
		f := &findings[i]
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		f.AnalysisID = analysisID
		f.CreatedAt = now

		if _, err := tx.ExecContext(ctx, query,
			f.ID, f.AnalysisID, f.RuleID, f.FrameworkID, f.Severity, f.Pillar, f.Category,
			f.AccountID, f.ResourceID, f.ResourceType, f.Message, f.Recommendation, f.Evidence, f.CreatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

type ListFindingFilters struct {
	AnalysisID  *uuid.UUID
	FrameworkID *string
	Severity    *models.Severity
	Pillar      *models.Pillar
	Limit       int
	Offset      int
}

func (s *Store) ListFindings(ctx context.Context, filters ListFindingFilters) ([]models.Finding, int, error) {
	baseQuery := `FROM findings WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.AnalysisID != nil {
		baseQuery += fmt.Sprintf(" AND analysis_id = $%d", argIdx)
		args = append(args, *filters.AnalysisID)
		argIdx++
	}
	if filters.FrameworkID != nil {
		baseQuery += fmt.Sprintf(" AND framework_id = $%d", argIdx)
		args = append(args, *filters.FrameworkID)
		argIdx++
	}
	if filters.Severity != nil {
		baseQuery += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, *filters.Severity)
		argIdx++
	}
	if filters.Pillar != nil {
		baseQuery += fmt.Sprintf(" AND pillar = $%d", argIdx)
		args = append(args, *filters.Pillar)
		_ = argIdx
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY severity DESC, created_at DESC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var findings []models.Finding
	if err := s.db.SelectContext(ctx, &findings, selectQuery, args...); err != nil {
		return nil, 0, err
	}

	return findings, total, nil
}

func (s *Store) ListFindingsByAnalysis(ctx context.Context, analysisID uuid.UUID) ([]models.Finding, error) {
	var findings []models.Finding
	query := `SELECT * FROM findings WHERE analysis_id = $1 ORDER BY severity DESC, rule_id, resource_id`
	err := s.db.SelectContext(ctx, &findings, query, analysisID)
	return findings, err
}

type DashboardCounts struct {
	TotalTenants     int `db:"total_tenants"`
	ActiveTenants    int `db:"active_tenants"`
	TotalRuns        int `db:"total_runs"`
	CompletedRuns    int `db:"completed_runs"`
	FailedRuns       int `db:"failed_runs"`
	TotalFindings    int `db:"total_findings"`
	CriticalFindings int `db:"critical_findings"`
}

func (s *Store) GetDashboardCounts(ctx context.Context) (*DashboardCounts, error) {
	counts := &DashboardCounts{}

	query := `
		SELECT
			(SELECT COUNT(*) FROM tenants) AS total_tenants,
			(SELECT COUNT(*) FROM tenants WHERE status = 'active') AS active_tenants,
			(SELECT COUNT(*) FROM analysis_runs) AS total_runs,
			(SELECT COUNT(*) FROM analysis_runs WHERE status = 'COMPLETED') AS completed_runs,
			(SELECT COUNT(*) FROM analysis_runs WHERE status = 'FAILED') AS failed_runs,
			(SELECT COUNT(*) FROM findings) AS total_findings,
			(SELECT COUNT(*) FROM findings WHERE severity = 'CRITICAL') AS critical_findings
	`

	err := s.db.GetContext(ctx, counts, query)
	if err != nil {
		return nil, fmt.Errorf("getting dashboard counts: %w", err)
	}

	return counts, nil
}

// DeleteOldAnalysisRuns removes finished runs older than the cutoff,
// together with their findings. Each tenant's newest snapshot is kept
// regardless of age so a baseline always exists.
func (s *Store) DeleteOldAnalysisRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM findings WHERE analysis_id IN (
			SELECT id FROM analysis_runs
			WHERE created_at < $1 AND status IN ('COMPLETED', 'FAILED', 'PARTIAL')
		)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old findings: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM analysis_runs
		WHERE created_at < $1 AND status IN ('COMPLETED', 'FAILED', 'PARTIAL')
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old runs: %w", err)
	}
	deleted, _ := res.RowsAffected()

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM resource_snapshots rs
		WHERE rs.taken_at < $1
		  AND rs.id NOT IN (
			SELECT DISTINCT ON (tenant_id) id FROM resource_snapshots
			ORDER BY tenant_id, taken_at DESC
		  )
		  AND rs.id NOT IN (SELECT snapshot_id FROM analysis_runs)
	`, cutoff)
	if err != nil {
		return deleted, fmt.Errorf("deleting old snapshots: %w", err)
	}

	return deleted, nil
}

type DigestCounts struct {
	RunsCompleted    int     `db:"runs_completed"`
	RunsFailed       int     `db:"runs_failed"`
	NewFindings      int     `db:"new_findings"`
	CriticalFindings int     `db:"critical_findings"`
	HighFindings     int     `db:"high_findings"`
	AverageScore     float64 `db:"average_score"`
}

// GetDigestCounts summarizes a tenant's analysis activity since the
// given time, for digest notifications.
func (s *Store) GetDigestCounts(ctx context.Context, tenantID uuid.UUID, since time.Time) (*DigestCounts, error) {
	counts := &DigestCounts{}

	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'COMPLETED') AS runs_completed,
			COUNT(*) FILTER (WHERE status = 'FAILED') AS runs_failed,
			COALESCE((SELECT COUNT(*) FROM findings f
				JOIN analysis_runs r ON r.id = f.analysis_id
				WHERE r.tenant_id = $1 AND r.created_at >= $2), 0) AS new_findings,
			COALESCE((SELECT COUNT(*) FROM findings f
				JOIN analysis_runs r ON r.id = f.analysis_id
				WHERE r.tenant_id = $1 AND r.created_at >= $2 AND f.severity = 'CRITICAL'), 0) AS critical_findings,
			COALESCE((SELECT COUNT(*) FROM findings f
				JOIN analysis_runs r ON r.id = f.analysis_id
				WHERE r.tenant_id = $1 AND r.created_at >= $2 AND f.severity = 'HIGH'), 0) AS high_findings,
			COALESCE(AVG(overall_score) FILTER (WHERE status = 'COMPLETED'), 0) AS average_score
		FROM analysis_runs
		WHERE tenant_id = $1 AND created_at >= $2
	`

	if err := s.db.GetContext(ctx, counts, query, tenantID, since); err != nil {
		return nil, fmt.Errorf("getting digest counts: %w", err)
	}

	return counts, nil
}
