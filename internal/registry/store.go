package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/stratoguard/cspm/internal/models"
)

// PostgresFrameworkStore reads framework definitions from Postgres.
// Rule lists are stored as a JSONB document per framework version.
type PostgresFrameworkStore struct {
	db *sqlx.DB
}

func NewPostgresFrameworkStore(db *sqlx.DB) *PostgresFrameworkStore {
	return &PostgresFrameworkStore{db: db}
}

type frameworkRow struct {
	FrameworkID string    `db:"framework_id"`
	Name        string    `db:"name"`
	Version     string    `db:"version"`
	Rules       []byte    `db:"rules"`
	IsCurrent   bool      `db:"is_current"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *frameworkRow) toDefinition() (*models.FrameworkDefinition, error) {
	def := &models.FrameworkDefinition{
		FrameworkID: r.FrameworkID,
		Name:        r.Name,
		Version:     r.Version,
	}
	if err := json.Unmarshal(r.Rules, &def.Rules); err != nil {
		return nil, fmt.Errorf("decoding rules for %s@%s: %w", r.FrameworkID, r.Version, err)
	}
	return def, nil
}

func (s *PostgresFrameworkStore) GetFramework(ctx context.Context, frameworkID, version string) (*models.FrameworkDefinition, error) {
	var row frameworkRow
	var err error

	if version == "" {
		err = s.db.GetContext(ctx, &row, `
			SELECT framework_id, name, version, rules, is_current, created_at
			FROM framework_definitions WHERE framework_id = $1 AND is_current = true
		`, frameworkID)
	} else {
		err = s.db.GetContext(ctx, &row, `
			SELECT framework_id, name, version, rules, is_current, created_at
			FROM framework_definitions WHERE framework_id = $1 AND version = $2
		`, frameworkID, version)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s@%s", ErrFrameworkNotFound, frameworkID, version)
		}
		return nil, err
	}
	return row.toDefinition()
}

func (s *PostgresFrameworkStore) CurrentVersion(ctx context.Context, frameworkID string) (string, error) {
	var version string
	err := s.db.GetContext(ctx, &version, `
		SELECT version FROM framework_definitions WHERE framework_id = $1 AND is_current = true
	`, frameworkID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrFrameworkNotFound, frameworkID)
		}
		return "", err
	}
	return version, nil
}

// PublishFramework inserts a new framework version and marks it current.
// Existing versions are left untouched so pinned selections keep working.
func (s *PostgresFrameworkStore) PublishFramework(ctx context.Context, def *models.FrameworkDefinition) error {
	rules, err := json.Marshal(def.Rules)
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE framework_definitions SET is_current = false WHERE framework_id = $1
	`, def.FrameworkID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO framework_definitions (framework_id, name, version, rules, is_current, created_at)
		VALUES ($1, $2, $3, $4, true, $5)
	`, def.FrameworkID, def.Name, def.Version, rules, time.Now()); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresFrameworkStore) ListFrameworks(ctx context.Context) ([]*models.FrameworkDefinition, error) {
	var rows []frameworkRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT framework_id, name, version, rules, is_current, created_at
		FROM framework_definitions WHERE is_current = true ORDER BY framework_id
	`)
	if err != nil {
		return nil, err
	}

	defs := make([]*models.FrameworkDefinition, 0, len(rows))
	for _, row := range rows {
		def, err := row.toDefinition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// PostgresSelectionStore reads and writes tenant framework selections.
type PostgresSelectionStore struct {
	db *sqlx.DB
}

func NewPostgresSelectionStore(db *sqlx.DB) *PostgresSelectionStore {
	return &PostgresSelectionStore{db: db}
}

type selectionRow struct {
	TenantID          uuid.UUID      `db:"tenant_id"`
	FrameworkID       string         `db:"framework_id"`
	PinnedVersion     string         `db:"pinned_version"`
	Weight            float64        `db:"weight"`
	Enabled           bool           `db:"enabled"`
	SeverityOverrides []byte         `db:"severity_overrides"`
	ExcludedRules     pq.StringArray `db:"excluded_rules"`
	Etag              string         `db:"etag"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *selectionRow) toSelection() (*models.TenantFrameworkSelection, error) {
	sel := &models.TenantFrameworkSelection{
		TenantID:      r.TenantID,
		FrameworkID:   r.FrameworkID,
		PinnedVersion: r.PinnedVersion,
		Weight:        r.Weight,
		Enabled:       r.Enabled,
		ExcludedRules: r.ExcludedRules,
		Etag:          r.Etag,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.SeverityOverrides) > 0 {
		if err := json.Unmarshal(r.SeverityOverrides, &sel.SeverityOverrides); err != nil {
			return nil, fmt.Errorf("decoding severity overrides: %w", err)
		}
	}
	return sel, nil
}

const selectionColumns = `tenant_id, framework_id, pinned_version, weight, enabled, severity_overrides, excluded_rules, etag, updated_at`

func (s *PostgresSelectionStore) GetSelection(ctx context.Context, tenantID uuid.UUID, frameworkID string) (*models.TenantFrameworkSelection, error) {
	var row selectionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+selectionColumns+`
		FROM tenant_framework_selections WHERE tenant_id = $1 AND framework_id = $2
	`, tenantID, frameworkID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toSelection()
}

func (s *PostgresSelectionStore) ListSelections(ctx context.Context, tenantID uuid.UUID) ([]*models.TenantFrameworkSelection, error) {
	var rows []selectionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+selectionColumns+`
		FROM tenant_framework_selections WHERE tenant_id = $1 ORDER BY framework_id
	`, tenantID)
	if err != nil {
		return nil, err
	}

	sels := make([]*models.TenantFrameworkSelection, 0, len(rows))
	for _, row := range rows {
		sel, err := row.toSelection()
		if err != nil {
			return nil, err
		}
		sels = append(sels, sel)
	}
	return sels, nil
}

// UpsertSelection writes a selection with a fresh etag so cached rule
// sets resolved from the old configuration stop matching.
func (s *PostgresSelectionStore) UpsertSelection(ctx context.Context, sel *models.TenantFrameworkSelection) error {
	overrides, err := json.Marshal(sel.SeverityOverrides)
	if err != nil {
		return fmt.Errorf("encoding severity overrides: %w", err)
	}

	sel.Etag = uuid.New().String()
	sel.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_framework_selections
			(tenant_id, framework_id, pinned_version, weight, enabled, severity_overrides, excluded_rules, etag, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, framework_id) DO UPDATE SET
			pinned_version = EXCLUDED.pinned_version,
			weight = EXCLUDED.weight,
			enabled = EXCLUDED.enabled,
			severity_overrides = EXCLUDED.severity_overrides,
			excluded_rules = EXCLUDED.excluded_rules,
			etag = EXCLUDED.etag,
			updated_at = EXCLUDED.updated_at
	`, sel.TenantID, sel.FrameworkID, sel.PinnedVersion, sel.Weight, sel.Enabled,
		overrides, pq.StringArray(sel.ExcludedRules), sel.Etag, sel.UpdatedAt)
	return err
}

func (s *PostgresSelectionStore) DeleteSelection(ctx context.Context, tenantID uuid.UUID, frameworkID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tenant_framework_selections WHERE tenant_id = $1 AND framework_id = $2
	`, tenantID, frameworkID)
	return err
}
