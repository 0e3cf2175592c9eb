package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/models"
)

// getTestDSN returns the test database DSN from environment
func getTestDSN() string {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=cspm password=cspm_password dbname=cspm_test sslmode=disable"
	}
	return dsn
}

// skipIfNoTestDB skips the test if no test database is available
func skipIfNoTestDB(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{
		DSN:          getTestDSN(),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		t.Skipf("Skipping test, database not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		t.Skipf("Skipping test, database not reachable: %v", err)
		return nil
	}

	return store
}

func TestStore_Tenants(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	// Create tenant
	tenant := &models.Tenant{
		Name:        "Test Tenant",
		ExternalRef: "org-" + uuid.New().String()[:8],
		Status:      "active",
	}

	err := store.CreateTenant(ctx, tenant)
	if err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}

	if tenant.ID == uuid.Nil {
		t.Error("Expected tenant ID to be set")
	}

	// Get tenant
	retrieved, err := store.GetTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("GetTenant failed: %v", err)
	}

	if retrieved.Name != tenant.Name {
		t.Errorf("Expected name %s, got %s", tenant.Name, retrieved.Name)
	}

	// List tenants
	tenants, err := store.ListTenants(ctx, nil)
	if err != nil {
		t.Fatalf("ListTenants failed: %v", err)
	}
	if len(tenants) == 0 {
		t.Error("Expected at least one tenant")
	}

	// Update status
	err = store.UpdateTenantStatus(ctx, tenant.ID, "suspended")
	if err != nil {
		t.Fatalf("UpdateTenantStatus failed: %v", err)
	}

	// Verify update
	retrieved, _ = store.GetTenant(ctx, tenant.ID)
	if retrieved.Status != "suspended" {
		t.Errorf("Expected status 'suspended', got %s", retrieved.Status)
	}

	// Cleanup
	err = store.DeleteTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("DeleteTenant failed: %v", err)
	}

	// Verify deletion
	retrieved, _ = store.GetTenant(ctx, tenant.ID)
	if retrieved != nil {
		t.Error("Expected tenant to be deleted")
	}
}

func TestStore_Snapshots(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	tenant := &models.Tenant{Name: "Snapshot Tenant"}
	store.CreateTenant(ctx, tenant)
	defer store.DeleteTenant(ctx, tenant.ID)

	snapshot := &models.ResourceSnapshot{
		TenantID: tenant.ID,
		Source:   "aws",
		Resources: []models.Resource{
			{
				ResourceID:   "bucket-1",
				ResourceType: "s3_bucket",
				AccountID:    "123456789012",
				Region:       "us-east-1",
				Configuration: models.JSONB{
					"versioning": "Enabled",
				},
			},
		},
	}

	err := store.CreateSnapshot(ctx, snapshot)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	// Get snapshot
	retrieved, err := store.GetSnapshot(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if len(retrieved.Resources) != 1 {
		t.Fatalf("Expected 1 resource, got %d", len(retrieved.Resources))
	}
	if retrieved.Resources[0].ResourceID != "bucket-1" {
		t.Errorf("Expected bucket-1, got %s", retrieved.Resources[0].ResourceID)
	}

	// Latest snapshot
	latest, err := store.GetLatestSnapshot(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("GetLatestSnapshot failed: %v", err)
	}
	if latest == nil || latest.ID != snapshot.ID {
		t.Error("Expected latest snapshot to match")
	}
}

func TestStore_AnalysisRuns(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	tenant := &models.Tenant{Name: "Run Tenant"}
	store.CreateTenant(ctx, tenant)
	defer store.DeleteTenant(ctx, tenant.ID)

	snapshot := &models.ResourceSnapshot{TenantID: tenant.ID, Source: "aws", Resources: []models.Resource{}}
	store.CreateSnapshot(ctx, snapshot)

	// Create run
	run := &models.AnalysisRun{
		TenantID:     tenant.ID,
		SnapshotID:   snapshot.ID,
		FrameworkIDs: models.StringArray{"well-architected", "security-baseline"},
		TriggeredBy:  "test",
	}

	err := store.CreateAnalysisRun(ctx, run)
	if err != nil {
		t.Fatalf("CreateAnalysisRun failed: %v", err)
	}

	// Get run
	retrieved, err := store.GetAnalysisRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetAnalysisRun failed: %v", err)
	}
	if retrieved.Status != models.RunPending {
		t.Errorf("Expected PENDING, got %s", retrieved.Status)
	}

	// Update status
	err = store.UpdateAnalysisRunStatus(ctx, run.ID, models.RunRunning, "worker-1")
	if err != nil {
		t.Fatalf("UpdateAnalysisRunStatus failed: %v", err)
	}

	// Complete with aggregated result
	result := &models.AggregatedResult{
		AnalysisID:    run.ID,
		TenantID:      tenant.ID,
		Status:        models.RunCompleted,
		OverallScore:  92.5,
		TotalFindings: 3,
	}
	err = store.CompleteAnalysisRun(ctx, run.ID, result, "")
	if err != nil {
		t.Fatalf("CompleteAnalysisRun failed: %v", err)
	}

	retrieved, _ = store.GetAnalysisRun(ctx, run.ID)
	if retrieved.Status != models.RunCompleted {
		t.Errorf("Expected COMPLETED, got %s", retrieved.Status)
	}
	if retrieved.OverallScore != 92.5 {
		t.Errorf("Expected score 92.5, got %v", retrieved.OverallScore)
	}

	// Pending list must not include the completed run
	pending, err := store.ListPendingAnalysisRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListPendingAnalysisRuns failed: %v", err)
	}
	for _, r := range pending {
		if r.ID == run.ID {
			t.Error("Completed run should not be in pending list")
		}
	}

	// List with filters
	runs, total, err := store.ListAnalysisRuns(ctx, ListRunFilters{
		TenantID: &tenant.ID,
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("ListAnalysisRuns failed: %v", err)
	}
	if total == 0 || len(runs) == 0 {
		t.Error("Expected at least one run")
	}
}

func TestStore_Findings(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	tenant := &models.Tenant{Name: "Finding Tenant"}
	store.CreateTenant(ctx, tenant)
	defer store.DeleteTenant(ctx, tenant.ID)

	snapshot := &models.ResourceSnapshot{TenantID: tenant.ID, Source: "aws", Resources: []models.Resource{}}
	store.CreateSnapshot(ctx, snapshot)

	run := &models.AnalysisRun{
		TenantID:     tenant.ID,
		SnapshotID:   snapshot.ID,
		FrameworkIDs: models.StringArray{"security-baseline"},
		TriggeredBy:  "test",
	}
	store.CreateAnalysisRun(ctx, run)

	findings := []models.Finding{
		{
			RuleID:       "sb-no-public-buckets",
			FrameworkID:  "security-baseline",
			Severity:     models.SeverityCritical,
			Pillar:       models.PillarSecurity,
			Category:     "public-access",
			AccountID:    "123456789012",
			ResourceID:   "bucket-1",
			ResourceType: "s3_bucket",
			Message:      "Bucket allows public access",
			Evidence:     models.JSONB{"property_path": "public_access"},
		},
		{
			RuleID:       "sb-logging-enabled",
			FrameworkID:  "security-baseline",
			Severity:     models.SeverityMedium,
			Pillar:       models.PillarOperations,
			Category:     "audit",
			AccountID:    "123456789012",
			ResourceID:   "bucket-1",
			ResourceType: "s3_bucket",
			Message:      "Access logging is not enabled",
		},
	}

	err := store.InsertFindings(ctx, run.ID, findings)
	if err != nil {
		t.Fatalf("InsertFindings failed: %v", err)
	}

	// List by analysis
	stored, err := store.ListFindingsByAnalysis(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListFindingsByAnalysis failed: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("Expected 2 findings, got %d", len(stored))
	}

	// Filter by severity
	critical := models.SeverityCritical
	filtered, total, err := store.ListFindings(ctx, ListFindingFilters{
		AnalysisID: &run.ID,
		Severity:   &critical,
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("ListFindings failed: %v", err)
	}
	if total != 1 || len(filtered) != 1 {
		t.Errorf("Expected 1 critical finding, got %d", total)
	}
	if filtered[0].RuleID != "sb-no-public-buckets" {
		t.Errorf("Expected sb-no-public-buckets, got %s", filtered[0].RuleID)
	}
}
