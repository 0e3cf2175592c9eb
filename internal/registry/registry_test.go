package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/models"
)

type fakeFrameworkStore struct {
	defs     map[string]*models.FrameworkDefinition
	getCalls int64
}

func (f *fakeFrameworkStore) GetFramework(ctx context.Context, id, version string) (*models.FrameworkDefinition, error) {
	atomic.AddInt64(&f.getCalls, 1)
	def, ok := f.defs[id]
	if !ok || (version != "" && version != def.Version) {
		return nil, ErrFrameworkNotFound
	}
	return def, nil
}

func (f *fakeFrameworkStore) CurrentVersion(ctx context.Context, id string) (string, error) {
	def, ok := f.defs[id]
	if !ok {
		return "", ErrFrameworkNotFound
	}
	return def.Version, nil
}

type fakeSelectionStore struct {
	mu   sync.Mutex
	sels map[string]*models.TenantFrameworkSelection
}

func selKey(tenantID uuid.UUID, frameworkID string) string {
	return tenantID.String() + "/" + frameworkID
}

func (f *fakeSelectionStore) GetSelection(ctx context.Context, tenantID uuid.UUID, frameworkID string) (*models.TenantFrameworkSelection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sel := f.sels[selKey(tenantID, frameworkID)]
	if sel == nil {
		return nil, nil
	}
	copied := *sel
	return &copied, nil
}

func (f *fakeSelectionStore) ListSelections(ctx context.Context, tenantID uuid.UUID) ([]*models.TenantFrameworkSelection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.TenantFrameworkSelection
	for _, sel := range f.sels {
		if sel.TenantID == tenantID {
			copied := *sel
			out = append(out, &copied)
		}
	}
	return out, nil
}

func testFramework() *models.FrameworkDefinition {
	return &models.FrameworkDefinition{
		FrameworkID: "security-baseline",
		Name:        "Cloud Security Baseline",
		Version:     "1.4",
		Rules: []models.RuleDefinition{
			{
				RuleID:                  "sb-no-public-buckets",
				FrameworkID:             "security-baseline",
				Pillar:                  models.PillarSecurity,
				Severity:                models.SeverityCritical,
				Category:                "public-access",
				ApplicableResourceTypes: []string{"s3_bucket"},
				Checks: []models.RuleCheck{
					{PropertyPath: "public_access", Condition: models.ConditionEquals, Value: false, Message: "public"},
				},
			},
			{
				RuleID:                  "sb-kms-rotation",
				FrameworkID:             "security-baseline",
				Pillar:                  models.PillarSecurity,
				Severity:                models.SeverityHigh,
				Category:                "encryption",
				ApplicableResourceTypes: []string{"kms_key"},
				Checks: []models.RuleCheck{
					{PropertyPath: "rotation_enabled", Condition: models.ConditionEquals, Value: true, Message: "rotation"},
				},
			},
			{
				RuleID:                  "sb-tagging",
				FrameworkID:             "security-baseline",
				Pillar:                  models.PillarCost,
				Severity:                models.SeverityLow,
				Category:                "governance",
				ApplicableResourceTypes: []string{"s3_bucket"},
				Checks: []models.RuleCheck{
					{PropertyPath: "tag_keys", Condition: models.ConditionContains, Value: "owner", Message: "owner tag"},
				},
			},
		},
	}
}

func newTestRegistry(t *testing.T, sel *models.TenantFrameworkSelection) (*Registry, *fakeFrameworkStore, *fakeSelectionStore) {
	t.Helper()

	frameworks := &fakeFrameworkStore{defs: map[string]*models.FrameworkDefinition{
		"security-baseline": testFramework(),
	}}
	selections := &fakeSelectionStore{sels: map[string]*models.TenantFrameworkSelection{}}
	if sel != nil {
		selections.sels[selKey(sel.TenantID, sel.FrameworkID)] = sel
	}
	return New(frameworks, selections), frameworks, selections
}

func TestRegistry_Resolve(t *testing.T) {
	tenantID := uuid.New()
	reg, _, _ := newTestRegistry(t, &models.TenantFrameworkSelection{
		TenantID:    tenantID,
		FrameworkID: "security-baseline",
		Weight:      1,
		Enabled:     true,
		Etag:        "v1",
		SeverityOverrides: map[string]models.Severity{
			"sb-kms-rotation": models.SeverityCritical,
		},
		ExcludedRules: []string{"sb-tagging"},
	})

	rs, err := reg.Resolve(context.Background(), tenantID, "security-baseline", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rs.FrameworkVersion != "1.4" {
		t.Errorf("expected version 1.4, got %s", rs.FrameworkVersion)
	}
	if len(rs.Rules) != 2 {
		t.Fatalf("expected 2 rules after exclusion, got %d", len(rs.Rules))
	}
	for _, rule := range rs.Rules {
		if rule.RuleID == "sb-tagging" {
			t.Error("excluded rule survived resolution")
		}
		if rule.RuleID == "sb-kms-rotation" && rule.Severity != models.SeverityCritical {
			t.Errorf("severity override not applied, got %s", rule.Severity)
		}
	}
}

func TestRegistry_ResolveErrors(t *testing.T) {
	tenantID := uuid.New()
	reg, _, _ := newTestRegistry(t, &models.TenantFrameworkSelection{
		TenantID:    tenantID,
		FrameworkID: "security-baseline",
		Weight:      1,
		Enabled:     true,
		Etag:        "v1",
	})

	t.Run("unknown framework", func(t *testing.T) {
		_, err := reg.Resolve(context.Background(), tenantID, "nonexistent", nil)
		if !errors.Is(err, ErrTenantConfigNotFound) {
			// No selection exists for the unknown framework either.
			t.Errorf("expected ErrTenantConfigNotFound, got %v", err)
		}
	})

	t.Run("no selection for tenant", func(t *testing.T) {
		_, err := reg.Resolve(context.Background(), uuid.New(), "security-baseline", nil)
		if !errors.Is(err, ErrTenantConfigNotFound) {
			t.Errorf("expected ErrTenantConfigNotFound, got %v", err)
		}
	})

	t.Run("disabled selection", func(t *testing.T) {
		otherTenant := uuid.New()
		reg2, _, sels := newTestRegistry(t, nil)
		sels.sels[selKey(otherTenant, "security-baseline")] = &models.TenantFrameworkSelection{
			TenantID:    otherTenant,
			FrameworkID: "security-baseline",
			Weight:      1,
			Enabled:     false,
			Etag:        "v1",
		}
		_, err := reg2.Resolve(context.Background(), otherTenant, "security-baseline", nil)
		if !errors.Is(err, ErrTenantConfigNotFound) {
			t.Errorf("expected ErrTenantConfigNotFound for disabled selection, got %v", err)
		}
	})
}

func TestRegistry_CacheSinglePopulate(t *testing.T) {
	tenantID := uuid.New()
	reg, frameworks, _ := newTestRegistry(t, &models.TenantFrameworkSelection{
		TenantID:    tenantID,
		FrameworkID: "security-baseline",
		Weight:      1,
		Enabled:     true,
		Etag:        "v1",
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Resolve(context.Background(), tenantID, "security-baseline", nil); err != nil {
				t.Errorf("resolve failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := atomic.LoadInt64(&frameworks.getCalls); calls != 1 {
		t.Errorf("expected exactly 1 framework store read, got %d", calls)
	}
}

func TestRegistry_CacheInvalidatedByEtag(t *testing.T) {
	tenantID := uuid.New()
	sel := &models.TenantFrameworkSelection{
		TenantID:    tenantID,
		FrameworkID: "security-baseline",
		Weight:      1,
		Enabled:     true,
		Etag:        "v1",
	}
	reg, frameworks, selections := newTestRegistry(t, sel)

	ctx := context.Background()
	if _, err := reg.Resolve(ctx, tenantID, "security-baseline", nil); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := reg.Resolve(ctx, tenantID, "security-baseline", nil); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if calls := atomic.LoadInt64(&frameworks.getCalls); calls != 1 {
		t.Fatalf("expected cached resolution, got %d store reads", calls)
	}

	// Selection change bumps the etag; the next resolve must repopulate.
	selections.mu.Lock()
	selections.sels[selKey(tenantID, "security-baseline")].Etag = "v2"
	selections.sels[selKey(tenantID, "security-baseline")].ExcludedRules = []string{"sb-tagging"}
	selections.mu.Unlock()

	rs, err := reg.Resolve(ctx, tenantID, "security-baseline", nil)
	if err != nil {
		t.Fatalf("resolve after etag change: %v", err)
	}
	if calls := atomic.LoadInt64(&frameworks.getCalls); calls != 2 {
		t.Errorf("expected repopulate after etag change, got %d store reads", calls)
	}
	if len(rs.Rules) != 2 {
		t.Errorf("expected updated selection to apply, got %d rules", len(rs.Rules))
	}
}

func TestRegistry_ScopeFilter(t *testing.T) {
	tenantID := uuid.New()
	reg, _, _ := newTestRegistry(t, &models.TenantFrameworkSelection{
		TenantID:    tenantID,
		FrameworkID: "security-baseline",
		Weight:      1,
		Enabled:     true,
		Etag:        "v1",
	})

	rs, err := reg.Resolve(context.Background(), tenantID, "security-baseline", &Scope{
		Pillars: []models.Pillar{models.PillarSecurity},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(rs.Rules) != 2 {
		t.Fatalf("expected 2 security-pillar rules, got %d", len(rs.Rules))
	}
	for _, rule := range rs.Rules {
		if rule.Pillar != models.PillarSecurity {
			t.Errorf("scope filter leaked rule %s with pillar %s", rule.RuleID, rule.Pillar)
		}
	}
}

func TestBuiltinFrameworksValid(t *testing.T) {
	for _, def := range BuiltinFrameworks() {
		if def.Version == "" {
			t.Errorf("framework %s has no version", def.FrameworkID)
		}
		for i := range def.Rules {
			rule := def.Rules[i]
			if rule.FrameworkID != def.FrameworkID {
				t.Errorf("rule %s has framework id %s, want %s", rule.RuleID, rule.FrameworkID, def.FrameworkID)
			}
		}
	}
}
