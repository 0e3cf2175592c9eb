package analyzer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/models"
	"github.com/stratoguard/cspm/internal/registry"
)

type stubFrameworkStore struct {
	defs map[string]*models.FrameworkDefinition
}

func (s *stubFrameworkStore) GetFramework(ctx context.Context, id, version string) (*models.FrameworkDefinition, error) {
	def, ok := s.defs[id]
	if !ok {
		return nil, registry.ErrFrameworkNotFound
	}
	return def, nil
}

func (s *stubFrameworkStore) CurrentVersion(ctx context.Context, id string) (string, error) {
	def, ok := s.defs[id]
	if !ok {
		return "", registry.ErrFrameworkNotFound
	}
	return def.Version, nil
}

type stubSelectionStore struct {
	sels map[string]*models.TenantFrameworkSelection
}

func (s *stubSelectionStore) GetSelection(ctx context.Context, tenantID uuid.UUID, frameworkID string) (*models.TenantFrameworkSelection, error) {
	return s.sels[frameworkID], nil
}

func (s *stubSelectionStore) ListSelections(ctx context.Context, tenantID uuid.UUID) ([]*models.TenantFrameworkSelection, error) {
	var out []*models.TenantFrameworkSelection
	for _, sel := range s.sels {
		out = append(out, sel)
	}
	return out, nil
}

func orchestratorFixture(tenantID uuid.UUID) *Orchestrator {
	def := &models.FrameworkDefinition{
		FrameworkID: "framework-b",
		Name:        "Framework B",
		Version:     "1.0",
		Rules: []models.RuleDefinition{
			{
				RuleID:                  "b-encryption",
				FrameworkID:             "framework-b",
				Pillar:                  models.PillarSecurity,
				Severity:                models.SeverityHigh,
				Category:                "encryption",
				ApplicableResourceTypes: []string{"s3_bucket"},
				Checks: []models.RuleCheck{
					{PropertyPath: "encryption.enabled", Condition: models.ConditionEquals, Value: true, Message: "encryption disabled"},
				},
			},
		},
	}

	reg := registry.New(
		&stubFrameworkStore{defs: map[string]*models.FrameworkDefinition{"framework-b": def}},
		&stubSelectionStore{sels: map[string]*models.TenantFrameworkSelection{
			"framework-b": {
				TenantID:    tenantID,
				FrameworkID: "framework-b",
				Weight:      1,
				Enabled:     true,
				Etag:        "v1",
			},
		}},
	)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOrchestrator(reg, log)
}

func TestOrchestrator_IsolatedFrameworkFailure(t *testing.T) {
	tenantID := uuid.New()
	orch := orchestratorFixture(tenantID)

	resources := []models.Resource{bucketResource("b1", true, true)}

	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			results := orch.Run(context.Background(), tenantID, resources,
				[]string{"framework-a", "framework-b"}, Options{Parallel: parallel})

			if len(results) != 2 {
				t.Fatalf("expected 2 results, got %d", len(results))
			}

			// framework-a has no definition and no selection: its slot must
			// carry a synthetic FAILED result without aborting framework-b.
			if results[0].FrameworkID != "framework-a" || results[0].Status != models.FrameworkFailed {
				t.Errorf("expected framework-a FAILED in slot 0, got %s %s", results[0].FrameworkID, results[0].Status)
			}
			if results[0].Error == "" {
				t.Error("failed result should carry the resolution error")
			}
			if results[1].FrameworkID != "framework-b" || results[1].Status != models.FrameworkCompleted {
				t.Errorf("expected framework-b COMPLETED in slot 1, got %s %s", results[1].FrameworkID, results[1].Status)
			}
		})
	}
}

// countingFrameworkStore records how many resolutions are in flight at
// once, observing the orchestrator's fan-out bound from the store side.
// The sleep widens the window so unbounded runs would overlap.
type countingFrameworkStore struct {
	stubFrameworkStore
	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (s *countingFrameworkStore) CurrentVersion(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxSeen {
		s.maxSeen = s.inFlight
	}
	s.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	return s.stubFrameworkStore.CurrentVersion(ctx, id)
}

func TestOrchestrator_BoundedFanOut(t *testing.T) {
	tenantID := uuid.New()

	defs := make(map[string]*models.FrameworkDefinition)
	sels := make(map[string]*models.TenantFrameworkSelection)
	ids := []string{"fw-1", "fw-2", "fw-3", "fw-4"}
	for _, id := range ids {
		defs[id] = &models.FrameworkDefinition{FrameworkID: id, Name: id, Version: "1.0"}
		sels[id] = &models.TenantFrameworkSelection{
			TenantID:    tenantID,
			FrameworkID: id,
			Weight:      1,
			Enabled:     true,
			Etag:        "v1",
		}
	}

	store := &countingFrameworkStore{stubFrameworkStore: stubFrameworkStore{defs: defs}}
	reg := registry.New(store, &stubSelectionStore{sels: sels})
	orch := NewOrchestrator(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	results := orch.Run(context.Background(), tenantID, nil, ids, Options{Parallel: true, Concurrency: 1})

	for i, r := range results {
		if r.Status != models.FrameworkCompleted {
			t.Errorf("slot %d: expected COMPLETED, got %s (%s)", i, r.Status, r.Error)
		}
	}

	store.mu.Lock()
	max := store.maxSeen
	store.mu.Unlock()
	if max != 1 {
		t.Errorf("with concurrency 1, at most one resolution may be in flight, saw %d", max)
	}
}

func TestOrchestrator_EmptyFrameworkList(t *testing.T) {
	tenantID := uuid.New()
	orch := orchestratorFixture(tenantID)

	results := orch.Run(context.Background(), tenantID, nil, nil, Options{})
	if len(results) != 0 {
		t.Errorf("expected no results for empty framework list, got %d", len(results))
	}
}

func TestOrchestrator_ResultsInInputOrder(t *testing.T) {
	tenantID := uuid.New()
	orch := orchestratorFixture(tenantID)

	ids := []string{"framework-b", "missing-1", "missing-2"}
	results := orch.Run(context.Background(), tenantID, nil, ids, Options{Parallel: true, Concurrency: 2})

	for i, id := range ids {
		if results[i].FrameworkID != id {
			t.Errorf("slot %d: expected %s, got %s", i, id, results[i].FrameworkID)
		}
	}
}
