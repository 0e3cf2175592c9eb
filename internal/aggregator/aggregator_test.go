package aggregator

import (
	"math"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/models"
)

func finding(ruleID, frameworkID, resourceID, category string, sev models.Severity, pillar models.Pillar) models.Finding {
	return models.Finding{
		RuleID:      ruleID,
		FrameworkID: frameworkID,
		ResourceID:  resourceID,
		Category:    category,
		Severity:    sev,
		Pillar:      pillar,
		Message:     "check failed",
	}
}

func completedResult(id string, passed, failed int, findings ...models.Finding) models.FrameworkResult {
	return models.FrameworkResult{
		FrameworkID:  id,
		Status:       models.FrameworkCompleted,
		PassedChecks: passed,
		FailedChecks: failed,
		TotalChecks:  passed + failed,
		Findings:     findings,
	}
}

func TestAggregate_WeightedScore(t *testing.T) {
	results := []models.FrameworkResult{
		completedResult("fw-a", 8, 2),  // score 80
		completedResult("fw-b", 5, 5),  // score 50
	}
	weights := map[string]float64{"fw-a": 3, "fw-b": 1}

	agg := New(0).Aggregate(uuid.New(), uuid.New(), results, weights)

	// 0.75*80 + 0.25*50 = 72.5
	if math.Abs(agg.OverallScore-72.5) > 1e-9 {
		t.Errorf("expected overall score 72.5, got %v", agg.OverallScore)
	}
	if agg.Status != models.RunCompleted {
		t.Errorf("expected COMPLETED, got %s", agg.Status)
	}
	if agg.FrameworkScores["fw-a"] != 80 || agg.FrameworkScores["fw-b"] != 50 {
		t.Errorf("per-framework scores wrong: %v", agg.FrameworkScores)
	}
}

func TestAggregate_Commutativity(t *testing.T) {
	f1 := finding("r1", "fw-a", "res1", "encryption", models.SeverityHigh, models.PillarSecurity)
	f2 := finding("r2", "fw-b", "res2", "audit", models.SeverityMedium, models.PillarOperations)
	f3 := finding("r1", "fw-b", "res3", "encryption", models.SeverityHigh, models.PillarSecurity)

	results := []models.FrameworkResult{
		completedResult("fw-a", 7, 3, f1),
		completedResult("fw-b", 6, 4, f2, f3),
		{FrameworkID: "fw-c", Status: models.FrameworkFailed, Error: "framework not found"},
	}
	weights := map[string]float64{"fw-a": 2, "fw-b": 1, "fw-c": 5}
	agg := New(0)

	baseline := agg.Aggregate(uuid.Nil, uuid.Nil, results, weights)

	permutations := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}, {2, 0, 1}}
	for _, perm := range permutations {
		shuffled := make([]models.FrameworkResult, len(results))
		for i, j := range perm {
			shuffled[i] = results[j]
		}
		got := agg.Aggregate(uuid.Nil, uuid.Nil, shuffled, weights)

		if math.Abs(got.OverallScore-baseline.OverallScore) > 1e-9 {
			t.Errorf("permutation %v changed overall score: %v vs %v", perm, got.OverallScore, baseline.OverallScore)
		}
		if !reflect.DeepEqual(got.FindingsBySeverity, baseline.FindingsBySeverity) {
			t.Errorf("permutation %v changed severity buckets", perm)
		}
		if !reflect.DeepEqual(got.FindingsByPillar, baseline.FindingsByPillar) {
			t.Errorf("permutation %v changed pillar buckets", perm)
		}
		if !reflect.DeepEqual(got.Recommendations, baseline.Recommendations) {
			t.Errorf("permutation %v changed recommendation ranking", perm)
		}
		if !reflect.DeepEqual(got.CompletedFrameworks, baseline.CompletedFrameworks) {
			t.Errorf("permutation %v changed completed framework list", perm)
		}
	}
}

func TestAggregate_FailedFrameworkExcluded(t *testing.T) {
	// One framework fails resolution, the other completes at 80 with
	// weight 1: the survivor carries full weight, the run is PARTIAL.
	results := []models.FrameworkResult{
		{FrameworkID: "fw-a", Status: models.FrameworkFailed, Error: "framework not found"},
		completedResult("fw-b", 8, 2),
	}
	weights := map[string]float64{"fw-a": 1, "fw-b": 1}

	agg := New(0).Aggregate(uuid.New(), uuid.New(), results, weights)

	if math.Abs(agg.OverallScore-80) > 1e-9 {
		t.Errorf("expected overall score 80, got %v", agg.OverallScore)
	}
	if agg.Status != models.RunPartial {
		t.Errorf("expected PARTIAL, got %s", agg.Status)
	}
	if !reflect.DeepEqual(agg.FailedFrameworks, []string{"fw-a"}) {
		t.Errorf("expected fw-a in failed list, got %v", agg.FailedFrameworks)
	}
	if !reflect.DeepEqual(agg.CompletedFrameworks, []string{"fw-b"}) {
		t.Errorf("expected fw-b in completed list, got %v", agg.CompletedFrameworks)
	}
}

func TestAggregate_AllFailed(t *testing.T) {
	results := []models.FrameworkResult{
		{FrameworkID: "fw-a", Status: models.FrameworkFailed, Error: "framework not found"},
		{FrameworkID: "fw-b", Status: models.FrameworkFailed, Error: "tenant framework selection not found"},
	}

	agg := New(0).Aggregate(uuid.New(), uuid.New(), results, map[string]float64{"fw-a": 1, "fw-b": 1})

	if agg.OverallScore != 0 {
		t.Errorf("expected score 0, got %v", agg.OverallScore)
	}
	if agg.Status != models.RunFailed {
		t.Errorf("expected FAILED, got %s", agg.Status)
	}
	if len(agg.Recommendations) != 0 {
		t.Errorf("expected no recommendations, got %d", len(agg.Recommendations))
	}
}

func TestAggregate_ZeroChecksIsAmbiguous(t *testing.T) {
	// A framework that evaluated nothing scores 0 and must not count as
	// completed.
	results := []models.FrameworkResult{
		completedResult("fw-empty", 0, 0),
		completedResult("fw-b", 9, 1),
	}
	weights := map[string]float64{"fw-empty": 1, "fw-b": 1}

	agg := New(0).Aggregate(uuid.New(), uuid.New(), results, weights)

	if agg.FrameworkScores["fw-empty"] != 0 {
		t.Errorf("expected score 0 for empty framework, got %v", agg.FrameworkScores["fw-empty"])
	}
	for _, id := range agg.CompletedFrameworks {
		if id == "fw-empty" {
			t.Error("ambiguous framework must not be counted completed")
		}
	}
	if math.Abs(agg.OverallScore-90) > 1e-9 {
		t.Errorf("expected overall score 90 from the real framework alone, got %v", agg.OverallScore)
	}
	if agg.Status != models.RunPartial {
		t.Errorf("expected PARTIAL, got %s", agg.Status)
	}
}

func TestAggregate_Buckets(t *testing.T) {
	results := []models.FrameworkResult{
		completedResult("fw-a", 5, 3,
			finding("r1", "fw-a", "res1", "encryption", models.SeverityCritical, models.PillarSecurity),
			finding("r1", "fw-a", "res2", "encryption", models.SeverityCritical, models.PillarSecurity),
			finding("r2", "fw-a", "res1", "audit", models.SeverityLow, models.PillarOperations),
		),
	}

	agg := New(0).Aggregate(uuid.New(), uuid.New(), results, map[string]float64{"fw-a": 1})

	if agg.FindingsBySeverity[models.SeverityCritical] != 2 || agg.FindingsBySeverity[models.SeverityLow] != 1 {
		t.Errorf("severity buckets wrong: %v", agg.FindingsBySeverity)
	}
	if agg.FindingsByPillar[models.PillarSecurity] != 2 || agg.FindingsByPillar[models.PillarOperations] != 1 {
		t.Errorf("pillar buckets wrong: %v", agg.FindingsByPillar)
	}
	if agg.FindingsByCategory["encryption"] != 2 || agg.FindingsByCategory["audit"] != 1 {
		t.Errorf("category buckets wrong: %v", agg.FindingsByCategory)
	}
	if agg.TotalFindings != 3 {
		t.Errorf("expected 3 total findings, got %d", agg.TotalFindings)
	}
}

func TestAggregate_RecommendationRanking(t *testing.T) {
	var findings []models.Finding
	// r-low occurs 5 times, r-crit once: severity outranks count.
	for i := 0; i < 5; i++ {
		findings = append(findings, finding("r-low", "fw-a", "res", "tagging", models.SeverityLow, models.PillarCost))
	}
	findings = append(findings, finding("r-crit", "fw-a", "res1", "public-access", models.SeverityCritical, models.PillarSecurity))
	findings = append(findings,
		finding("r-shared", "fw-a", "res1", "encryption", models.SeverityHigh, models.PillarSecurity),
		finding("r-shared", "fw-b", "res2", "encryption", models.SeverityHigh, models.PillarSecurity),
	)

	results := []models.FrameworkResult{
		completedResult("fw-a", 1, 7, findings...),
	}

	agg := New(2).Aggregate(uuid.New(), uuid.New(), results, map[string]float64{"fw-a": 1})

	if len(agg.Recommendations) != 2 {
		t.Fatalf("expected top-2 cap, got %d recommendations", len(agg.Recommendations))
	}
	if agg.Recommendations[0].RuleID != "r-crit" {
		t.Errorf("critical rule should rank first, got %s", agg.Recommendations[0].RuleID)
	}
	if agg.Recommendations[1].RuleID != "r-shared" {
		t.Errorf("high severity should rank above frequent low, got %s", agg.Recommendations[1].RuleID)
	}
	if !reflect.DeepEqual(agg.Recommendations[1].Frameworks, []string{"fw-a", "fw-b"}) {
		t.Errorf("recommendation should reference both frameworks, got %v", agg.Recommendations[1].Frameworks)
	}
	if agg.Recommendations[1].AffectedResources != 2 || agg.Recommendations[1].Occurrences != 2 {
		t.Errorf("resource/occurrence counts wrong: %+v", agg.Recommendations[1])
	}
}

func TestAggregate_NormalizedWeightsSumToOne(t *testing.T) {
	results := []models.FrameworkResult{
		completedResult("fw-a", 10, 0), // 100
		completedResult("fw-b", 10, 0), // 100
		completedResult("fw-c", 10, 0), // 100
	}
	weights := map[string]float64{"fw-a": 0.2, "fw-b": 0.5, "fw-c": 7}

	agg := New(0).Aggregate(uuid.New(), uuid.New(), results, weights)

	// All frameworks score 100, so any correctly normalized weighting
	// must produce exactly 100.
	if math.Abs(agg.OverallScore-100) > 1e-9 {
		t.Errorf("normalized weights do not sum to 1: score %v", agg.OverallScore)
	}
}
