package diff

import (
	"testing"

	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/models"
)

func resource(id string, config models.JSONB) models.Resource {
	return models.Resource{
		ResourceID:    id,
		ResourceType:  "s3_bucket",
		AccountID:     "123456789012",
		Configuration: config,
	}
}

func violation(ruleID, resourceID string, sev models.Severity) models.Finding {
	return models.Finding{
		RuleID:      ruleID,
		FrameworkID: "security-baseline",
		ResourceID:  resourceID,
		Severity:    sev,
		Message:     "check failed",
	}
}

func runInput(score float64, resources []models.Resource, findings []models.Finding) RunInput {
	return RunInput{
		Result: &models.AggregatedResult{
			AnalysisID:   uuid.New(),
			OverallScore: score,
		},
		Resources: resources,
		Findings:  findings,
	}
}

func TestCompare_NoChanges(t *testing.T) {
	resources := []models.Resource{
		resource("b1", models.JSONB{"versioning": "Enabled"}),
		resource("b2", models.JSONB{"versioning": "Suspended"}),
	}
	findings := []models.Finding{violation("r1", "b2", models.SeverityMedium)}

	result := Compare(
		runInput(85, resources, findings),
		runInput(85, resources, findings),
	)

	if len(result.ResourcesAdded) != 0 || len(result.ResourcesRemoved) != 0 || len(result.ResourcesModified) != 0 {
		t.Errorf("identical snapshots must produce an empty resource diff: %+v", result)
	}
	if len(result.ComplianceNewViolations) != 0 || len(result.ComplianceResolvedViolations) != 0 {
		t.Errorf("identical findings must produce an empty compliance diff")
	}
	if result.SecurityScoreChange != 0 {
		t.Errorf("expected zero score change, got %v", result.SecurityScoreChange)
	}
	if result.SecurityRiskLevel != models.RiskUnchanged {
		t.Errorf("expected UNCHANGED, got %s", result.SecurityRiskLevel)
	}
}

func TestCompare_ResourceDiff(t *testing.T) {
	baseline := []models.Resource{
		resource("kept", models.JSONB{"versioning": "Enabled", "public": false}),
		resource("gone", models.JSONB{"versioning": "Enabled"}),
		resource("drifted", models.JSONB{"public": false, "logging": true}),
	}
	comparison := []models.Resource{
		resource("kept", models.JSONB{"versioning": "Enabled", "public": false}),
		resource("drifted", models.JSONB{"public": true, "logging": true}),
		resource("fresh", models.JSONB{"versioning": "Enabled"}),
	}

	result := Compare(runInput(80, baseline, nil), runInput(80, comparison, nil))

	if len(result.ResourcesAdded) != 1 || result.ResourcesAdded[0].ResourceID != "fresh" {
		t.Errorf("expected 'fresh' added, got %v", result.ResourcesAdded)
	}
	if len(result.ResourcesRemoved) != 1 || result.ResourcesRemoved[0].ResourceID != "gone" {
		t.Errorf("expected 'gone' removed, got %v", result.ResourcesRemoved)
	}
	if len(result.ResourcesModified) != 1 {
		t.Fatalf("expected 1 modified resource, got %d", len(result.ResourcesModified))
	}
	mod := result.ResourcesModified[0]
	if mod.Key.ResourceID != "drifted" {
		t.Errorf("expected 'drifted' modified, got %s", mod.Key.ResourceID)
	}
	if len(mod.ChangedProperties) != 1 || mod.ChangedProperties[0] != "public" {
		t.Errorf("expected changed property [public], got %v", mod.ChangedProperties)
	}
}

func TestCompare_Symmetry(t *testing.T) {
	a := runInput(80, []models.Resource{
		resource("only-a", models.JSONB{"x": 1}),
		resource("shared", models.JSONB{"x": 1}),
	}, nil)
	b := runInput(80, []models.Resource{
		resource("only-b", models.JSONB{"x": 1}),
		resource("shared", models.JSONB{"x": 1}),
	}, nil)

	ab := Compare(a, b)
	ba := Compare(b, a)

	if len(ab.ResourcesAdded) != len(ba.ResourcesRemoved) {
		t.Fatalf("added/removed not symmetric: %v vs %v", ab.ResourcesAdded, ba.ResourcesRemoved)
	}
	for i, key := range ab.ResourcesAdded {
		if key != ba.ResourcesRemoved[i] {
			t.Errorf("diff(A,B).added[%d]=%v != diff(B,A).removed[%d]=%v", i, key, i, ba.ResourcesRemoved[i])
		}
	}
	for i, key := range ab.ResourcesRemoved {
		if key != ba.ResourcesAdded[i] {
			t.Errorf("diff(A,B).removed[%d]=%v != diff(B,A).added[%d]=%v", i, key, i, ba.ResourcesAdded[i])
		}
	}
}

func TestCompare_ComplianceDiff(t *testing.T) {
	baseline := []models.Finding{
		violation("r-resolved", "b1", models.SeverityHigh),
		violation("r-stable", "b1", models.SeverityMedium),
		violation("r-escalated", "b2", models.SeverityMedium),
	}
	comparison := []models.Finding{
		violation("r-stable", "b1", models.SeverityMedium),
		violation("r-escalated", "b2", models.SeverityCritical),
		violation("r-new", "b3", models.SeverityLow),
	}

	result := Compare(runInput(80, nil, baseline), runInput(75, nil, comparison))

	if len(result.ComplianceNewViolations) != 1 || result.ComplianceNewViolations[0].RuleID != "r-new" {
		t.Errorf("expected r-new as new violation, got %v", result.ComplianceNewViolations)
	}
	if len(result.ComplianceResolvedViolations) != 1 || result.ComplianceResolvedViolations[0].RuleID != "r-resolved" {
		t.Errorf("expected r-resolved as resolved violation, got %v", result.ComplianceResolvedViolations)
	}
	if len(result.SeverityChanges) != 1 {
		t.Fatalf("expected 1 severity change, got %d", len(result.SeverityChanges))
	}
	sc := result.SeverityChanges[0]
	if sc.RuleID != "r-escalated" || sc.FromSeverity != models.SeverityMedium || sc.ToSeverity != models.SeverityCritical {
		t.Errorf("severity change wrong: %+v", sc)
	}
}

func TestCompare_RiskLevel(t *testing.T) {
	tests := []struct {
		name          string
		baseScore     float64
		compScore     float64
		baseFindings  []models.Finding
		compFindings  []models.Finding
		expected      models.RiskLevel
	}{
		{
			"score drop increases risk",
			90, 70, nil, nil,
			models.RiskIncreased,
		},
		{
			"new critical increases risk despite equal score",
			80, 80,
			nil,
			[]models.Finding{violation("r1", "b1", models.SeverityCritical)},
			models.RiskIncreased,
		},
		{
			"score gain decreases risk",
			70, 90, nil, nil,
			models.RiskDecreased,
		},
		{
			"critical resolved decreases risk",
			80, 80,
			[]models.Finding{violation("r1", "b1", models.SeverityCritical)},
			nil,
			models.RiskDecreased,
		},
		{
			"no movement",
			80, 80, nil, nil,
			models.RiskUnchanged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Compare(
				runInput(tt.baseScore, nil, tt.baseFindings),
				runInput(tt.compScore, nil, tt.compFindings),
			)
			if result.SecurityRiskLevel != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, result.SecurityRiskLevel)
			}
		})
	}
}

func TestCompare_DoesNotMutateInputs(t *testing.T) {
	baseline := runInput(80, []models.Resource{resource("b1", models.JSONB{"x": 1})},
		[]models.Finding{violation("r1", "b1", models.SeverityHigh)})
	comparison := runInput(75, []models.Resource{resource("b2", models.JSONB{"x": 2})},
		[]models.Finding{violation("r2", "b2", models.SeverityLow)})

	beforeBase := baseline.Result.OverallScore
	beforeComp := comparison.Result.OverallScore

	Compare(baseline, comparison)

	if baseline.Result.OverallScore != beforeBase || comparison.Result.OverallScore != beforeComp {
		t.Error("compare mutated an input result")
	}
	if len(baseline.Resources) != 1 || len(comparison.Resources) != 1 {
		t.Error("compare mutated an input resource list")
	}
}
