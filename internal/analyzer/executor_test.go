package analyzer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stratoguard/cspm/internal/evaluator"
	"github.com/stratoguard/cspm/internal/models"
	"github.com/stratoguard/cspm/internal/registry"
)

func bucketResource(id string, encrypted, versioned bool) models.Resource {
	versioning := "Suspended"
	if versioned {
		versioning = "Enabled"
	}
	return models.Resource{
		ResourceID:   id,
		ResourceType: "s3_bucket",
		AccountID:    "123456789012",
		Region:       "us-east-1",
		Configuration: models.JSONB{
			"encryption": map[string]interface{}{"enabled": encrypted},
			"versioning": versioning,
		},
	}
}

func testRuleSet() *registry.ResolvedRuleSet {
	return &registry.ResolvedRuleSet{
		FrameworkID:      "test-framework",
		FrameworkVersion: "1.0",
		Weight:           1,
		Rules: []models.RuleDefinition{
			{
				RuleID:                  "encryption-on",
				FrameworkID:             "test-framework",
				Pillar:                  models.PillarSecurity,
				Severity:                models.SeverityHigh,
				Category:                "encryption",
				ApplicableResourceTypes: []string{"s3_bucket"},
				Checks: []models.RuleCheck{
					{PropertyPath: "encryption.enabled", Condition: models.ConditionEquals, Value: true, Message: "encryption disabled"},
				},
			},
			{
				RuleID:                  "versioning-on",
				FrameworkID:             "test-framework",
				Pillar:                  models.PillarReliability,
				Severity:                models.SeverityMedium,
				Category:                "data-protection",
				ApplicableResourceTypes: []string{"s3_bucket"},
				Checks: []models.RuleCheck{
					{PropertyPath: "versioning", Condition: models.ConditionEquals, Value: "Enabled", Message: "versioning disabled"},
				},
			},
		},
	}
}

func TestExecute_PerfectPass(t *testing.T) {
	resources := []models.Resource{
		bucketResource("b1", true, true),
		bucketResource("b2", true, true),
		bucketResource("b3", true, true),
	}

	result := Execute(context.Background(), resources, testRuleSet())

	if result.Status != models.FrameworkCompleted {
		t.Errorf("expected COMPLETED, got %s", result.Status)
	}
	if len(result.Findings) != 0 {
		t.Errorf("expected no findings, got %d", len(result.Findings))
	}
	if result.PassedChecks != 6 || result.FailedChecks != 0 {
		t.Errorf("expected 6 passed / 0 failed, got %d / %d", result.PassedChecks, result.FailedChecks)
	}
}

func TestExecute_AndSemantics(t *testing.T) {
	rs := &registry.ResolvedRuleSet{
		FrameworkID: "test-framework",
		Rules: []models.RuleDefinition{
			{
				RuleID:                  "two-checks",
				FrameworkID:             "test-framework",
				Severity:                models.SeverityHigh,
				Category:                "encryption",
				ApplicableResourceTypes: []string{"s3_bucket"},
				Checks: []models.RuleCheck{
					{PropertyPath: "encryption.enabled", Condition: models.ConditionEquals, Value: true, Message: "encryption disabled"},
					{PropertyPath: "versioning", Condition: models.ConditionEquals, Value: "Enabled", Message: "versioning disabled"},
				},
			},
		},
	}

	t.Run("one check failing fails the rule", func(t *testing.T) {
		result := Execute(context.Background(), []models.Resource{bucketResource("b1", true, false)}, rs)
		if len(result.Findings) != 1 {
			t.Fatalf("expected exactly 1 finding, got %d", len(result.Findings))
		}
		if result.Findings[0].Message != "versioning disabled" {
			t.Errorf("finding message should come from the failing check, got %q", result.Findings[0].Message)
		}
		if result.PassedChecks != 1 || result.FailedChecks != 1 {
			t.Errorf("expected 1 passed / 1 failed, got %d / %d", result.PassedChecks, result.FailedChecks)
		}
	})

	t.Run("both checks passing yields no finding", func(t *testing.T) {
		result := Execute(context.Background(), []models.Resource{bucketResource("b1", true, true)}, rs)
		if len(result.Findings) != 0 {
			t.Errorf("expected no findings, got %d", len(result.Findings))
		}
	})
}

func TestExecute_SkipVsFail(t *testing.T) {
	resources := []models.Resource{
		bucketResource("b1", false, true),
		{
			ResourceID:    "fn1",
			ResourceType:  "lambda_function",
			AccountID:     "123456789012",
			Configuration: models.JSONB{"runtime": "python3.12"},
		},
	}

	result := Execute(context.Background(), resources, testRuleSet())

	// The lambda is not an applicable type for either rule, so its checks
	// are skipped, not failed.
	if result.SkippedChecks != 2 {
		t.Errorf("expected 2 skipped checks, got %d", result.SkippedChecks)
	}
	if result.FailedChecks != 1 {
		t.Errorf("expected 1 failed check, got %d", result.FailedChecks)
	}
	if result.TotalChecks != result.PassedChecks+result.FailedChecks+result.SkippedChecks {
		t.Errorf("counter mismatch: total=%d passed=%d failed=%d skipped=%d",
			result.TotalChecks, result.PassedChecks, result.FailedChecks, result.SkippedChecks)
	}
	if len(result.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(result.Findings))
	}
	if result.Findings[0].ResourceID != "b1" {
		t.Errorf("finding should target the failing bucket, got %s", result.Findings[0].ResourceID)
	}
}

func TestExecute_Deterministic(t *testing.T) {
	resources := []models.Resource{
		bucketResource("b1", false, false),
		bucketResource("b2", true, false),
	}
	rs := testRuleSet()

	first := Execute(context.Background(), resources, rs)
	firstJSON, err := json.Marshal(first.Findings)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	for i := 0; i < 5; i++ {
		again := Execute(context.Background(), resources, rs)
		againJSON, err := json.Marshal(again.Findings)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(firstJSON) != string(againJSON) {
			t.Fatalf("findings not byte-identical across runs:\n%s\nvs\n%s", firstJSON, againJSON)
		}
	}
}

func TestExecute_PanicRecoveryCounters(t *testing.T) {
	orig := evalCheck
	defer func() { evalCheck = orig }()
	evalCheck = func(resource *models.Resource, check models.RuleCheck) evaluator.CheckResult {
		if check.PropertyPath == "versioning" {
			panic("injected evaluation failure")
		}
		return evaluator.EvaluateCheck(resource, check)
	}

	resources := []models.Resource{
		bucketResource("b1", true, true),
		bucketResource("b2", false, true),
	}

	result := Execute(context.Background(), resources, testRuleSet())

	// Each resource carries two single-check rules. The encryption rule
	// is tallied normally (b1 passes, b2 fails) before the versioning
	// rule blows up, so only the versioning checks may count as skipped.
	if result.PassedChecks != 1 || result.FailedChecks != 1 {
		t.Errorf("expected 1 passed / 1 failed, got %d / %d", result.PassedChecks, result.FailedChecks)
	}
	if result.SkippedChecks != 2 {
		t.Errorf("expected 2 skipped checks, got %d", result.SkippedChecks)
	}
	if result.TotalChecks != 4 {
		t.Errorf("expected 4 total checks, got %d", result.TotalChecks)
	}
	if result.TotalChecks != result.PassedChecks+result.FailedChecks+result.SkippedChecks {
		t.Errorf("counter mismatch: total=%d passed=%d failed=%d skipped=%d",
			result.TotalChecks, result.PassedChecks, result.FailedChecks, result.SkippedChecks)
	}
	if len(result.Findings) != 1 {
		t.Errorf("expected the encryption finding to survive, got %d findings", len(result.Findings))
	}
}

func TestExecute_Timeout(t *testing.T) {
	resources := make([]models.Resource, 50)
	for i := range resources {
		resources[i] = bucketResource("b", true, true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Execute(ctx, resources, testRuleSet())

	if result.Status != models.FrameworkPartial {
		t.Errorf("expected PARTIAL on expired context, got %s", result.Status)
	}
	if result.Error != "timeout" {
		t.Errorf("expected error 'timeout', got %q", result.Error)
	}
}

func TestExecute_FindingEvidence(t *testing.T) {
	result := Execute(context.Background(), []models.Resource{bucketResource("b1", false, true)}, testRuleSet())

	if len(result.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(result.Findings))
	}
	f := result.Findings[0]
	if f.RuleID != "encryption-on" || f.FrameworkID != "test-framework" {
		t.Errorf("finding identity wrong: %s / %s", f.RuleID, f.FrameworkID)
	}
	if f.Evidence["property_path"] != "encryption.enabled" {
		t.Errorf("evidence should carry the failing property path, got %v", f.Evidence["property_path"])
	}
	if f.Severity != models.SeverityHigh || f.Pillar != models.PillarSecurity {
		t.Errorf("finding should inherit rule severity and pillar, got %s / %s", f.Severity, f.Pillar)
	}
}

func TestExecute_DurationRecorded(t *testing.T) {
	start := time.Now()
	result := Execute(context.Background(), []models.Resource{bucketResource("b1", true, true)}, testRuleSet())
	elapsed := time.Since(start).Milliseconds()

	if result.DurationMs < 0 || result.DurationMs > elapsed+1 {
		t.Errorf("implausible duration %dms for a %dms call", result.DurationMs, elapsed)
	}
}
