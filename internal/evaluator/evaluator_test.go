package evaluator

import (
	"testing"

	"github.com/stratoguard/cspm/internal/models"
)

func testResource() *models.Resource {
	return &models.Resource{
		ResourceID:   "my-bucket",
		ResourceType: "s3_bucket",
		AccountID:    "123456789012",
		Region:       "us-east-1",
		Configuration: models.JSONB{
			"encryption": map[string]interface{}{
				"enabled":   true,
				"algorithm": "aws:kms",
			},
			"versioning":   "Enabled",
			"public":       false,
			"object_count": float64(1200),
			"grants": []interface{}{
				map[string]interface{}{"grantee": "owner"},
				map[string]interface{}{"grantee": "AllUsers"},
			},
			"allowed_regions": []interface{}{"us-east-1", "eu-west-1"},
			"min_tls":         "TLSv1.2",
			"null_field":      nil,
		},
	}
}

func TestResolvePath(t *testing.T) {
	res := testResource()

	tests := []struct {
		name   string
		path   string
		want   interface{}
		absent bool
	}{
		{"top level", "versioning", "Enabled", false},
		{"nested", "encryption.algorithm", "aws:kms", false},
		{"array index dot", "allowed_regions.1", "eu-west-1", false},
		{"array index bracket", "allowed_regions[0]", "us-east-1", false},
		{"nested in array", "grants.1.grantee", "AllUsers", false},
		{"missing top level", "nonexistent", nil, true},
		{"missing nested", "encryption.missing", nil, true},
		{"index out of range", "allowed_regions.5", nil, true},
		{"index into scalar", "versioning.0", nil, true},
		{"explicit null", "null_field", nil, false},
		{"empty path", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePath(res.Configuration, tt.path)
			if tt.absent {
				if !IsAbsent(got) {
					t.Errorf("expected absent, got %v", got)
				}
				return
			}
			if IsAbsent(got) {
				t.Fatalf("expected %v, got absent", tt.want)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEvaluateCheck_Conditions(t *testing.T) {
	res := testResource()

	tests := []struct {
		name   string
		check  models.RuleCheck
		passed bool
	}{
		{
			"exists on present property",
			models.RuleCheck{PropertyPath: "encryption.enabled", Condition: models.ConditionExists},
			true,
		},
		{
			"exists on missing property",
			models.RuleCheck{PropertyPath: "replication", Condition: models.ConditionExists},
			false,
		},
		{
			"exists on explicit null",
			models.RuleCheck{PropertyPath: "null_field", Condition: models.ConditionExists},
			false,
		},
		{
			"not exists on missing property",
			models.RuleCheck{PropertyPath: "replication", Condition: models.ConditionNotExists},
			true,
		},
		{
			"equals string",
			models.RuleCheck{PropertyPath: "versioning", Condition: models.ConditionEquals, Value: "Enabled"},
			true,
		},
		{
			"equals bool",
			models.RuleCheck{PropertyPath: "public", Condition: models.ConditionEquals, Value: false},
			true,
		},
		{
			"equals numeric coercion int vs float",
			models.RuleCheck{PropertyPath: "object_count", Condition: models.ConditionEquals, Value: 1200},
			true,
		},
		{
			"equals numeric string coercion",
			models.RuleCheck{PropertyPath: "object_count", Condition: models.ConditionEquals, Value: "1200"},
			true,
		},
		{
			"equals mismatch",
			models.RuleCheck{PropertyPath: "versioning", Condition: models.ConditionEquals, Value: "Suspended"},
			false,
		},
		{
			"equals on absent property fails",
			models.RuleCheck{PropertyPath: "replication", Condition: models.ConditionEquals, Value: "Enabled"},
			false,
		},
		{
			"not equals",
			models.RuleCheck{PropertyPath: "versioning", Condition: models.ConditionNotEquals, Value: "Suspended"},
			true,
		},
		{
			"not equals on absent property passes",
			models.RuleCheck{PropertyPath: "replication", Condition: models.ConditionNotEquals, Value: "x"},
			true,
		},
		{
			"contains substring",
			models.RuleCheck{PropertyPath: "encryption.algorithm", Condition: models.ConditionContains, Value: "kms"},
			true,
		},
		{
			"contains array membership",
			models.RuleCheck{PropertyPath: "allowed_regions", Condition: models.ConditionContains, Value: "eu-west-1"},
			true,
		},
		{
			"contains array miss",
			models.RuleCheck{PropertyPath: "allowed_regions", Condition: models.ConditionContains, Value: "ap-south-1"},
			false,
		},
		{
			"not contains on absent property is vacuously true",
			models.RuleCheck{PropertyPath: "replication.targets", Condition: models.ConditionNotContains, Value: "x"},
			true,
		},
		{
			"contains on absent property fails",
			models.RuleCheck{PropertyPath: "replication.targets", Condition: models.ConditionContains, Value: "x"},
			false,
		},
		{
			"contains shape mismatch fails closed",
			models.RuleCheck{PropertyPath: "public", Condition: models.ConditionContains, Value: "x"},
			false,
		},
		{
			"regex match case insensitive",
			models.RuleCheck{PropertyPath: "min_tls", Condition: models.ConditionRegex, Value: `^tlsv1\.[23]$`},
			true,
		},
		{
			"regex no match",
			models.RuleCheck{PropertyPath: "min_tls", Condition: models.ConditionRegex, Value: `^tlsv1\.0$`},
			false,
		},
		{
			"regex on non-string value uses string form",
			models.RuleCheck{PropertyPath: "object_count", Condition: models.ConditionRegex, Value: `^\d+$`},
			true,
		},
		{
			"regex invalid pattern fails with evidence",
			models.RuleCheck{PropertyPath: "min_tls", Condition: models.ConditionRegex, Value: `([`},
			false,
		},
		{
			"regex on absent property fails",
			models.RuleCheck{PropertyPath: "missing", Condition: models.ConditionRegex, Value: `.*`},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateCheck(res, tt.check)
			if got.Passed != tt.passed {
				t.Errorf("expected passed=%v, got %v (evidence: %s)", tt.passed, got.Passed, got.Evidence)
			}
			if got.Evidence == "" {
				t.Error("expected evidence to be recorded")
			}
		})
	}
}

func TestEvaluateCheck_Deterministic(t *testing.T) {
	res := testResource()
	check := models.RuleCheck{PropertyPath: "encryption.algorithm", Condition: models.ConditionContains, Value: "kms"}

	first := EvaluateCheck(res, check)
	for i := 0; i < 10; i++ {
		again := EvaluateCheck(res, check)
		if again.Passed != first.Passed || again.Evidence != first.Evidence {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", first, again)
		}
	}
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		rule    models.RuleDefinition
		wantErr bool
	}{
		{
			"valid rule",
			models.RuleDefinition{
				RuleID: "r1",
				Checks: []models.RuleCheck{
					{PropertyPath: "a.b", Condition: models.ConditionExists},
				},
			},
			false,
		},
		{
			"unknown condition",
			models.RuleDefinition{
				RuleID: "r2",
				Checks: []models.RuleCheck{
					{PropertyPath: "a", Condition: models.Condition("MATCHES")},
				},
			},
			true,
		},
		{
			"empty property path",
			models.RuleDefinition{
				RuleID: "r3",
				Checks: []models.RuleCheck{
					{PropertyPath: "", Condition: models.ConditionExists},
				},
			},
			true,
		},
		{
			"invalid regex rejected at load",
			models.RuleDefinition{
				RuleID: "r4",
				Checks: []models.RuleCheck{
					{PropertyPath: "a", Condition: models.ConditionRegex, Value: "(["},
				},
			},
			true,
		},
		{
			"non-string regex value",
			models.RuleDefinition{
				RuleID: "r5",
				Checks: []models.RuleCheck{
					{PropertyPath: "a", Condition: models.ConditionRegex, Value: 42},
				},
			},
			true,
		},
		{
			"no checks",
			models.RuleDefinition{RuleID: "r6"},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRule(&tt.rule)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
