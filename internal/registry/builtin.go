package registry

import "github.com/stratoguard/cspm/internal/models"

// BuiltinFrameworks returns the framework catalogs shipped with the
// service. They are published into the definition store on first boot;
// tenants can then select, weight, and override them.
func BuiltinFrameworks() []*models.FrameworkDefinition {
	return []*models.FrameworkDefinition{
		wellArchitectedFramework(),
		baselineSecurityFramework(),
	}
}

func wellArchitectedFramework() *models.FrameworkDefinition {
	const fw = "well-architected"
	return &models.FrameworkDefinition{
		FrameworkID: fw,
		Name:        "Well-Architected Review",
		Version:     "2024.1",
		Rules: []models.RuleDefinition{
			{
				RuleID:      "wa-s3-encryption",
				FrameworkID: fw,
				Name:        "Storage buckets encrypt data at rest",
				Pillar:      models.PillarSecurity,
				Severity:    models.SeverityHigh,
				Category:    "encryption",
				ApplicableResourceTypes: []string{"s3_bucket", "gcs_bucket", "azure_blob_container"},
				Checks: []models.RuleCheck{
					{PropertyPath: "encryption.enabled", Condition: models.ConditionEquals, Value: true,
						Message: "Server-side encryption is not enabled"},
				},
				Recommendation: "Enable server-side encryption with a managed key for all storage buckets.",
			},
			{
				RuleID:      "wa-s3-versioning",
				FrameworkID: fw,
				Name:        "Storage buckets keep object versions",
				Pillar:      models.PillarReliability,
				Severity:    models.SeverityMedium,
				Category:    "data-protection",
				ApplicableResourceTypes: []string{"s3_bucket", "gcs_bucket"},
				Checks: []models.RuleCheck{
					{PropertyPath: "versioning", Condition: models.ConditionEquals, Value: "Enabled",
						Message: "Object versioning is not enabled"},
				},
				Recommendation: "Enable versioning so deleted or overwritten objects can be recovered.",
			},
			{
				RuleID:      "wa-lambda-runtime",
				FrameworkID: fw,
				Name:        "Functions run supported runtimes",
				Pillar:      models.PillarOperations,
				Severity:    models.SeverityMedium,
				Category:    "lifecycle",
				ApplicableResourceTypes: []string{"lambda_function"},
				Checks: []models.RuleCheck{
					{PropertyPath: "runtime", Condition: models.ConditionNotContains, Value: "python2",
						Message: "Function uses a deprecated runtime"},
					{PropertyPath: "runtime", Condition: models.ConditionNotContains, Value: "nodejs12",
						Message: "Function uses a deprecated runtime"},
				},
				Recommendation: "Migrate functions off deprecated language runtimes.",
			},
			{
				RuleID:      "wa-resource-tagging",
				FrameworkID: fw,
				Name:        "Resources carry an owner tag",
				Pillar:      models.PillarCost,
				Severity:    models.SeverityLow,
				Category:    "governance",
				ApplicableResourceTypes: []string{"s3_bucket", "lambda_function", "kms_key"},
				Checks: []models.RuleCheck{
					{PropertyPath: "tag_keys", Condition: models.ConditionContains, Value: "owner",
						Message: "Resource has no owner tag"},
				},
				Recommendation: "Tag every resource with an owner so cost and lifecycle questions have an answer.",
			},
		},
	}
}

func baselineSecurityFramework() *models.FrameworkDefinition {
	const fw = "security-baseline"
	return &models.FrameworkDefinition{
		FrameworkID: fw,
		Name:        "Cloud Security Baseline",
		Version:     "1.4",
		Rules: []models.RuleDefinition{
			{
				RuleID:      "sb-no-public-buckets",
				FrameworkID: fw,
				Name:        "Storage buckets are not publicly accessible",
				Pillar:      models.PillarSecurity,
				Severity:    models.SeverityCritical,
				Category:    "public-access",
				ApplicableResourceTypes: []string{"s3_bucket", "gcs_bucket", "azure_blob_container"},
				Checks: []models.RuleCheck{
					{PropertyPath: "public_access", Condition: models.ConditionEquals, Value: false,
						Message: "Bucket allows public access"},
				},
				Recommendation: "Block public access at the bucket and account level.",
			},
			{
				RuleID:      "sb-kms-rotation",
				FrameworkID: fw,
				Name:        "Customer keys rotate automatically",
				Pillar:      models.PillarSecurity,
				Severity:    models.SeverityHigh,
				Category:    "encryption",
				ApplicableResourceTypes: []string{"kms_key"},
				Checks: []models.RuleCheck{
					{PropertyPath: "key_state", Condition: models.ConditionEquals, Value: "Enabled",
						Message: "Key is not in the Enabled state"},
					{PropertyPath: "rotation_enabled", Condition: models.ConditionEquals, Value: true,
						Message: "Automatic key rotation is disabled"},
				},
				Recommendation: "Enable automatic rotation on customer-managed keys.",
			},
			{
				RuleID:      "sb-tls-minimum",
				FrameworkID: fw,
				Name:        "Endpoints require modern TLS",
				Pillar:      models.PillarSecurity,
				Severity:    models.SeverityHigh,
				Category:    "encryption",
				ApplicableResourceTypes: []string{"s3_bucket", "lambda_function"},
				Checks: []models.RuleCheck{
					{PropertyPath: "min_tls", Condition: models.ConditionRegex, Value: `^TLSv1\.[23]$`,
						Message: "Minimum TLS version is below 1.2"},
				},
				Recommendation: "Raise the minimum TLS version to 1.2 or 1.3.",
			},
			{
				RuleID:      "sb-no-plaintext-secrets",
				FrameworkID: fw,
				Name:        "Function environment has no inline secrets",
				Pillar:      models.PillarSecurity,
				Severity:    models.SeverityCritical,
				Category:    "secrets",
				ApplicableResourceTypes: []string{"lambda_function"},
				Checks: []models.RuleCheck{
					{PropertyPath: "environment_keys", Condition: models.ConditionNotContains, Value: "AWS_SECRET_ACCESS_KEY",
						Message: "Function environment contains a static credential"},
				},
				Recommendation: "Source credentials from the platform role or a secret manager, not environment variables.",
			},
			{
				RuleID:      "sb-logging-enabled",
				FrameworkID: fw,
				Name:        "Access logging is enabled",
				Pillar:      models.PillarOperations,
				Severity:    models.SeverityMedium,
				Category:    "audit",
				ApplicableResourceTypes: []string{"s3_bucket", "azure_blob_container"},
				Checks: []models.RuleCheck{
					{PropertyPath: "logging_enabled", Condition: models.ConditionEquals, Value: true,
						Message: "Access logging is not enabled"},
				},
				Recommendation: "Enable access logging and retain logs in a separate account.",
			},
		},
	}
}
