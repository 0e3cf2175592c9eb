package analyzer

import (
	"context"
	"time"

	"github.com/stratoguard/cspm/internal/evaluator"
	"github.com/stratoguard/cspm/internal/models"
	"github.com/stratoguard/cspm/internal/registry"
)

// Execute runs one framework's resolved rule set over a resource
// inventory and returns a FrameworkResult. The caller bounds the work
// with the context deadline; on expiry the result carries whatever
// findings were computed so far with status PARTIAL and error "timeout".
//
// A panic while evaluating one resource is absorbed: the resource's
// checks not yet tallied are counted as skipped and execution continues
// with the next resource.
func Execute(ctx context.Context, resources []models.Resource, rs *registry.ResolvedRuleSet) models.FrameworkResult {
	start := time.Now()
	result := models.FrameworkResult{
		FrameworkID:      rs.FrameworkID,
		FrameworkVersion: rs.FrameworkVersion,
		Status:           models.FrameworkCompleted,
		Findings:         []models.Finding{},
	}

	for i := range resources {
		select {
		case <-ctx.Done():
			result.Status = models.FrameworkPartial
			result.Error = "timeout"
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		default:
		}
		evaluateResource(&resources[i], rs, &result)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// evalCheck is a hook for tests that exercise the panic recovery path.
var evalCheck = evaluator.EvaluateCheck

// evaluateResource applies every rule in the set to one resource,
// accumulating counters and findings into the shared result.
func evaluateResource(resource *models.Resource, rs *registry.ResolvedRuleSet, result *models.FrameworkResult) {
	ruleIdx := 0
	checksDone := 0
	defer func() {
		if r := recover(); r != nil {
			// Count only the checks not yet tallied as skipped so the
			// denominator stays honest without double counting, then
			// move on.
			for i := ruleIdx; i < len(rs.Rules); i++ {
				remaining := len(rs.Rules[i].Checks)
				if i == ruleIdx {
					remaining -= checksDone
				}
				result.SkippedChecks += remaining
				result.TotalChecks += remaining
			}
		}
	}()

	for ; ruleIdx < len(rs.Rules); ruleIdx++ {
		rule := rs.Rules[ruleIdx]
		checksDone = 0
		if !rule.AppliesTo(resource.ResourceType) {
			result.SkippedChecks += len(rule.Checks)
			result.TotalChecks += len(rule.Checks)
			checksDone = len(rule.Checks)
			continue
		}

		var failed *evaluator.CheckResult
		var failedCheck models.RuleCheck
		for _, check := range rule.Checks {
			cr := evalCheck(resource, check)
			result.TotalChecks++
			checksDone++
			if cr.Passed {
				result.PassedChecks++
			} else {
				result.FailedChecks++
				if failed == nil {
					copied := cr
					failed = &copied
					failedCheck = check
				}
			}
		}

		// Checks combine with AND semantics: one failing check fails the
		// rule and yields exactly one finding for this resource.
		if failed != nil {
			result.Findings = append(result.Findings, models.Finding{
				RuleID:         rule.RuleID,
				FrameworkID:    rs.FrameworkID,
				Severity:       rule.Severity,
				Pillar:         rule.Pillar,
				Category:       rule.Category,
				AccountID:      resource.AccountID,
				ResourceID:     resource.ResourceID,
				ResourceType:   resource.ResourceType,
				Message:        failedCheck.Message,
				Recommendation: rule.Recommendation,
				Evidence: models.JSONB{
					"property_path": failedCheck.PropertyPath,
					"condition":     string(failedCheck.Condition),
					"detail":        failed.Evidence,
				},
			})
		}
	}
}
