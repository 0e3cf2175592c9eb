package diff

import (
	"reflect"
	"sort"
	"time"

	"github.com/stratoguard/cspm/internal/models"
)

// RunInput is one side of a differential analysis: the aggregated
// outcome of a run plus the resource snapshot and findings it was
// computed from.
type RunInput struct {
	Result    *models.AggregatedResult
	Resources []models.Resource
	Findings  []models.Finding
}

type findingKey struct {
	ruleID     string
	resourceID string
}

// Compare diffs two analysis runs. It is a pure function of its inputs
// and mutates neither side; outputs are sorted so two calls over the
// same inputs produce identical results.
func Compare(baseline, comparison RunInput) *models.DifferentialResult {
	result := &models.DifferentialResult{
		ResourcesAdded:               []models.ResourceKey{},
		ResourcesRemoved:             []models.ResourceKey{},
		ResourcesModified:            []models.ResourceChange{},
		ComplianceNewViolations:      []models.Finding{},
		ComplianceResolvedViolations: []models.Finding{},
		SeverityChanges:              []models.SeverityChange{},
		ComputedAt:                   time.Now(),
	}
	if baseline.Result != nil {
		result.BaselineID = baseline.Result.AnalysisID
	}
	if comparison.Result != nil {
		result.ComparisonID = comparison.Result.AnalysisID
	}

	diffResources(baseline.Resources, comparison.Resources, result)
	diffFindings(baseline.Findings, comparison.Findings, result)

	var baseScore, compScore float64
	if baseline.Result != nil {
		baseScore = baseline.Result.OverallScore
	}
	if comparison.Result != nil {
		compScore = comparison.Result.OverallScore
	}
	result.SecurityScoreChange = compScore - baseScore

	criticalDelta := countSeverity(comparison.Findings, models.SeverityCritical) -
		countSeverity(baseline.Findings, models.SeverityCritical)
	result.SecurityRiskLevel = riskLevel(result.SecurityScoreChange, criticalDelta)

	return result
}

func diffResources(baseline, comparison []models.Resource, result *models.DifferentialResult) {
	base := make(map[models.ResourceKey]*models.Resource, len(baseline))
	for i := range baseline {
		base[baseline[i].Key()] = &baseline[i]
	}
	comp := make(map[models.ResourceKey]*models.Resource, len(comparison))
	for i := range comparison {
		comp[comparison[i].Key()] = &comparison[i]
	}

	for key, res := range comp {
		before, ok := base[key]
		if !ok {
			result.ResourcesAdded = append(result.ResourcesAdded, key)
			continue
		}
		if changed := changedProperties(before.Configuration, res.Configuration); len(changed) > 0 {
			result.ResourcesModified = append(result.ResourcesModified, models.ResourceChange{
				Key:               key,
				ChangedProperties: changed,
			})
		}
	}
	for key := range base {
		if _, ok := comp[key]; !ok {
			result.ResourcesRemoved = append(result.ResourcesRemoved, key)
		}
	}

	sortKeys(result.ResourcesAdded)
	sortKeys(result.ResourcesRemoved)
	sort.Slice(result.ResourcesModified, func(i, j int) bool {
		return result.ResourcesModified[i].Key.String() < result.ResourcesModified[j].Key.String()
	})
}

// changedProperties lists the top-level configuration keys whose values
// differ between two captures of the same resource.
func changedProperties(before, after models.JSONB) []string {
	var changed []string
	for key, afterVal := range after {
		beforeVal, ok := before[key]
		if !ok || !reflect.DeepEqual(beforeVal, afterVal) {
			changed = append(changed, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}

func diffFindings(baseline, comparison []models.Finding, result *models.DifferentialResult) {
	base := make(map[findingKey]*models.Finding, len(baseline))
	for i := range baseline {
		base[findingKey{baseline[i].RuleID, baseline[i].ResourceID}] = &baseline[i]
	}
	comp := make(map[findingKey]*models.Finding, len(comparison))
	for i := range comparison {
		comp[findingKey{comparison[i].RuleID, comparison[i].ResourceID}] = &comparison[i]
	}

	for key, f := range comp {
		before, ok := base[key]
		if !ok {
			result.ComplianceNewViolations = append(result.ComplianceNewViolations, *f)
			continue
		}
		// Present in both runs: not new, not resolved, but a severity
		// move is recorded.
		if before.Severity != f.Severity {
			result.SeverityChanges = append(result.SeverityChanges, models.SeverityChange{
				RuleID:       f.RuleID,
				ResourceID:   f.ResourceID,
				FrameworkID:  f.FrameworkID,
				FromSeverity: before.Severity,
				ToSeverity:   f.Severity,
			})
		}
	}
	for key, f := range base {
		if _, ok := comp[key]; !ok {
			result.ComplianceResolvedViolations = append(result.ComplianceResolvedViolations, *f)
		}
	}

	sortFindings(result.ComplianceNewViolations)
	sortFindings(result.ComplianceResolvedViolations)
	sort.Slice(result.SeverityChanges, func(i, j int) bool {
		a, b := result.SeverityChanges[i], result.SeverityChanges[j]
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.ResourceID < b.ResourceID
	})
}

func riskLevel(scoreChange float64, criticalDelta int) models.RiskLevel {
	switch {
	case scoreChange < 0 || criticalDelta > 0:
		return models.RiskIncreased
	case scoreChange > 0 || criticalDelta < 0:
		return models.RiskDecreased
	default:
		return models.RiskUnchanged
	}
}

func countSeverity(findings []models.Finding, sev models.Severity) int {
	n := 0
	for i := range findings {
		if findings[i].Severity == sev {
			n++
		}
	}
	return n
}

func sortKeys(keys []models.ResourceKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}

func sortFindings(findings []models.Finding) {
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].RuleID != findings[j].RuleID {
			return findings[i].RuleID < findings[j].RuleID
		}
		return findings[i].ResourceID < findings[j].ResourceID
	})
}
