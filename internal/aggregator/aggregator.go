package aggregator

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/models"
)

// DefaultTopN caps the ranked recommendation list.
const DefaultTopN = 10

// Aggregator reduces per-framework results into one composite analysis
// outcome. It is commutative over its inputs: reordering framework
// results changes neither the overall score nor any bucket count.
type Aggregator struct {
	topN int
}

func New(topN int) *Aggregator {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Aggregator{topN: topN}
}

// Aggregate computes the weighted overall score, finding buckets, and
// ranked recommendations for one analysis run. Weights are keyed by
// framework id and normalized over completed frameworks only; the weight
// of a failed framework is not redistributed. A framework that evaluated
// zero checks scores 0 and is downgraded to PARTIAL.
func (a *Aggregator) Aggregate(analysisID, tenantID uuid.UUID, results []models.FrameworkResult, weights map[string]float64) *models.AggregatedResult {
	agg := &models.AggregatedResult{
		AnalysisID:          analysisID,
		TenantID:            tenantID,
		FrameworkScores:     make(map[string]float64, len(results)),
		FindingsBySeverity:  make(map[models.Severity]int),
		FindingsByPillar:    make(map[models.Pillar]int),
		FindingsByCategory:  make(map[string]int),
		Recommendations:     []models.Recommendation{},
		CompletedFrameworks: []string{},
		FailedFrameworks:    []string{},
		CompletedAt:         time.Now(),
	}

	var allFindings []models.Finding
	completedWeight := make(map[string]float64)

	for _, r := range results {
		status := r.Status
		denom := r.PassedChecks + r.FailedChecks

		score := 0.0
		if denom > 0 {
			score = 100 * float64(r.PassedChecks) / float64(denom)
		} else if status == models.FrameworkCompleted {
			// Nothing was actually evaluated; the result is ambiguous.
			status = models.FrameworkPartial
		}
		agg.FrameworkScores[r.FrameworkID] = score

		switch status {
		case models.FrameworkCompleted:
			agg.CompletedFrameworks = append(agg.CompletedFrameworks, r.FrameworkID)
			completedWeight[r.FrameworkID] = weights[r.FrameworkID]
		case models.FrameworkFailed:
			agg.FailedFrameworks = append(agg.FailedFrameworks, r.FrameworkID)
		}

		allFindings = append(allFindings, r.Findings...)
	}

	sort.Strings(agg.CompletedFrameworks)
	sort.Strings(agg.FailedFrameworks)

	var totalWeight float64
	for _, w := range completedWeight {
		if w > 0 {
			totalWeight += w
		}
	}
	if totalWeight > 0 {
		for _, id := range agg.CompletedFrameworks {
			if w := completedWeight[id]; w > 0 {
				agg.OverallScore += (w / totalWeight) * agg.FrameworkScores[id]
			}
		}
	}

	for _, f := range allFindings {
		agg.FindingsBySeverity[f.Severity]++
		agg.FindingsByPillar[f.Pillar]++
		agg.FindingsByCategory[f.Category]++
	}
	agg.TotalFindings = len(allFindings)

	agg.Recommendations = a.buildRecommendations(allFindings)

	switch {
	case len(agg.CompletedFrameworks) == 0:
		agg.Status = models.RunFailed
		agg.OverallScore = 0
	case len(agg.CompletedFrameworks) == len(results):
		agg.Status = models.RunCompleted
	default:
		agg.Status = models.RunPartial
	}

	return agg
}

type recommendationKey struct {
	category string
	ruleID   string
}

// buildRecommendations groups findings by (category, rule) and ranks the
// groups by severity then occurrence count. Ties break on category and
// rule id so the ranking is stable regardless of input order.
func (a *Aggregator) buildRecommendations(findings []models.Finding) []models.Recommendation {
	type group struct {
		rec       models.Recommendation
		resources map[string]bool
		fws       map[string]bool
	}
	groups := make(map[recommendationKey]*group)

	for _, f := range findings {
		key := recommendationKey{category: f.Category, ruleID: f.RuleID}
		g, ok := groups[key]
		if !ok {
			message := f.Recommendation
			if message == "" {
				message = f.Message
			}
			g = &group{
				rec: models.Recommendation{
					RuleID:   f.RuleID,
					Category: f.Category,
					Severity: f.Severity,
					Message:  message,
				},
				resources: make(map[string]bool),
				fws:       make(map[string]bool),
			}
			groups[key] = g
		}
		g.rec.Occurrences++
		g.resources[f.ResourceID] = true
		g.fws[f.FrameworkID] = true
		if models.SeverityRank(f.Severity) > models.SeverityRank(g.rec.Severity) {
			g.rec.Severity = f.Severity
		}
	}

	recs := make([]models.Recommendation, 0, len(groups))
	for _, g := range groups {
		g.rec.AffectedResources = len(g.resources)
		for fw := range g.fws {
			g.rec.Frameworks = append(g.rec.Frameworks, fw)
		}
		sort.Strings(g.rec.Frameworks)
		recs = append(recs, g.rec)
	}

	sort.Slice(recs, func(i, j int) bool {
		ri, rj := recs[i], recs[j]
		if a, b := models.SeverityRank(ri.Severity), models.SeverityRank(rj.Severity); a != b {
			return a > b
		}
		if ri.Occurrences != rj.Occurrences {
			return ri.Occurrences > rj.Occurrences
		}
		if ri.Category != rj.Category {
			return ri.Category < rj.Category
		}
		return ri.RuleID < rj.RuleID
	})

	if len(recs) > a.topN {
		recs = recs[:a.topN]
	}
	return recs
}
