package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type Provider string

const (
	ProviderAWS   Provider = "AWS"
	ProviderAzure Provider = "AZURE"
	ProviderGCP   Provider = "GCP"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// SeverityRank orders severities for sorting; higher is more severe.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

type Pillar string

const (
	PillarSecurity    Pillar = "SECURITY"
	PillarReliability Pillar = "RELIABILITY"
	PillarCost        Pillar = "COST"
	PillarPerformance Pillar = "PERFORMANCE"
	PillarOperations  Pillar = "OPERATIONS"
)

// Condition is the closed set of check condition kinds. Unknown kinds
// are rejected when a rule is loaded, not when it is evaluated.
type Condition string

const (
	ConditionExists      Condition = "EXISTS"
	ConditionNotExists   Condition = "NOT_EXISTS"
	ConditionEquals      Condition = "EQUALS"
	ConditionNotEquals   Condition = "NOT_EQUALS"
	ConditionContains    Condition = "CONTAINS"
	ConditionNotContains Condition = "NOT_CONTAINS"
	ConditionRegex       Condition = "REGEX"
)

// ParseCondition validates a raw condition string against the closed set.
func ParseCondition(raw string) (Condition, error) {
	c := Condition(raw)
	switch c {
	case ConditionExists, ConditionNotExists, ConditionEquals, ConditionNotEquals,
		ConditionContains, ConditionNotContains, ConditionRegex:
		return c, nil
	}
	return "", fmt.Errorf("unknown check condition %q", raw)
}

type FrameworkStatus string

const (
	FrameworkCompleted FrameworkStatus = "COMPLETED"
	FrameworkFailed    FrameworkStatus = "FAILED"
	FrameworkPartial   FrameworkStatus = "PARTIAL"
)

type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunPartial   RunStatus = "PARTIAL"
	RunFailed    RunStatus = "FAILED"
)

type RiskLevel string

const (
	RiskIncreased RiskLevel = "INCREASED"
	RiskDecreased RiskLevel = "DECREASED"
	RiskUnchanged RiskLevel = "UNCHANGED"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// ResourceKey is the identity of a resource within an analysis.
type ResourceKey struct {
	AccountID    string `json:"account_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

func (k ResourceKey) String() string {
	return k.AccountID + "/" + k.ResourceType + "/" + k.ResourceID
}

// Resource is one normalized cloud resource record as delivered by the
// inventory provider. Immutable input to an analysis run.
type Resource struct {
	ResourceID    string            `json:"resource_id"`
	ResourceType  string            `json:"resource_type"`
	AccountID     string            `json:"account_id"`
	Region        string            `json:"region"`
	Configuration JSONB             `json:"configuration"`
	Tags          map[string]string `json:"tags,omitempty"`
}

func (r Resource) Key() ResourceKey {
	return ResourceKey{AccountID: r.AccountID, ResourceType: r.ResourceType, ResourceID: r.ResourceID}
}

// RuleCheck is one atomic condition against a resource's configuration.
type RuleCheck struct {
	PropertyPath string      `json:"property_path"`
	Condition    Condition   `json:"condition"`
	Value        interface{} `json:"value,omitempty"`
	Message      string      `json:"message"`
}

// RuleDefinition is one compliance requirement. All checks combine with
// AND semantics: the rule passes for a resource only if every check passes.
type RuleDefinition struct {
	RuleID                  string      `json:"rule_id"`
	FrameworkID             string      `json:"framework_id"`
	Name                    string      `json:"name"`
	Pillar                  Pillar      `json:"pillar"`
	Severity                Severity    `json:"severity"`
	Category                string      `json:"category"`
	ApplicableResourceTypes []string    `json:"applicable_resource_types"`
	Checks                  []RuleCheck `json:"checks"`
	Recommendation          string      `json:"recommendation,omitempty"`
}

// AppliesTo reports whether the rule targets the given resource type.
func (r *RuleDefinition) AppliesTo(resourceType string) bool {
	for _, t := range r.ApplicableResourceTypes {
		if t == resourceType {
			return true
		}
	}
	return false
}

// FrameworkDefinition is a versioned rule catalog. A new version is a
// new definition; definitions are never mutated in place.
type FrameworkDefinition struct {
	FrameworkID string           `json:"framework_id"`
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Rules       []RuleDefinition `json:"rules"`
}

// TenantFrameworkSelection is a tenant's configuration for one framework.
// Weight is an arbitrary positive value before normalization.
type TenantFrameworkSelection struct {
	TenantID          uuid.UUID           `json:"tenant_id" db:"tenant_id"`
	FrameworkID       string              `json:"framework_id" db:"framework_id"`
	PinnedVersion     string              `json:"pinned_version,omitempty" db:"pinned_version"`
	Weight            float64             `json:"weight" db:"weight"`
	Enabled           bool                `json:"enabled" db:"enabled"`
	SeverityOverrides map[string]Severity `json:"severity_overrides,omitempty" db:"-"`
	ExcludedRules     []string            `json:"excluded_rules,omitempty" db:"-"`
	Etag              string              `json:"etag" db:"etag"`
	UpdatedAt         time.Time           `json:"updated_at" db:"updated_at"`
}

// Finding is immutable evidence that a rule failed for a resource.
type Finding struct {
	ID             uuid.UUID `json:"id" db:"id"`
	AnalysisID     uuid.UUID `json:"analysis_id" db:"analysis_id"`
	RuleID         string    `json:"rule_id" db:"rule_id"`
	FrameworkID    string    `json:"framework_id" db:"framework_id"`
	Severity       Severity  `json:"severity" db:"severity"`
	Pillar         Pillar    `json:"pillar" db:"pillar"`
	Category       string    `json:"category" db:"category"`
	AccountID      string    `json:"account_id" db:"account_id"`
	ResourceID     string    `json:"resource_id" db:"resource_id"`
	ResourceType   string    `json:"resource_type" db:"resource_type"`
	Message        string    `json:"message" db:"message"`
	Recommendation string    `json:"recommendation" db:"recommendation"`
	Evidence       JSONB     `json:"evidence,omitempty" db:"evidence"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// FrameworkResult is the outcome of executing one framework's rule set.
type FrameworkResult struct {
	FrameworkID      string          `json:"framework_id"`
	FrameworkVersion string          `json:"framework_version,omitempty"`
	Status           FrameworkStatus `json:"status"`
	Findings         []Finding       `json:"findings"`
	TotalChecks      int             `json:"total_checks"`
	PassedChecks     int             `json:"passed_checks"`
	FailedChecks     int             `json:"failed_checks"`
	SkippedChecks    int             `json:"skipped_checks"`
	DurationMs       int64           `json:"duration_ms"`
	Error            string          `json:"error,omitempty"`
}

// Recommendation aggregates one group of findings for remediation.
type Recommendation struct {
	RuleID            string   `json:"rule_id"`
	Category          string   `json:"category"`
	Severity          Severity `json:"severity"`
	Message           string   `json:"message"`
	AffectedResources int      `json:"affected_resources"`
	Occurrences       int      `json:"occurrences"`
	Frameworks        []string `json:"frameworks"`
}

// AggregatedResult is the composite outcome of one analysis run. Built
// once, persisted, never mutated; a re-run gets a new AnalysisID.
type AggregatedResult struct {
	AnalysisID          uuid.UUID          `json:"analysis_id"`
	TenantID            uuid.UUID          `json:"tenant_id"`
	Status              RunStatus          `json:"status"`
	OverallScore        float64            `json:"overall_score"`
	FrameworkScores     map[string]float64 `json:"framework_scores"`
	FindingsBySeverity  map[Severity]int   `json:"findings_by_severity"`
	FindingsByPillar    map[Pillar]int     `json:"findings_by_pillar"`
	FindingsByCategory  map[string]int     `json:"findings_by_category"`
	Recommendations     []Recommendation   `json:"recommendations"`
	CompletedFrameworks []string           `json:"completed_frameworks"`
	FailedFrameworks    []string           `json:"failed_frameworks"`
	TotalFindings       int                `json:"total_findings"`
	CompletedAt         time.Time          `json:"completed_at"`
}

// ResourceChange records a modified resource in a differential analysis.
type ResourceChange struct {
	Key               ResourceKey `json:"key"`
	ChangedProperties []string    `json:"changed_properties,omitempty"`
}

// SeverityChange records a finding whose severity moved between runs.
type SeverityChange struct {
	RuleID       string   `json:"rule_id"`
	ResourceID   string   `json:"resource_id"`
	FrameworkID  string   `json:"framework_id"`
	FromSeverity Severity `json:"from_severity"`
	ToSeverity   Severity `json:"to_severity"`
}

// DifferentialResult compares two analysis runs. Derived and read-only.
type DifferentialResult struct {
	BaselineID                   uuid.UUID        `json:"baseline_id"`
	ComparisonID                 uuid.UUID        `json:"comparison_id"`
	ResourcesAdded               []ResourceKey    `json:"resources_added"`
	ResourcesRemoved             []ResourceKey    `json:"resources_removed"`
	ResourcesModified            []ResourceChange `json:"resources_modified"`
	ComplianceNewViolations      []Finding        `json:"compliance_new_violations"`
	ComplianceResolvedViolations []Finding        `json:"compliance_resolved_violations"`
	SeverityChanges              []SeverityChange `json:"severity_changes"`
	SecurityScoreChange          float64          `json:"security_score_change"`
	SecurityRiskLevel            RiskLevel        `json:"security_risk_level"`
	ComputedAt                   time.Time        `json:"computed_at"`
}

// Tenant is an onboarded customer organization.
type Tenant struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	ExternalRef string    `json:"external_ref,omitempty" db:"external_ref"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ResourceSnapshot is a stored inventory capture used as analysis input
// and as the resource side of a differential analysis.
type ResourceSnapshot struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	TenantID  uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	Source    string     `json:"source" db:"source"`
	Resources []Resource `json:"resources" db:"-"`
	TakenAt   time.Time  `json:"taken_at" db:"taken_at"`
}

// AnalysisRun is the persisted record of one engine invocation.
type AnalysisRun struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	TenantID      uuid.UUID   `json:"tenant_id" db:"tenant_id"`
	SnapshotID    uuid.UUID   `json:"snapshot_id" db:"snapshot_id"`
	Status        RunStatus   `json:"status" db:"status"`
	OverallScore  float64     `json:"overall_score" db:"overall_score"`
	TotalFindings int         `json:"total_findings" db:"total_findings"`
	FrameworkIDs  StringArray `json:"framework_ids" db:"framework_ids"`
	Result        JSONB       `json:"result,omitempty" db:"result"`
	Error         string      `json:"error,omitempty" db:"error"`
	TriggeredBy   string      `json:"triggered_by" db:"triggered_by"`
	WorkerID      string      `json:"worker_id,omitempty" db:"worker_id"`
	StartedAt     *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}

// AnalysisEvent is the completion/failure payload handed to the event
// publisher. The engine only produces the shape; it does not publish.
type AnalysisEvent struct {
	AnalysisID    uuid.UUID `json:"analysis_id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	Status        RunStatus `json:"status"`
	OverallScore  float64   `json:"overall_score"`
	TotalFindings int       `json:"total_findings"`
}
