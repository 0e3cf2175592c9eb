package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/diff"
	"github.com/stratoguard/cspm/internal/models"
)

type ReportType string

const (
	ReportTypeCompliance   ReportType = "compliance"
	ReportTypeFindings     ReportType = "findings"
	ReportTypeInventory    ReportType = "inventory"
	ReportTypeExecutive    ReportType = "executive"
	ReportTypeDifferential ReportType = "differential"
)

type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

type ReportRequest struct {
	Type       ReportType
	Format     ReportFormat
	Title      string
	AnalysisID uuid.UUID
	BaselineID uuid.UUID // only for differential reports
	Severities []models.Severity
}

type Report struct {
	ID          string
	Type        ReportType
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	Data        []byte
	Filename    string
	MimeType    string
}

// DataProvider supplies the persisted analysis artifacts a report renders.
type DataProvider interface {
	GetAnalysisRun(ctx context.Context, id uuid.UUID) (*models.AnalysisRun, error)
	GetAggregatedResult(ctx context.Context, analysisID uuid.UUID) (*models.AggregatedResult, error)
	GetFindings(ctx context.Context, analysisID uuid.UUID) ([]models.Finding, error)
	GetSnapshotResources(ctx context.Context, snapshotID uuid.UUID) ([]models.Resource, error)
}

type Generator struct {
	provider DataProvider
}

func NewGenerator(provider DataProvider) *Generator {
	return &Generator{provider: provider}
}

func (g *Generator) Generate(ctx context.Context, req *ReportRequest) (*Report, error) {
	switch req.Type {
	case ReportTypeCompliance:
		return g.generateComplianceReport(ctx, req)
	case ReportTypeFindings:
		return g.generateFindingsReport(ctx, req)
	case ReportTypeInventory:
		return g.generateInventoryReport(ctx, req)
	case ReportTypeExecutive:
		return g.generateExecutiveReport(ctx, req)
	case ReportTypeDifferential:
		return g.generateDifferentialReport(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported report type: %s", req.Type)
	}
}

func (g *Generator) wrap(req *ReportRequest, data []byte, err error, stem string) (*Report, error) {
	if err != nil {
		return nil, err
	}

	filename := fmt.Sprintf("%s_%s.%s", stem, time.Now().Format("20060102_150405"), req.Format)
	mimeType := "text/csv"
	if req.Format == FormatPDF {
		mimeType = "application/pdf"
	}

	return &Report{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func (g *Generator) generateComplianceReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	result, err := g.provider.GetAggregatedResult(ctx, req.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("fetching aggregated result: %w", err)
	}

	switch req.Format {
	case FormatCSV:
		data, err := g.complianceToCSV(result)
		return g.wrap(req, data, err, "compliance")
	case FormatPDF:
		data, err := g.complianceToPDF(result, req.Title)
		return g.wrap(req, data, err, "compliance")
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func (g *Generator) complianceToCSV(result *models.AggregatedResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write([]string{"Compliance Report"})
	_ = w.Write([]string{"Analysis", result.AnalysisID.String()})
	_ = w.Write([]string{"Status", string(result.Status)})
	_ = w.Write([]string{"Overall Score", fmt.Sprintf("%.1f", result.OverallScore)})
	_ = w.Write([]string{""})
	_ = w.Write([]string{"Framework", "Score"})

	for _, fw := range sortedScoreKeys(result.FrameworkScores) {
		_ = w.Write([]string{fw, fmt.Sprintf("%.1f", result.FrameworkScores[fw])})
	}
	for _, fw := range result.FailedFrameworks {
		_ = w.Write([]string{fw, "FAILED"})
	}

	_ = w.Write([]string{""})
	_ = w.Write([]string{"Severity", "Findings"})
	for _, sev := range severityOrder {
		if count, ok := result.FindingsBySeverity[sev]; ok {
			_ = w.Write([]string{string(sev), fmt.Sprintf("%d", count)})
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) complianceToPDF(result *models.AggregatedResult, title string) ([]byte, error) {
	return CompliancePDF(title, result)
}

func (g *Generator) generateFindingsReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	findings, err := g.provider.GetFindings(ctx, req.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("fetching findings: %w", err)
	}
	findings = filterBySeverity(findings, req.Severities)

	switch req.Format {
	case FormatCSV:
		data, err := g.findingsToCSV(findings)
		return g.wrap(req, data, err, "findings")
	case FormatPDF:
		data, err := g.findingsToPDF(findings, req.Title)
		return g.wrap(req, data, err, "findings")
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func (g *Generator) findingsToCSV(findings []models.Finding) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"ID", "Rule", "Framework", "Severity", "Pillar", "Category",
		"Account", "Resource Type", "Resource", "Message", "Recommendation",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, f := range findings {
		row := []string{
			f.ID.String(),
			f.RuleID,
			f.FrameworkID,
			string(f.Severity),
			string(f.Pillar),
			f.Category,
			f.AccountID,
			f.ResourceType,
			f.ResourceID,
			f.Message,
			f.Recommendation,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) findingsToPDF(findings []models.Finding, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	pdf.AddSection("Summary")
	summary := map[string]int{}
	for _, f := range findings {
		summary[string(f.Severity)]++
	}
	pdf.AddSummaryTable(summary)

	pdf.AddSection("Findings Detail")
	headers := []string{"Rule", "Framework", "Severity", "Resource", "Message"}
	rows := make([][]string, len(findings))
	for i, f := range findings {
		rows[i] = []string{
			truncate(f.RuleID, 25),
			f.FrameworkID,
			string(f.Severity),
			truncate(f.ResourceID, 25),
			truncate(f.Message, 40),
		}
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

func (g *Generator) generateInventoryReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	run, err := g.provider.GetAnalysisRun(ctx, req.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("fetching analysis run: %w", err)
	}
	resources, err := g.provider.GetSnapshotResources(ctx, run.SnapshotID)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot resources: %w", err)
	}

	switch req.Format {
	case FormatCSV:
		data, err := g.resourcesToCSV(resources)
		return g.wrap(req, data, err, "inventory")
	case FormatPDF:
		data, err := g.resourcesToPDF(resources, req.Title)
		return g.wrap(req, data, err, "inventory")
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func (g *Generator) resourcesToCSV(resources []models.Resource) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"Account", "Type", "Resource", "Region"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, r := range resources {
		row := []string{r.AccountID, r.ResourceType, r.ResourceID, r.Region}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) resourcesToPDF(resources []models.Resource, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	pdf.AddSection("Resource Inventory")

	byType := map[string]int{}
	for _, r := range resources {
		byType[r.ResourceType]++
	}
	pdf.AddSummaryTable(byType)

	headers := []string{"Account", "Type", "Resource", "Region"}
	rows := make([][]string, len(resources))
	for i, r := range resources {
		rows[i] = []string{
			r.AccountID,
			r.ResourceType,
			truncate(r.ResourceID, 25),
			r.Region,
		}
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

func (g *Generator) generateExecutiveReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	result, err := g.provider.GetAggregatedResult(ctx, req.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("fetching aggregated result: %w", err)
	}

	switch req.Format {
	case FormatCSV:
		data, err := g.executiveToCSV(result)
		return g.wrap(req, data, err, "executive")
	case FormatPDF:
		data, err := ExecutiveSummaryPDF(req.Title, result)
		return g.wrap(req, data, err, "executive")
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func (g *Generator) executiveToCSV(result *models.AggregatedResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write([]string{"Executive Summary Report"})
	_ = w.Write([]string{"Generated", time.Now().Format(time.RFC1123)})
	_ = w.Write([]string{""})

	_ = w.Write([]string{"Metric", "Value"})
	_ = w.Write([]string{"Overall Score", fmt.Sprintf("%.1f", result.OverallScore)})
	_ = w.Write([]string{"Status", string(result.Status)})
	_ = w.Write([]string{"Total Findings", fmt.Sprintf("%d", result.TotalFindings)})
	_ = w.Write([]string{"Critical Findings", fmt.Sprintf("%d", result.FindingsBySeverity[models.SeverityCritical])})
	_ = w.Write([]string{"High Findings", fmt.Sprintf("%d", result.FindingsBySeverity[models.SeverityHigh])})
	_ = w.Write([]string{"Frameworks Completed", fmt.Sprintf("%d", len(result.CompletedFrameworks))})
	_ = w.Write([]string{"Frameworks Failed", fmt.Sprintf("%d", len(result.FailedFrameworks))})

	_ = w.Write([]string{""})
	_ = w.Write([]string{"Top Recommendations"})
	_ = w.Write([]string{"Rule", "Severity", "Affected Resources", "Message"})
	for _, rec := range result.Recommendations {
		_ = w.Write([]string{
			rec.RuleID,
			string(rec.Severity),
			fmt.Sprintf("%d", rec.AffectedResources),
			rec.Message,
		})
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) generateDifferentialReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	baseline, err := g.loadRunInput(ctx, req.BaselineID)
	if err != nil {
		return nil, fmt.Errorf("loading baseline: %w", err)
	}
	comparison, err := g.loadRunInput(ctx, req.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("loading comparison: %w", err)
	}

	d := diff.Compare(*baseline, *comparison)

	switch req.Format {
	case FormatCSV:
		data, err := g.differentialToCSV(d)
		return g.wrap(req, data, err, "differential")
	case FormatPDF:
		data, err := g.differentialToPDF(d, req.Title)
		return g.wrap(req, data, err, "differential")
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func (g *Generator) loadRunInput(ctx context.Context, analysisID uuid.UUID) (*diff.RunInput, error) {
	run, err := g.provider.GetAnalysisRun(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	result, err := g.provider.GetAggregatedResult(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	findings, err := g.provider.GetFindings(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	resources, err := g.provider.GetSnapshotResources(ctx, run.SnapshotID)
	if err != nil {
		return nil, err
	}

	return &diff.RunInput{
		Result:    result,
		Resources: resources,
		Findings:  findings,
	}, nil
}

func (g *Generator) differentialToCSV(d *models.DifferentialResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write([]string{"Differential Report"})
	_ = w.Write([]string{"Baseline", d.BaselineID.String()})
	_ = w.Write([]string{"Comparison", d.ComparisonID.String()})
	_ = w.Write([]string{"Score Change", fmt.Sprintf("%.1f", d.SecurityScoreChange)})
	_ = w.Write([]string{"Risk Level", string(d.SecurityRiskLevel)})
	_ = w.Write([]string{""})

	_ = w.Write([]string{"New Violations"})
	_ = w.Write([]string{"Rule", "Framework", "Severity", "Resource"})
	for _, f := range d.ComplianceNewViolations {
		_ = w.Write([]string{f.RuleID, f.FrameworkID, string(f.Severity), f.ResourceID})
	}

	_ = w.Write([]string{""})
	_ = w.Write([]string{"Resolved Violations"})
	_ = w.Write([]string{"Rule", "Framework", "Severity", "Resource"})
	for _, f := range d.ComplianceResolvedViolations {
		_ = w.Write([]string{f.RuleID, f.FrameworkID, string(f.Severity), f.ResourceID})
	}

	_ = w.Write([]string{""})
	_ = w.Write([]string{"Resources Added", fmt.Sprintf("%d", len(d.ResourcesAdded))})
	_ = w.Write([]string{"Resources Removed", fmt.Sprintf("%d", len(d.ResourcesRemoved))})
	_ = w.Write([]string{"Resources Modified", fmt.Sprintf("%d", len(d.ResourcesModified))})

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) differentialToPDF(d *models.DifferentialResult, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	pdf.AddSection("Posture Change")
	pdf.AddParagraph(fmt.Sprintf("Score changed by %.1f. Risk level: %s.", d.SecurityScoreChange, d.SecurityRiskLevel))
	pdf.AddSummaryTable(map[string]int{
		"New Violations":      len(d.ComplianceNewViolations),
		"Resolved Violations": len(d.ComplianceResolvedViolations),
		"Severity Changes":    len(d.SeverityChanges),
		"Resources Added":     len(d.ResourcesAdded),
		"Resources Removed":   len(d.ResourcesRemoved),
		"Resources Modified":  len(d.ResourcesModified),
	})

	if len(d.ComplianceNewViolations) > 0 {
		pdf.AddSection("New Violations")
		headers := []string{"Rule", "Framework", "Severity", "Resource"}
		rows := make([][]string, len(d.ComplianceNewViolations))
		for i, f := range d.ComplianceNewViolations {
			rows[i] = []string{truncate(f.RuleID, 25), f.FrameworkID, string(f.Severity), truncate(f.ResourceID, 25)}
		}
		pdf.AddTable(headers, rows)
	}

	if len(d.ComplianceResolvedViolations) > 0 {
		pdf.AddSection("Resolved Violations")
		headers := []string{"Rule", "Framework", "Severity", "Resource"}
		rows := make([][]string, len(d.ComplianceResolvedViolations))
		for i, f := range d.ComplianceResolvedViolations {
			rows[i] = []string{truncate(f.RuleID, 25), f.FrameworkID, string(f.Severity), truncate(f.ResourceID, 25)}
		}
		pdf.AddTable(headers, rows)
	}

	return pdf.Output()
}

// StreamCSV writes findings or inventory rows directly to w, for large
// exports that should not be buffered in memory.
func (g *Generator) StreamCSV(ctx context.Context, w io.Writer, req *ReportRequest) error {
	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	switch req.Type {
	case ReportTypeFindings:
		findings, err := g.provider.GetFindings(ctx, req.AnalysisID)
		if err != nil {
			return err
		}
		findings = filterBySeverity(findings, req.Severities)

		header := []string{"Rule", "Framework", "Severity", "Account", "Resource", "Message"}
		if err := csvWriter.Write(header); err != nil {
			return err
		}
		for _, f := range findings {
			row := []string{f.RuleID, f.FrameworkID, string(f.Severity), f.AccountID, f.ResourceID, f.Message}
			if err := csvWriter.Write(row); err != nil {
				return err
			}
		}

	case ReportTypeInventory:
		run, err := g.provider.GetAnalysisRun(ctx, req.AnalysisID)
		if err != nil {
			return err
		}
		resources, err := g.provider.GetSnapshotResources(ctx, run.SnapshotID)
		if err != nil {
			return err
		}

		header := []string{"Account", "Type", "Resource", "Region"}
		if err := csvWriter.Write(header); err != nil {
			return err
		}
		for _, r := range resources {
			row := []string{r.AccountID, r.ResourceType, r.ResourceID, r.Region}
			if err := csvWriter.Write(row); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("streaming not supported for report type: %s", req.Type)
	}

	return nil
}

var severityOrder = []models.Severity{
	models.SeverityCritical,
	models.SeverityHigh,
	models.SeverityMedium,
	models.SeverityLow,
	models.SeverityInfo,
}

func filterBySeverity(findings []models.Finding, severities []models.Severity) []models.Finding {
	if len(severities) == 0 {
		return findings
	}
	allowed := make(map[models.Severity]bool, len(severities))
	for _, s := range severities {
		allowed[s] = true
	}
	filtered := make([]models.Finding, 0, len(findings))
	for _, f := range findings {
		if allowed[f.Severity] {
			filtered = append(filtered, f)
		}
	}
	return filtered
}

func sortedScoreKeys(scores map[string]float64) []string {
	keys := make([]string, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
