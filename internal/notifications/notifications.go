package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/stratoguard/cspm/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyAnalysisComplete NotificationType = "analysis_complete"
	NotifyAnalysisFailed   NotificationType = "analysis_failed"
	NotifyCriticalFinding  NotificationType = "critical_finding"
	NotifyScoreDrop        NotificationType = "score_drop"
	NotifyDailyDigest      NotificationType = "daily_digest"
)

// Channel defines notification channels
type Channel string

const (
	ChannelSlack Channel = "slack"
	ChannelEmail Channel = "email"
)

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  models.Severity
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity models.Severity // Minimum severity to notify
}

// EmailConfig holds email configuration
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity models.Severity
}

// Service handles notifications
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && s.shouldNotify(notif.Severity, s.config.Slack.MinSeverity) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && s.shouldNotify(notif.Severity, s.config.Email.MinSeverity) {
		if err := s.sendEmail(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}

	return nil
}

// shouldNotify checks if notification should be sent based on severity
func (s *Service) shouldNotify(actual, minimum models.Severity) bool {
	return models.SeverityRank(actual) >= models.SeverityRank(minimum)
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// sendSlack sends a notification to Slack
func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	color := s.severityToColor(notif.Severity)

	fields := []SlackField{}
	if notif.Data != nil {
		if tenantID, ok := notif.Data["tenant_id"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Tenant",
				Value: tenantID,
				Short: true,
			})
		}
		if score, ok := notif.Data["overall_score"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Score",
				Value: score,
				Short: true,
			})
		}
		if count, ok := notif.Data["total_findings"].(int); ok {
			fields = append(fields, SlackField{
				Title: "Findings",
				Value: fmt.Sprintf("%d", count),
				Short: true,
			})
		}
		if severity, ok := notif.Data["severity"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Severity",
				Value: severity,
				Short: true,
			})
		}
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     color,
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "Compliance Alert System",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)

	return nil
}

// severityToColor converts severity to Slack color
func (s *Service) severityToColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000" // Red
	case models.SeverityHigh:
		return "#FFA500" // Orange
	case models.SeverityMedium:
		return "#FFFF00" // Yellow
	default:
		return "#36A64F" // Green
	}
}

// sendEmail sends a notification via email
func (s *Service) sendEmail(ctx context.Context, notif *Notification) error {
	subject := fmt.Sprintf("[Compliance Alert] %s", notif.Title)
	body, err := s.formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	err = smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg))
	if err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))

	return nil
}

// buildEmailMessage builds an email message
func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// formatEmailBody formats the email body
func (s *Service) formatEmailBody(notif *Notification) (string, error) {
	tmpl := `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .severity { display: inline-block; padding: 4px 8px; border-radius: 4px; font-weight: bold; background: {{.SeverityColor}}; color: white; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; border-radius: 0 0 8px 8px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Severity: <span class="severity">{{.Severity}}</span></p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr>
                    <td>{{$key}}</td>
                    <td>{{$value}}</td>
                </tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>This is an automated alert from the compliance analysis system.</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}

	headerColor := "#2196F3" // Default blue
	severityColor := s.severityToColor(notif.Severity)

	switch notif.Severity {
	case models.SeverityCritical:
		headerColor = "#F44336"
	case models.SeverityHigh:
		headerColor = "#FF9800"
	case models.SeverityMedium:
		headerColor = "#FFC107"
	}

	data := map[string]interface{}{
		"Title":         notif.Title,
		"Message":       notif.Message,
		"Severity":      string(notif.Severity),
		"HeaderColor":   headerColor,
		"SeverityColor": severityColor,
		"Data":          notif.Data,
		"HasData":       len(notif.Data) > 0,
		"Timestamp":     notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// PublishAnalysisEvent routes an analysis completion or failure to the
// configured channels. Delivery failures are logged, not returned: the
// analysis outcome is already persisted and must not be requeued over a
// webhook hiccup.
func (s *Service) PublishAnalysisEvent(ctx context.Context, event *models.AnalysisEvent, result *models.AggregatedResult) {
	var notif *Notification

	switch event.Status {
	case models.RunFailed:
		notif = &Notification{
			Type:     NotifyAnalysisFailed,
			Title:    "Compliance Analysis Failed",
			Message:  fmt.Sprintf("Analysis %s failed for tenant %s", event.AnalysisID, event.TenantID),
			Severity: models.SeverityHigh,
			Data: map[string]interface{}{
				"tenant_id":   event.TenantID.String(),
				"analysis_id": event.AnalysisID.String(),
			},
			Timestamp: time.Now(),
		}
	default:
		severity := models.SeverityLow
		if result != nil && result.FindingsBySeverity[models.SeverityCritical] > 0 {
			severity = models.SeverityCritical
		} else if result != nil && result.FindingsBySeverity[models.SeverityHigh] > 0 {
			severity = models.SeverityHigh
		}

		notif = &Notification{
			Type:     NotifyAnalysisComplete,
			Title:    "Compliance Analysis Completed",
			Message:  fmt.Sprintf("Analysis finished with score %.1f and %d findings", event.OverallScore, event.TotalFindings),
			Severity: severity,
			Data: map[string]interface{}{
				"tenant_id":      event.TenantID.String(),
				"analysis_id":    event.AnalysisID.String(),
				"overall_score":  fmt.Sprintf("%.1f", event.OverallScore),
				"total_findings": event.TotalFindings,
				"status":         string(event.Status),
			},
			Timestamp: time.Now(),
		}
	}

	if err := s.Send(ctx, notif); err != nil {
		s.logger.Error("publishing analysis event", "analysis_id", event.AnalysisID, "error", err)
	}
}

// NotifyScoreDropped alerts when a differential analysis shows the
// overall score falling or critical findings rising.
func (s *Service) NotifyScoreDropped(ctx context.Context, tenantID string, diff *models.DifferentialResult) error {
	if diff.SecurityRiskLevel != models.RiskIncreased {
		return nil
	}

	notif := &Notification{
		Type:     NotifyScoreDrop,
		Title:    "Compliance Posture Degraded",
		Message:  fmt.Sprintf("Score changed by %.1f with %d new violations", diff.SecurityScoreChange, len(diff.ComplianceNewViolations)),
		Severity: models.SeverityHigh,
		Data: map[string]interface{}{
			"tenant_id":          tenantID,
			"score_change":       fmt.Sprintf("%.1f", diff.SecurityScoreChange),
			"new_violations":     len(diff.ComplianceNewViolations),
			"resolved_violations": len(diff.ComplianceResolvedViolations),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// DigestStats holds daily digest statistics
type DigestStats struct {
	Period           string
	RunsCompleted    int
	RunsFailed       int
	NewFindings      int
	ResolvedFindings int
	CriticalFindings int
	HighFindings     int
	AverageScore     float64
}

// NotifyDailyDigest sends a daily digest notification
func (s *Service) NotifyDailyDigest(ctx context.Context, stats DigestStats) error {
	notif := &Notification{
		Type:     NotifyDailyDigest,
		Title:    "Daily Compliance Digest",
		Message:  fmt.Sprintf("Summary: %d new findings, %d resolved, average score %.1f", stats.NewFindings, stats.ResolvedFindings, stats.AverageScore),
		Severity: s.digestToSeverity(stats),
		Data: map[string]interface{}{
			"period":            stats.Period,
			"runs_completed":    stats.RunsCompleted,
			"runs_failed":       stats.RunsFailed,
			"new_findings":      stats.NewFindings,
			"resolved_findings": stats.ResolvedFindings,
			"critical_findings": stats.CriticalFindings,
			"high_findings":     stats.HighFindings,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// digestToSeverity determines notification severity from digest stats
func (s *Service) digestToSeverity(stats DigestStats) models.Severity {
	if stats.CriticalFindings > 0 {
		return models.SeverityCritical
	}
	if stats.HighFindings > 5 {
		return models.SeverityHigh
	}
	if stats.NewFindings > 10 {
		return models.SeverityMedium
	}
	return models.SeverityLow
}
