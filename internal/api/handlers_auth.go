package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/auth"
	"github.com/stratoguard/cspm/internal/models"
	"github.com/stratoguard/cspm/internal/reports"
	"github.com/stratoguard/cspm/internal/scheduler"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "email and password are required")
		return
	}

	tokens, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "auth_error", "Invalid credentials")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	tokens, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "auth_error", "Invalid refresh token")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {

		_ = s.authService.LogoutAll(r.Context(), claims.UserID)
	} else {

		_ = s.authService.Logout(r.Context(), claims.UserID, req.RefreshToken)
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": claims.UserID,
		"email":   claims.Email,
		"role":    claims.Role,
	})
}

type createUserRequest struct {
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	Password string    `json:"password"`
	Role     auth.Role `json:"role"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "email and password are required")
		return
	}

	if req.Role == "" {
		req.Role = auth.RoleViewer
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "Failed to process password")
		return
	}

	user := &auth.User{
		Email:    req.Email,
		Name:     req.Name,
		Password: hashedPassword,
		Role:     req.Role,
	}

	if err := s.userStore.CreateUser(r.Context(), user); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	user.Password = ""
	respondJSON(w, http.StatusCreated, user)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.userStore.ListUsers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, users)
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.schedulerStore.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Schedule     string            `json:"schedule"`
	JobType      scheduler.JobType `json:"job_type"`
	TenantID     *uuid.UUID        `json:"tenant_id,omitempty"`
	FrameworkIDs []string          `json:"framework_ids,omitempty"`
	Config       map[string]string `json:"config"`
	Enabled      bool              `json:"enabled"`
}

// jobRequiresTenant reports whether a job type only makes sense for one
// tenant and therefore requires tenant_id on the job.
func jobRequiresTenant(jobType scheduler.JobType) bool {
	switch jobType {
	case scheduler.JobTypeAnalyzeTenant, scheduler.JobTypeCollectInventory, scheduler.JobTypeGenerateReport:
		return true
	}
	return false
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.Schedule == "" || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name, schedule, and job_type are required")
		return
	}
	if jobRequiresTenant(req.JobType) && req.TenantID == nil {
		respondError(w, http.StatusBadRequest, "validation_error",
			"tenant_id is required for "+string(req.JobType)+" jobs")
		return
	}

	job := &scheduler.Job{
		Name:         req.Name,
		Description:  req.Description,
		Schedule:     req.Schedule,
		JobType:      req.JobType,
		TenantID:     req.TenantID,
		FrameworkIDs: req.FrameworkIDs,
		Config:       req.Config,
		Enabled:      req.Enabled,
	}

	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.schedulerStore.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if jobRequiresTenant(req.JobType) && req.TenantID == nil {
		respondError(w, http.StatusBadRequest, "validation_error",
			"tenant_id is required for "+string(req.JobType)+" jobs")
		return
	}

	job := &scheduler.Job{
		ID:           id,
		Name:         req.Name,
		Description:  req.Description,
		Schedule:     req.Schedule,
		JobType:      req.JobType,
		TenantID:     req.TenantID,
		FrameworkIDs: req.FrameworkIDs,
		Config:       req.Config,
		Enabled:      req.Enabled,
	}

	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.DeleteJob(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.RunJobNow(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "job_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	execs, err := s.schedulerStore.GetJobExecutions(r.Context(), id, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, execs)
}

type generateReportRequest struct {
	Type       reports.ReportType   `json:"type"`
	Format     reports.ReportFormat `json:"format"`
	Title      string               `json:"title"`
	AnalysisID uuid.UUID            `json:"analysis_id"`
	BaselineID uuid.UUID            `json:"baseline_id,omitempty"`
	Severities []models.Severity    `json:"severities,omitempty"`
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	var req generateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Type == "" || req.Format == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "type and format are required")
		return
	}
	if req.AnalysisID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "validation_error", "analysis_id is required")
		return
	}
	if req.Type == reports.ReportTypeDifferential && req.BaselineID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "validation_error", "baseline_id is required for differential reports")
		return
	}

	if req.Title == "" {
		req.Title = string(req.Type) + " Report"
	}

	reportReq := &reports.ReportRequest{
		Type:       req.Type,
		Format:     req.Format,
		Title:      req.Title,
		AnalysisID: req.AnalysisID,
		BaselineID: req.BaselineID,
		Severities: req.Severities,
	}

	report, err := s.reportGenerator.Generate(r.Context(), reportReq)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename="+report.Filename)
	w.Header().Set("Content-Length", strconv.Itoa(len(report.Data)))
	_, _ = w.Write(report.Data)
}

func (s *Server) getReportTypes(w http.ResponseWriter, r *http.Request) {
	types := []map[string]string{
		{"type": "compliance", "name": "Compliance Report", "description": "Per-framework scores and rule failures"},
		{"type": "findings", "name": "Findings Report", "description": "All findings from one analysis"},
		{"type": "inventory", "name": "Resource Inventory", "description": "Resources in the analyzed snapshot"},
		{"type": "executive", "name": "Executive Summary", "description": "High-level compliance posture"},
		{"type": "differential", "name": "Differential Report", "description": "Changes between two analyses"},
	}
	respondJSON(w, http.StatusOK, types)
}

func (s *Server) streamCSVReport(w http.ResponseWriter, r *http.Request) {
	reportType := r.URL.Query().Get("type")
	if reportType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "type is required")
		return
	}

	analysisID, err := uuid.Parse(r.URL.Query().Get("analysis_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "analysis_id is required")
		return
	}

	req := &reports.ReportRequest{
		Type:       reports.ReportType(reportType),
		Format:     reports.FormatCSV,
		AnalysisID: analysisID,
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+reportType+"_export.csv")
	w.Header().Set("Transfer-Encoding", "chunked")

	if err := s.reportGenerator.StreamCSV(r.Context(), w, req); err != nil {

		s.logger.Error("streaming error", "error", err)
	}
}
