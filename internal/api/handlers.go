package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/diff"
	"github.com/stratoguard/cspm/internal/evaluator"
	"github.com/stratoguard/cspm/internal/models"
	"github.com/stratoguard/cspm/internal/registry"
	"github.com/stratoguard/cspm/internal/store"
)

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	var status *string
	if v := r.URL.Query().Get("status"); v != "" {
		status = &v
	}

	tenants, err := s.store.ListTenants(r.Context(), status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, tenants)
}

type createTenantRequest struct {
	Name        string `json:"name"`
	ExternalRef string `json:"external_ref"`
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name is required")
		return
	}

	tenant := &models.Tenant{
		Name:        req.Name,
		ExternalRef: req.ExternalRef,
		Status:      "active",
	}

	if err := s.store.CreateTenant(r.Context(), tenant); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, tenant)
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(r, "tenantID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid tenant id")
		return
	}

	tenant, err := s.store.GetTenant(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if tenant == nil {
		respondError(w, http.StatusNotFound, "not_found", "Tenant not found")
		return
	}

	respondJSON(w, http.StatusOK, tenant)
}

func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(r, "tenantID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid tenant id")
		return
	}

	if err := s.store.DeleteTenant(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) listSelections(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseUUIDParam(r, "tenantID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid tenant id")
		return
	}

	selections, err := s.selectionStore.ListSelections(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, selections)
}

type upsertSelectionRequest struct {
	PinnedVersion     string                     `json:"pinned_version"`
	Weight            float64                    `json:"weight"`
	Enabled           bool                       `json:"enabled"`
	SeverityOverrides map[string]models.Severity `json:"severity_overrides"`
	ExcludedRules     []string                   `json:"excluded_rules"`
}

func (s *Server) upsertSelection(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseUUIDParam(r, "tenantID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid tenant id")
		return
	}
	frameworkID := chi.URLParam(r, "frameworkID")

	var req upsertSelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Weight < 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "weight must not be negative")
		return
	}
	if req.Weight == 0 {
		req.Weight = 1.0
	}

	for ruleID, sev := range req.SeverityOverrides {
		if models.SeverityRank(sev) == 0 {
			respondError(w, http.StatusBadRequest, "validation_error", "invalid severity override for rule "+ruleID)
			return
		}
	}

	if _, err := s.frameworkStore.GetFramework(r.Context(), frameworkID, req.PinnedVersion); err != nil {
		if errors.Is(err, registry.ErrFrameworkNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Framework not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	sel := &models.TenantFrameworkSelection{
		TenantID:          tenantID,
		FrameworkID:       frameworkID,
		PinnedVersion:     req.PinnedVersion,
		Weight:            req.Weight,
		Enabled:           req.Enabled,
		SeverityOverrides: req.SeverityOverrides,
		ExcludedRules:     req.ExcludedRules,
	}

	if err := s.selectionStore.UpsertSelection(r.Context(), sel); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	s.registry.Invalidate(tenantID, frameworkID)

	respondJSON(w, http.StatusOK, sel)
}

func (s *Server) deleteSelection(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseUUIDParam(r, "tenantID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid tenant id")
		return
	}
	frameworkID := chi.URLParam(r, "frameworkID")

	if err := s.selectionStore.DeleteSelection(r.Context(), tenantID, frameworkID); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	s.registry.Invalidate(tenantID, frameworkID)

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type createSnapshotRequest struct {
	Source    string            `json:"source"`
	Resources []models.Resource `json:"resources"`
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseUUIDParam(r, "tenantID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid tenant id")
		return
	}

	var req createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if len(req.Resources) == 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "at least one resource is required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	snapshot := &models.ResourceSnapshot{
		TenantID:  tenantID,
		Source:    req.Source,
		Resources: req.Resources,
	}

	if err := s.store.CreateSnapshot(r.Context(), snapshot); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, snapshot)
}

func (s *Server) getLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseUUIDParam(r, "tenantID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid tenant id")
		return
	}

	snapshot, err := s.store.GetLatestSnapshot(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if snapshot == nil {
		respondError(w, http.StatusNotFound, "not_found", "No snapshot for tenant")
		return
	}

	respondJSON(w, http.StatusOK, snapshot)
}

func (s *Server) listFrameworks(w http.ResponseWriter, r *http.Request) {
	frameworks, err := s.frameworkStore.ListFrameworks(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, frameworks)
}

func (s *Server) getFramework(w http.ResponseWriter, r *http.Request) {
	frameworkID := chi.URLParam(r, "frameworkID")
	version := r.URL.Query().Get("version")

	def, err := s.frameworkStore.GetFramework(r.Context(), frameworkID, version)
	if err != nil {
		if errors.Is(err, registry.ErrFrameworkNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Framework not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, def)
}

func (s *Server) publishFramework(w http.ResponseWriter, r *http.Request) {
	var def models.FrameworkDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if def.FrameworkID == "" || def.Version == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "framework_id and version are required")
		return
	}
	if len(def.Rules) == 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "at least one rule is required")
		return
	}

	for i := range def.Rules {
		if err := evaluator.ValidateRule(&def.Rules[i]); err != nil {
			respondError(w, http.StatusBadRequest, "validation_error", "Invalid rule "+def.Rules[i].RuleID+": "+err.Error())
			return
		}
	}

	if err := s.frameworkStore.PublishFramework(r.Context(), &def); err != nil {
		respondError(w, http.StatusConflict, "publish_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{
		"framework_id": def.FrameworkID,
		"version":      def.Version,
		"status":       "published",
	})
}

type createAnalysisRequest struct {
	SnapshotID   uuid.UUID `json:"snapshot_id"`
	FrameworkIDs []string  `json:"framework_ids"`
}

func (s *Server) createAnalysis(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseUUIDParam(r, "tenantID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid tenant id")
		return
	}

	var req createAnalysisRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	run, err := s.enqueueAnalysis(r.Context(), tenantID, req.SnapshotID, req.FrameworkIDs, "api")
	if err != nil {
		respondError(w, http.StatusBadRequest, "analysis_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, run)
}

func (s *Server) listAnalyses(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseUUIDParam(r, "tenantID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid tenant id")
		return
	}

	limit, offset := parsePagination(r)
	filters := store.ListRunFilters{
		TenantID: &tenantID,
		Limit:    limit,
		Offset:   offset,
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := models.RunStatus(v)
		filters.Status = &status
	}

	runs, total, err := s.store.ListAnalysisRuns(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, runs, &apiMeta{Total: total, Limit: limit, Offset: offset})
}

func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(r, "analysisID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid analysis id")
		return
	}

	run, err := s.store.GetAnalysisRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "Analysis not found")
		return
	}

	respondJSON(w, http.StatusOK, run)
}

func (s *Server) getAnalysisResult(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(r, "analysisID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid analysis id")
		return
	}

	run, err := s.store.GetAnalysisRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "Analysis not found")
		return
	}

	result, err := decodeAggregatedResult(run)
	if err != nil {
		respondError(w, http.StatusConflict, "not_ready", "Analysis has no result yet")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) listAnalysisFindings(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(r, "analysisID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid analysis id")
		return
	}

	limit, offset := parsePagination(r)
	filters := store.ListFindingFilters{
		AnalysisID: &id,
		Limit:      limit,
		Offset:     offset,
	}
	if v := r.URL.Query().Get("framework"); v != "" {
		filters.FrameworkID = &v
	}
	if v := r.URL.Query().Get("severity"); v != "" {
		sev := models.Severity(v)
		if models.SeverityRank(sev) == 0 {
			respondError(w, http.StatusBadRequest, "validation_error", "invalid severity")
			return
		}
		filters.Severity = &sev
	}
	if v := r.URL.Query().Get("pillar"); v != "" {
		pillar := models.Pillar(v)
		filters.Pillar = &pillar
	}

	findings, total, err := s.store.ListFindings(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, findings, &apiMeta{Total: total, Limit: limit, Offset: offset})
}

func (s *Server) getAnalysisProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(r, "analysisID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid analysis id")
		return
	}

	progress, err := s.queue.GetProgress(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	if progress != nil {
		respondJSON(w, http.StatusOK, progress)
		return
	}

	// Progress entries expire; fall back to the persisted run row.
	run, err := s.store.GetAnalysisRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "Analysis not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"analysis_id":  run.ID,
		"status":       run.Status,
		"started_at":   run.StartedAt,
		"completed_at": run.CompletedAt,
	})
}

func (s *Server) getDifferential(w http.ResponseWriter, r *http.Request) {
	analysisID, ok := parseUUIDParam(r, "analysisID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid analysis id")
		return
	}
	baselineID, ok := parseUUIDParam(r, "baselineID")
	if !ok {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid baseline id")
		return
	}

	baseline, baseRun, err := s.loadDiffInput(r.Context(), baselineID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Baseline analysis unavailable: "+err.Error())
		return
	}
	comparison, compRun, err := s.loadDiffInput(r.Context(), analysisID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Comparison analysis unavailable: "+err.Error())
		return
	}

	if baseRun.TenantID != compRun.TenantID {
		respondError(w, http.StatusBadRequest, "validation_error", "analyses belong to different tenants")
		return
	}

	respondJSON(w, http.StatusOK, diff.Compare(*baseline, *comparison))
}

func (s *Server) loadDiffInput(ctx context.Context, analysisID uuid.UUID) (*diff.RunInput, *models.AnalysisRun, error) {
	run, err := s.store.GetAnalysisRun(ctx, analysisID)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, fmt.Errorf("analysis run not found: %s", analysisID)
	}

	result, err := decodeAggregatedResult(run)
	if err != nil {
		return nil, nil, err
	}

	findings, err := s.store.ListFindingsByAnalysis(ctx, analysisID)
	if err != nil {
		return nil, nil, err
	}

	snapshot, err := s.store.GetSnapshot(ctx, run.SnapshotID)
	if err != nil {
		return nil, nil, err
	}

	input := &diff.RunInput{
		Result:   result,
		Findings: findings,
	}
	if snapshot != nil {
		input.Resources = snapshot.Resources
	}

	return input, run, nil
}

func (s *Server) getDashboardSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.GetDashboardCounts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	queueStats, _ := s.queue.GetQueueStats(r.Context())
	workers, _ := s.queue.GetActiveWorkers(r.Context(), 2*time.Minute)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenants": map[string]int{
			"total":  counts.TotalTenants,
			"active": counts.ActiveTenants,
		},
		"analyses": map[string]int{
			"total":     counts.TotalRuns,
			"completed": counts.CompletedRuns,
			"failed":    counts.FailedRuns,
		},
		"findings": map[string]int{
			"total":    counts.TotalFindings,
			"critical": counts.CriticalFindings,
		},
		"queue":          queueStats,
		"active_workers": len(workers),
	})
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	workers, _ := s.queue.GetActiveWorkers(r.Context(), 2*time.Minute)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":    stats,
		"workers": workers,
	})
}
