package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/analyzer"
	"github.com/stratoguard/cspm/internal/auth"
	"github.com/stratoguard/cspm/internal/config"
	"github.com/stratoguard/cspm/internal/diff"
	"github.com/stratoguard/cspm/internal/inventory"
	awsinv "github.com/stratoguard/cspm/internal/inventory/aws"
	azureinv "github.com/stratoguard/cspm/internal/inventory/azure"
	gcpinv "github.com/stratoguard/cspm/internal/inventory/gcp"
	"github.com/stratoguard/cspm/internal/models"
	"github.com/stratoguard/cspm/internal/notifications"
	"github.com/stratoguard/cspm/internal/queue"
	"github.com/stratoguard/cspm/internal/registry"
	"github.com/stratoguard/cspm/internal/reports"
	"github.com/stratoguard/cspm/internal/scheduler"
	"github.com/stratoguard/cspm/internal/store"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	queue  *queue.Queue
	http   *http.Server
	logger *slog.Logger

	authService *auth.Service
	userStore   auth.UserStore

	scheduler      *scheduler.Scheduler
	schedulerStore scheduler.Store

	registry       *registry.Registry
	frameworkStore *registry.PostgresFrameworkStore
	selectionStore *registry.PostgresSelectionStore

	reportGenerator *reports.Generator
	uploader        *reports.Uploader

	notificationService *notifications.Service
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		queue:  q,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.userStore = auth.NewPostgresUserStore(st.DB())
	s.authService = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, s.userStore)

	s.schedulerStore = scheduler.NewPostgresStore(st.DB())
	s.scheduler = scheduler.NewScheduler(s.schedulerStore, s.logger)
	s.registerScheduledHandlers()

	s.frameworkStore = registry.NewPostgresFrameworkStore(st.DB())
	s.selectionStore = registry.NewPostgresSelectionStore(st.DB())
	s.registry = registry.New(s.frameworkStore, s.selectionStore)

	if err := s.seedBuiltinFrameworks(context.Background()); err != nil {
		s.logger.Warn("seeding builtin frameworks failed", "error", err)
	}

	s.notificationService = notifications.NewService(notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL:  cfg.Notifications.Slack.WebhookURL,
			Channel:     cfg.Notifications.Slack.Channel,
			Username:    "Compliance Bot",
			IconEmoji:   ":shield:",
			Enabled:     cfg.Notifications.Slack.Enabled,
			MinSeverity: cfg.Notifications.MinSeverity,
		},
		Email: notifications.EmailConfig{
			SMTPHost:    cfg.Notifications.Email.SMTPHost,
			SMTPPort:    cfg.Notifications.Email.SMTPPort,
			Username:    cfg.Notifications.Email.Username,
			Password:    cfg.Notifications.Email.Password,
			From:        cfg.Notifications.Email.From,
			To:          cfg.Notifications.Email.To,
			Enabled:     cfg.Notifications.Email.Enabled,
			MinSeverity: cfg.Notifications.MinSeverity,
		},
	}, s.logger)

	s.reportGenerator = reports.NewGenerator(&reportDataProvider{store: st})

	if cfg.Reports.Bucket != "" {
		uploader, err := reports.NewUploader(context.Background(), cfg.Reports.Bucket, cfg.AWS.Region, s.logger)
		if err != nil {
			s.logger.Warn("report uploads disabled", "error", err)
		} else {
			s.uploader = uploader
		}
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// seedBuiltinFrameworks publishes the shipped framework catalogs on
// first boot. Already-published frameworks are left at their current
// version.
func (s *Server) seedBuiltinFrameworks(ctx context.Context) error {
	for _, def := range registry.BuiltinFrameworks() {
		_, err := s.frameworkStore.CurrentVersion(ctx, def.FrameworkID)
		if err == nil {
			continue
		}
		if !errors.Is(err, registry.ErrFrameworkNotFound) {
			return err
		}
		if err := s.frameworkStore.PublishFramework(ctx, def); err != nil {
			return fmt.Errorf("publishing %s: %w", def.FrameworkID, err)
		}
		s.logger.Info("published builtin framework",
			"framework", def.FrameworkID, "version", def.Version)
	}
	return nil
}

// registerScheduledHandlers wires cron job types to queue submissions.
func (s *Server) registerScheduledHandlers() {
	handlers := &scheduler.DefaultHandlers{
		AnalyzeFunc: func(ctx context.Context, tenantID uuid.UUID, frameworkIDs []string) error {
			_, err := s.enqueueAnalysis(ctx, tenantID, uuid.Nil, frameworkIDs, "schedule")
			return err
		},
		AnalyzeAllFunc: func(ctx context.Context) error {
			active := "active"
			tenants, err := s.store.ListTenants(ctx, &active)
			if err != nil {
				return err
			}
			for _, t := range tenants {
				if _, err := s.enqueueAnalysis(ctx, t.ID, uuid.Nil, nil, "schedule"); err != nil {
					s.logger.Warn("scheduled analysis enqueue failed", "tenant", t.ID, "error", err)
				}
			}
			return nil
		},
		InventoryFunc: func(ctx context.Context, tenantID uuid.UUID) error {
			return s.collectInventory(ctx, tenantID)
		},
		CleanupFunc: func(ctx context.Context, olderThan time.Duration) error {
			deleted, err := s.store.DeleteOldAnalysisRuns(ctx, olderThan)
			if err != nil {
				return err
			}
			stale, _ := s.queue.CleanupStaleJobs(ctx, 30*time.Minute)
			s.logger.Info("cleanup finished", "runs_deleted", deleted, "stale_jobs", stale)
			return nil
		},
		ReportFunc: func(ctx context.Context, tenantID uuid.UUID, jobCfg map[string]string) error {
			return s.generateScheduledReport(ctx, tenantID, jobCfg)
		},
	}
	handlers.Register(s.scheduler)
}

// collectInventory runs the configured cloud collectors and stores the
// result as a new snapshot for the tenant.
func (s *Server) collectInventory(ctx context.Context, tenantID uuid.UUID) error {
	svc, err := s.buildInventoryService(ctx)
	if err != nil {
		return fmt.Errorf("building inventory collectors: %w", err)
	}
	defer svc.Close()

	resources, err := svc.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collecting inventory: %w", err)
	}

	snapshot := &models.ResourceSnapshot{
		TenantID:  tenantID,
		Source:    "scheduled",
		Resources: resources,
	}
	if err := s.store.CreateSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}

	s.logger.Info("inventory snapshot stored",
		"tenant", tenantID, "snapshot", snapshot.ID, "resources", len(resources))
	return nil
}

func (s *Server) buildInventoryService(ctx context.Context) (*inventory.Service, error) {
	var collectors []inventory.Collector

	for _, provider := range s.cfg.Inventory.EnabledProviders {
		switch provider {
		case "aws":
			c, err := awsinv.New(ctx, awsinv.Config{
				Region:        s.cfg.AWS.Region,
				AssumeRoleARN: s.cfg.AWS.AssumeRoleARN,
				ExternalID:    s.cfg.AWS.ExternalID,
			})
			if err != nil {
				return nil, fmt.Errorf("aws collector: %w", err)
			}
			collectors = append(collectors, c)
		case "azure":
			c, err := azureinv.New(ctx, azureinv.Config{
				TenantID:       s.cfg.Azure.TenantID,
				ClientID:       s.cfg.Azure.ClientID,
				ClientSecret:   s.cfg.Azure.ClientSecret,
				SubscriptionID: s.cfg.Azure.SubscriptionID,
			})
			if err != nil {
				return nil, fmt.Errorf("azure collector: %w", err)
			}
			collectors = append(collectors, c)
		case "gcp":
			c, err := gcpinv.New(ctx, gcpinv.Config{
				ProjectID:       s.cfg.GCP.ProjectID,
				CredentialsFile: s.cfg.GCP.CredentialsFile,
			})
			if err != nil {
				return nil, fmt.Errorf("gcp collector: %w", err)
			}
			collectors = append(collectors, c)
		default:
			return nil, fmt.Errorf("unknown inventory provider %q", provider)
		}
	}

	if len(collectors) == 0 {
		return nil, fmt.Errorf("no inventory providers enabled")
	}

	return inventory.NewService(collectors, s.cfg.Inventory.Timeout, s.logger), nil
}

// generateScheduledReport renders a report for the tenant's most recent
// completed analysis and uploads it when a bucket is configured. The
// special type "digest" sends a summary notification instead.
func (s *Server) generateScheduledReport(ctx context.Context, tenantID uuid.UUID, jobCfg map[string]string) error {
	if jobCfg["type"] == "digest" {
		return s.sendDailyDigest(ctx, tenantID)
	}

	reportType := reports.ReportType(jobCfg["type"])
	if reportType == "" {
		reportType = reports.ReportTypeCompliance
	}
	format := reports.ReportFormat(jobCfg["format"])
	if format == "" {
		format = reports.FormatPDF
	}

	completed := models.RunCompleted
	runs, _, err := s.store.ListAnalysisRuns(ctx, store.ListRunFilters{
		TenantID: &tenantID,
		Status:   &completed,
		Limit:    1,
	})
	if err != nil {
		return fmt.Errorf("finding latest analysis: %w", err)
	}
	if len(runs) == 0 {
		return fmt.Errorf("tenant %s has no completed analysis", tenantID)
	}

	title := jobCfg["title"]
	if title == "" {
		title = string(reportType) + " Report"
	}

	report, err := s.reportGenerator.Generate(ctx, &reports.ReportRequest{
		Type:       reportType,
		Format:     format,
		Title:      title,
		AnalysisID: runs[0].ID,
	})
	if err != nil {
		return fmt.Errorf("generating report: %w", err)
	}

	if s.uploader == nil {
		s.logger.Warn("no report bucket configured, discarding scheduled report",
			"tenant", tenantID, "type", reportType)
		return nil
	}

	key, err := s.uploader.Upload(ctx, tenantID.String(), report)
	if err != nil {
		return fmt.Errorf("uploading report: %w", err)
	}

	s.logger.Info("scheduled report uploaded", "tenant", tenantID, "key", key)
	return nil
}

// sendDailyDigest summarizes the last 24 hours of analysis activity for
// one tenant and pushes it through the notification channels.
func (s *Server) sendDailyDigest(ctx context.Context, tenantID uuid.UUID) error {
	counts, err := s.store.GetDigestCounts(ctx, tenantID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}

	// Resolved counts come from diffing the last two completed runs.
	resolved := 0
	completed := models.RunCompleted
	runs, _, err := s.store.ListAnalysisRuns(ctx, store.ListRunFilters{
		TenantID: &tenantID,
		Status:   &completed,
		Limit:    2,
	})
	if err == nil && len(runs) == 2 {
		base, _, berr := s.loadDiffInput(ctx, runs[1].ID)
		comp, _, cerr := s.loadDiffInput(ctx, runs[0].ID)
		if berr == nil && cerr == nil {
			resolved = len(diff.Compare(*base, *comp).ComplianceResolvedViolations)
		}
	}

	return s.notificationService.NotifyDailyDigest(ctx, notifications.DigestStats{
		Period:           "24h",
		RunsCompleted:    counts.RunsCompleted,
		RunsFailed:       counts.RunsFailed,
		NewFindings:      counts.NewFindings,
		ResolvedFindings: resolved,
		CriticalFindings: counts.CriticalFindings,
		HighFindings:     counts.HighFindings,
		AverageScore:     counts.AverageScore,
	})
}

// enqueueAnalysis creates an analysis run and submits it to the worker
// queue. An empty snapshot id means the tenant's latest snapshot; an
// empty framework list means every enabled selection.
func (s *Server) enqueueAnalysis(ctx context.Context, tenantID, snapshotID uuid.UUID, frameworkIDs []string, triggeredBy string) (*models.AnalysisRun, error) {
	if snapshotID == uuid.Nil {
		snapshot, err := s.store.GetLatestSnapshot(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("loading latest snapshot: %w", err)
		}
		if snapshot == nil {
			return nil, fmt.Errorf("tenant %s has no resource snapshot", tenantID)
		}
		snapshotID = snapshot.ID
	}

	if len(frameworkIDs) == 0 {
		selections, err := s.registry.Selections(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("loading selections: %w", err)
		}
		for _, sel := range selections {
			if sel.Enabled {
				frameworkIDs = append(frameworkIDs, sel.FrameworkID)
			}
		}
		if len(frameworkIDs) == 0 {
			return nil, fmt.Errorf("tenant %s has no enabled frameworks", tenantID)
		}
	}

	run := &models.AnalysisRun{
		TenantID:     tenantID,
		SnapshotID:   snapshotID,
		FrameworkIDs: frameworkIDs,
		TriggeredBy:  triggeredBy,
	}
	if err := s.store.CreateAnalysisRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating analysis run: %w", err)
	}

	if err := s.queue.EnqueueAnalysisJob(ctx, &queue.Job{
		AnalysisID:   run.ID,
		TenantID:     tenantID,
		SnapshotID:   snapshotID,
		FrameworkIDs: frameworkIDs,
	}); err != nil {
		return nil, fmt.Errorf("enqueueing analysis job: %w", err)
	}

	return run, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Get("/users", s.listUsers)
				r.Post("/users", s.createUser)
			})

			r.Route("/tenants", func(r chi.Router) {
				r.Get("/", s.listTenants)
				r.Post("/", s.createTenant)
				r.Get("/{tenantID}", s.getTenant)
				r.Delete("/{tenantID}", s.deleteTenant)
				r.Get("/{tenantID}/selections", s.listSelections)
				r.Put("/{tenantID}/selections/{frameworkID}", s.upsertSelection)
				r.Delete("/{tenantID}/selections/{frameworkID}", s.deleteSelection)
				r.Post("/{tenantID}/snapshots", s.createSnapshot)
				r.Get("/{tenantID}/snapshots/latest", s.getLatestSnapshot)
				r.Post("/{tenantID}/analyses", s.createAnalysis)
				r.Get("/{tenantID}/analyses", s.listAnalyses)
			})

			r.Route("/frameworks", func(r chi.Router) {
				r.Get("/", s.listFrameworks)
				r.Get("/{frameworkID}", s.getFramework)
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleAdmin))
					r.Post("/", s.publishFramework)
				})
			})

			r.Route("/analyses", func(r chi.Router) {
				r.Get("/{analysisID}", s.getAnalysis)
				r.Get("/{analysisID}/result", s.getAnalysisResult)
				r.Get("/{analysisID}/findings", s.listAnalysisFindings)
				r.Get("/{analysisID}/progress", s.getAnalysisProgress)
				r.Get("/{analysisID}/diff/{baselineID}", s.getDifferential)
			})

			r.Route("/dashboard", func(r chi.Router) {
				r.Get("/summary", s.getDashboardSummary)
				r.Get("/queue", s.getQueueStats)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.listScheduledJobs)
				r.Post("/", s.createScheduledJob)
				r.Get("/{jobID}", s.getScheduledJob)
				r.Put("/{jobID}", s.updateScheduledJob)
				r.Delete("/{jobID}", s.deleteScheduledJob)
				r.Post("/{jobID}/run", s.runScheduledJobNow)
				r.Get("/{jobID}/executions", s.getJobExecutions)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/types", s.getReportTypes)
				r.Post("/generate", s.generateReport)
				r.Get("/stream", s.streamCSVReport)
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		s.logger.Error("failed to start scheduler", "error", err)
	}

	// In-process analysis workers. Set analysis.workers to 0 when the
	// queue is drained by separate server instances.
	var workers []*queue.Worker
	for i := 0; i < s.cfg.Analysis.Workers; i++ {
		w := queue.NewWorker(queue.WorkerConfig{
			Queue:        s.queue,
			Store:        s.store,
			Config:       s.cfg,
			Registry:     s.registry,
			Orchestrator: analyzer.NewOrchestrator(s.registry, s.logger),
			Publisher:    s.notificationService,
		})
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("starting analysis worker: %w", err)
		}
		workers = append(workers, w)
	}
	if len(workers) > 0 {
		s.logger.Info("analysis workers started", "count", len(workers))
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		for _, w := range workers {
			w.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// reportDataProvider adapts the store to the report generator.
type reportDataProvider struct {
	store *store.Store
}

func (p *reportDataProvider) GetAnalysisRun(ctx context.Context, id uuid.UUID) (*models.AnalysisRun, error) {
	run, err := p.store.GetAnalysisRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("analysis run not found: %s", id)
	}
	return run, nil
}

func (p *reportDataProvider) GetAggregatedResult(ctx context.Context, analysisID uuid.UUID) (*models.AggregatedResult, error) {
	run, err := p.GetAnalysisRun(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	return decodeAggregatedResult(run)
}

func (p *reportDataProvider) GetFindings(ctx context.Context, analysisID uuid.UUID) ([]models.Finding, error) {
	return p.store.ListFindingsByAnalysis(ctx, analysisID)
}

func (p *reportDataProvider) GetSnapshotResources(ctx context.Context, snapshotID uuid.UUID) ([]models.Resource, error) {
	snapshot, err := p.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot not found: %s", snapshotID)
	}
	return snapshot.Resources, nil
}

// decodeAggregatedResult unpacks the persisted result document from a
// finished run row.
func decodeAggregatedResult(run *models.AnalysisRun) (*models.AggregatedResult, error) {
	if run.Result == nil {
		return nil, fmt.Errorf("analysis %s has no result yet", run.ID)
	}
	encoded, err := json.Marshal(run.Result)
	if err != nil {
		return nil, err
	}
	var result models.AggregatedResult
	if err := json.Unmarshal(encoded, &result); err != nil {
		return nil, fmt.Errorf("decoding aggregated result: %w", err)
	}
	return &result, nil
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
