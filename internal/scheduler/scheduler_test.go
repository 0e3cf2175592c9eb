package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store for handler routing tests.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	execs map[string]*JobExecution
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  make(map[string]*Job),
		execs: make(map[string]*JobExecution),
	}
}

func (s *memStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

func (s *memStore) ListJobs(ctx context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *memStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *memStore) UpdateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.LastRun = &lastRun
	}
	return nil
}

func (s *memStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = exec
	return nil
}

func (s *memStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = exec
	return nil
}

func (s *memStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var execs []*JobExecution
	for _, exec := range s.execs {
		if exec.JobID == jobID {
			execs = append(execs, exec)
		}
	}
	return execs, nil
}

func (s *memStore) executionFor(jobID string) *JobExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, exec := range s.execs {
		if exec.JobID == jobID {
			return exec
		}
	}
	return nil
}

func testScheduler(store Store) *Scheduler {
	return NewScheduler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDefaultHandlers_TenantScopedJobs(t *testing.T) {
	store := newMemStore()
	sched := testScheduler(store)
	tenantID := uuid.New()

	var gotAnalyzeTenant uuid.UUID
	var gotFrameworks []string
	var gotInventoryTenant uuid.UUID
	var gotReportTenant uuid.UUID
	var gotReportConfig map[string]string

	handlers := &DefaultHandlers{
		AnalyzeFunc: func(ctx context.Context, id uuid.UUID, frameworkIDs []string) error {
			gotAnalyzeTenant = id
			gotFrameworks = frameworkIDs
			return nil
		},
		InventoryFunc: func(ctx context.Context, id uuid.UUID) error {
			gotInventoryTenant = id
			return nil
		},
		ReportFunc: func(ctx context.Context, id uuid.UUID, config map[string]string) error {
			gotReportTenant = id
			gotReportConfig = config
			return nil
		},
	}
	handlers.Register(sched)

	analyzeJob := &Job{
		ID:           "job-analyze",
		Name:         "nightly analysis",
		JobType:      JobTypeAnalyzeTenant,
		TenantID:     &tenantID,
		FrameworkIDs: []string{"well-architected", "baseline-security"},
	}
	sched.executeJob(analyzeJob)

	if gotAnalyzeTenant != tenantID {
		t.Errorf("analyze handler got tenant %s, want %s", gotAnalyzeTenant, tenantID)
	}
	if len(gotFrameworks) != 2 || gotFrameworks[0] != "well-architected" {
		t.Errorf("analyze handler got frameworks %v", gotFrameworks)
	}
	if exec := store.executionFor("job-analyze"); exec == nil || exec.Status != StatusCompleted {
		t.Errorf("expected a completed execution record, got %+v", exec)
	}

	sched.executeJob(&Job{
		ID:       "job-inventory",
		JobType:  JobTypeCollectInventory,
		TenantID: &tenantID,
	})
	if gotInventoryTenant != tenantID {
		t.Errorf("inventory handler got tenant %s, want %s", gotInventoryTenant, tenantID)
	}

	sched.executeJob(&Job{
		ID:       "job-report",
		JobType:  JobTypeGenerateReport,
		TenantID: &tenantID,
		Config:   map[string]string{"type": "digest"},
	})
	if gotReportTenant != tenantID {
		t.Errorf("report handler got tenant %s, want %s", gotReportTenant, tenantID)
	}
	if gotReportConfig["type"] != "digest" {
		t.Errorf("report handler got config %v", gotReportConfig)
	}
}

func TestDefaultHandlers_MissingTenantFails(t *testing.T) {
	store := newMemStore()
	sched := testScheduler(store)

	called := false
	handlers := &DefaultHandlers{
		AnalyzeFunc: func(ctx context.Context, id uuid.UUID, frameworkIDs []string) error {
			called = true
			return nil
		},
	}
	handlers.Register(sched)

	sched.executeJob(&Job{ID: "job-no-tenant", JobType: JobTypeAnalyzeTenant})

	if called {
		t.Error("analyze handler must not run for a job without a tenant")
	}
	exec := store.executionFor("job-no-tenant")
	if exec == nil || exec.Status != StatusFailed {
		t.Fatalf("expected a failed execution record, got %+v", exec)
	}
	if exec.Error == "" {
		t.Error("failed execution should record the missing-tenant error")
	}
}
