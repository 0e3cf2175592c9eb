package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/aggregator"
	"github.com/stratoguard/cspm/internal/analyzer"
	"github.com/stratoguard/cspm/internal/config"
	"github.com/stratoguard/cspm/internal/diff"
	"github.com/stratoguard/cspm/internal/models"
	"github.com/stratoguard/cspm/internal/registry"
	"github.com/stratoguard/cspm/internal/store"
)

// Publisher receives the completion/failure event for one analysis,
// and degradation alerts when a run scores worse than the previous one.
type Publisher interface {
	PublishAnalysisEvent(ctx context.Context, event *models.AnalysisEvent, result *models.AggregatedResult)
	NotifyScoreDropped(ctx context.Context, tenantID string, diff *models.DifferentialResult) error
}

type Worker struct {
	id           string
	queue        *Queue
	store        *store.Store
	config       *config.Config
	registry     *registry.Registry
	orchestrator *analyzer.Orchestrator
	aggregator   *aggregator.Aggregator
	publisher    Publisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue        *Queue
	Store        *store.Store
	Config       *config.Config
	Registry     *registry.Registry
	Orchestrator *analyzer.Orchestrator
	Publisher    Publisher
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Worker{
		id:           workerID,
		queue:        cfg.Queue,
		store:        cfg.Store,
		config:       cfg.Config,
		registry:     cfg.Registry,
		orchestrator: cfg.Orchestrator,
		aggregator:   aggregator.New(cfg.Config.Analysis.TopRecommendations),
		publisher:    cfg.Publisher,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log.Printf("[%s] Worker starting", w.id)

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	w.wg.Add(1)
	go w.staleJobSweeper()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	log.Printf("[%s] Worker stopping", w.id)
	w.cancel()
	w.wg.Wait()
	log.Printf("[%s] Worker stopped", w.id)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			job, err := w.queue.DequeueJob(w.ctx, w.id)
			if err != nil {
				log.Printf("[%s] Error dequeuing job: %v", w.id, err)
				time.Sleep(5 * time.Second)
				continue
			}

			if job == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			log.Printf("[%s] Processing analysis %s (tenant: %s, frameworks: %v)",
				w.id, job.AnalysisID, job.TenantID, job.FrameworkIDs)

			if err := w.processJob(job); err != nil {
				log.Printf("[%s] Analysis %s failed: %v", w.id, job.AnalysisID, err)
				w.queue.RequeueJob(w.ctx, job, err.Error())
			} else {
				log.Printf("[%s] Analysis %s completed", w.id, job.AnalysisID)
				w.queue.CompleteJob(w.ctx, job, true)
			}
		}
	}
}

// processJob runs one full analysis: load the snapshot, fan out over the
// selected frameworks, aggregate, persist, publish.
func (w *Worker) processJob(job *Job) error {
	run, err := w.store.GetAnalysisRun(w.ctx, job.AnalysisID)
	if err != nil {
		return fmt.Errorf("getting analysis run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("analysis run not found: %s", job.AnalysisID)
	}

	snapshot, err := w.store.GetSnapshot(w.ctx, job.SnapshotID)
	if err != nil {
		return fmt.Errorf("getting snapshot: %w", err)
	}
	if snapshot == nil {
		return fmt.Errorf("snapshot not found: %s", job.SnapshotID)
	}

	if err := w.store.UpdateAnalysisRunStatus(w.ctx, run.ID, models.RunRunning, w.id); err != nil {
		return fmt.Errorf("marking run started: %w", err)
	}

	results := w.orchestrator.Run(w.ctx, job.TenantID, snapshot.Resources, job.FrameworkIDs, analyzer.Options{
		Parallel:    w.config.Analysis.Parallel,
		Concurrency: w.config.Analysis.Concurrency,
		Timeout:     w.config.Analysis.Timeout,
	})

	weights, err := w.selectionWeights(job.TenantID)
	if err != nil {
		return fmt.Errorf("loading selection weights: %w", err)
	}

	aggregated := w.aggregator.Aggregate(run.ID, job.TenantID, results, weights)

	var findings []models.Finding
	for _, r := range results {
		findings = append(findings, r.Findings...)
	}
	if err := w.store.InsertFindings(w.ctx, run.ID, findings); err != nil {
		return fmt.Errorf("persisting findings: %w", err)
	}
	if err := w.store.CompleteAnalysisRun(w.ctx, run.ID, aggregated, ""); err != nil {
		return fmt.Errorf("persisting aggregated result: %w", err)
	}

	_ = w.queue.UpdateProgress(w.ctx, &JobProgress{
		JobID:               job.ID,
		AnalysisID:          run.ID,
		Status:              aggregated.Status,
		FrameworksTotal:     len(job.FrameworkIDs),
		FrameworksCompleted: len(aggregated.CompletedFrameworks),
		FindingsFound:       aggregated.TotalFindings,
		WorkerID:            w.id,
	})

	if w.publisher != nil {
		w.publisher.PublishAnalysisEvent(w.ctx, &models.AnalysisEvent{
			AnalysisID:    run.ID,
			TenantID:      job.TenantID,
			Status:        aggregated.Status,
			OverallScore:  aggregated.OverallScore,
			TotalFindings: aggregated.TotalFindings,
		}, aggregated)

		w.checkScoreDrop(run, aggregated, findings)
	}

	return nil
}

// checkScoreDrop diffs the finished run against the tenant's previous
// completed run and alerts when the posture got worse. Best effort; a
// failure here never fails the job.
func (w *Worker) checkScoreDrop(run *models.AnalysisRun, aggregated *models.AggregatedResult, findings []models.Finding) {
	completed := models.RunCompleted
	prevRuns, _, err := w.store.ListAnalysisRuns(w.ctx, store.ListRunFilters{
		TenantID: &run.TenantID,
		Status:   &completed,
		Limit:    5,
	})
	if err != nil {
		log.Printf("[%s] Error loading previous runs: %v", w.id, err)
		return
	}

	var prev *models.AnalysisRun
	for i := range prevRuns {
		if prevRuns[i].ID != run.ID {
			prev = &prevRuns[i]
			break
		}
	}
	if prev == nil || prev.Result == nil {
		return
	}

	encoded, err := json.Marshal(prev.Result)
	if err != nil {
		return
	}
	var prevResult models.AggregatedResult
	if err := json.Unmarshal(encoded, &prevResult); err != nil {
		return
	}

	prevFindings, err := w.store.ListFindingsByAnalysis(w.ctx, prev.ID)
	if err != nil {
		return
	}

	d := diff.Compare(
		diff.RunInput{Result: &prevResult, Findings: prevFindings},
		diff.RunInput{Result: aggregated, Findings: findings},
	)
	if d.SecurityRiskLevel != models.RiskIncreased {
		return
	}

	if err := w.publisher.NotifyScoreDropped(w.ctx, run.TenantID.String(), d); err != nil {
		log.Printf("[%s] Error sending score drop alert: %v", w.id, err)
	}
}

func (w *Worker) selectionWeights(tenantID uuid.UUID) (map[string]float64, error) {
	selections, err := w.registry.Selections(w.ctx, tenantID)
	if err != nil {
		return nil, err
	}

	weights := make(map[string]float64, len(selections))
	for _, sel := range selections {
		if sel.Enabled {
			weights[sel.FrameworkID] = sel.Weight
		}
	}
	return weights, nil
}

func (w *Worker) staleJobSweeper() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := w.queue.CleanupStaleJobs(w.ctx, 30*time.Minute)
			if err != nil {
				log.Printf("[%s] Error cleaning stale jobs: %v", w.id, err)
			} else if cleaned > 0 {
				log.Printf("[%s] Cleaned up %d stale jobs", w.id, cleaned)
			}
		}
	}
}
