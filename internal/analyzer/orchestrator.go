package analyzer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/models"
	"github.com/stratoguard/cspm/internal/registry"
)

const (
	// DefaultTimeout bounds one full analysis end to end.
	DefaultTimeout = 15 * time.Minute

	// DefaultConcurrency caps concurrent framework executions to bound
	// load on the registry and its backing store.
	DefaultConcurrency = 4

	// minFrameworkTimeout is the floor for the per-framework slice of the
	// overall budget, so a run over many frameworks still gives each one
	// a usable window.
	minFrameworkTimeout = 30 * time.Second
)

// Options controls one orchestrated analysis run.
type Options struct {
	Parallel    bool
	Concurrency int
	Timeout     time.Duration
	Scope       *registry.Scope
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Orchestrator fans framework executions out over a tenant's selected
// frameworks and joins all results. Failures are isolated per framework:
// a framework that cannot be resolved or times out yields a FAILED or
// PARTIAL result in its slot while the others proceed.
type Orchestrator struct {
	registry *registry.Registry
	log      *slog.Logger
}

func NewOrchestrator(reg *registry.Registry, log *slog.Logger) *Orchestrator {
	return &Orchestrator{registry: reg, log: log}
}

// Run executes every named framework against the resource inventory and
// returns one FrameworkResult per framework id, in input order. It never
// returns an error: resolution and execution failures are represented in
// the corresponding result's status and error fields.
func (o *Orchestrator) Run(ctx context.Context, tenantID uuid.UUID, resources []models.Resource, frameworkIDs []string, opts Options) []models.FrameworkResult {
	opts = opts.withDefaults()
	results := make([]models.FrameworkResult, len(frameworkIDs))
	if len(frameworkIDs) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	perFramework := opts.Timeout / time.Duration(len(frameworkIDs))
	if perFramework < minFrameworkTimeout {
		perFramework = minFrameworkTimeout
	}

	if !opts.Parallel {
		for i, id := range frameworkIDs {
			results[i] = o.runOne(ctx, tenantID, resources, id, perFramework, opts.Scope)
		}
		return results
	}

	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup
	for i, id := range frameworkIDs {
		wg.Add(1)
		go func(slot int, frameworkID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[slot] = o.runOne(ctx, tenantID, resources, frameworkID, perFramework, opts.Scope)
		}(i, id)
	}
	wg.Wait()

	return results
}

func (o *Orchestrator) runOne(ctx context.Context, tenantID uuid.UUID, resources []models.Resource, frameworkID string, timeout time.Duration, scope *registry.Scope) models.FrameworkResult {
	rs, err := o.registry.Resolve(ctx, tenantID, frameworkID, scope)
	if err != nil {
		o.log.Warn("framework resolution failed",
			"tenant_id", tenantID, "framework_id", frameworkID, "error", err)
		return models.FrameworkResult{
			FrameworkID: frameworkID,
			Status:      models.FrameworkFailed,
			Findings:    []models.Finding{},
			Error:       err.Error(),
		}
	}

	fwCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := Execute(fwCtx, resources, rs)
	if result.Status != models.FrameworkCompleted {
		o.log.Warn("framework execution degraded",
			"tenant_id", tenantID, "framework_id", frameworkID,
			"status", result.Status, "error", result.Error)
	}
	return result
}
