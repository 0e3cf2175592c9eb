package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stratoguard/cspm/internal/models"
)

// Collector discovers resources in one cloud account and normalizes
// them into resource records with flat configuration maps.
type Collector interface {
	// Provider returns the cloud provider type
	Provider() models.Provider

	// AccountID identifies the account, subscription or project
	AccountID() string

	// Validate tests the connection and permissions
	Validate(ctx context.Context) error

	// Collect returns all discovered resources
	Collect(ctx context.Context) ([]models.Resource, error)

	// Close releases any resources held by the collector
	Close() error
}

// Service fans out over the configured collectors and merges their
// output into one deduplicated resource list.
type Service struct {
	collectors []Collector
	timeout    time.Duration
	logger     *slog.Logger
}

func NewService(collectors []Collector, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Service{
		collectors: collectors,
		timeout:    timeout,
		logger:     logger,
	}
}

// Collect gathers resources from every collector. A failing collector
// is logged and skipped; the remaining providers still contribute.
func (s *Service) Collect(ctx context.Context) ([]models.Resource, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	seen := make(map[models.ResourceKey]bool)
	var resources []models.Resource

	for _, c := range s.collectors {
		start := time.Now()
		found, err := c.Collect(ctx)
		if err != nil {
			s.logger.Warn("collector failed",
				"provider", c.Provider(),
				"account", c.AccountID(),
				"error", err)
			continue
		}

		added := 0
		for _, r := range found {
			key := r.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			resources = append(resources, r)
			added++
		}

		s.logger.Info("collector finished",
			"provider", c.Provider(),
			"account", c.AccountID(),
			"resources", added,
			"duration", time.Since(start))
	}

	if len(resources) == 0 && len(s.collectors) > 0 {
		return nil, fmt.Errorf("no resources collected from %d collectors", len(s.collectors))
	}

	return resources, nil
}

// Close closes every collector, returning the first error seen.
func (s *Service) Close() error {
	var firstErr error
	for _, c := range s.collectors {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
