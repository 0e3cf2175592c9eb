package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/evaluator"
	"github.com/stratoguard/cspm/internal/models"
)

var (
	// ErrFrameworkNotFound means the framework id/version is unknown to
	// the definition store. Fatal to that framework only.
	ErrFrameworkNotFound = errors.New("framework not found")

	// ErrTenantConfigNotFound means the tenant has no selection for the
	// framework. Fatal to that framework only.
	ErrTenantConfigNotFound = errors.New("tenant framework selection not found")
)

// FrameworkStore provides read access to framework definitions.
type FrameworkStore interface {
	// GetFramework loads a definition by id and version; an empty
	// version means the current version.
	GetFramework(ctx context.Context, frameworkID, version string) (*models.FrameworkDefinition, error)

	// CurrentVersion returns the current version string for a framework.
	CurrentVersion(ctx context.Context, frameworkID string) (string, error)
}

// SelectionStore provides read access to tenant framework selections.
type SelectionStore interface {
	GetSelection(ctx context.Context, tenantID uuid.UUID, frameworkID string) (*models.TenantFrameworkSelection, error)
	ListSelections(ctx context.Context, tenantID uuid.UUID) ([]*models.TenantFrameworkSelection, error)
}

// ResolvedRuleSet is a framework's effective rule list for one tenant
// after overrides and exclusions are applied.
type ResolvedRuleSet struct {
	FrameworkID      string
	FrameworkVersion string
	FrameworkName    string
	Weight           float64
	Rules            []models.RuleDefinition
}

// Scope optionally narrows a resolved rule set for one call. The cache
// always holds the unscoped set; scope filters are applied per request.
type Scope struct {
	Pillars    []models.Pillar
	Severities []models.Severity
}

type cacheKey struct {
	tenantID    uuid.UUID
	frameworkID string
	version     string
}

type cacheEntry struct {
	ready   chan struct{}
	etag    string
	ruleSet *ResolvedRuleSet
	err     error
}

// Registry resolves tenant framework selections into effective rule
// sets, with a read-through cache keyed by (tenant, framework, version).
// Invalidation is logical: a changed selection etag or framework version
// yields a new entry; stale entries are simply replaced. At most one
// populate is in flight per key.
type Registry struct {
	frameworks FrameworkStore
	selections SelectionStore

	mu    sync.Mutex
	cache map[cacheKey]*cacheEntry
}

func New(frameworks FrameworkStore, selections SelectionStore) *Registry {
	return &Registry{
		frameworks: frameworks,
		selections: selections,
		cache:      make(map[cacheKey]*cacheEntry),
	}
}

// Resolve produces the effective rule set for one tenant+framework.
func (r *Registry) Resolve(ctx context.Context, tenantID uuid.UUID, frameworkID string, scope *Scope) (*ResolvedRuleSet, error) {
	sel, err := r.selections.GetSelection(ctx, tenantID, frameworkID)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, fmt.Errorf("%w: tenant %s framework %s", ErrTenantConfigNotFound, tenantID, frameworkID)
	}
	if !sel.Enabled {
		return nil, fmt.Errorf("%w: framework %s is disabled for tenant %s", ErrTenantConfigNotFound, frameworkID, tenantID)
	}

	version := sel.PinnedVersion
	if version == "" {
		version, err = r.frameworks.CurrentVersion(ctx, frameworkID)
		if err != nil {
			return nil, err
		}
		if version == "" {
			return nil, fmt.Errorf("%w: %s", ErrFrameworkNotFound, frameworkID)
		}
	}

	entry := r.entryFor(cacheKey{tenantID, frameworkID, version}, sel)

	select {
	case <-entry.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if entry.err != nil {
		return nil, entry.err
	}

	return applyScope(entry.ruleSet, scope), nil
}

// entryFor returns a live cache entry for the key, starting a populate
// if none exists or the selection etag moved since the entry was built.
func (r *Registry) entryFor(key cacheKey, sel *models.TenantFrameworkSelection) *cacheEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.cache[key]; ok && entry.etag == sel.Etag {
		return entry
	}

	entry := &cacheEntry{ready: make(chan struct{}), etag: sel.Etag}
	r.cache[key] = entry

	go func() {
		// Populate runs outside the caller's deadline so a cancelled
		// first caller does not poison the entry for later ones.
		entry.ruleSet, entry.err = r.populate(context.Background(), key, sel)
		close(entry.ready)
	}()

	return entry
}

func (r *Registry) populate(ctx context.Context, key cacheKey, sel *models.TenantFrameworkSelection) (*ResolvedRuleSet, error) {
	def, err := r.frameworks.GetFramework(ctx, key.frameworkID, key.version)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("%w: %s@%s", ErrFrameworkNotFound, key.frameworkID, key.version)
	}

	excluded := make(map[string]bool, len(sel.ExcludedRules))
	for _, id := range sel.ExcludedRules {
		excluded[id] = true
	}

	rules := make([]models.RuleDefinition, 0, len(def.Rules))
	for _, rule := range def.Rules {
		if excluded[rule.RuleID] {
			continue
		}
		if err := evaluator.ValidateRule(&rule); err != nil {
			return nil, fmt.Errorf("framework %s: %w", key.frameworkID, err)
		}
		if sev, ok := sel.SeverityOverrides[rule.RuleID]; ok {
			rule.Severity = sev
		}
		rules = append(rules, rule)
	}

	return &ResolvedRuleSet{
		FrameworkID:      def.FrameworkID,
		FrameworkVersion: def.Version,
		FrameworkName:    def.Name,
		Weight:           sel.Weight,
		Rules:            rules,
	}, nil
}

// Selections lists a tenant's framework selections, uncached. Used by
// callers that need weights or the full enabled-framework list.
func (r *Registry) Selections(ctx context.Context, tenantID uuid.UUID) ([]*models.TenantFrameworkSelection, error) {
	return r.selections.ListSelections(ctx, tenantID)
}

// Invalidate drops cached rule sets for a tenant+framework across all
// versions. Called when a selection is updated through the API.
func (r *Registry) Invalidate(tenantID uuid.UUID, frameworkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if key.tenantID == tenantID && key.frameworkID == frameworkID {
			delete(r.cache, key)
		}
	}
}

func applyScope(rs *ResolvedRuleSet, scope *Scope) *ResolvedRuleSet {
	if scope == nil || (len(scope.Pillars) == 0 && len(scope.Severities) == 0) {
		return rs
	}

	pillars := make(map[models.Pillar]bool, len(scope.Pillars))
	for _, p := range scope.Pillars {
		pillars[p] = true
	}
	severities := make(map[models.Severity]bool, len(scope.Severities))
	for _, s := range scope.Severities {
		severities[s] = true
	}

	filtered := &ResolvedRuleSet{
		FrameworkID:      rs.FrameworkID,
		FrameworkVersion: rs.FrameworkVersion,
		FrameworkName:    rs.FrameworkName,
		Weight:           rs.Weight,
	}
	for _, rule := range rs.Rules {
		if len(pillars) > 0 && !pillars[rule.Pillar] {
			continue
		}
		if len(severities) > 0 && !severities[rule.Severity] {
			continue
		}
		filtered.Rules = append(filtered.Rules, rule)
	}
	return filtered
}
