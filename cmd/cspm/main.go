package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratoguard/cspm/internal/aggregator"
	"github.com/stratoguard/cspm/internal/analyzer"
	"github.com/stratoguard/cspm/internal/diff"
	"github.com/stratoguard/cspm/internal/models"
	"github.com/stratoguard/cspm/internal/registry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "analyze":
		err = runAnalyze(os.Args[2:])
	case "diff":
		err = runDiff(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Printf("cspm v%s (built %s)\n", version, buildTime)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage:
  cspm analyze -resources <file> [-selections <file>] [-frameworks a,b] [-o <file>]
  cspm diff <baseline.json> <comparison.json> [-o <file>]
  cspm version

analyze runs the builtin (or selected) frameworks against a JSON
resource inventory without a database. diff compares two saved
analyze outputs.`)
}

// analysisDocument is the saved output of one analyze invocation, and
// the input format diff consumes.
type analysisDocument struct {
	Result    *models.AggregatedResult `json:"result"`
	Findings  []models.Finding         `json:"findings"`
	Resources []models.Resource        `json:"resources"`
}

func runAnalyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	resourcesPath := fs.String("resources", "", "Path to JSON array of resources (required)")
	selectionsPath := fs.String("selections", "", "Path to JSON array of framework selections")
	frameworks := fs.String("frameworks", "", "Comma-separated framework ids (default: all selected)")
	outPath := fs.String("o", "", "Output file (default stdout)")
	timeout := fs.Duration("timeout", 5*time.Minute, "Overall analysis timeout")
	concurrency := fs.Int("concurrency", 4, "Framework concurrency ceiling")
	topN := fs.Int("top", 10, "Recommendation cap")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *resourcesPath == "" {
		fs.Usage()
		return fmt.Errorf("-resources is required")
	}

	var resources []models.Resource
	if err := readJSONFile(*resourcesPath, &resources); err != nil {
		return fmt.Errorf("loading resources: %w", err)
	}

	tenantID := uuid.New()
	selections, err := loadSelections(*selectionsPath, tenantID)
	if err != nil {
		return err
	}

	frameworkIDs := splitList(*frameworks)
	if len(frameworkIDs) == 0 {
		for _, sel := range selections {
			if sel.Enabled {
				frameworkIDs = append(frameworkIDs, sel.FrameworkID)
			}
		}
	}
	if len(frameworkIDs) == 0 {
		return fmt.Errorf("no frameworks selected")
	}

	store := newMemStore(selections)
	reg := registry.New(store, store)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	orchestrator := analyzer.NewOrchestrator(reg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := orchestrator.Run(ctx, tenantID, resources, frameworkIDs, analyzer.Options{
		Parallel:    true,
		Concurrency: *concurrency,
		Timeout:     *timeout,
	})

	weights := make(map[string]float64, len(selections))
	for _, sel := range selections {
		if sel.Enabled {
			weights[sel.FrameworkID] = sel.Weight
		}
	}

	aggregated := aggregator.New(*topN).Aggregate(uuid.New(), tenantID, results, weights)

	var findings []models.Finding
	for _, r := range results {
		findings = append(findings, r.Findings...)
	}

	return writeJSON(*outPath, &analysisDocument{
		Result:    aggregated,
		Findings:  findings,
		Resources: resources,
	})
}

func runDiff(args []string) error {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	outPath := fs.String("o", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 2 {
		fs.Usage()
		return fmt.Errorf("diff takes exactly two analysis files")
	}

	var baseline, comparison analysisDocument
	if err := readJSONFile(fs.Arg(0), &baseline); err != nil {
		return fmt.Errorf("loading baseline: %w", err)
	}
	if err := readJSONFile(fs.Arg(1), &comparison); err != nil {
		return fmt.Errorf("loading comparison: %w", err)
	}

	result := diff.Compare(
		diff.RunInput{Result: baseline.Result, Resources: baseline.Resources, Findings: baseline.Findings},
		diff.RunInput{Result: comparison.Result, Resources: comparison.Resources, Findings: comparison.Findings},
	)

	return writeJSON(*outPath, result)
}

// loadSelections reads selections from a file, or defaults to every
// builtin framework enabled with weight 1.
func loadSelections(path string, tenantID uuid.UUID) ([]*models.TenantFrameworkSelection, error) {
	if path == "" {
		var selections []*models.TenantFrameworkSelection
		for _, def := range registry.BuiltinFrameworks() {
			selections = append(selections, &models.TenantFrameworkSelection{
				TenantID:    tenantID,
				FrameworkID: def.FrameworkID,
				Weight:      1.0,
				Enabled:     true,
				Etag:        uuid.NewString(),
			})
		}
		return selections, nil
	}

	var selections []*models.TenantFrameworkSelection
	if err := readJSONFile(path, &selections); err != nil {
		return nil, fmt.Errorf("loading selections: %w", err)
	}
	for _, sel := range selections {
		sel.TenantID = tenantID
		if sel.Weight == 0 {
			sel.Weight = 1.0
		}
		if sel.Etag == "" {
			sel.Etag = uuid.NewString()
		}
	}
	return selections, nil
}

// memStore serves the builtin framework definitions and the loaded
// selections from memory for database-free one-shot runs.
type memStore struct {
	frameworks map[string]*models.FrameworkDefinition
	selections map[string]*models.TenantFrameworkSelection
}

func newMemStore(selections []*models.TenantFrameworkSelection) *memStore {
	s := &memStore{
		frameworks: make(map[string]*models.FrameworkDefinition),
		selections: make(map[string]*models.TenantFrameworkSelection),
	}
	for _, def := range registry.BuiltinFrameworks() {
		s.frameworks[def.FrameworkID] = def
	}
	for _, sel := range selections {
		s.selections[sel.FrameworkID] = sel
	}
	return s
}

func (s *memStore) GetFramework(ctx context.Context, frameworkID, version string) (*models.FrameworkDefinition, error) {
	def, ok := s.frameworks[frameworkID]
	if !ok || (version != "" && def.Version != version) {
		return nil, fmt.Errorf("%w: %s@%s", registry.ErrFrameworkNotFound, frameworkID, version)
	}
	return def, nil
}

func (s *memStore) CurrentVersion(ctx context.Context, frameworkID string) (string, error) {
	def, ok := s.frameworks[frameworkID]
	if !ok {
		return "", fmt.Errorf("%w: %s", registry.ErrFrameworkNotFound, frameworkID)
	}
	return def.Version, nil
}

func (s *memStore) GetSelection(ctx context.Context, tenantID uuid.UUID, frameworkID string) (*models.TenantFrameworkSelection, error) {
	return s.selections[frameworkID], nil
}

func (s *memStore) ListSelections(ctx context.Context, tenantID uuid.UUID) ([]*models.TenantFrameworkSelection, error) {
	out := make([]*models.TenantFrameworkSelection, 0, len(s.selections))
	for _, sel := range s.selections {
		out = append(out, sel)
	}
	return out, nil
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
