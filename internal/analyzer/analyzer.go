package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"firewall-audit/internal/detect"
	"firewall-audit/internal/model"
	"firewall-audit/internal/parser"
	"firewall-audit/internal/report"
)

// InternalError reports a detector that failed on a well-formed rule set.
// It always indicates a defect in the catalogue.
type InternalError struct {
	Detector string
	Cause    any
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in detector %s: %v", e.Detector, e.Cause)
}

func (e *InternalError) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}

// Analyzer runs the detector catalogue over parsed rule sets. It holds no
// per-request state and may be shared between goroutines.
type Analyzer struct {
	logger    *slog.Logger
	catalogue *detect.Catalogue
	workers   int
}

// New returns an Analyzer. workers <= 0 uses one worker per CPU; 1 runs
// the detectors sequentially.
func New(catalogue *detect.Catalogue, logger *slog.Logger, workers int) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Analyzer{logger: logger, catalogue: catalogue, workers: workers}
}

// Analyze validates and parses a request, then analyzes the rule set.
// Errors are *parser.ValidationError, *parser.ParseError or *InternalError.
func (a *Analyzer) Analyze(ctx context.Context, req *parser.Request) (*model.AnalysisResult, error) {
	dialect, err := req.Validate()
	if err != nil {
		return nil, err
	}
	rs, err := parser.Parse(req.Rules, dialect)
	if err != nil {
		return nil, fmt.Errorf("parse %s rules: %w", dialect, err)
	}
	return a.AnalyzeRuleSet(ctx, rs)
}

// AnalyzeRuleSet fans the enabled detectors out over a worker pool and
// assembles their findings. The result does not depend on the number of
// workers.
func (a *Analyzer) AnalyzeRuleSet(ctx context.Context, rs *model.RuleSet) (*model.AnalysisResult, error) {
	start := time.Now()
	detectors := a.catalogue.Detectors()
	results := make([][]model.Vulnerability, len(detectors))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, d := range detectors {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			found, err := a.runDetector(d, rs)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := report.Assemble(rs, results)
	a.logger.Info("analysis complete",
		"component", "analyzer",
		"dialect", rs.Dialect,
		"rules", res.TotalRules,
		"detectors", len(detectors),
		"findings", len(res.Vulnerabilities),
		"risk_score", res.RiskScore,
		"duration", time.Since(start),
	)
	return res, nil
}

func (a *Analyzer) runDetector(d detect.Detector, rs *model.RuleSet) (found []model.Vulnerability, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("detector panicked",
				"component", "analyzer",
				"detector", d.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			found, err = nil, &InternalError{Detector: d.ID, Cause: r}
		}
	}()
	found = d.Detect(rs)
	a.logger.Debug("detector finished", "component", "analyzer", "detector", d.ID, "findings", len(found))
	return found, nil
}
