package analyzer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"go.uber.org/goleak"

	"firewall-audit/internal/detect"
	"firewall-audit/internal/model"
	"firewall-audit/internal/parser"
	"firewall-audit/internal/risk"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const mixedRules = `*filter
:INPUT ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
-A INPUT -i lo -j ACCEPT
-A INPUT -p tcp --dport 22 -j ACCEPT
-A INPUT -s 10.0.0.0/8 -p tcp --dport 3306 -j ACCEPT
-A INPUT -p tcp -m multiport --dports 21,23,80 -j ACCEPT
-A INPUT -p icmp -j ACCEPT
-A INPUT -p udp --dport 69 -j ACCEPT
-A INPUT -p tcp --dport 22 -j DROP
COMMIT
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newAnalyzer(t *testing.T, s detect.Settings, workers int) *Analyzer {
	t.Helper()
	cat, err := detect.NewCatalogue(s)
	if err != nil {
		t.Fatalf("failed to build catalogue: %v", err)
	}
	return New(cat, quietLogger(), workers)
}

// This test validates the packet-filter scenario end to end.
func TestAnalyzeSSHScenario(t *testing.T) {
	a := newAnalyzer(t, detect.Settings{}, 4)
	req := &parser.Request{Rules: "*filter\n:INPUT ACCEPT [0:0]\n-A INPUT -p tcp --dport 22 -j ACCEPT\nCOMMIT\n", Type: "iptables"}

	res, err := a.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.RiskScore != 50 || res.TotalRules != 1 {
		t.Fatalf("expected score 50 over 1 rule, got %d over %d", res.RiskScore, res.TotalRules)
	}
	if len(res.Vulnerabilities) != 2 {
		t.Fatalf("expected 2 findings, got %+v", res.Vulnerabilities)
	}
	ids := map[string]bool{}
	for _, v := range res.Vulnerabilities {
		if v.Severity != model.Critical {
			t.Fatalf("expected only critical findings, got %+v", v)
		}
		ids[v.DetectorID] = true
	}
	if !ids["ssh-world-open"] || !ids["no-default-deny"] {
		t.Fatalf("expected ssh and default-deny findings, got %v", ids)
	}
}

func TestAnalyzeCloudScenario(t *testing.T) {
	a := newAnalyzer(t, detect.Settings{}, 0)
	req := &parser.Request{
		Rules: `{"firewallRules":[{"direction":"INGRESS","priority":1000,"allowed":[{"IPProtocol":"tcp","ports":["80"]}],"sourceRanges":["0.0.0.0/0"]}]}`,
		Type:  "gcp",
	}
	res, err := a.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.RiskScore != 10 || len(res.Vulnerabilities) != 1 || res.Vulnerabilities[0].Severity != model.Warning {
		t.Fatalf("expected a single warning scoring 10, got %+v", res)
	}
}

func TestAnalyzeEmptyDenyAll(t *testing.T) {
	a := newAnalyzer(t, detect.Settings{MinSeverity: model.Info}, 2)
	req := &parser.Request{Rules: "*filter\n:INPUT DROP [0:0]\n:FORWARD DROP [0:0]\n:OUTPUT DROP [0:0]\nCOMMIT\n", Type: "iptables"}
	res, err := a.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.RiskScore != 0 || len(res.Vulnerabilities) != 0 {
		t.Fatalf("expected a clean result, got %+v", res)
	}
}

func TestAnalyzeIsIdempotentAndWorkerIndependent(t *testing.T) {
	req := &parser.Request{Rules: mixedRules, Type: "iptables"}
	settings := detect.Settings{MinSeverity: model.Info}

	sequential, err := newAnalyzer(t, settings, 1).Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	again, err := newAnalyzer(t, settings, 1).Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	parallel, err := newAnalyzer(t, settings, 8).Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !reflect.DeepEqual(sequential.Vulnerabilities, again.Vulnerabilities) {
		t.Fatal("expected identical findings across runs")
	}
	if !reflect.DeepEqual(sequential.Vulnerabilities, parallel.Vulnerabilities) {
		t.Fatal("expected identical findings for sequential and parallel runs")
	}
	if sequential.Summary != parallel.Summary || sequential.RiskScore != parallel.RiskScore {
		t.Fatalf("summary or score differs: %q/%d vs %q/%d", sequential.Summary, sequential.RiskScore, parallel.Summary, parallel.RiskScore)
	}
}

func TestAnalyzeScoreMatchesFormula(t *testing.T) {
	res, err := newAnalyzer(t, detect.Settings{MinSeverity: model.Info}, 3).Analyze(context.Background(), &parser.Request{Rules: mixedRules, Type: "iptables"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.RiskScore < 0 || res.RiskScore > 100 {
		t.Fatalf("score %d out of range", res.RiskScore)
	}
	if res.RiskScore != risk.Score(res.Vulnerabilities) {
		t.Fatalf("score %d does not match formula %d", res.RiskScore, risk.Score(res.Vulnerabilities))
	}
	last := -1
	for _, v := range res.Vulnerabilities {
		if v.Severity.Rank() < last {
			t.Fatalf("findings not ordered by severity: %+v", res.Vulnerabilities)
		}
		last = v.Severity.Rank()
	}
}

func TestAnalyzeErrorTaxonomy(t *testing.T) {
	a := newAnalyzer(t, detect.Settings{}, 2)

	_, err := a.Analyze(context.Background(), &parser.Request{Rules: "", Type: "iptables"})
	var verr *parser.ValidationError
	if !errors.As(err, &verr) || verr.Field != "rules" {
		t.Fatalf("expected rules ValidationError, got %v", err)
	}

	_, err = a.Analyze(context.Background(), &parser.Request{Rules: "-A INPUT -j ACCEPT", Type: "pf"})
	if !errors.As(err, &verr) || verr.Field != "type" {
		t.Fatalf("expected type ValidationError, got %v", err)
	}

	_, err = a.Analyze(context.Background(), &parser.Request{Rules: "-A INPUT -p tcp --dport 22\n", Type: "iptables"})
	var perr *parser.ParseError
	if !errors.As(err, &perr) || perr.Line != 1 {
		t.Fatalf("expected ParseError on line 1, got %v", err)
	}
}

func TestAnalyzeSurfacesDetectorPanicAsInternalError(t *testing.T) {
	cat, err := detect.NewCatalogue(detect.Settings{})
	if err != nil {
		t.Fatalf("failed to build catalogue: %v", err)
	}
	err = cat.Register(detect.Detector{
		ID:       "broken",
		Title:    "Broken detector",
		Severity: model.Warning,
		Detect: func(rs *model.RuleSet) []model.Vulnerability {
			return []model.Vulnerability{{MatchedRule: rs.Rules[len(rs.Rules)].Index}}
		},
	})
	if err != nil {
		t.Fatalf("failed to register detector: %v", err)
	}

	a := New(cat, quietLogger(), 4)
	_, err = a.Analyze(context.Background(), &parser.Request{Rules: "-A INPUT -j DROP\n", Type: "iptables"})
	var ierr *InternalError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InternalError, got %v", err)
	}
	if ierr.Detector != "broken" {
		t.Fatalf("expected broken detector, got %q", ierr.Detector)
	}
}

func TestAnalyzeHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newAnalyzer(t, detect.Settings{}, 1).Analyze(ctx, &parser.Request{Rules: mixedRules, Type: "iptables"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	cat, err := detect.NewCatalogue(detect.Settings{})
	if err != nil {
		t.Fatalf("failed to build catalogue: %v", err)
	}
	dup := detect.Detector{ID: "ssh-world-open", Severity: model.Critical, Detect: func(*model.RuleSet) []model.Vulnerability { return nil }}
	if err := cat.Register(dup); err == nil {
		t.Fatal("expected duplicate detector to be rejected")
	}
}

// A rule behind an earlier drop of the same traffic is reported only as an
// ordering problem, never as an exposure.
func TestAnalyzeShadowedAcceptIsOnlyAnOrderingFinding(t *testing.T) {
	a := newAnalyzer(t, detect.Settings{MinSeverity: model.Info}, 2)
	req := &parser.Request{
		Rules: "*filter\n:INPUT DROP [0:0]\n-A INPUT -p tcp --dport 22 -j DROP\n-A INPUT -p tcp --dport 22 -j ACCEPT\nCOMMIT\n",
		Type:  "iptables",
	}

	res, err := a.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	ordering := false
	for _, v := range res.Vulnerabilities {
		if v.Severity == model.Critical {
			t.Fatalf("expected no critical findings, got %+v", v)
		}
		if v.DetectorID == "rule-ordering" && v.MatchedRule == 1 {
			ordering = true
		}
	}
	if !ordering {
		t.Fatalf("expected rule 1 to be reported as unreachable, got %+v", res.Vulnerabilities)
	}
}
