package report

import (
	"fmt"
	"sort"

	"firewall-audit/internal/model"
	"firewall-audit/internal/risk"
)

// Assemble merges per-detector findings, given in catalogue registration
// order, into an AnalysisResult. Exact (detector, rule) duplicates keep
// their first occurrence; the rest are ordered by severity and then by
// detection order.
func Assemble(rs *model.RuleSet, findings [][]model.Vulnerability) *model.AnalysisResult {
	type key struct {
		detector string
		rule     int
	}
	seen := make(map[key]bool)
	vulns := make([]model.Vulnerability, 0)
	for _, batch := range findings {
		for _, v := range batch {
			k := key{v.DetectorID, v.MatchedRule}
			if seen[k] {
				continue
			}
			seen[k] = true
			vulns = append(vulns, v)
		}
	}
	sort.SliceStable(vulns, func(i, j int) bool {
		return vulns[i].Severity.Rank() < vulns[j].Severity.Rank()
	})

	return &model.AnalysisResult{
		RiskScore:       risk.Score(vulns),
		TotalRules:      len(rs.Rules),
		Vulnerabilities: vulns,
		Summary:         Summary(rs, vulns),
		RuleSet:         rs,
	}
}

// Summary renders the fixed summary sentence for a result.
func Summary(rs *model.RuleSet, vulns []model.Vulnerability) string {
	counts := make(map[model.Severity]int)
	for _, v := range vulns {
		counts[v.Severity]++
	}
	return fmt.Sprintf("%d critical, %d warning, %d info findings across %d rules; default policy is %s",
		counts[model.Critical], counts[model.Warning], counts[model.Info], len(rs.Rules), rs.PolicyFor(model.Ingress))
}
