package detect

import (
	"fmt"

	"firewall-audit/internal/engine"
	"firewall-audit/internal/model"
)

func (c *Catalogue) registerInfo() {
	comment := Detector{ID: "rule-missing-comment", Title: "Rule has no comment", Severity: model.Info}
	comment.Detect = func(rs *model.RuleSet) []model.Vulnerability {
		var out []model.Vulnerability
		for _, i := range candidates(rs, func(r *model.Rule) bool { return r.Comment == "" }) {
			r := &rs.Rules[i]
			desc := fmt.Sprintf("%s carries no comment describing its purpose, which makes later review harder.", describeRule(rs, r))
			out = append(out, comment.finding(rs, i, comment.Title, desc, addComment(rs, r), nil))
		}
		return out
	}
	c.register(comment)

	logging := Detector{ID: "no-logging-rule", Title: "No logging rule", Severity: model.Info}
	logging.Detect = func(rs *model.RuleSet) []model.Vulnerability {
		if len(rs.Rules) == 0 {
			return nil
		}
		for i := range rs.Rules {
			r := &rs.Rules[i]
			if r.Active() && (r.Action == model.Log || r.Logged) {
				return nil
			}
		}
		var benchmark *string
		if rs.Dialect == model.PacketFilterText {
			benchmark = ref("CIS Linux 4.1.1")
		}
		desc := "No rule logs matched or dropped traffic, so blocked connection attempts leave no trace."
		v := logging.finding(rs, model.NoRule, logging.Title, desc, enableLogging(rs), benchmark)
		v.Chain = rs.ChainFor(model.Ingress)
		return []model.Vulnerability{v}
	}
	c.register(logging)

	ordering := Detector{ID: "rule-ordering", Title: "Suboptimal rule ordering", Severity: model.Info}
	ordering.Detect = func(rs *model.RuleSet) []model.Vulnerability {
		if rs.Dialect != model.PacketFilterText {
			return nil
		}
		var out []model.Vulnerability
		for _, chain := range rs.Chains() {
			out = append(out, orderingFindings(&ordering, rs, rs.Ordered(chain))...)
		}
		return out
	}
	c.register(ordering)

	legacy := Detector{ID: "legacy-protocol", Title: "Legacy protocol allowed", Severity: model.Info}
	ports := c.settings.Ports.Legacy
	legacy.Detect = func(rs *model.RuleSet) []model.Vulnerability {
		var out []model.Vulnerability
		for _, i := range candidates(rs, func(r *model.Rule) bool {
			return r.Action == model.Accept && carriesPorts(r)
		}) {
			r := &rs.Rules[i]
			hit := reachablePorts(rs, i, namedPorts(r, ports))
			if len(hit) == 0 {
				continue
			}
			desc := fmt.Sprintf("%s accepts %s, a legacy service with weak or no authentication.", describeRule(rs, r), labels(hit))
			out = append(out, legacy.finding(rs, i, legacy.Title, desc, removeRule(rs, r), nil))
		}
		return out
	}
	c.register(legacy)
}

// orderingFindings reports, for each rule in evaluation order, the first
// earlier rule that makes it unreachable, or the first earlier narrower
// rule it already subsumes with the same action. The finding is attached
// to the later rule.
func orderingFindings(d *Detector, rs *model.RuleSet, order []int) []model.Vulnerability {
	var out []model.Vulnerability
	for j := 1; j < len(order); j++ {
		later := &rs.Rules[order[j]]
		if !later.Active() || !later.Action.Terminating() {
			continue
		}
		for i := 0; i < j; i++ {
			earlier := &rs.Rules[order[i]]
			if !earlier.Active() || !earlier.Action.Terminating() {
				continue
			}
			if engine.Covers(earlier, later) {
				verb := "unreachable"
				if earlier.Action == later.Action {
					verb = "redundant"
				}
				desc := fmt.Sprintf("%s is %s: %s already matches all of its traffic.",
					describeRule(rs, later), verb, describeRule(rs, earlier))
				out = append(out, d.finding(rs, order[j], d.Title, desc, removeRule(rs, later), nil))
				break
			}
			if earlier.Action == later.Action && engine.Covers(later, earlier) {
				desc := fmt.Sprintf("%s is broader than %s, which sits above it with the same action; the narrower rule is redundant.",
					describeRule(rs, later), describeRule(rs, earlier))
				out = append(out, d.finding(rs, order[j], d.Title, desc, removeRule(rs, earlier), nil))
				break
			}
		}
	}
	return out
}
