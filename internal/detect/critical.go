package detect

import (
	"fmt"
	"strings"

	"firewall-audit/internal/model"
	"firewall-audit/pkg/wellknown"
)

func (c *Catalogue) registerCritical() {
	p := c.settings.Ports
	c.exposure("ssh-world-open", "SSH open to world", p.SSH,
		map[model.Dialect]string{model.CloudJSON: "CIS GCP 3.6"})
	c.exposure("rdp-world-open", "RDP open to world", p.RDP,
		map[model.Dialect]string{model.CloudJSON: "CIS GCP 3.7"})
	c.exposure("database-world-open", "Database port open to world", p.Databases, nil)

	allowAll := Detector{ID: "allow-all-world", Title: "All traffic allowed from anywhere", Severity: model.Critical}
	allowAll.Detect = func(rs *model.RuleSet) []model.Vulnerability {
		var out []model.Vulnerability
		for _, i := range candidates(rs, func(r *model.Rule) bool {
			return publicAccept(r) && r.Protocol == model.All && r.Ports.Any()
		}) {
			if shadowed(rs, i, 0) {
				continue
			}
			r := &rs.Rules[i]
			desc := fmt.Sprintf("%s accepts every protocol and port from any address, bypassing every other rule below it.", describeRule(rs, r))
			out = append(out, allowAll.finding(rs, i, allowAll.Title, desc, removeRule(rs, r), nil))
		}
		return out
	}
	c.register(allowAll)

	noDeny := Detector{ID: "no-default-deny", Title: "No default deny policy", Severity: model.Critical}
	noDeny.Detect = func(rs *model.RuleSet) []model.Vulnerability {
		policy := rs.PolicyFor(model.Ingress)
		if policy.Denies() {
			return nil
		}
		chain := rs.ChainFor(model.Ingress)
		var benchmark *string
		if rs.Dialect == model.PacketFilterText {
			benchmark = ref("CIS Linux 3.5.3.2.4")
		}
		desc := fmt.Sprintf("The %s chain's default policy is %s, so any inbound traffic not explicitly dropped is accepted.", chain, policy)
		v := noDeny.finding(rs, model.NoRule, noDeny.Title, desc, defaultDeny(rs), benchmark)
		v.Chain = chain
		return []model.Vulnerability{v}
	}
	c.register(noDeny)
}

// exposure registers a detector for publicly reachable accept rules that
// decide traffic for any of the given ports. An empty port set on the rule
// counts as every port.
func (c *Catalogue) exposure(id, title string, ports []int, refs map[model.Dialect]string) {
	d := Detector{ID: id, Title: title, Severity: model.Critical}
	d.Detect = func(rs *model.RuleSet) []model.Vulnerability {
		var benchmark *string
		if r, ok := refs[rs.Dialect]; ok {
			benchmark = ref(r)
		}
		var out []model.Vulnerability
		for _, i := range candidates(rs, func(r *model.Rule) bool {
			return publicAccept(r) && carriesPorts(r)
		}) {
			r := &rs.Rules[i]
			hit := reachablePorts(rs, i, r.Ports.Matching(ports))
			if len(hit) == 0 {
				continue
			}
			labels := make([]string, len(hit))
			for k, port := range hit {
				labels[k] = wellknown.Label(port)
			}
			findingTitle := title
			if len(ports) > 1 {
				findingTitle = fmt.Sprintf("%s: %s", title, strings.Join(labels, ", "))
			}
			desc := fmt.Sprintf("%s accepts %s from %s.", describeRule(rs, r), strings.Join(labels, ", "), sourceText(r))
			out = append(out, d.finding(rs, i, findingTitle, desc, restrictSource(rs, r), benchmark))
		}
		return out
	}
	c.register(d)
}

func sourceText(r *model.Rule) string {
	if r.SourceNegated {
		return "every address outside " + strings.Join(r.SourceRanges, ", ")
	}
	return "the entire internet (" + strings.Join(r.SourceRanges, ", ") + ")"
}
