package detect

import (
	"fmt"
	"strconv"
	"strings"

	"firewall-audit/internal/model"
)

const (
	trustedPlaceholder = "<TRUSTED_CIDR>"
	namePlaceholder    = "<RULE_NAME>"
)

// restrictSource rewrites the rule with a trusted source range.
func restrictSource(rs *model.RuleSet, r *model.Rule) string {
	if rs.Dialect == model.CloudJSON {
		return fmt.Sprintf("gcloud compute firewall-rules update %s --source-ranges=%s", cloudName(r), trustedPlaceholder)
	}
	return replaceRule(r, ruleSpec(r, trustedPlaceholder, ""))
}

// removeRule deletes the rule outright.
func removeRule(rs *model.RuleSet, r *model.Rule) string {
	if rs.Dialect == model.CloudJSON {
		return fmt.Sprintf("gcloud compute firewall-rules delete %s", cloudName(r))
	}
	return fmt.Sprintf("iptables%s -D %s %d", tableFlag(r), r.Chain, r.Position)
}

func defaultDeny(rs *model.RuleSet) string {
	if rs.Dialect == model.CloudJSON {
		return "gcloud compute firewall-rules create deny-all-ingress --direction=INGRESS --priority=65534 --action=DENY --rules=all --source-ranges=0.0.0.0/0"
	}
	return fmt.Sprintf("iptables -P %s DROP", rs.ChainFor(model.Ingress))
}

func httpsRedirect(rs *model.RuleSet, r *model.Rule, httpsPort int) string {
	if rs.Dialect == model.CloudJSON {
		return fmt.Sprintf("gcloud compute firewall-rules update %s --rules=tcp:%d", cloudName(r), httpsPort)
	}
	httpPort := 80
	if len(r.Ports) > 0 {
		httpPort = r.Ports[0].Low
	}
	return fmt.Sprintf("iptables -t nat -A PREROUTING -p tcp --dport %d -j REDIRECT --to-ports %d", httpPort, httpsPort)
}

func limitICMP(rs *model.RuleSet, r *model.Rule) string {
	if rs.Dialect == model.CloudJSON {
		return restrictSource(rs, r)
	}
	return replaceRule(r, ruleSpec(r, "", "--icmp-type echo-request -m limit --limit 1/s"))
}

func addComment(rs *model.RuleSet, r *model.Rule) string {
	if rs.Dialect == model.CloudJSON {
		return fmt.Sprintf("gcloud compute firewall-rules update %s --description=\"<purpose of this rule>\"", cloudName(r))
	}
	return replaceRule(r, ruleSpec(r, "", "-m comment --comment \"<purpose of this rule>\""))
}

func enableLogging(rs *model.RuleSet) string {
	if rs.Dialect == model.CloudJSON {
		return fmt.Sprintf("gcloud compute firewall-rules update %s --enable-logging", namePlaceholder)
	}
	return fmt.Sprintf("iptables -A %s -m limit --limit 5/min -j LOG --log-prefix \"iptables-dropped: \" --log-level 4", rs.ChainFor(model.Ingress))
}

func replaceRule(r *model.Rule, spec string) string {
	return fmt.Sprintf("iptables%s -R %s %d %s", tableFlag(r), r.Chain, r.Position, spec)
}

func tableFlag(r *model.Rule) string {
	if r.Table == "" || r.Table == "filter" {
		return ""
	}
	return " -t " + r.Table
}

func cloudName(r *model.Rule) string {
	if r.Name == "" {
		return namePlaceholder
	}
	return r.Name
}

// ruleSpec renders the rule's matches and target as iptables arguments.
// A non-empty source replaces the rule's sources; extra is appended before
// the target.
func ruleSpec(r *model.Rule, source, extra string) string {
	var parts []string
	switch {
	case source != "":
		parts = append(parts, "-s", source)
	case !onlyWorld(r.SourceRanges):
		if r.SourceNegated {
			parts = append(parts, "!")
		}
		parts = append(parts, "-s", strings.Join(r.SourceRanges, ","))
	}
	if !onlyWorld(r.DestinationRanges) {
		if r.DestNegated {
			parts = append(parts, "!")
		}
		parts = append(parts, "-d", strings.Join(r.DestinationRanges, ","))
	}
	if r.InInterface != "" {
		parts = append(parts, "-i", r.InInterface)
	}
	if r.OutInterface != "" {
		parts = append(parts, "-o", r.OutInterface)
	}
	if r.Protocol != model.All && r.Protocol != "" {
		if neg, ok := strings.CutPrefix(string(r.Protocol), "!"); ok {
			parts = append(parts, "!", "-p", neg)
		} else {
			parts = append(parts, "-p", string(r.Protocol))
		}
	}
	switch {
	case len(r.Ports) == 1:
		parts = append(parts, "--dport", iptablesRange(r.Ports[0]))
	case len(r.Ports) > 1:
		ranges := make([]string, len(r.Ports))
		for i, pr := range r.Ports {
			ranges[i] = iptablesRange(pr)
		}
		parts = append(parts, "-m", "multiport", "--dports", strings.Join(ranges, ","))
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	parts = append(parts, "-j", r.Target)
	return strings.Join(parts, " ")
}

func iptablesRange(pr model.PortRange) string {
	if pr.Low == pr.High {
		return strconv.Itoa(pr.Low)
	}
	return strconv.Itoa(pr.Low) + ":" + strconv.Itoa(pr.High)
}

func onlyWorld(ranges []string) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if r != "0.0.0.0/0" {
			return false
		}
	}
	return true
}
