package detect

import (
	"fmt"
	"strings"

	"firewall-audit/internal/model"
	"firewall-audit/internal/utils"
	"firewall-audit/pkg/wellknown"
)

func (c *Catalogue) registerWarning() {
	threshold := c.settings.BroadPrefixThreshold
	broad := Detector{ID: "broad-source-cidr", Title: "Overly broad source range", Severity: model.Warning}
	broad.Detect = func(rs *model.RuleSet) []model.Vulnerability {
		var out []model.Vulnerability
		for _, i := range candidates(rs, func(r *model.Rule) bool {
			return r.Action == model.Accept && !r.SourceNegated
		}) {
			if shadowed(rs, i, 0) {
				continue
			}
			r := &rs.Rules[i]
			var wide []string
			for _, cidr := range r.SourceRanges {
				if bits, ok := utils.PrefixLen(cidr); ok && bits > 0 && bits < threshold {
					wide = append(wide, cidr)
				}
			}
			if len(wide) == 0 {
				continue
			}
			desc := fmt.Sprintf("%s accepts traffic from %s, broader than a /%d network.",
				describeRule(rs, r), strings.Join(wide, ", "), threshold)
			out = append(out, broad.finding(rs, i, broad.Title, desc, restrictSource(rs, r), nil))
		}
		return out
	}
	c.register(broad)

	p := c.settings.Ports
	httpDetector := Detector{ID: "http-without-https-redirect", Title: "HTTP allowed without HTTPS redirect", Severity: model.Warning}
	httpDetector.Detect = func(rs *model.RuleSet) []model.Vulnerability {
		httpsPort := 443
		if len(p.HTTPS) > 0 {
			httpsPort = p.HTTPS[0]
		}
		var out []model.Vulnerability
		for _, i := range candidates(rs, func(r *model.Rule) bool {
			return r.Action == model.Accept && r.Direction.Inbound() && carriesPorts(r) && !r.Restricted()
		}) {
			r := &rs.Rules[i]
			var plain []int
			for _, port := range p.HTTP {
				if r.Ports.Names(port) && !redirected(rs, port, p.HTTPS) && !shadowed(rs, i, port) {
					plain = append(plain, port)
				}
			}
			if len(plain) == 0 {
				continue
			}
			desc := fmt.Sprintf("%s accepts unencrypted HTTP on port %s and no rule redirects it to HTTPS.",
				describeRule(rs, r), joinPorts(plain))
			out = append(out, httpDetector.finding(rs, i, httpDetector.Title, desc, httpsRedirect(rs, r, httpsPort), nil))
		}
		return out
	}
	c.register(httpDetector)

	c.cleartext("telnet-enabled", "Telnet allowed", p.Telnet)
	c.cleartext("ftp-enabled", "FTP allowed", p.FTP)

	icmp := Detector{ID: "icmp-unrestricted", Title: "Unrestricted ICMP", Severity: model.Warning}
	icmp.Detect = func(rs *model.RuleSet) []model.Vulnerability {
		var out []model.Vulnerability
		for _, i := range candidates(rs, func(r *model.Rule) bool {
			return publicAccept(r) && r.Protocol == model.ICMP && r.ICMPType == "" && !r.RateLimited()
		}) {
			if shadowed(rs, i, 0) {
				continue
			}
			r := &rs.Rules[i]
			desc := fmt.Sprintf("%s accepts every ICMP type from any address with no rate limit.", describeRule(rs, r))
			out = append(out, icmp.finding(rs, i, icmp.Title, desc, limitICMP(rs, r), nil))
		}
		return out
	}
	c.register(icmp)
}

// cleartext registers a detector for accept rules that explicitly name a
// cleartext service port, in either direction.
func (c *Catalogue) cleartext(id, title string, ports []int) {
	d := Detector{ID: id, Title: title, Severity: model.Warning}
	d.Detect = func(rs *model.RuleSet) []model.Vulnerability {
		var out []model.Vulnerability
		for _, i := range candidates(rs, func(r *model.Rule) bool {
			return r.Action == model.Accept && carriesPorts(r)
		}) {
			r := &rs.Rules[i]
			hit := reachablePorts(rs, i, namedPorts(r, ports))
			if len(hit) == 0 {
				continue
			}
			desc := fmt.Sprintf("%s accepts %s, which sends credentials and data unencrypted.", describeRule(rs, r), labels(hit))
			out = append(out, d.finding(rs, i, title, desc, removeRule(rs, r), nil))
		}
		return out
	}
	c.register(d)
}

// redirected reports whether some rule rewrites traffic for port to one of
// the HTTPS ports.
func redirected(rs *model.RuleSet, port int, https []int) bool {
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if !r.Active() || r.RedirectPort == 0 || !r.Ports.Contains(port) {
			continue
		}
		for _, h := range https {
			if r.RedirectPort == h {
				return true
			}
		}
	}
	return false
}

func namedPorts(r *model.Rule, ports []int) []int {
	var out []int
	for _, port := range ports {
		if r.Ports.Names(port) {
			out = append(out, port)
		}
	}
	return out
}

func labels(ports []int) string {
	out := make([]string, len(ports))
	for i, port := range ports {
		out[i] = wellknown.Label(port)
	}
	return strings.Join(out, ", ")
}

func joinPorts(ports []int) string {
	out := make([]string, len(ports))
	for i, port := range ports {
		out[i] = fmt.Sprint(port)
	}
	return strings.Join(out, ", ")
}
