package model

import (
	"sort"
	"strconv"
	"strings"
)

type Dialect string

const (
	PacketFilterText Dialect = "iptables"
	CloudJSON        Dialect = "gcp"
)

type Direction string

const (
	Ingress Direction = "ingress"
	Egress  Direction = "egress"
	Forward Direction = "forward"
)

// Inbound reports whether traffic matched in this direction originates
// outside the host or network being protected.
func (d Direction) Inbound() bool {
	return d == Ingress || d == Forward
}

type Protocol string // "tcp", "udp", "icmp", "all", or any other name verbatim

const (
	TCP  Protocol = "tcp"
	UDP  Protocol = "udp"
	ICMP Protocol = "icmp"
	All  Protocol = "all"
)

type Action string

const (
	Accept Action = "accept"
	Drop   Action = "drop"
	Reject Action = "reject"
	Log    Action = "log"  // non-terminating logging target
	Jump   Action = "jump" // user chain, RETURN, or any other target
)

// Terminating reports whether the action ends evaluation for a matched packet.
func (a Action) Terminating() bool {
	return a == Accept || a == Drop || a == Reject
}

type Policy string

const (
	PolicyAccept      Policy = "accept"
	PolicyDrop        Policy = "drop"
	PolicyReject      Policy = "reject"
	PolicyUnspecified Policy = "unspecified"
)

// Denies reports whether the policy blocks unmatched traffic.
func (p Policy) Denies() bool {
	return p == PolicyDrop || p == PolicyReject
}

type PortRange struct {
	Low  int
	High int
}

func (r PortRange) Contains(port int) bool {
	return port >= r.Low && port <= r.High
}

func (r PortRange) String() string {
	if r.Low == r.High {
		return strconv.Itoa(r.Low)
	}
	return strconv.Itoa(r.Low) + "-" + strconv.Itoa(r.High)
}

// PortSet is a list of port ranges. An empty set matches every port.
type PortSet []PortRange

func (s PortSet) Any() bool {
	return len(s) == 0
}

func (s PortSet) Contains(port int) bool {
	if s.Any() {
		return true
	}
	for _, r := range s {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

// Names reports whether the set explicitly lists the port. Unlike Contains,
// an empty set names nothing.
func (s PortSet) Names(port int) bool {
	return !s.Any() && s.Contains(port)
}

// Matching returns the ports from candidates that the set contains, in
// candidate order.
func (s PortSet) Matching(candidates []int) []int {
	var out []int
	for _, p := range candidates {
		if s.Contains(p) {
			out = append(out, p)
		}
	}
	return out
}

// Covers reports whether every port in other is also in s.
func (s PortSet) Covers(other PortSet) bool {
	if s.Any() {
		return true
	}
	if other.Any() {
		return false
	}
	for _, o := range other {
		covered := false
		for _, r := range s {
			if r.Low <= o.Low && r.High >= o.High {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

func (s PortSet) String() string {
	if s.Any() {
		return "any"
	}
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// Rule is one firewall directive normalized from either dialect.
type Rule struct {
	Index     int // position in RuleSet.Rules
	Direction Direction
	Chain     string // iptables chain, or INGRESS/EGRESS for cloud rules
	Table     string // iptables table; empty for cloud rules
	Position  int    // 1-based position inside Chain
	Name      string // cloud rule name

	Protocol          Protocol
	Ports             PortSet
	SourcePorts       PortSet
	SourceRanges      []string
	DestinationRanges []string
	SourceNegated     bool
	DestNegated       bool
	SourceTags        []string
	TargetTags        []string
	InInterface       string
	OutInterface      string

	Action Action
	Target string // raw target as written, e.g. ACCEPT, LOG, ufw-user-input

	Priority *int // cloud priority; nil when list position decides

	Comment    string
	Modules    []string // match extensions other than comment/multiport
	ConnStates []string // --state / --ctstate values, upper case
	ICMPType   string
	RateLimit  string
	// RedirectPort is the port a REDIRECT/DNAT target rewrites to, or 0.
	RedirectPort int
	Logged       bool // the rule itself emits log records (cloud logConfig)
	Disabled     bool

	Raw string
}

// Public reports whether any address in the rule's relevant range set
// is reachable from the whole internet.
func (r *Rule) Public() bool {
	if r.Direction.Inbound() {
		return r.SourceNegated || anyWorld(r.SourceRanges)
	}
	return r.DestNegated || anyWorld(r.DestinationRanges)
}

// Ranges returns the peer range list relevant to the rule's direction:
// sources for inbound rules, destinations for egress rules.
func (r *Rule) Ranges() []string {
	if r.Direction.Inbound() {
		return r.SourceRanges
	}
	return r.DestinationRanges
}

// Filtering reports whether the rule lives in a packet-filtering chain, as
// opposed to nat or mangle rules that only rewrite or mark packets.
func (r *Rule) Filtering() bool {
	return r.Table == "" || r.Table == "filter"
}

// Restricted reports whether the rule matches less than its address,
// protocol and port fields suggest: loopback-only, established-only, or
// narrowed by an address set or another match extension.
func (r *Rule) Restricted() bool {
	if r.InInterface == "lo" || len(r.SourceTags) > 0 {
		return true
	}
	for _, m := range r.Modules {
		switch m {
		case "state", "conntrack":
			if !hasString(r.ConnStates, "NEW") {
				return true
			}
		case "limit", "hashlimit", "recent":
		default:
			return true
		}
	}
	return false
}

// RateLimited reports whether the rule only matches up to a packet rate.
func (r *Rule) RateLimited() bool {
	return r.RateLimit != "" || hasString(r.Modules, "hashlimit")
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Active reports whether detectors should consider the rule.
func (r *Rule) Active() bool {
	return !r.Disabled
}

func anyWorld(ranges []string) bool {
	for _, cidr := range ranges {
		if IsWorld(cidr) {
			return true
		}
	}
	return false
}

// IsWorld reports whether cidr has a zero-length prefix.
func IsWorld(cidr string) bool {
	cidr = strings.TrimSpace(cidr)
	i := strings.LastIndexByte(cidr, '/')
	if i < 0 {
		return false
	}
	return strings.TrimLeft(cidr[i+1:], "0") == "" && i+1 < len(cidr)
}

// RuleSet is the parsed, immutable result of one input document.
type RuleSet struct {
	Dialect Dialect
	Rules   []Rule
	// DefaultPolicy maps a chain (INPUT, OUTPUT, FORWARD, or INGRESS/EGRESS)
	// to the action applied when no rule matches.
	DefaultPolicy map[string]Policy
	// PolicyRaw keeps the source line that declared each chain's policy.
	PolicyRaw map[string]string
}

// ChainFor returns the chain that carries the default policy for d.
func (rs *RuleSet) ChainFor(d Direction) string {
	if rs.Dialect == CloudJSON {
		if d == Egress {
			return "EGRESS"
		}
		return "INGRESS"
	}
	switch d {
	case Egress:
		return "OUTPUT"
	case Forward:
		return "FORWARD"
	default:
		return "INPUT"
	}
}

// PolicyFor returns the default policy for d, or PolicyUnspecified.
func (rs *RuleSet) PolicyFor(d Direction) Policy {
	if p, ok := rs.DefaultPolicy[rs.ChainFor(d)]; ok {
		return p
	}
	return PolicyUnspecified
}

// Ordered returns the indices of filtering rules in the given chain in
// evaluation order: ascending priority, ties broken by original position.
// Rules from iptables tables other than filter are never included.
func (rs *RuleSet) Ordered(chain string) []int {
	var idx []int
	for i := range rs.Rules {
		if rs.Rules[i].Chain == chain && rs.Rules[i].Filtering() {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return priorityOf(&rs.Rules[idx[a]]) < priorityOf(&rs.Rules[idx[b]])
	})
	return idx
}

// Chains returns the distinct filtering chain names in first-seen order.
func (rs *RuleSet) Chains() []string {
	seen := make(map[string]bool)
	var out []string
	for i := range rs.Rules {
		if !rs.Rules[i].Filtering() {
			continue
		}
		c := rs.Rules[i].Chain
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func priorityOf(r *Rule) int {
	if r.Priority == nil {
		return 0
	}
	return *r.Priority
}

type Severity string

const (
	Critical Severity = "critical"
	Warning  Severity = "warning"
	Info     Severity = "info"
)

// Rank orders severities from most to least severe; unknown values sort last.
func (s Severity) Rank() int {
	switch s {
	case Critical:
		return 0
	case Warning:
		return 1
	case Info:
		return 2
	default:
		return 3
	}
}

func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case Critical:
		return Critical, true
	case Warning:
		return Warning, true
	case Info:
		return Info, true
	}
	return "", false
}

// NoRule marks a finding about the rule set as a whole rather than one rule.
const NoRule = -1

type Vulnerability struct {
	ID                 string
	DetectorID         string
	Title              string
	Description        string
	Severity           Severity
	MatchedRule        int // index into RuleSet.Rules, or NoRule
	Chain              string
	FixCommand         string
	BenchmarkReference *string
}

type AnalysisResult struct {
	RiskScore       int
	TotalRules      int
	Vulnerabilities []Vulnerability
	Summary         string
	RuleSet         *RuleSet
}

// RuleText returns the source fragment a finding refers to.
func (res *AnalysisResult) RuleText(v *Vulnerability) string {
	if res.RuleSet == nil {
		return ""
	}
	if v.MatchedRule >= 0 && v.MatchedRule < len(res.RuleSet.Rules) {
		return res.RuleSet.Rules[v.MatchedRule].Raw
	}
	if raw, ok := res.RuleSet.PolicyRaw[v.Chain]; ok {
		return raw
	}
	return ""
}
