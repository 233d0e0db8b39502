package parser

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"firewall-audit/internal/model"
	"firewall-audit/internal/utils"
	"firewall-audit/pkg/wellknown"
)

const (
	anyIPv4     = "0.0.0.0/0"
	maxPort     = 65535
	filterTable = "filter"
)

// IptablesParser reads iptables-save output (and pasted iptables commands)
// into a RuleSet.
type IptablesParser struct {
	scanner *bufio.Scanner
	line    int

	table     string
	committed bool

	pendingComment    string
	pendingCommentRaw string

	positions map[string]int      // table/chain -> rules seen so far
	callers   map[string][]string // filter user chain -> chains jumping to it
	declared  bool

	RuleSet *model.RuleSet
}

func NewIptablesParser(reader io.Reader) *IptablesParser {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &IptablesParser{
		scanner:   scanner,
		table:     filterTable,
		positions: make(map[string]int),
		callers:   make(map[string][]string),
		RuleSet: &model.RuleSet{
			Dialect:       model.PacketFilterText,
			DefaultPolicy: make(map[string]model.Policy),
			PolicyRaw:     make(map[string]string),
		},
	}
}

func (p *IptablesParser) Parse() (*model.RuleSet, error) {
	for p.scanner.Scan() {
		p.line++
		line := strings.TrimSpace(p.scanner.Text())
		if err := p.parseLine(line); err != nil {
			return nil, err
		}
	}
	if err := p.scanner.Err(); err != nil {
		return nil, &ParseError{Line: p.line + 1, Reason: fmt.Sprintf("error reading rules: %v", err)}
	}
	if len(p.RuleSet.Rules) == 0 && !p.declared {
		return nil, &ParseError{Reason: "no firewall rules or chain declarations found"}
	}
	p.resolveUserChains()
	return p.RuleSet, nil
}

func (p *IptablesParser) parseLine(line string) error {
	switch {
	case line == "":
		p.clearComment()
		return nil
	case strings.HasPrefix(line, "#"):
		p.pendingComment = strings.TrimSpace(strings.TrimLeft(line, "#"))
		p.pendingCommentRaw = line
		return nil
	}

	defer p.clearComment()
	body := stripCommandPrefix(line)

	switch {
	case strings.HasPrefix(body, "*"):
		p.table = strings.TrimSpace(body[1:])
		if p.table == "" {
			return &ParseError{Line: p.line, Reason: "table header without a name"}
		}
		p.committed = false
		return nil
	case body == "COMMIT":
		p.committed = true
		return nil
	case strings.HasPrefix(body, ":"):
		return p.parseChainDecl(line, body)
	}

	tokens, err := tokenize(body)
	if err != nil {
		return &ParseError{Line: p.line, Reason: err.Error()}
	}
	table := p.table
	if len(tokens) >= 2 && (tokens[0] == "-t" || tokens[0] == "--table") {
		table = tokens[1]
		tokens = tokens[2:]
	} else if p.committed {
		return &ParseError{Line: p.line, Reason: "rule outside a table section (missing *table header after COMMIT)"}
	}
	if len(tokens) == 0 {
		return &ParseError{Line: p.line, Reason: "unrecognized line"}
	}

	switch tokens[0] {
	case "-A", "--append":
		return p.parseRule(line, table, tokens[0], tokens[1:], 0)
	case "-I", "--insert":
		args := tokens[1:]
		at := 1
		if len(args) >= 2 && isNumeric(args[1]) {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return &ParseError{Line: p.line, Field: tokens[0], Reason: fmt.Sprintf("invalid rule number %q", args[1])}
			}
			at = n
			args = append([]string{args[0]}, args[2:]...)
		}
		return p.parseRule(line, table, tokens[0], args, at)
	case "-P", "--policy":
		if len(tokens) < 3 {
			return &ParseError{Line: p.line, Field: tokens[0], Reason: "policy requires a chain and a target"}
		}
		return p.setPolicy(line, table, tokens[1], tokens[2])
	case "-N", "--new-chain":
		p.declared = true
		return nil
	default:
		return &ParseError{Line: p.line, Reason: fmt.Sprintf("unrecognized line %q", line)}
	}
}

func (p *IptablesParser) parseChainDecl(line, body string) error {
	parts := strings.Fields(body)
	name := strings.TrimPrefix(parts[0], ":")
	if name == "" || len(parts) < 2 {
		return &ParseError{Line: p.line, Reason: "chain declaration requires a name and a policy"}
	}
	return p.setPolicy(line, p.table, name, parts[1])
}

func (p *IptablesParser) setPolicy(line, table, chain, target string) error {
	var policy model.Policy
	switch strings.ToUpper(target) {
	case "ACCEPT":
		policy = model.PolicyAccept
	case "DROP":
		policy = model.PolicyDrop
	case "REJECT":
		policy = model.PolicyReject
	case "-":
		policy = model.PolicyUnspecified
	default:
		return &ParseError{Line: p.line, Field: chain, Reason: fmt.Sprintf("invalid chain policy %q", target)}
	}
	p.declared = true
	if table != filterTable {
		return nil
	}
	if policy != model.PolicyUnspecified {
		p.RuleSet.DefaultPolicy[chain] = policy
	}
	p.RuleSet.PolicyRaw[chain] = line
	return nil
}

// parseRule appends the rule to its chain, or inserts it at the 1-based
// chain position insertAt when that is positive.
func (p *IptablesParser) parseRule(line, table, command string, tokens []string, insertAt int) error {
	if len(tokens) == 0 || strings.HasPrefix(tokens[0], "-") {
		return &ParseError{Line: p.line, Field: command, Reason: "missing chain name"}
	}
	rule := model.Rule{
		Chain:    tokens[0],
		Table:    table,
		Protocol: model.All,
		Comment:  p.pendingComment,
		Raw:      line,
	}
	if p.pendingCommentRaw != "" {
		rule.Raw = p.pendingCommentRaw + "\n" + line
	}

	negate := false
	for i := 1; i < len(tokens); i++ {
		flag := tokens[i]
		if flag == "!" {
			negate = true
			continue
		}

		takesValue := flagTakesValue(flag, tokens, i)
		var value string
		if takesValue {
			if i+1 >= len(tokens) {
				return &ParseError{Line: p.line, Field: flag, Reason: "flag requires a value"}
			}
			i++
			value = tokens[i]
			// legacy placement: -s ! 10.0.0.0/8
			if value == "!" && i+1 < len(tokens) {
				negate = true
				i++
				value = tokens[i]
			}
		}

		if err := p.applyFlag(&rule, flag, value, negate); err != nil {
			return err
		}
		negate = false
	}

	if rule.Target == "" {
		return &ParseError{Line: p.line, Field: "-j", Reason: "missing required target -j"}
	}
	if len(rule.SourceRanges) == 0 {
		rule.SourceRanges = []string{anyIPv4}
	}
	if len(rule.DestinationRanges) == 0 {
		rule.DestinationRanges = []string{anyIPv4}
	}
	rule.Direction = chainDirection(rule.Chain)

	key := table + "/" + rule.Chain
	count := p.positions[key]
	if insertAt > count+1 {
		return &ParseError{Line: p.line, Field: command, Reason: fmt.Sprintf("rule number %d is past the end of chain %s (%d rules)", insertAt, rule.Chain, count)}
	}
	p.positions[key]++

	if table == filterTable && rule.Action == model.Jump && !isBuiltinChain(rule.Target) && rule.Target != "RETURN" {
		p.callers[rule.Target] = append(p.callers[rule.Target], rule.Chain)
	}
	if insertAt == 0 || insertAt == count+1 {
		rule.Position = count + 1
		rule.Index = len(p.RuleSet.Rules)
		p.RuleSet.Rules = append(p.RuleSet.Rules, rule)
		return nil
	}
	p.insertRule(rule, insertAt)
	return nil
}

// insertRule places rule before the rule currently at position at in the
// same chain and shifts the later positions and indices.
func (p *IptablesParser) insertRule(rule model.Rule, at int) {
	rules := p.RuleSet.Rules
	idx := len(rules)
	for i := range rules {
		r := &rules[i]
		if r.Table != rule.Table || r.Chain != rule.Chain {
			continue
		}
		if r.Position == at {
			idx = i
		}
		if r.Position >= at {
			r.Position++
		}
	}
	rule.Position = at
	rules = slices.Insert(rules, idx, rule)
	for i := idx; i < len(rules); i++ {
		rules[i].Index = i
	}
	p.RuleSet.Rules = rules
}

func (p *IptablesParser) applyFlag(rule *model.Rule, flag, value string, negate bool) error {
	var err error
	switch flag {
	case "-p", "--protocol":
		rule.Protocol = normalizeProtocol(value)
		if negate {
			rule.Protocol = model.Protocol("!" + string(rule.Protocol))
		}
	case "-s", "--source", "--src":
		rule.SourceRanges, err = parseRanges(value)
		rule.SourceNegated = negate
	case "-d", "--destination", "--dst":
		rule.DestinationRanges, err = parseRanges(value)
		rule.DestNegated = negate
	case "--dport", "--destination-port", "--dports", "--destination-ports":
		rule.Ports, err = parsePorts(value)
		if err == nil && negate {
			rule.Ports = complement(rule.Ports)
		}
	case "--sport", "--source-port", "--sports", "--source-ports":
		rule.SourcePorts, err = parsePorts(value)
		if err == nil && negate {
			rule.SourcePorts = complement(rule.SourcePorts)
		}
	case "-j", "--jump", "-g", "--goto":
		rule.Target = value
		rule.Action = targetAction(value)
	case "-m", "--match":
		switch value {
		case "comment", "multiport", "tcp", "udp", "icmp", "icmp6":
		default:
			rule.Modules = append(rule.Modules, value)
		}
	case "--comment":
		rule.Comment = value
	case "--limit", "--hashlimit-upto", "--hashlimit":
		rule.RateLimit = value
	case "--state", "--ctstate":
		rule.ConnStates = splitList(strings.ToUpper(value))
	case "--icmp-type", "--icmpv6-type":
		rule.ICMPType = value
		if negate {
			rule.ICMPType = "!" + value
		}
	case "-i", "--in-interface":
		rule.InInterface = value
	case "-o", "--out-interface":
		rule.OutInterface = value
	case "--to-ports", "--to-port":
		rule.RedirectPort, err = firstPort(value)
	case "--to-destination":
		if i := strings.LastIndex(value, ":"); i >= 0 && !strings.HasSuffix(value, "]") {
			rule.RedirectPort, err = firstPort(value[i+1:])
		}
	}
	if err != nil {
		return &ParseError{Line: p.line, Field: flag, Reason: err.Error()}
	}
	return nil
}

// flagTakesValue decides whether the token after flag is its argument.
// Known boolean flags never take one; unknown flags take the next token
// unless it looks like another flag.
func flagTakesValue(flag string, tokens []string, i int) bool {
	switch flag {
	case "--syn", "--log-uid", "--log-tcp-sequence", "--log-tcp-options", "--log-ip-options",
		"--rcheck", "--update", "--set", "--remove", "--rsource", "--rdest", "--random", "--persistent",
		"--fragment", "-f":
		return false
	}
	if !strings.HasPrefix(flag, "-") {
		// stray value; keep it in Raw only
		return false
	}
	if i+1 >= len(tokens) {
		switch flag {
		case "-p", "--protocol", "-s", "--source", "-d", "--destination", "-j", "--jump",
			"--dport", "--sport", "--dports", "--sports", "-m", "--match", "--comment":
			return true // reported as a missing value
		}
		return false
	}
	next := tokens[i+1]
	if next == "!" {
		return true
	}
	return !strings.HasPrefix(next, "-") || isNumeric(next)
}

func (p *IptablesParser) clearComment() {
	p.pendingComment = ""
	p.pendingCommentRaw = ""
}

// resolveUserChains gives rules in user-defined filter chains the direction
// of the first built-in chain that reaches them.
func (p *IptablesParser) resolveUserChains() {
	cache := make(map[string]model.Direction)
	for i := range p.RuleSet.Rules {
		rule := &p.RuleSet.Rules[i]
		if rule.Table != filterTable || isBuiltinChain(rule.Chain) {
			continue
		}
		dir, ok := cache[rule.Chain]
		if !ok {
			dir = p.reachingDirection(rule.Chain, make(map[string]bool))
			if dir == "" {
				dir = model.Ingress // unreferenced, or only reachable from a loop
			}
			cache[rule.Chain] = dir
		}
		rule.Direction = dir
	}
}

func (p *IptablesParser) reachingDirection(chain string, visited map[string]bool) model.Direction {
	if isBuiltinChain(chain) {
		return chainDirection(chain)
	}
	if visited[chain] {
		return ""
	}
	visited[chain] = true
	for _, caller := range p.callers[chain] {
		if dir := p.reachingDirection(caller, visited); dir != "" {
			return dir
		}
	}
	return ""
}

func chainDirection(chain string) model.Direction {
	switch chain {
	case "OUTPUT", "POSTROUTING":
		return model.Egress
	case "FORWARD":
		return model.Forward
	default:
		return model.Ingress
	}
}

func isBuiltinChain(chain string) bool {
	switch chain {
	case "INPUT", "OUTPUT", "FORWARD", "PREROUTING", "POSTROUTING":
		return true
	}
	return false
}

func targetAction(target string) model.Action {
	switch strings.ToUpper(target) {
	case "ACCEPT":
		return model.Accept
	case "DROP":
		return model.Drop
	case "REJECT":
		return model.Reject
	case "LOG", "NFLOG", "ULOG":
		return model.Log
	default:
		return model.Jump
	}
}

func normalizeProtocol(value string) model.Protocol {
	switch strings.ToLower(value) {
	case "tcp", "6":
		return model.TCP
	case "udp", "17":
		return model.UDP
	case "icmp", "1", "icmpv6", "ipv6-icmp", "58":
		return model.ICMP
	case "all", "0":
		return model.All
	default:
		return model.Protocol(strings.ToLower(value))
	}
}

func stripCommandPrefix(line string) string {
	fields := strings.Fields(line)
	for len(fields) > 0 {
		switch fields[0] {
		case "sudo", "iptables", "ip6tables", "iptables-legacy", "iptables-nft":
			fields = fields[1:]
			continue
		}
		break
	}
	if len(fields) == 0 {
		return ""
	}
	// keep original spacing and quoting of the remainder
	idx := strings.Index(line, fields[0])
	return strings.TrimSpace(line[idx:])
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parseRanges reads a comma list of CIDRs or addresses.
func parseRanges(value string) ([]string, error) {
	ranges := splitList(value)
	if len(ranges) == 0 {
		return nil, fmt.Errorf("empty address specification")
	}
	for _, r := range ranges {
		if _, err := utils.ParsePrefix(r); err != nil {
			return nil, err
		}
	}
	return ranges, nil
}

// parsePorts reads "22", "1000:2000", ":1024", "8000-9000", service names and
// comma lists of any of these.
func parsePorts(value string) (model.PortSet, error) {
	var set model.PortSet
	for _, item := range splitList(value) {
		if entries, ok := wellknown.GetService(item); ok && len(entries) > 0 {
			set = append(set, model.PortRange{Low: entries[0].Port, High: entries[0].Port})
			continue
		}
		sep := strings.IndexAny(item, ":-")
		if sep < 0 {
			port, err := portNumber(item)
			if err != nil {
				return nil, err
			}
			set = append(set, model.PortRange{Low: port, High: port})
			continue
		}
		low, high := 0, maxPort
		var err error
		if lo := item[:sep]; lo != "" {
			if low, err = portNumber(lo); err != nil {
				return nil, err
			}
		}
		if hi := item[sep+1:]; hi != "" {
			if high, err = portNumber(hi); err != nil {
				return nil, err
			}
		}
		if low > high {
			return nil, fmt.Errorf("invalid port range %q: low > high", item)
		}
		set = append(set, model.PortRange{Low: low, High: high})
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty port specification")
	}
	return set, nil
}

func portNumber(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > maxPort {
			return 0, fmt.Errorf("port %d out of range", n)
		}
		return n, nil
	}
	if entries, ok := wellknown.GetService(s); ok && len(entries) > 0 {
		return entries[0].Port, nil
	}
	return 0, fmt.Errorf("invalid port %q", s)
}

func firstPort(value string) (int, error) {
	set, err := parsePorts(value)
	if err != nil {
		return 0, err
	}
	return set[0].Low, nil
}

// complement returns the ports in 0..65535 not covered by set.
func complement(set model.PortSet) model.PortSet {
	covered := make([]bool, maxPort+1)
	for _, r := range set {
		for port := r.Low; port <= r.High; port++ {
			covered[port] = true
		}
	}
	var out model.PortSet
	for port := 0; port <= maxPort; port++ {
		if covered[port] {
			continue
		}
		start := port
		for port+1 <= maxPort && !covered[port+1] {
			port++
		}
		out = append(out, model.PortRange{Low: start, High: port})
	}
	return out
}

func isNumeric(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

// tokenize splits a rule line on whitespace, honoring single and double
// quotes and backslash-escaped quotes as written by iptables-save.
func tokenize(line string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quote   rune
		inToken bool
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inToken = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
