//go:build linux

package parser

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/bits"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/google/nftables/userdata"
	"golang.org/x/sys/unix"
)

// CaptureNftables reads the filter chains of the running kernel's ip, ip6
// and inet tables and renders them as iptables-save text, so the capture
// goes through the same parser as an exported file.
func CaptureNftables(logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nftables.New()
	if err != nil {
		return "", fmt.Errorf("nftables: open: %w", err)
	}

	chains, err := conn.ListChains()
	if err != nil {
		return "", fmt.Errorf("nftables: list chains: %w", err)
	}

	var filterChains []*nftables.Chain
	policies := make(map[string]string)
	var order []string
	for _, ch := range chains {
		if !capturedFamily(ch.Table.Family) || (ch.Type != "" && ch.Type != nftables.ChainTypeFilter) {
			continue
		}
		filterChains = append(filterChains, ch)
		name := nftChainName(ch)
		policy, seen := policies[name]
		if !seen {
			order = append(order, name)
		}
		// several tables may hook the same point; a drop in any of them wins
		if next := nftPolicy(ch); !seen || (policy != "DROP" && next == "DROP") || policy == "-" {
			policies[name] = next
		}
	}

	var b strings.Builder
	b.WriteString("# captured from nftables\n*filter\n")
	for _, name := range order {
		fmt.Fprintf(&b, ":%s %s [0:0]\n", name, policies[name])
	}

	var rendered int
	for _, ch := range filterChains {
		rules, err := conn.GetRules(ch.Table, ch)
		if err != nil {
			return "", fmt.Errorf("nftables: get rules of %s/%s: %w", ch.Table.Name, ch.Name, err)
		}
		chain := nftChainName(ch)
		for _, r := range rules {
			comment, _ := userdata.GetString(r.UserData, userdata.TypeComment)
			lines := renderNftRule(chain, comment, r.Exprs)
			if len(lines) == 0 {
				logger.Debug("nftables rule without verdict skipped",
					"component", "parser",
					"table", ch.Table.Name,
					"chain", ch.Name,
					"handle", r.Handle,
				)
			}
			for _, line := range lines {
				b.WriteString(line)
				b.WriteByte('\n')
				rendered++
			}
		}
	}
	b.WriteString("COMMIT\n")

	logger.Info("nftables ruleset captured",
		"component", "parser",
		"chains", len(filterChains),
		"rules", rendered,
	)
	return b.String(), nil
}

func capturedFamily(f nftables.TableFamily) bool {
	return f == nftables.TableFamilyIPv4 || f == nftables.TableFamilyIPv6 || f == nftables.TableFamilyINet
}

// nftChainName maps base chains to the iptables built-in chain for their
// hook; regular chains keep their own name.
func nftChainName(ch *nftables.Chain) string {
	if ch.Hooknum == nil {
		return ch.Name
	}
	switch *ch.Hooknum {
	case *nftables.ChainHookInput:
		return "INPUT"
	case *nftables.ChainHookOutput:
		return "OUTPUT"
	case *nftables.ChainHookForward:
		return "FORWARD"
	default:
		return ch.Name
	}
}

func nftPolicy(ch *nftables.Chain) string {
	if ch.Hooknum == nil {
		return "-"
	}
	if ch.Policy != nil && *ch.Policy == nftables.ChainPolicyDrop {
		return "DROP"
	}
	return "ACCEPT"
}

// nftMatch accumulates the iptables-style matches decoded from one rule.
type nftMatch struct {
	protocol  string
	source    string
	dest      string
	inIface   string
	outIface  string
	dport     string
	sport     string
	limit     string
	modules   []string
	logPrefix *string
	target    string
}

// renderNftRule decodes the common expression shapes produced by nft and
// iptables-nft into iptables-save lines. Expressions it cannot decode are
// recorded as an "nft" match module so the rule is never mistaken for a
// broader one. A log statement followed by a verdict yields two lines.
func renderNftRule(chain, comment string, exprs []expr.Any) []string {
	var (
		m       nftMatch
		pending string
		mask    []byte
	)
	for _, e := range exprs {
		switch e := e.(type) {
		case *expr.Meta:
			switch e.Key {
			case expr.MetaKeyL4PROTO:
				pending = "l4proto"
			case expr.MetaKeyIIFNAME:
				pending = "iifname"
			case expr.MetaKeyOIFNAME:
				pending = "oifname"
			default:
				pending = ""
				m.modules = append(m.modules, "nft")
			}
			mask = nil
		case *expr.Payload:
			pending = payloadField(e)
			mask = nil
			if pending == "" {
				m.modules = append(m.modules, "nft")
			}
		case *expr.Bitwise:
			mask = e.Mask
		case *expr.Cmp:
			neg := ""
			if e.Op == expr.CmpOpNeq {
				neg = "! "
			} else if e.Op != expr.CmpOpEq {
				m.modules = append(m.modules, "nft")
				pending = ""
				continue
			}
			m.apply(pending, neg, e.Data, mask)
			pending = ""
		case *expr.Range:
			if pending == "dport" || pending == "sport" {
				val := fmt.Sprintf("%d:%d", binary.BigEndian.Uint16(e.FromData), binary.BigEndian.Uint16(e.ToData))
				if e.Op == expr.CmpOpNeq {
					val = "! " + val
				}
				m.setPort(pending, val)
			} else {
				m.modules = append(m.modules, "nft")
			}
			pending = ""
		case *expr.Ct:
			m.modules = append(m.modules, "conntrack")
		case *expr.Limit:
			m.limit = fmt.Sprintf("%d/%s", e.Rate, limitUnit(e.Unit))
		case *expr.Lookup:
			m.modules = append(m.modules, "set")
			pending = ""
		case *expr.Log:
			prefix := strings.TrimRight(string(e.Data), "\x00")
			m.logPrefix = &prefix
		case *expr.Reject:
			m.target = "REJECT"
		case *expr.Verdict:
			m.target = verdictTarget(e)
		case *expr.Counter:
		}
	}

	var lines []string
	if m.logPrefix != nil {
		line := m.render(chain, comment, "LOG")
		if *m.logPrefix != "" {
			line += " --log-prefix " + strconv.Quote(*m.logPrefix)
		}
		lines = append(lines, line)
	}
	if m.target != "" {
		lines = append(lines, m.render(chain, comment, m.target))
	}
	return lines
}

func (m *nftMatch) apply(field, neg string, data, mask []byte) {
	switch field {
	case "l4proto":
		if len(data) > 0 {
			m.protocol = neg + protocolName(data[0])
		}
	case "iifname":
		m.inIface = neg + strings.TrimRight(string(data), "\x00")
	case "oifname":
		m.outIface = neg + strings.TrimRight(string(data), "\x00")
	case "saddr", "daddr":
		addr, ok := netip.AddrFromSlice(data)
		if !ok {
			m.modules = append(m.modules, "nft")
			return
		}
		prefixLen := addr.BitLen()
		if mask != nil {
			prefixLen = 0
			for _, b := range mask {
				prefixLen += bits.OnesCount8(b)
			}
		}
		cidr := neg + netip.PrefixFrom(addr, prefixLen).Masked().String()
		if field == "saddr" {
			m.source = cidr
		} else {
			m.dest = cidr
		}
	case "dport", "sport":
		if len(data) == 2 {
			m.setPort(field, neg+strconv.Itoa(int(binary.BigEndian.Uint16(data))))
		}
	default:
		m.modules = append(m.modules, "nft")
	}
}

func (m *nftMatch) setPort(field, value string) {
	if field == "dport" {
		m.dport = value
	} else {
		m.sport = value
	}
}

func (m *nftMatch) render(chain, comment, target string) string {
	parts := []string{"-A", chain}
	add := func(flag, value string) {
		if value == "" {
			return
		}
		if strings.HasPrefix(value, "! ") {
			parts = append(parts, "!", flag, strings.TrimPrefix(value, "! "))
			return
		}
		parts = append(parts, flag, value)
	}
	add("-s", m.source)
	add("-d", m.dest)
	add("-i", m.inIface)
	add("-o", m.outIface)
	add("-p", m.protocol)
	add("--sport", m.sport)
	add("--dport", m.dport)
	for _, mod := range m.modules {
		parts = append(parts, "-m", mod)
	}
	if m.limit != "" {
		parts = append(parts, "-m", "limit", "--limit", m.limit)
	}
	if comment != "" {
		parts = append(parts, "-m", "comment", "--comment", strconv.Quote(comment))
	}
	parts = append(parts, "-j", target)
	return strings.Join(parts, " ")
}

func payloadField(p *expr.Payload) string {
	switch p.Base {
	case expr.PayloadBaseNetworkHeader:
		switch {
		case p.Offset == 12 && p.Len == 4, p.Offset == 8 && p.Len == 16:
			return "saddr"
		case p.Offset == 16 && p.Len == 4, p.Offset == 24 && p.Len == 16:
			return "daddr"
		}
	case expr.PayloadBaseTransportHeader:
		switch {
		case p.Offset == 0 && p.Len == 2:
			return "sport"
		case p.Offset == 2 && p.Len == 2:
			return "dport"
		}
	}
	return ""
}

func protocolName(proto byte) string {
	switch proto {
	case unix.IPPROTO_TCP:
		return "tcp"
	case unix.IPPROTO_UDP:
		return "udp"
	case unix.IPPROTO_ICMP, unix.IPPROTO_ICMPV6:
		return "icmp"
	case unix.IPPROTO_SCTP:
		return "sctp"
	default:
		return strconv.Itoa(int(proto))
	}
}

func limitUnit(u expr.LimitTime) string {
	switch u {
	case expr.LimitTimeSecond:
		return "second"
	case expr.LimitTimeMinute:
		return "minute"
	case expr.LimitTimeHour:
		return "hour"
	case expr.LimitTimeDay:
		return "day"
	default:
		return "week"
	}
}

func verdictTarget(v *expr.Verdict) string {
	switch v.Kind {
	case expr.VerdictAccept:
		return "ACCEPT"
	case expr.VerdictDrop:
		return "DROP"
	case expr.VerdictReturn:
		return "RETURN"
	case expr.VerdictJump, expr.VerdictGoto:
		return v.Chain
	default:
		return ""
	}
}
