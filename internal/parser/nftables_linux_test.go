//go:build linux

package parser

import (
	"strings"
	"testing"

	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"firewall-audit/internal/model"
)

func TestRenderNftRuleDecodesProtocolPortAndSource(t *testing.T) {
	exprs := []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: []byte{255, 255, 0, 0}, Xor: []byte{0, 0, 0, 0}},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{10, 1, 0, 0}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{0, 22}},
		&expr.Counter{},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}

	lines := renderNftRule("INPUT", "ssh from office", exprs)
	if len(lines) != 1 {
		t.Fatalf("expected 1 rendered line, got %d: %v", len(lines), lines)
	}
	want := `-A INPUT -s 10.1.0.0/16 -p tcp --dport 22 -m comment --comment "ssh from office" -j ACCEPT`
	if lines[0] != want {
		t.Fatalf("rendered line mismatch\n got: %s\nwant: %s", lines[0], want)
	}
}

func TestRenderNftRuleSplitsLogAndVerdict(t *testing.T) {
	exprs := []expr.Any{
		&expr.Log{Data: []byte("dropped: ")},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
	lines := renderNftRule("INPUT", "", exprs)
	if len(lines) != 2 {
		t.Fatalf("expected LOG and DROP lines, got %v", lines)
	}
	if !strings.HasSuffix(lines[0], `-j LOG --log-prefix "dropped: "`) {
		t.Errorf("unexpected log line %q", lines[0])
	}
	if lines[1] != "-A INPUT -j DROP" {
		t.Errorf("unexpected verdict line %q", lines[1])
	}
}

func TestRenderNftRuleWithoutVerdictRendersNothing(t *testing.T) {
	lines := renderNftRule("INPUT", "", []expr.Any{&expr.Counter{}})
	if len(lines) != 0 {
		t.Fatalf("expected counter-only rule to render nothing, got %v", lines)
	}
}

func TestRenderedNftRulesParse(t *testing.T) {
	exprs := []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Range{Op: expr.CmpOpEq, Register: 1, FromData: []byte{0x1f, 0x40}, ToData: []byte{0x1f, 0x4f}},
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Verdict{Kind: expr.VerdictJump, Chain: "allowed-web"},
	}
	lines := renderNftRule("INPUT", "", exprs)
	text := "*filter\n:INPUT DROP [0:0]\n" + strings.Join(lines, "\n") + "\nCOMMIT\n"

	rs, err := Parse(text, model.PacketFilterText)
	if err != nil {
		t.Fatalf("expected rendered capture to parse, got %v", err)
	}
	if len(rs.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rs.Rules))
	}
	rule := rs.Rules[0]
	if rule.Action != model.Jump || rule.Target != "allowed-web" {
		t.Errorf("expected jump to allowed-web, got %s/%s", rule.Action, rule.Target)
	}
	if !rule.Ports.Contains(8000) || !rule.Ports.Contains(8015) || rule.Ports.Contains(8016) {
		t.Errorf("expected port range 8000-8015, got %s", rule.Ports)
	}
	if len(rule.Modules) != 1 || rule.Modules[0] != "conntrack" {
		t.Errorf("expected conntrack module, got %v", rule.Modules)
	}
}
