package parser

import (
	"errors"
	"strings"
	"testing"

	"firewall-audit/internal/model"
)

func TestParseCloudJSONReadsSingleRule(t *testing.T) {
	data := `{"firewallRules":[{"name":"allow-http","direction":"INGRESS","priority":1000,"allowed":[{"IPProtocol":"tcp","ports":["80"]}],"sourceRanges":["0.0.0.0/0"]}]}`

	rs, err := ParseCloudJSON([]byte(data))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rs.Dialect != model.CloudJSON || len(rs.Rules) != 1 {
		t.Fatalf("unexpected rule set %+v", rs)
	}
	rule := rs.Rules[0]
	if rule.Direction != model.Ingress || rule.Action != model.Accept || rule.Protocol != model.TCP {
		t.Fatalf("unexpected rule %+v", rule)
	}
	if rule.Priority == nil || *rule.Priority != 1000 {
		t.Fatalf("expected priority 1000, got %v", rule.Priority)
	}
	if !rule.Ports.Names(80) || rule.Chain != "INGRESS" || rule.Name != "allow-http" {
		t.Fatalf("unexpected rule fields %+v", rule)
	}
	if rs.PolicyFor(model.Ingress) != model.PolicyDrop || rs.PolicyFor(model.Egress) != model.PolicyAccept {
		t.Fatalf("unexpected implied policies %v", rs.DefaultPolicy)
	}
	if !strings.Contains(rule.Raw, `"allow-http"`) {
		t.Fatalf("expected raw element, got %q", rule.Raw)
	}
}

// This test validates that one element with several protocols and ports
// becomes one rule per protocol and port entry.
func TestParseCloudJSONExpandsPermissions(t *testing.T) {
	data := `[
  {
    "name": "mixed",
    "priority": 500,
    "denied": [
      {"IPProtocol": "tcp", "ports": ["22", "8000-8100"]},
      {"IPProtocol": "udp", "ports": ["53"]},
      {"IPProtocol": "icmp"}
    ],
    "sourceRanges": ["10.0.0.0/8"],
    "description": "  block internal  ",
    "logConfig": {"enable": true}
  }
]`
	rs, err := ParseCloudJSON([]byte(data))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rs.Rules) != 4 {
		t.Fatalf("expected 4 expanded rules, got %d", len(rs.Rules))
	}
	for i, r := range rs.Rules {
		if r.Index != i || r.Position != 1 || r.Action != model.Drop || r.Comment != "block internal" || !r.Logged {
			t.Fatalf("unexpected expanded rule %d: %+v", i, r)
		}
	}
	if rs.Rules[1].Ports[0] != (model.PortRange{Low: 8000, High: 8100}) {
		t.Fatalf("expected 8000-8100, got %s", rs.Rules[1].Ports)
	}
	if rs.Rules[3].Protocol != model.ICMP || !rs.Rules[3].Ports.Any() {
		t.Fatalf("expected icmp with all ports, got %+v", rs.Rules[3])
	}
}

func TestParseCloudJSONSourceDefaults(t *testing.T) {
	data := `{"firewallRules":[
  {"name":"open","priority":1,"allowed":[{"IPProtocol":"all"}]},
  {"name":"tagged","priority":2,"allowed":[{"IPProtocol":"tcp","ports":["443"]}],"sourceTags":["lb"]},
  {"name":"out","direction":"EGRESS","priority":3,"denied":[{"IPProtocol":"all"}],"destinationRanges":["203.0.113.0/24"]}
]}`
	rs, err := ParseCloudJSON([]byte(data))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := rs.Rules[0].SourceRanges; len(got) != 1 || got[0] != "0.0.0.0/0" {
		t.Fatalf("expected open source for untagged rule, got %v", got)
	}
	if got := rs.Rules[1].SourceRanges; len(got) != 0 {
		t.Fatalf("tag-scoped rule must not be opened to the world, got %v", got)
	}
	if rs.Rules[1].Public() {
		t.Fatal("tag-scoped rule must not be public")
	}
	if rs.Rules[2].Direction != model.Egress || rs.Rules[2].Chain != "EGRESS" {
		t.Fatalf("unexpected egress rule %+v", rs.Rules[2])
	}
}

func TestParseCloudJSONReportsMissingPriority(t *testing.T) {
	data := `{"firewallRules":[
  {"name":"a","priority":1,"allowed":[{"IPProtocol":"tcp"}]},
  {"name":"b","allowed":[{"IPProtocol":"tcp"}]}
]}`
	_, err := ParseCloudJSON([]byte(data))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if perr.Field != "firewallRules[1].priority" || perr.Line != 3 {
		t.Fatalf("unexpected error %+v", perr)
	}
}

func TestParseCloudJSONRejectsInvalidElements(t *testing.T) {
	cases := map[string]string{
		"both lists":     `[{"priority":1,"allowed":[{"IPProtocol":"tcp"}],"denied":[{"IPProtocol":"tcp"}]}]`,
		"no lists":       `[{"priority":1}]`,
		"bad direction":  `[{"priority":1,"direction":"SIDEWAYS","allowed":[{"IPProtocol":"tcp"}]}]`,
		"bad priority":   `[{"priority":70000,"allowed":[{"IPProtocol":"tcp"}]}]`,
		"no protocol":    `[{"priority":1,"allowed":[{"ports":["22"]}]}]`,
		"icmp ports":     `[{"priority":1,"allowed":[{"IPProtocol":"icmp","ports":["8"]}]}]`,
		"bad port":       `[{"priority":1,"allowed":[{"IPProtocol":"tcp","ports":["http-alt-x"]}]}]`,
		"bad range":      `[{"priority":1,"allowed":[{"IPProtocol":"tcp"}],"sourceRanges":["nope"]}]`,
		"wrong type":     `[{"priority":"high","allowed":[{"IPProtocol":"tcp"}]}]`,
		"missing key":    `{"rules":[]}`,
		"syntax":         `{"firewallRules":[`,
		"not an element": `[42]`,
	}
	for name, data := range cases {
		_, err := ParseCloudJSON([]byte(data))
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("%s: expected ParseError, got %v", name, err)
		}
	}
}

func TestParseCloudJSONSyntaxErrorLine(t *testing.T) {
	data := "{\n  \"firewallRules\": [\n    {\"priority\": 1,,}\n  ]\n}"
	_, err := ParseCloudJSON([]byte(data))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if perr.Line != 3 {
		t.Fatalf("expected line 3, got %d (%v)", perr.Line, perr)
	}
}

func TestParseCloudJSONEmptyListIsValid(t *testing.T) {
	rs, err := ParseCloudJSON([]byte(`{"firewallRules":[]}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rs.Rules) != 0 {
		t.Fatalf("expected no rules, got %d", len(rs.Rules))
	}
}
