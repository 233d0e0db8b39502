package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"firewall-audit/internal/model"
	"firewall-audit/internal/utils"
)

const (
	impliedIngressRaw = "implied rule: deny all ingress from 0.0.0.0/0 (priority 65535)"
	impliedEgressRaw  = "implied rule: allow all egress to 0.0.0.0/0 (priority 65535)"
)

type cloudDocument struct {
	FirewallRules *[]json.RawMessage `json:"firewallRules"`
}

type cloudRule struct {
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Direction         string            `json:"direction"`
	Priority          *int              `json:"priority"`
	Allowed           []cloudPermission `json:"allowed"`
	Denied            []cloudPermission `json:"denied"`
	SourceRanges      []string          `json:"sourceRanges"`
	DestinationRanges []string          `json:"destinationRanges"`
	SourceTags        []string          `json:"sourceTags"`
	TargetTags        []string          `json:"targetTags"`
	SourceAccounts    []string          `json:"sourceServiceAccounts"`
	Disabled          bool              `json:"disabled"`
	LogConfig         *struct {
		Enable bool `json:"enable"`
	} `json:"logConfig"`
}

type cloudPermission struct {
	IPProtocol string   `json:"IPProtocol"`
	Ports      []string `json:"ports"`
}

// ParseCloudJSON reads a VPC firewall export: either an object with a
// firewallRules array or a bare array as printed by gcloud.
func ParseCloudJSON(data []byte) (*model.RuleSet, error) {
	elements, err := cloudElements(data)
	if err != nil {
		return nil, err
	}

	rs := &model.RuleSet{
		Dialect: model.CloudJSON,
		DefaultPolicy: map[string]model.Policy{
			"INGRESS": model.PolicyDrop,
			"EGRESS":  model.PolicyAccept,
		},
		PolicyRaw: map[string]string{
			"INGRESS": impliedIngressRaw,
			"EGRESS":  impliedEgressRaw,
		},
	}

	cursor := 0
	for i, raw := range elements {
		line := 0
		if at := bytes.Index(data[cursor:], raw); at >= 0 {
			line = lineAt(data, cursor+at)
			cursor += at + len(raw)
		}
		if err := appendCloudRule(rs, i, line, raw); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

func cloudElements(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ParseError{Reason: "empty input"}
	}
	if trimmed[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal(data, &elements); err != nil {
			return nil, jsonError(data, "", err)
		}
		return elements, nil
	}

	var doc cloudDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, jsonError(data, "", err)
	}
	if doc.FirewallRules == nil {
		return nil, &ParseError{Line: 1, Field: "firewallRules", Reason: "required array is missing"}
	}
	return *doc.FirewallRules, nil
}

func appendCloudRule(rs *model.RuleSet, i, line int, raw json.RawMessage) error {
	path := fmt.Sprintf("firewallRules[%d]", i)
	fail := func(field, reason string) error {
		return &ParseError{Line: line, Field: path + field, Reason: reason}
	}

	var cr cloudRule
	if err := json.Unmarshal(raw, &cr); err != nil {
		perr := jsonError(raw, path, err)
		if line > 0 && perr.Line > 0 {
			perr.Line += line - 1
		}
		return perr
	}

	direction := model.Ingress
	chain := "INGRESS"
	switch strings.ToUpper(cr.Direction) {
	case "", "INGRESS":
	case "EGRESS":
		direction = model.Egress
		chain = "EGRESS"
	default:
		return fail(".direction", fmt.Sprintf("invalid direction %q (must be INGRESS or EGRESS)", cr.Direction))
	}

	if cr.Priority == nil {
		return fail(".priority", "required")
	}
	if *cr.Priority < 0 || *cr.Priority > 65535 {
		return fail(".priority", fmt.Sprintf("priority %d out of range 0-65535", *cr.Priority))
	}

	permissions, action := cr.Allowed, model.Accept
	field := ".allowed"
	switch {
	case len(cr.Allowed) > 0 && len(cr.Denied) > 0:
		return fail("", "allowed and denied are mutually exclusive")
	case len(cr.Denied) > 0:
		permissions, action = cr.Denied, model.Drop
		field = ".denied"
	case len(cr.Allowed) == 0:
		return fail("", "one of allowed or denied is required")
	}

	sources, err := cloudRanges(cr.SourceRanges)
	if err != nil {
		return fail(".sourceRanges", err.Error())
	}
	destinations, err := cloudRanges(cr.DestinationRanges)
	if err != nil {
		return fail(".destinationRanges", err.Error())
	}
	// the platform treats an ingress rule with no source filter as open to everyone
	if len(sources) == 0 && (direction == model.Egress || (len(cr.SourceTags) == 0 && len(cr.SourceAccounts) == 0)) {
		sources = []string{anyIPv4}
	}
	if len(destinations) == 0 {
		destinations = []string{anyIPv4}
	}

	compact := raw
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		compact = buf.Bytes()
	}

	base := model.Rule{
		Direction:         direction,
		Chain:             chain,
		Position:          i + 1,
		Name:              cr.Name,
		SourceRanges:      sources,
		DestinationRanges: destinations,
		SourceTags:        cr.SourceTags,
		TargetTags:        cr.TargetTags,
		Action:            action,
		Target:            strings.ToUpper(string(action)),
		Priority:          cr.Priority,
		Comment:           strings.TrimSpace(cr.Description),
		Logged:            cr.LogConfig != nil && cr.LogConfig.Enable,
		Disabled:          cr.Disabled,
		Raw:               string(compact),
	}

	for j, perm := range permissions {
		permPath := fmt.Sprintf("%s[%d]", field, j)
		if strings.TrimSpace(perm.IPProtocol) == "" {
			return fail(permPath+".IPProtocol", "required")
		}
		protocol := normalizeProtocol(perm.IPProtocol)
		if len(perm.Ports) == 0 {
			appendExpanded(rs, base, protocol, nil)
			continue
		}
		if !portCapable(protocol) {
			return fail(permPath+".ports", fmt.Sprintf("ports are not allowed for protocol %q", perm.IPProtocol))
		}
		for k, spec := range perm.Ports {
			ports, err := parsePorts(spec)
			if err != nil || len(ports) != 1 {
				reason := fmt.Sprintf("invalid port specification %q", spec)
				if err != nil {
					reason = err.Error()
				}
				return fail(fmt.Sprintf("%s.ports[%d]", permPath, k), reason)
			}
			appendExpanded(rs, base, protocol, ports)
		}
	}
	return nil
}

func appendExpanded(rs *model.RuleSet, base model.Rule, protocol model.Protocol, ports model.PortSet) {
	rule := base
	rule.Protocol = protocol
	rule.Ports = ports
	rule.Index = len(rs.Rules)
	rs.Rules = append(rs.Rules, rule)
}

func cloudRanges(ranges []string) ([]string, error) {
	var out []string
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if _, err := utils.ParsePrefix(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func portCapable(p model.Protocol) bool {
	return p == model.TCP || p == model.UDP || p == "sctp"
}

// jsonError converts an encoding/json failure into a ParseError that names
// the line and, for type mismatches, the field.
func jsonError(data []byte, path string, err error) *ParseError {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &ParseError{Line: lineAt(data, int(syntaxErr.Offset)), Field: path, Reason: syntaxErr.Error()}
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if path != "" && field != "" {
			field = path + "." + field
		} else if path != "" {
			field = path
		}
		return &ParseError{
			Line:   lineAt(data, int(typeErr.Offset)),
			Field:  field,
			Reason: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		}
	}
	return &ParseError{Field: path, Reason: err.Error()}
}

func lineAt(data []byte, offset int) int {
	if offset > len(data) {
		offset = len(data)
	}
	if offset < 0 {
		offset = 0
	}
	return bytes.Count(data[:offset], []byte("\n")) + 1
}
