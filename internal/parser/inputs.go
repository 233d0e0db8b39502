package parser

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"firewall-audit/internal/model"
)

// Request is the analysis input as sent by callers: the raw rule export
// and the dialect it is written in ("iptables" or "gcp").
type Request struct {
	Rules string `json:"rules"`
	Type  string `json:"type"`
}

// DecodeRequest reads a JSON request body.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	if err := dec.Decode(&req); err != nil {
		return nil, &ValidationError{Field: "body", Reason: fmt.Sprintf("malformed request: %v", err)}
	}
	return &req, nil
}

// ReadRequest builds a request from a raw rule export, e.g. a file or stdin.
func ReadRequest(r io.Reader, ruleType string) (*Request, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading rules: %w", err)
	}
	return &Request{Rules: string(data), Type: ruleType}, nil
}

// Validate checks the request and returns the dialect it selects.
func (r *Request) Validate() (model.Dialect, error) {
	if r == nil || strings.TrimSpace(r.Rules) == "" {
		return "", &ValidationError{Field: "rules", Reason: "Rules input is required"}
	}
	return DialectFor(r.Type)
}

// DialectFor maps a request type to a dialect.
func DialectFor(ruleType string) (model.Dialect, error) {
	switch model.Dialect(strings.ToLower(strings.TrimSpace(ruleType))) {
	case model.PacketFilterText:
		return model.PacketFilterText, nil
	case model.CloudJSON:
		return model.CloudJSON, nil
	default:
		return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown rule type %q (must be \"iptables\" or \"gcp\")", ruleType)}
	}
}
