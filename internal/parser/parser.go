package parser

import (
	"fmt"
	"strings"

	"firewall-audit/internal/model"
)

// Parse turns a raw rule export into a RuleSet. It never drops a rule:
// anything it cannot represent is either kept verbatim in Rule.Raw or
// reported as a *ParseError.
func Parse(raw string, dialect model.Dialect) (*model.RuleSet, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ParseError{Reason: "empty input"}
	}
	switch dialect {
	case model.PacketFilterText:
		return NewIptablesParser(strings.NewReader(raw)).Parse()
	case model.CloudJSON:
		return ParseCloudJSON([]byte(raw))
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}
