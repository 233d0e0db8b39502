package report

import (
	"encoding/json"
	"fmt"
	"io"

	"firewall-audit/internal/model"
)

// Document is the wire shape of an analysis result.
type Document struct {
	RiskScore       int            `json:"riskScore"`
	TotalRules      int            `json:"totalRules"`
	Vulnerabilities []DocumentVuln `json:"vulnerabilities"`
	Summary         string         `json:"summary"`
}

type DocumentVuln struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	Severity     string  `json:"severity"`
	Rule         string  `json:"rule"`
	FixCommand   string  `json:"fixCommand"`
	CISReference *string `json:"cisReference"`
}

func NewDocument(res *model.AnalysisResult) Document {
	doc := Document{
		RiskScore:       res.RiskScore,
		TotalRules:      res.TotalRules,
		Vulnerabilities: make([]DocumentVuln, 0, len(res.Vulnerabilities)),
		Summary:         res.Summary,
	}
	for i := range res.Vulnerabilities {
		v := &res.Vulnerabilities[i]
		doc.Vulnerabilities = append(doc.Vulnerabilities, DocumentVuln{
			ID:           v.ID,
			Title:        v.Title,
			Description:  v.Description,
			Severity:     string(v.Severity),
			Rule:         res.RuleText(v),
			FixCommand:   v.FixCommand,
			CISReference: v.BenchmarkReference,
		})
	}
	return doc
}

// WriteJSON encodes the document, indented when pretty is set.
func WriteJSON(w io.Writer, doc Document, pretty bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("error writing report: %w", err)
	}
	return nil
}
