package detect

import (
	"fmt"
	"hash/crc32"
	"strings"

	"firewall-audit/internal/engine"
	"firewall-audit/internal/model"
)

// Detector is one independent check over a RuleSet. Detect must not modify
// the rule set and must be safe to call concurrently with other detectors.
type Detector struct {
	ID       string
	Title    string
	Severity model.Severity
	Detect   func(rs *model.RuleSet) []model.Vulnerability
}

// Catalogue holds the registered detectors for one settings profile.
type Catalogue struct {
	settings  Settings
	detectors []Detector
}

// NewCatalogue registers every detector in a fixed order. Settings are
// defaulted and validated; disabling an unknown detector is an error.
func NewCatalogue(s Settings) (*Catalogue, error) {
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	c := &Catalogue{settings: s}
	c.registerCritical()
	c.registerWarning()
	c.registerInfo()

	known := make(map[string]bool, len(c.detectors))
	for _, d := range c.detectors {
		known[d.ID] = true
	}
	for _, id := range s.Disabled {
		if !known[strings.ToLower(strings.TrimSpace(id))] {
			return nil, fmt.Errorf("unknown detector %q in disabled list", id)
		}
	}
	return c, nil
}

func (c *Catalogue) register(d Detector) {
	c.detectors = append(c.detectors, d)
}

// Register appends a custom detector after the built-in ones.
func (c *Catalogue) Register(d Detector) error {
	if d.ID == "" || d.Detect == nil {
		return fmt.Errorf("detector requires an ID and a Detect function")
	}
	if _, ok := model.ParseSeverity(string(d.Severity)); !ok {
		return fmt.Errorf("detector %s: invalid severity %q", d.ID, d.Severity)
	}
	for _, existing := range c.detectors {
		if existing.ID == d.ID {
			return fmt.Errorf("detector %s already registered", d.ID)
		}
	}
	c.register(d)
	return nil
}

func (c *Catalogue) Settings() Settings {
	return c.settings
}

// All returns every registered detector in registration order.
func (c *Catalogue) All() []Detector {
	return append([]Detector(nil), c.detectors...)
}

// Detectors returns the enabled detectors at or above the minimum
// severity, in registration order.
func (c *Catalogue) Detectors() []Detector {
	disabled := make(map[string]bool, len(c.settings.Disabled))
	for _, id := range c.settings.Disabled {
		disabled[strings.ToLower(strings.TrimSpace(id))] = true
	}
	threshold := c.settings.MinSeverity.Rank()
	var out []Detector
	for _, d := range c.detectors {
		if disabled[d.ID] || d.Severity.Rank() > threshold {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Enabled reports whether the detector with the given ID would run.
func (c *Catalogue) Enabled(id string) bool {
	for _, d := range c.Detectors() {
		if d.ID == id {
			return true
		}
	}
	return false
}

// makeID derives a stable finding ID from the detector and the rule it
// matched, so repeated runs over the same input produce the same IDs.
func makeID(detectorID string, ruleIndex int) string {
	sum := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s|%d", detectorID, ruleIndex)))
	return fmt.Sprintf("%s-%08x", detectorID, sum)
}

func (d *Detector) finding(rs *model.RuleSet, ruleIndex int, title, description, fix string, ref *string) model.Vulnerability {
	v := model.Vulnerability{
		ID:                 makeID(d.ID, ruleIndex),
		DetectorID:         d.ID,
		Title:              title,
		Description:        description,
		Severity:           d.Severity,
		MatchedRule:        ruleIndex,
		FixCommand:         fix,
		BenchmarkReference: ref,
	}
	if ruleIndex >= 0 {
		v.Chain = rs.Rules[ruleIndex].Chain
	}
	return v
}

// candidates returns the indices of enabled filtering rules accepted by keep.
func candidates(rs *model.RuleSet, keep func(r *model.Rule) bool) []int {
	var out []int
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Active() && r.Filtering() && keep(r) {
			out = append(out, i)
		}
	}
	return out
}

// shadowed reports whether an earlier rule in the same chain drops or
// rejects everything rule i could match on port, so that rule i never
// decides that traffic. A zero port tests the whole rule.
func shadowed(rs *model.RuleSet, i, port int) bool {
	narrowed := rs.Rules[i]
	if port > 0 {
		narrowed.Ports = model.PortSet{{Low: port, High: port}}
	}
	for _, j := range rs.Ordered(narrowed.Chain) {
		if j == i {
			return false
		}
		earlier := &rs.Rules[j]
		if earlier.Active() && earlier.Action.Terminating() && earlier.Action != model.Accept &&
			engine.Covers(earlier, &narrowed) {
			return true
		}
	}
	return false
}

// reachablePorts drops the ports of rule i that an earlier rule shadows.
func reachablePorts(rs *model.RuleSet, i int, ports []int) []int {
	var out []int
	for _, port := range ports {
		if !shadowed(rs, i, port) {
			out = append(out, port)
		}
	}
	return out
}

// publicAccept selects inbound accept rules reachable from anywhere.
func publicAccept(r *model.Rule) bool {
	return r.Action == model.Accept && r.Direction.Inbound() && r.Public() && !r.Restricted()
}

// carriesPorts reports whether the rule's protocol can carry the TCP or
// UDP services a port list refers to.
func carriesPorts(r *model.Rule) bool {
	switch r.Protocol {
	case model.TCP, model.UDP, model.All, "sctp":
		return true
	}
	return false
}

func describeRule(rs *model.RuleSet, r *model.Rule) string {
	if rs.Dialect == model.CloudJSON {
		if r.Name != "" {
			return fmt.Sprintf("rule %q", r.Name)
		}
		return fmt.Sprintf("rule #%d", r.Position)
	}
	return fmt.Sprintf("%s rule %d", r.Chain, r.Position)
}

func ref(s string) *string {
	return &s
}
