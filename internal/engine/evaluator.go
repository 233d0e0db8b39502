package engine

import (
	"net/netip"
	"strings"

	"firewall-audit/internal/model"
	"firewall-audit/internal/utils"
)

type Decision string

const (
	Allow Decision = "ALLOW"
	Deny  Decision = "DENY"
)

// Probe describes one packet offered to the rule set. Zero addresses only
// match rules that are open to the whole internet.
type Probe struct {
	Direction   model.Direction
	Protocol    model.Protocol
	Port        int
	Source      netip.Addr
	Destination netip.Addr
	Tags        []string // network tags of the protected instance (cloud rules)
}

type Result struct {
	Decision    Decision
	Reason      string
	MatchedRule int // index into RuleSet.Rules, or model.NoRule
	Chain       string
	Logged      bool
	Path        []int // non-terminating rules that matched on the way
}

type Evaluator struct {
	RuleSet *model.RuleSet
	ordered map[string][]int
}

func NewEvaluator(rs *model.RuleSet) *Evaluator {
	e := &Evaluator{RuleSet: rs, ordered: make(map[string][]int)}
	for _, chain := range rs.Chains() {
		e.ordered[chain] = rs.Ordered(chain)
	}
	return e
}

// Evaluate walks the chain for the probe's direction top to bottom and
// returns the first terminating match, following jumps into user chains.
// Unmatched packets get the chain's default policy; an unspecified policy
// behaves like ACCEPT, as the kernel does.
func (e *Evaluator) Evaluate(p Probe) Result {
	chain := e.RuleSet.ChainFor(p.Direction)
	res := Result{MatchedRule: model.NoRule, Chain: chain}

	if done := e.walk(chain, p, &res, map[string]bool{}); done {
		return res
	}

	policy := e.RuleSet.PolicyFor(p.Direction)
	res.Chain = chain
	switch {
	case policy.Denies():
		res.Decision, res.Reason = Deny, "DEFAULT_POLICY_DENY"
	case policy == model.PolicyUnspecified:
		res.Decision, res.Reason = Allow, "IMPLICIT_ACCEPT"
	default:
		res.Decision, res.Reason = Allow, "DEFAULT_POLICY_ACCEPT"
	}
	return res
}

// walk returns true once a verdict has been recorded in res. Returning
// false means the chain fell through or hit RETURN.
func (e *Evaluator) walk(chain string, p Probe, res *Result, visiting map[string]bool) bool {
	if visiting[chain] {
		res.Decision, res.Reason, res.Chain = Deny, "JUMP_LOOP", chain
		return true
	}
	visiting[chain] = true
	defer delete(visiting, chain)

	for _, idx := range e.ordered[chain] {
		rule := &e.RuleSet.Rules[idx]
		if !rule.Active() || !Matches(rule, p) {
			continue
		}
		switch rule.Action {
		case model.Accept:
			res.Decision, res.Reason = Allow, "MATCH_RULE_ACCEPT"
		case model.Drop, model.Reject:
			res.Decision, res.Reason = Deny, "MATCH_RULE_DENY"
		case model.Log:
			res.Logged = true
			res.Path = append(res.Path, idx)
			continue
		default:
			res.Path = append(res.Path, idx)
			if rule.Target == "RETURN" {
				return false
			}
			if _, ok := e.ordered[rule.Target]; ok {
				if e.walk(rule.Target, p, res, visiting) {
					return true
				}
			}
			continue
		}
		res.MatchedRule = idx
		res.Chain = chain
		res.Logged = res.Logged || rule.Logged
		return true
	}
	return false
}

// Matches reports whether the rule's match criteria select the probe, a
// new connection arriving on an unnamed interface. Criteria the probe
// cannot express (interfaces, ICMP types, source ports, restricting match
// extensions) never match.
func Matches(r *model.Rule, p Probe) bool {
	if r.Restricted() || r.InInterface != "" || r.OutInterface != "" || r.ICMPType != "" || !r.SourcePorts.Any() {
		return false
	}
	if len(r.TargetTags) > 0 && !intersects(r.TargetTags, p.Tags) {
		return false
	}
	if !protocolMatches(r.Protocol, p.Protocol) {
		return false
	}
	if p.Port > 0 && !r.Ports.Contains(p.Port) {
		return false
	}
	if !r.Ports.Any() && p.Port == 0 {
		return false
	}
	return rangesMatch(r.SourceRanges, r.SourceNegated, p.Source) &&
		rangesMatch(r.DestinationRanges, r.DestNegated, p.Destination)
}

// Conditional reports whether the rule matches only under conditions that
// are not visible in its address, protocol and port fields.
func Conditional(r *model.Rule) bool {
	return len(r.Modules) > 0 || r.InInterface != "" || r.OutInterface != "" ||
		r.ICMPType != "" || !r.SourcePorts.Any()
}

// Covers reports whether every packet inner can match is also matched by
// outer, so that outer placed first leaves inner unreachable.
func Covers(outer, inner *model.Rule) bool {
	if outer.Chain != inner.Chain || outer.Direction != inner.Direction {
		return false
	}
	if Conditional(outer) || outer.RateLimited() || len(outer.SourceTags) > 0 || len(inner.SourceTags) > 0 {
		return false
	}
	if !tagsCover(outer.TargetTags, inner.TargetTags) {
		return false
	}
	if outer.Protocol != model.All && outer.Protocol != inner.Protocol {
		return false
	}
	if !outer.Ports.Covers(inner.Ports) {
		return false
	}
	return rangesCover(outer.SourceRanges, outer.SourceNegated, inner.SourceRanges, inner.SourceNegated) &&
		rangesCover(outer.DestinationRanges, outer.DestNegated, inner.DestinationRanges, inner.DestNegated)
}

func protocolMatches(rule, probe model.Protocol) bool {
	if rule == model.All || rule == "" {
		return true
	}
	if neg, ok := strings.CutPrefix(string(rule), "!"); ok {
		return model.Protocol(neg) != probe
	}
	return rule == probe
}

func rangesMatch(ranges []string, negated bool, addr netip.Addr) bool {
	if !addr.IsValid() {
		for _, r := range ranges {
			if model.IsWorld(r) {
				return !negated
			}
		}
		return negated
	}
	hit := false
	for _, r := range ranges {
		if utils.Contains(r, addr) {
			hit = true
			break
		}
	}
	return hit != negated
}

// rangesCover compares two address matches. The complement of A contains
// the complement of B exactly when B contains A.
func rangesCover(outer []string, outerNeg bool, inner []string, innerNeg bool) bool {
	switch {
	case !outerNeg && !innerNeg:
		return utils.CoversAll(outer, inner)
	case outerNeg && innerNeg:
		return utils.CoversAll(inner, outer)
	case !outerNeg:
		for _, r := range outer {
			if model.IsWorld(r) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func tagsCover(outer, inner []string) bool {
	if len(outer) == 0 {
		return true
	}
	if len(inner) == 0 {
		return false
	}
	for _, t := range inner {
		if !contains(outer, t) {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
