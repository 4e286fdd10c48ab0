// Package ruleset implements layered rule resolution: a domain maps to at
// most one rule, with exclusions overriding inclusion and domain-level
// subdomain policy overriding container-level, which overrides global.
package ruleset

import (
	"sort"

	"contain/pkg/domains"
	"contain/pkg/models"
)

// Match is the resolver's answer for a domain.
type Match struct {
	Rule           models.DomainRule
	SubdomainMatch bool
	Ask            bool
	AskDomain      string
}

// Resolve maps a domain plus policy state to at most one rule. Rules are
// expected to hold canonical domains (the store canonicalizes on write);
// the input domain is canonicalized here. Precedence among ancestor rules
// is deterministic: the longest matching suffix wins, and rules whose
// effective subdomain policy is off are skipped in favor of the next
// longest. Returns nil when nothing matches.
func Resolve(rawDomain string, state *models.PolicyState) *Match {
	if state == nil {
		return nil
	}
	domain := domains.Canonical(rawDomain, state.StripWWW)
	if domain == "" {
		return nil
	}

	for _, rule := range state.Rules {
		if rule.Domain == domain {
			return &Match{Rule: rule}
		}
	}

	ancestors := make([]models.DomainRule, 0, 4)
	for _, rule := range state.Rules {
		if domains.IsSubdomain(domain, rule.Domain) {
			ancestors = append(ancestors, rule)
		}
	}
	sort.Slice(ancestors, func(i, j int) bool {
		if len(ancestors[i].Domain) != len(ancestors[j].Domain) {
			return len(ancestors[i].Domain) > len(ancestors[j].Domain)
		}
		return ancestors[i].Domain < ancestors[j].Domain
	})

	for _, rule := range ancestors {
		if excludedWithin(state, rule.ContainerID, domain, rule.Domain) {
			continue
		}
		switch effectivePolicy(rule, state) {
		case models.SubdomainOn:
			return &Match{Rule: rule, SubdomainMatch: true}
		case models.SubdomainAsk:
			return &Match{Rule: rule, SubdomainMatch: true, Ask: true, AskDomain: domain}
		}
	}
	return nil
}

// Excluded reports whether domain (or any of its ancestors) is excluded
// from containerID. Exclusion always overrides inclusion.
func Excluded(state *models.PolicyState, containerID, domain string) bool {
	return excludedWithin(state, containerID, domain, "")
}

// excludedWithin walks domain and its ancestor chain, stopping before
// limit (the matched rule's own domain) when one is given.
func excludedWithin(state *models.PolicyState, containerID, domain, limit string) bool {
	for d := domain; d != "" && d != limit; d = parent(d) {
		if state.ExcludedExact(containerID, d) {
			return true
		}
	}
	return false
}

// Blended reports whether domain (or any of its ancestors) is blended into
// containerID. Blends are directional allow-lists; the reverse direction
// is never implied.
func Blended(state *models.PolicyState, containerID, domain string) bool {
	for d := domain; d != ""; d = parent(d) {
		if state.BlendedExact(containerID, d) {
			return true
		}
	}
	return false
}

func parent(domain string) string {
	for i := 0; i < len(domain); i++ {
		if domain[i] == '.' {
			return domain[i+1:]
		}
	}
	return ""
}

// effectivePolicy layers rule over container over global. When every layer
// inherits, the result is off: absent configuration never widens a
// container.
func effectivePolicy(rule models.DomainRule, state *models.PolicyState) models.SubdomainPolicy {
	if rule.Subdomains != models.SubdomainInherit {
		return rule.Subdomains
	}
	if p := state.SubdomainPolicyFor(rule.ContainerID); p != models.SubdomainInherit {
		return p
	}
	if state.GlobalSubdomains != models.SubdomainInherit {
		return state.GlobalSubdomains
	}
	return models.SubdomainOff
}
