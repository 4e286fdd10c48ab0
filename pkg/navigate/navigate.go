// Package navigate decides what a top-level navigation does to its tab:
// stay put, switch container, spin up an ephemeral container, or stop and
// ask the user.
package navigate

import (
	"net/url"
	"strings"

	"contain/pkg/authorize"
	"contain/pkg/domains"
	"contain/pkg/models"
	"contain/pkg/ruleset"
)

// Route applies rule resolution to a navigation target. Blend checks come
// first: a domain blended into the current container always stays, no
// matter what its own rule says.
func Route(rawURL, currentContainerID string, state *models.PolicyState) models.RoutingDecision {
	stripWWW := state != nil && state.StripWWW
	domain := domains.Canonical(hostOf(rawURL), stripWWW)
	if domain == "" {
		return models.RoutingDecision{Action: models.RouteStay}
	}

	if state != nil && ruleset.Blended(state, currentContainerID, domain) {
		return models.RoutingDecision{Action: models.RouteStay}
	}

	match := ruleset.Resolve(domain, state)
	if match != nil {
		if match.Ask {
			return models.RoutingDecision{
				Action:        models.RouteAskUser,
				ContainerID:   match.Rule.ContainerID,
				ContainerName: match.Rule.ContainerName,
				AskDomain:     domain,
			}
		}
		if match.Rule.ContainerID != currentContainerID {
			return models.RoutingDecision{
				Action:        models.RouteSwitch,
				ContainerID:   match.Rule.ContainerID,
				ContainerName: match.Rule.ContainerName,
			}
		}
		return models.RoutingDecision{Action: models.RouteStay}
	}

	// Unruled domain. Uncontained tabs get a disposable container; so do
	// permanent containers whose owned domains do not cover the target.
	if currentContainerID == "" || currentContainerID == authorize.DefaultContainerID {
		return models.RoutingDecision{Action: models.RouteNeedsEphemeral}
	}
	if state != nil && !state.IsEphemeral(currentContainerID) && !ownsDomain(state, currentContainerID, domain) {
		return models.RoutingDecision{Action: models.RouteNeedsEphemeral}
	}
	return models.RoutingDecision{Action: models.RouteStay}
}

// ownsDomain reports whether any rule pointing at containerID covers the
// domain (same site as the ruled domain).
func ownsDomain(state *models.PolicyState, containerID, domain string) bool {
	for _, rule := range state.Rules {
		if rule.ContainerID == containerID && domains.SameSite(domain, rule.Domain) {
			return true
		}
	}
	return false
}

// hostOf extracts the hostname from a URL, tolerating bare hosts.
func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Hostname()
	}
	// Bare host, possibly with a path tail.
	if i := strings.IndexByte(raw, '/'); i != -1 {
		raw = raw[:i]
	}
	return raw
}
