// Package authorize classifies cross-origin requests. Authorization is
// synchronous and side-effect free; only Defer verdicts cross into the
// pending tracker.
package authorize

import (
	"contain/pkg/domains"
	"contain/pkg/models"
	"contain/pkg/ruleset"
)

// DefaultContainerID marks the uncontained browsing state. Tabs in it are
// never treated as permanent containers.
const DefaultContainerID = "default"

// Authorize decides whether a request from a tab may reach requestDomain.
// Rules are evaluated in order; the first that applies wins. A Defer
// verdict must be handed to the pending tracker, whose resolution
// determines the real outcome.
func Authorize(requestDomain, tabContainerID, tabDomain string, state *models.PolicyState) models.Verdict {
	stripWWW := state != nil && state.StripWWW
	reqDomain := domains.Canonical(requestDomain, stripWWW)
	tabDom := domains.Canonical(tabDomain, stripWWW)

	if reqDomain == tabDom {
		return models.Allow(models.ReasonSameDomain)
	}

	reqMatch := ruleset.Resolve(reqDomain, state)
	tabMatch := ruleset.Resolve(tabDom, state)

	if tabMatch != nil && ruleset.Excluded(state, tabMatch.Rule.ContainerID, reqDomain) {
		return models.Deny(models.ReasonExcluded)
	}

	if reqMatch != nil && !reqMatch.Ask && reqMatch.Rule.ContainerID != tabContainerID {
		if ruleset.Blended(state, tabContainerID, reqDomain) {
			return models.Allow(models.ReasonBlended)
		}
		if state.IsEphemeral(tabContainerID) {
			return models.Allow(models.ReasonEphemeralContainer)
		}
		v := models.Deny(models.ReasonCrossContainer)
		v.TargetContainerID = reqMatch.Rule.ContainerID
		v.TargetContainer = reqMatch.Rule.ContainerName
		return v
	}

	if state.IsEphemeral(tabContainerID) {
		return models.Allow(models.ReasonEphemeralContainer)
	}

	if reqMatch != nil && reqMatch.Ask {
		v := models.Defer()
		v.ReasonCode = models.ReasonAskSubdomain
		v.AskDomain = reqMatch.Rule.Domain
		v.TargetContainerID = reqMatch.Rule.ContainerID
		v.TargetContainer = reqMatch.Rule.ContainerName
		return v
	}

	if domains.SameSite(reqDomain, tabDom) {
		return models.Allow(models.ReasonSameSite)
	}

	if reqMatch != nil && reqMatch.SubdomainMatch && reqMatch.Rule.ContainerID == tabContainerID {
		return models.Allow(models.ReasonSubdomainAllowed)
	}

	if reqMatch != nil && reqMatch.Rule.ContainerID == tabContainerID {
		return models.Allow(models.ReasonSameContainer)
	}

	// Unknown third party inside a permanent container: the request is
	// suspended until an external verdict or the timeout settles it.
	if reqMatch == nil && isPermanent(tabContainerID, state) {
		return models.Defer()
	}

	return models.Allow(models.ReasonAllowed)
}

func isPermanent(containerID string, state *models.PolicyState) bool {
	if containerID == "" || containerID == DefaultContainerID {
		return false
	}
	return !state.IsEphemeral(containerID)
}
