package models

import (
	"strings"
	"time"
)

// SubdomainPolicy controls whether subdomains of a ruled domain belong to
// the rule's container. The zero value inherits from the next layer up
// (rule -> container -> global).
type SubdomainPolicy string

const (
	SubdomainInherit SubdomainPolicy = ""
	SubdomainOff     SubdomainPolicy = "off"
	SubdomainOn      SubdomainPolicy = "on"
	SubdomainAsk     SubdomainPolicy = "ask"
)

// ParseSubdomainPolicy maps stored values onto the enum. Unknown values
// inherit so a corrupt row can never widen a container.
func ParseSubdomainPolicy(raw string) SubdomainPolicy {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off", "false", "0":
		return SubdomainOff
	case "on", "true", "1":
		return SubdomainOn
	case "ask":
		return SubdomainAsk
	default:
		return SubdomainInherit
	}
}

// DomainRule binds a domain to an isolation container. Keyed uniquely by
// Domain; managed by the rule surface, read-only to the decision core.
type DomainRule struct {
	Domain        string          `json:"domain"`
	ContainerID   string          `json:"container_id"`
	ContainerName string          `json:"container_name"`
	Subdomains    SubdomainPolicy `json:"subdomains,omitempty"`
}

// PolicyState is the read-only snapshot every core call receives. No core
// function reads ambient state; the host assembles one of these per call
// (or per cache window) and passes it by reference.
type PolicyState struct {
	Rules               []DomainRule                   `json:"rules"`
	GlobalSubdomains    SubdomainPolicy                `json:"global_subdomains,omitempty"`
	ContainerSubdomains map[string]SubdomainPolicy     `json:"container_subdomains,omitempty"`
	Exclusions          map[string]map[string]struct{} `json:"exclusions,omitempty"`
	Blends              map[string]map[string]struct{} `json:"blends,omitempty"`
	Ephemeral           map[string]struct{}            `json:"ephemeral,omitempty"`
	StripWWW            bool                           `json:"strip_www"`
}

// SubdomainPolicyFor resolves the container-level policy layer.
func (s *PolicyState) SubdomainPolicyFor(containerID string) SubdomainPolicy {
	if s == nil {
		return SubdomainInherit
	}
	if p, ok := s.ContainerSubdomains[containerID]; ok {
		return p
	}
	return SubdomainInherit
}

// IsEphemeral reports whether the container provides its own isolation and
// therefore relaxes cross-container checks.
func (s *PolicyState) IsEphemeral(containerID string) bool {
	if s == nil || containerID == "" {
		return false
	}
	_, ok := s.Ephemeral[containerID]
	return ok
}

// ExcludedExact reports whether domain itself is excluded from containerID.
func (s *PolicyState) ExcludedExact(containerID, domain string) bool {
	if s == nil {
		return false
	}
	set, ok := s.Exclusions[containerID]
	if !ok {
		return false
	}
	_, ok = set[domain]
	return ok
}

// BlendedExact reports whether domain itself is blended into containerID.
// Blends are directional: they never authorize the reverse direction.
func (s *PolicyState) BlendedExact(containerID, domain string) bool {
	if s == nil {
		return false
	}
	set, ok := s.Blends[containerID]
	if !ok {
		return false
	}
	_, ok = set[domain]
	return ok
}

// Outcome is the terminal classification of a request. Defer is soft: it
// always collapses to Allow or Deny through the pending tracker.
type Outcome string

const (
	OutcomeAllow Outcome = "ALLOW"
	OutcomeDeny  Outcome = "DENY"
	OutcomeDefer Outcome = "DEFER"
)

// Reason codes carried on verdicts.
const (
	ReasonSameDomain         = "SAME_DOMAIN"
	ReasonExcluded           = "EXCLUDED"
	ReasonBlended            = "BLENDED"
	ReasonEphemeralContainer = "EPHEMERAL_CONTAINER"
	ReasonCrossContainer     = "CROSS_CONTAINER"
	ReasonAskSubdomain       = "ASK_SUBDOMAIN"
	ReasonSameSite           = "SAME_SITE"
	ReasonSubdomainAllowed   = "SUBDOMAIN_ALLOWED"
	ReasonSameContainer      = "SAME_CONTAINER"
	ReasonAllowed            = "ALLOWED"
	ReasonTimeout            = "TIMEOUT"
	ReasonTabCleared         = "TAB_CLEARED"
	ReasonUserAllow          = "USER_ALLOW"
	ReasonUserDeny           = "USER_DENY"
)

// Verdict is the authorizer's answer for one request.
type Verdict struct {
	Outcome           Outcome `json:"outcome"`
	ReasonCode        string  `json:"reason_code"`
	TargetContainerID string  `json:"target_container_id,omitempty"`
	TargetContainer   string  `json:"target_container,omitempty"`
	AskDomain         string  `json:"ask_domain,omitempty"`
}

func Allow(reason string) Verdict { return Verdict{Outcome: OutcomeAllow, ReasonCode: reason} }
func Deny(reason string) Verdict  { return Verdict{Outcome: OutcomeDeny, ReasonCode: reason} }
func Defer() Verdict              { return Verdict{Outcome: OutcomeDefer} }

// RoutingAction is the navigation router's answer for a top-level
// navigation target.
type RoutingAction string

const (
	RouteStay           RoutingAction = "STAY"
	RouteSwitch         RoutingAction = "SWITCH"
	RouteNeedsEphemeral RoutingAction = "NEEDS_EPHEMERAL"
	RouteAskUser        RoutingAction = "ASK_USER"
)

type RoutingDecision struct {
	Action        RoutingAction `json:"action"`
	ContainerID   string        `json:"container_id,omitempty"`
	ContainerName string        `json:"container_name,omitempty"`
	AskDomain     string        `json:"ask_domain,omitempty"`
}

// PendingDecision is the externally visible shape of one open decision.
type PendingDecision struct {
	TabID     string    `json:"tab_id"`
	KeyDomain string    `json:"key_domain"`
	Members   []string  `json:"members"`
	Waiters   int       `json:"waiters"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DecisionEvent is published on the state bus and the prompt stream when a
// decision opens or settles.
type DecisionEvent struct {
	EventID       string    `json:"event_id"`
	TabID         string    `json:"tab_id"`
	KeyDomain     string    `json:"key_domain"`
	RequestDomain string    `json:"request_domain,omitempty"`
	Outcome       Outcome   `json:"outcome,omitempty"`
	ReasonCode    string    `json:"reason_code,omitempty"`
	At            time.Time `json:"at"`
}

// TabEvent arrives from the host over the state bus.
type TabEvent struct {
	Type  string `json:"type"`
	TabID string `json:"tab_id"`
}

const (
	TabEventClosed    = "tab.closed"
	TabEventNavigated = "tab.navigated"
)
