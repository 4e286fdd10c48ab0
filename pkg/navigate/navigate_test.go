package navigate

import (
	"testing"

	"contain/pkg/models"
)

func routeState() *models.PolicyState {
	return &models.PolicyState{
		StripWWW: true,
		Rules: []models.DomainRule{
			{Domain: "amazon.com", ContainerID: "ca", ContainerName: "Amazon"},
			{Domain: "example.com", ContainerID: "c1", ContainerName: "Work", Subdomains: models.SubdomainAsk},
		},
		Ephemeral: map[string]struct{}{"tmp1": {}},
	}
}

func TestRouteSwitchToMatchingContainer(t *testing.T) {
	t.Parallel()

	d := Route("https://www.amazon.com/gp/cart", "default", routeState())
	if d.Action != models.RouteSwitch || d.ContainerID != "ca" || d.ContainerName != "Amazon" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestRouteStayInMatchingContainer(t *testing.T) {
	t.Parallel()

	d := Route("https://amazon.com/", "ca", routeState())
	if d.Action != models.RouteStay {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestRouteAskUser(t *testing.T) {
	t.Parallel()

	d := Route("https://api.example.com/v1", "default", routeState())
	if d.Action != models.RouteAskUser || d.AskDomain != "api.example.com" || d.ContainerID != "c1" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestRouteUnruledFromDefaultNeedsEphemeral(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "default"} {
		d := Route("https://news.example.org/", id, routeState())
		if d.Action != models.RouteNeedsEphemeral {
			t.Fatalf("container %q: unexpected decision %+v", id, d)
		}
	}
}

func TestRouteUnruledFromPermanentContainer(t *testing.T) {
	t.Parallel()

	// The Amazon container does not own news.example.org.
	d := Route("https://news.example.org/", "ca", routeState())
	if d.Action != models.RouteNeedsEphemeral {
		t.Fatalf("unexpected decision: %+v", d)
	}

	// It does own subdomains of its ruled domain, even with inheritance
	// off, so those stay.
	d = Route("https://smile.amazon.com/", "ca", routeState())
	if d.Action != models.RouteStay {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestRouteEphemeralContainerStays(t *testing.T) {
	t.Parallel()

	d := Route("https://news.example.org/", "tmp1", routeState())
	if d.Action != models.RouteStay {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestRouteBlendTakesPrecedence(t *testing.T) {
	t.Parallel()

	state := routeState()
	state.Blends = map[string]map[string]struct{}{"c1": {"amazon.com": {}}}
	d := Route("https://amazon.com/", "c1", state)
	if d.Action != models.RouteStay {
		t.Fatalf("blend must keep the tab in place, got %+v", d)
	}
}

func TestRouteBareHost(t *testing.T) {
	t.Parallel()

	d := Route("amazon.com", "default", routeState())
	if d.Action != models.RouteSwitch || d.ContainerID != "ca" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}
