// Package pending tracks requests the authorizer deferred. Each open
// decision suspends one or more requests for a (tab, key domain) pair;
// sibling subdomains of a shared parent consolidate into one decision so a
// single verdict or timeout settles the whole family. Every decision is
// bounded by a timeout that resolves Deny: nothing stays open forever.
package pending

import (
	"sort"
	"sync"
	"time"

	"contain/pkg/domains"
	"contain/pkg/models"
)

// Event names emitted through the notifier.
const (
	EventPending  = "decision.pending"
	EventJoined   = "decision.joined"
	EventResolved = "decision.resolved"
	EventCleared  = "tab.cleared"
)

// DefaultTimeout bounds a decision when no override is configured.
const DefaultTimeout = 15 * time.Second

// Resolver is the continuation of one suspended request. It is invoked
// exactly once, outside the tracker lock, in registration order.
type Resolver func(models.Verdict)

// Notifier receives decision lifecycle events after the tracker mutation
// completes.
type Notifier func(event string, evt models.DecisionEvent)

type Option func(*Tracker)

func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(t *Tracker) { t.notify = n }
}

type decision struct {
	keyDomain string
	members   map[string]struct{}
	resolvers []Resolver
	createdAt time.Time
	expiresAt time.Time
	timer     *time.Timer
}

type tabState struct {
	decisions map[string]*decision
	index     map[string]string // member domain -> key domain
	byParent  map[string]string // consolidation parent -> key domain
}

// Tracker owns the per-tab decision and domain indices. They are the only
// mutable shared structures in the decision path and nothing else touches
// them.
type Tracker struct {
	mu      sync.Mutex
	timeout time.Duration
	notify  Notifier
	tabs    map[string]*tabState
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		timeout: DefaultTimeout,
		tabs:    map[string]*tabState{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Add registers a suspended request for domain in tabID. If an open
// decision exists for the domain, for its consolidation parent, or keyed by
// the parent domain itself, the resolver joins it without resetting the
// timeout; otherwise a fresh decision keyed by the domain starts its timer.
// stripWWW comes from the caller's policy snapshot so consolidation and
// authorization agree on domain identity.
func (t *Tracker) Add(tabID, rawDomain string, stripWWW bool, resolver Resolver) models.PendingDecision {
	domain := domains.Canonical(rawDomain, stripWWW)

	t.mu.Lock()
	tab, ok := t.tabs[tabID]
	if !ok {
		tab = &tabState{
			decisions: map[string]*decision{},
			index:     map[string]string{},
			byParent:  map[string]string{},
		}
		t.tabs[tabID] = tab
	}

	parent := domains.ConsolidationParent(domain, stripWWW)
	var d *decision
	created := false
	if key, ok := tab.index[domain]; ok {
		d = tab.decisions[key]
	} else if parent != "" {
		if key, ok := tab.byParent[parent]; ok {
			d = tab.decisions[key]
		} else if key, ok := tab.index[parent]; ok {
			// The parent domain itself was deferred first; its children
			// join that decision.
			d = tab.decisions[key]
			tab.byParent[parent] = key
		}
	}
	if d == nil {
		now := time.Now().UTC()
		d = &decision{
			keyDomain: domain,
			members:   map[string]struct{}{},
			createdAt: now,
			expiresAt: now.Add(t.timeout),
		}
		key := domain
		d.timer = time.AfterFunc(t.timeout, func() { t.expire(tabID, key) })
		tab.decisions[domain] = d
		if parent != "" {
			if _, taken := tab.byParent[parent]; !taken {
				tab.byParent[parent] = domain
			}
		}
		created = true
	}
	d.members[domain] = struct{}{}
	tab.index[domain] = d.keyDomain
	if resolver != nil {
		d.resolvers = append(d.resolvers, resolver)
	}
	view := viewOf(tabID, d)
	t.mu.Unlock()

	if t.notify != nil {
		event := EventJoined
		if created {
			event = EventPending
		}
		t.notify(event, models.DecisionEvent{
			TabID:         tabID,
			KeyDomain:     view.KeyDomain,
			RequestDomain: domain,
			At:            view.CreatedAt,
		})
	}
	return view
}

// Resolve settles the open decision covering domain with the given
// verdict. The domain may be an exact member or a broader ancestor; an
// ancestor settles every consolidated family it covers. Resolving a
// settled or unknown key is a no-op, never an error: races between a user
// action and the timeout are expected.
func (t *Tracker) Resolve(tabID, rawDomain string, stripWWW bool, verdict models.Verdict) bool {
	domain := domains.Canonical(rawDomain, stripWWW)

	t.mu.Lock()
	tab, ok := t.tabs[tabID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	keys := make([]string, 0, 1)
	if key, ok := tab.index[domain]; ok {
		keys = append(keys, key)
	} else {
		for key, d := range tab.decisions {
			for member := range d.members {
				if member == domain || domains.IsSubdomain(member, domain) {
					keys = append(keys, key)
					break
				}
			}
		}
		sort.Strings(keys)
	}
	settled := t.settleLocked(tab, tabID, keys, verdict)
	if len(tab.decisions) == 0 {
		delete(t.tabs, tabID)
	}
	t.mu.Unlock()

	for _, s := range settled {
		s.deliver(verdict, t.notify)
	}
	return len(settled) > 0
}

// ClearForTab force-resolves every open decision for the tab with Deny and
// purges its indices. This is the only cancellation path; it runs when the
// tab navigates away or closes.
func (t *Tracker) ClearForTab(tabID string) int {
	verdict := models.Deny(models.ReasonTabCleared)

	t.mu.Lock()
	tab, ok := t.tabs[tabID]
	if !ok {
		t.mu.Unlock()
		return 0
	}
	keys := make([]string, 0, len(tab.decisions))
	for key := range tab.decisions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	settled := t.settleLocked(tab, tabID, keys, verdict)
	delete(t.tabs, tabID)
	t.mu.Unlock()

	for _, s := range settled {
		s.deliver(verdict, t.notify)
	}
	if t.notify != nil && len(settled) > 0 {
		t.notify(EventCleared, models.DecisionEvent{TabID: tabID, At: time.Now().UTC()})
	}
	return len(settled)
}

// PendingForTab snapshots the tab's open decisions, oldest first.
func (t *Tracker) PendingForTab(tabID string) []models.PendingDecision {
	t.mu.Lock()
	defer t.mu.Unlock()
	tab, ok := t.tabs[tabID]
	if !ok {
		return nil
	}
	out := make([]models.PendingDecision, 0, len(tab.decisions))
	for _, d := range tab.decisions {
		out = append(out, viewOf(tabID, d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].KeyDomain < out[j].KeyDomain
	})
	return out
}

// Open reports the number of open decisions across all tabs.
func (t *Tracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, tab := range t.tabs {
		n += len(tab.decisions)
	}
	return n
}

// expire is the timer path: fail closed. A timer that fires after the
// decision was resolved finds nothing and has no observable effect.
func (t *Tracker) expire(tabID, key string) {
	verdict := models.Deny(models.ReasonTimeout)

	t.mu.Lock()
	tab, ok := t.tabs[tabID]
	if !ok {
		t.mu.Unlock()
		return
	}
	settled := t.settleLocked(tab, tabID, []string{key}, verdict)
	if len(tab.decisions) == 0 {
		delete(t.tabs, tabID)
	}
	t.mu.Unlock()

	for _, s := range settled {
		s.deliver(verdict, t.notify)
	}
}

type settledDecision struct {
	tabID     string
	keyDomain string
	resolvers []Resolver
}

func (s settledDecision) deliver(verdict models.Verdict, notify Notifier) {
	for _, r := range s.resolvers {
		r(verdict)
	}
	if notify != nil {
		notify(EventResolved, models.DecisionEvent{
			TabID:      s.tabID,
			KeyDomain:  s.keyDomain,
			Outcome:    verdict.Outcome,
			ReasonCode: verdict.ReasonCode,
			At:         time.Now().UTC(),
		})
	}
}

// settleLocked removes the decisions and their indices while the lock is
// held; resolver callbacks run after release.
func (t *Tracker) settleLocked(tab *tabState, tabID string, keys []string, verdict models.Verdict) []settledDecision {
	settled := make([]settledDecision, 0, len(keys))
	for _, key := range keys {
		d, ok := tab.decisions[key]
		if !ok {
			continue
		}
		d.timer.Stop()
		delete(tab.decisions, key)
		for member := range d.members {
			delete(tab.index, member)
		}
		for parent, k := range tab.byParent {
			if k == key {
				delete(tab.byParent, parent)
			}
		}
		settled = append(settled, settledDecision{tabID: tabID, keyDomain: d.keyDomain, resolvers: d.resolvers})
	}
	return settled
}

func viewOf(tabID string, d *decision) models.PendingDecision {
	members := make([]string, 0, len(d.members))
	for m := range d.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return models.PendingDecision{
		TabID:     tabID,
		KeyDomain: d.keyDomain,
		Members:   members,
		Waiters:   len(d.resolvers),
		CreatedAt: d.createdAt,
		ExpiresAt: d.expiresAt,
	}
}
