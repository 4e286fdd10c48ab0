// Package metrics keeps a mutex-guarded snapshot registry of decision and
// endpoint counters. It is served as JSON from the daemon's /metrics
// endpoint.
package metrics

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	verdictReason map[string]int64
	routing       map[string]int64
	decisions     DecisionStat
	gauges        map[string]float64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type DecisionStat struct {
	Opened   int64 `json:"opened"`
	Joined   int64 `json:"joined"`
	Resolved int64 `json:"resolved"`
	TimedOut int64 `json:"timed_out"`
	Cleared  int64 `json:"cleared"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Verdicts    map[string]int64        `json:"verdicts"`
	Routing     map[string]int64        `json:"routing"`
	Decisions   DecisionStat            `json:"decisions"`
	Gauges      map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		verdictReason: map[string]int64{},
		routing:       map[string]int64{},
		gauges:        map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncVerdict counts one authorization outcome with its reason code.
func (r *Registry) IncVerdict(outcome, reason string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "NONE"
	}
	r.mu.Lock()
	r.verdictReason[outcome+"|"+reason]++
	r.mu.Unlock()
}

// IncRouting counts one navigation routing action.
func (r *Registry) IncRouting(action string) {
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}
	r.mu.Lock()
	r.routing[action]++
	r.mu.Unlock()
}

func (r *Registry) IncDecisionOpened()   { r.mu.Lock(); r.decisions.Opened++; r.mu.Unlock() }
func (r *Registry) IncDecisionJoined()   { r.mu.Lock(); r.decisions.Joined++; r.mu.Unlock() }
func (r *Registry) IncDecisionResolved() { r.mu.Lock(); r.decisions.Resolved++; r.mu.Unlock() }
func (r *Registry) IncDecisionTimedOut() { r.mu.Lock(); r.decisions.TimedOut++; r.mu.Unlock() }
func (r *Registry) IncDecisionCleared()  { r.mu.Lock(); r.decisions.Cleared++; r.mu.Unlock() }

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:    make(map[string]int64, len(r.verdictReason)),
		Routing:     make(map[string]int64, len(r.routing)),
		Decisions:   r.decisions,
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdictReason {
		out.Verdicts[k] = v
	}
	for k, v := range r.routing {
		out.Routing[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

// Handler serves the snapshot as JSON.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	}
}

// Middleware records endpoint stats for every request.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.Observe(req.Method+" "+req.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
