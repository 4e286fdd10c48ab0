package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"contain/pkg/audit"
	"contain/pkg/metrics"
	"contain/pkg/models"
	"contain/pkg/pending"
	"contain/pkg/ratelimit"
	"contain/pkg/store"
	"contain/pkg/stream"
)

type fakeDB struct {
	execSQL  []string
	execArgs [][]any
	execTag  pgconn.CommandTag
	execErr  error
	rowsFor  func(sql string) [][]any
	queryErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, append([]any(nil), args...))
	if f.execTag.String() == "" {
		return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
	}
	return f.execTag, f.execErr
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var rows [][]any
	if f.rowsFor != nil {
		rows = f.rowsFor(sql)
	}
	return &fakeRows{rows: rows}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &fakeRows{}
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(row))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = row[i].(string)
		case *bool:
			*d = row[i].(bool)
		case *time.Time:
			*d = row[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

// policyRows serves the policy tables the handlers assemble state from.
func policyRows(sql string) [][]any {
	switch {
	case strings.Contains(sql, "FROM rules"):
		return [][]any{
			{"bank.example.com", "banking", "Banking", ""},
			{"docs.example.org", "work", "Work", "ask"},
		}
	case strings.Contains(sql, "FROM containers"):
		return [][]any{
			{"banking", "Banking", "", false},
			{"work", "Work", "", false},
		}
	case strings.Contains(sql, "FROM settings"):
		return [][]any{{"global_subdomains", "off"}}
	}
	return nil
}

func newTestServer(db *fakeDB, opts ...pending.Option) *Server {
	if db.rowsFor == nil {
		db.rowsFor = policyRows
	}
	if len(opts) == 0 {
		opts = []pending.Option{pending.WithTimeout(time.Minute)}
	}
	return &Server{
		Rules:               &store.RuleStore{DB: db},
		Audit:               &audit.Writer{DB: db},
		PolicyCache:         store.NewPolicyCache(store.NewMemoryCache(), time.Minute),
		Tracker:             pending.New(opts...),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		MaxRequestBodyBytes: 1 << 20,
	}
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target string, body any, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestAuthorizeImmediateVerdicts(t *testing.T) {
	s := newTestServer(&fakeDB{})

	rec := doJSON(t, s.authorizeRequest, "POST", "/v1/authorize", map[string]any{
		"tab_id":           "tab-1",
		"request_domain":   "bank.example.com",
		"tab_container_id": "banking",
		"tab_domain":       "bank.example.com",
	}, nil)
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var verdict models.Verdict
	if err := json.Unmarshal(rec.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if verdict.Outcome != models.OutcomeAllow || verdict.ReasonCode != models.ReasonSameDomain {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}

	rec = doJSON(t, s.authorizeRequest, "POST", "/v1/authorize", map[string]any{
		"tab_id":           "tab-1",
		"request_domain":   "bank.example.com",
		"tab_container_id": "work",
		"tab_domain":       "docs.example.org",
	}, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if verdict.Outcome != models.OutcomeDeny || verdict.ReasonCode != models.ReasonCrossContainer {
		t.Fatalf("expected cross-container deny, got %+v", verdict)
	}
	if verdict.TargetContainerID != "banking" {
		t.Fatalf("expected owning container on deny, got %+v", verdict)
	}

	snap := s.Metrics.Snapshot()
	if snap.Verdicts["ALLOW|SAME_DOMAIN"] != 1 || snap.Verdicts["DENY|CROSS_CONTAINER"] != 1 {
		t.Fatalf("unexpected verdict counters: %+v", snap.Verdicts)
	}
}

func TestAuthorizeValidation(t *testing.T) {
	s := newTestServer(&fakeDB{})

	rec := doJSON(t, s.authorizeRequest, "POST", "/v1/authorize", map[string]any{"tab_id": "t1"}, nil)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for missing request_domain, got %d", rec.Code)
	}

	req := httptest.NewRequest("POST", "/v1/authorize", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	s.authorizeRequest(rec2, req)
	if rec2.Code != 400 {
		t.Fatalf("expected 400 for bad json, got %d", rec2.Code)
	}
}

func TestAuthorizeDeferOpensPendingDecision(t *testing.T) {
	s := newTestServer(&fakeDB{})

	// docs.example.org has subdomains=ask; a subdomain in the same
	// container defers to the user.
	rec := doJSON(t, s.authorizeRequest, "POST", "/v1/authorize", map[string]any{
		"tab_id":           "tab-2",
		"request_domain":   "wiki.docs.example.org",
		"tab_container_id": "work",
		"tab_domain":       "docs.example.org",
	}, nil)
	if rec.Code != 202 {
		t.Fatalf("expected 202 for deferred decision, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Outcome models.Outcome         `json:"outcome"`
		Pending models.PendingDecision `json:"pending"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Outcome != models.OutcomeDefer || resp.Pending.KeyDomain != "wiki.docs.example.org" {
		t.Fatalf("unexpected deferred response: %+v", resp)
	}

	recPending := doJSON(t, s.listPending, "GET", "/v1/tabs/tab-2/pending", nil, map[string]string{"tabID": "tab-2"})
	if !strings.Contains(recPending.Body.String(), "wiki.docs.example.org") {
		t.Fatalf("pending list must include the open decision: %s", recPending.Body.String())
	}

	recResolve := doJSON(t, s.resolveDecision, "POST", "/v1/tabs/tab-2/resolve", map[string]any{
		"domain": "wiki.docs.example.org",
		"allow":  true,
	}, map[string]string{"tabID": "tab-2"})
	if recResolve.Code != 200 || !strings.Contains(recResolve.Body.String(), `"resolved":true`) {
		t.Fatalf("unexpected resolve response %d: %s", recResolve.Code, recResolve.Body.String())
	}
	if s.Tracker.Open() != 0 {
		t.Fatalf("decision must settle, still open: %d", s.Tracker.Open())
	}
}

func TestAuthorizeWaitBlocksUntilResolved(t *testing.T) {
	s := newTestServer(&fakeDB{})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doJSON(t, s.authorizeRequest, "POST", "/v1/authorize", map[string]any{
			"tab_id":           "tab-3",
			"request_domain":   "wiki.docs.example.org",
			"tab_container_id": "work",
			"tab_domain":       "docs.example.org",
			"wait":             true,
		}, nil)
	}()

	deadline := time.After(2 * time.Second)
	for s.Tracker.Open() == 0 {
		select {
		case <-deadline:
			t.Fatal("decision never opened")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !s.Tracker.Resolve("tab-3", "wiki.docs.example.org", true, models.Deny(models.ReasonUserDeny)) {
		t.Fatal("resolve failed")
	}

	rec := <-done
	var verdict models.Verdict
	if err := json.Unmarshal(rec.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if verdict.Outcome != models.OutcomeDeny || verdict.ReasonCode != models.ReasonUserDeny {
		t.Fatalf("unexpected verdict after resolve: %+v", verdict)
	}
}

func TestClearTab(t *testing.T) {
	s := newTestServer(&fakeDB{})
	s.Tracker.Add("tab-4", "a.svc.example.net", true, nil)
	s.Tracker.Add("tab-4", "b.svc.example.net", true, nil)

	rec := doJSON(t, s.clearTab, "POST", "/v1/tabs/tab-4/clear", nil, map[string]string{"tabID": "tab-4"})
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"cleared":1`) {
		t.Fatalf("siblings consolidate into one decision; got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouteNavigation(t *testing.T) {
	s := newTestServer(&fakeDB{})

	rec := doJSON(t, s.routeNavigation, "POST", "/v1/route", map[string]any{
		"url":          "https://bank.example.com/login",
		"container_id": "work",
	}, nil)
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var decision models.RoutingDecision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.Action != models.RouteSwitch || decision.ContainerID != "banking" {
		t.Fatalf("unexpected routing decision: %+v", decision)
	}

	rec = doJSON(t, s.routeNavigation, "POST", "/v1/route", map[string]any{"url": ""}, nil)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for missing url, got %d", rec.Code)
	}

	snap := s.Metrics.Snapshot()
	if snap.Routing["SWITCH"] != 1 {
		t.Fatalf("unexpected routing counters: %+v", snap.Routing)
	}
}

func TestGetStateUsesCache(t *testing.T) {
	db := &fakeDB{}
	s := newTestServer(db)

	rec := doJSON(t, s.getState, "GET", "/v1/state", nil, nil)
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var state models.PolicyState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(state.Rules) != 2 || state.GlobalSubdomains != models.SubdomainOff {
		t.Fatalf("unexpected state: %+v", state)
	}

	// Second read must come from the cache, not the database.
	db.queryErr = fmt.Errorf("db down")
	rec = doJSON(t, s.getState, "GET", "/v1/state", nil, nil)
	if rec.Code != 200 {
		t.Fatalf("expected cached state, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRuleCRUDInvalidatesCache(t *testing.T) {
	db := &fakeDB{}
	s := newTestServer(db)

	if _, err := s.policyState(context.Background()); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	rec := doJSON(t, s.upsertRule, "POST", "/v1/rules", map[string]any{
		"domain":       "Shop.Example.COM",
		"container_id": "shopping",
	}, nil)
	if rec.Code != 201 || !strings.Contains(rec.Body.String(), "shop.example.com") {
		t.Fatalf("unexpected upsert response %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := s.PolicyCache.Get(context.Background()); ok {
		t.Fatal("rule mutation must invalidate the policy cache")
	}

	rec = doJSON(t, s.upsertRule, "POST", "/v1/rules", map[string]any{"domain": "x.example"}, nil)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for missing container_id, got %d", rec.Code)
	}

	db.execTag = pgconn.NewCommandTag("DELETE 0")
	rec = doJSON(t, s.deleteRule, "DELETE", "/v1/rules/gone.example.com", nil, map[string]string{"domain": "gone.example.com"})
	if rec.Code != 404 {
		t.Fatalf("expected 404 for unknown rule, got %d", rec.Code)
	}
}

func TestContainerAndPairHandlers(t *testing.T) {
	db := &fakeDB{}
	s := newTestServer(db)

	rec := doJSON(t, s.upsertContainer, "POST", "/v1/containers", map[string]any{"name": "Shopping"}, nil)
	if rec.Code != 201 || !strings.Contains(rec.Body.String(), "id") {
		t.Fatalf("unexpected container response %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.addExclusion, "POST", "/v1/containers/work/exclusions", map[string]any{
		"domain": "CDN.example.com",
	}, map[string]string{"id": "work"})
	if rec.Code != 201 || !strings.Contains(rec.Body.String(), "cdn.example.com") {
		t.Fatalf("unexpected exclusion response %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.addBlend, "POST", "/v1/containers/work/blends", map[string]any{}, map[string]string{"id": "work"})
	if rec.Code != 400 {
		t.Fatalf("expected 400 for missing domain, got %d", rec.Code)
	}

	db.execTag = pgconn.NewCommandTag("DELETE 0")
	rec = doJSON(t, s.removeBlend, "DELETE", "/v1/containers/work/blends/x.example", nil,
		map[string]string{"id": "work", "domain": "x.example"})
	if rec.Code != 404 {
		t.Fatalf("expected 404 for unknown blend, got %d", rec.Code)
	}
}

func TestPutSettings(t *testing.T) {
	db := &fakeDB{}
	s := newTestServer(db)

	rec := doJSON(t, s.putSettings, "PUT", "/v1/settings", map[string]any{
		"global_subdomains": "ask",
		"strip_www":         true,
	}, nil)
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if len(db.execSQL) != 2 {
		t.Fatalf("expected two settings writes, got %d", len(db.execSQL))
	}

	rec = doJSON(t, s.putSettings, "PUT", "/v1/settings", map[string]any{}, nil)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for empty update, got %d", rec.Code)
	}
}

func TestAdminOnlyMiddleware(t *testing.T) {
	s := newTestServer(&fakeDB{})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) })

	// Without a configured token the surface is open (dev mode).
	rec := httptest.NewRecorder()
	s.adminOnly(inner).ServeHTTP(rec, httptest.NewRequest("POST", "/v1/rules", nil))
	if rec.Code != 204 {
		t.Fatalf("expected open surface without token, got %d", rec.Code)
	}

	s.AdminToken = "secret"
	rec = httptest.NewRecorder()
	s.adminOnly(inner).ServeHTTP(rec, httptest.NewRequest("POST", "/v1/rules", nil))
	if rec.Code != 401 {
		t.Fatalf("expected 401 without header, got %d", rec.Code)
	}

	req := httptest.NewRequest("POST", "/v1/rules", nil)
	req.Header.Set("X-Admin-Token", "secret")
	rec = httptest.NewRecorder()
	s.adminOnly(inner).ServeHTTP(rec, req)
	if rec.Code != 204 {
		t.Fatalf("expected pass with token, got %d", rec.Code)
	}
}

func TestListAuditHandlers(t *testing.T) {
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	db := &fakeDB{
		rowsFor: func(sql string) [][]any {
			if strings.Contains(sql, "FROM audit_decisions") {
				return [][]any{
					{"id-1", "tab-1", "a.example.com", "b.example.com", "work", "DENY", "CROSS_CONTAINER", "banking", now},
				}
			}
			return policyRows(sql)
		},
	}
	s := newTestServer(db)

	rec := doJSON(t, s.listTabAudit, "GET", "/v1/tabs/tab-1/audit?limit=5", nil, map[string]string{"tabID": "tab-1"})
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "CROSS_CONTAINER") {
		t.Fatalf("unexpected audit response %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.listContainerAudit, "GET", "/v1/containers/work/audit", nil, map[string]string{"id": "work"})
	if rec.Code != 200 {
		t.Fatalf("unexpected audit response %d", rec.Code)
	}
}

func TestRateLimitedMiddleware(t *testing.T) {
	s := newTestServer(&fakeDB{})
	s.Limit = ratelimit.NewMemory(time.Minute)
	s.RateLimitPerMin = 2

	handler := s.rateLimited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	hit := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/authorize", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := hit("10.0.0.1:12345"); rec.Code != 200 {
			t.Fatalf("request %d: unexpected status %d", i+1, rec.Code)
		}
	}
	rec := hit("10.0.0.1:12345")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// Other clients keep their own window.
	if rec := hit("10.0.0.2:9"); rec.Code != 200 {
		t.Fatalf("unexpected status for second client: %d", rec.Code)
	}

	// No limiter configured means the middleware passes through.
	s2 := newTestServer(&fakeDB{})
	handler2 := s2.rateLimited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	req := httptest.NewRequest("POST", "/v1/authorize", nil)
	rec2 := httptest.NewRecorder()
	handler2.ServeHTTP(rec2, req)
	if rec2.Code != 200 {
		t.Fatalf("expected pass-through without limiter, got %d", rec2.Code)
	}
}
