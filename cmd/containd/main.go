package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"contain/pkg/audit"
	"contain/pkg/authorize"
	"contain/pkg/domains"
	"contain/pkg/hardening"
	"contain/pkg/httpx"
	"contain/pkg/metrics"
	"contain/pkg/models"
	"contain/pkg/navigate"
	"contain/pkg/pending"
	"contain/pkg/ratelimit"
	"contain/pkg/statebus"
	"contain/pkg/store"
	"contain/pkg/stream"
	"contain/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type decisionPublisher interface {
	PublishDecision(ctx context.Context, event string, ev models.DecisionEvent) error
	Close() error
}

type Server struct {
	Rules               *store.RuleStore
	Audit               *audit.Writer
	PolicyCache         *store.PolicyCache
	Tracker             *pending.Tracker
	Events              *stream.Hub
	Metrics             *metrics.Registry
	AdminToken          string
	MaxRequestBodyBytes int64
	Limit               ratelimit.Limiter
	RateLimitPerMin     int
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (store.DB, func(), error)
	openCacheFn     func(context.Context) store.Cache
	newConsumerFn   func(statebus.KafkaConfig) (statebus.Consumer, error)
	newPublisherFn  func(statebus.KafkaConfig) (decisionPublisher, error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runContaind(initTelemetryFn, openDBFn, openCacheFn, newConsumerFn, newPublisherFn, listenFn); err != nil {
		logFatalf("containd: %v", err)
	}
}

func runContaind(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (store.DB, func(), error),
	openCache func(context.Context) store.Cache,
	newConsumer func(statebus.KafkaConfig) (statebus.Consumer, error),
	newPublisher func(statebus.KafkaConfig) (decisionPublisher, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (store.DB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if openCache == nil {
		openCache = func(ctx context.Context) store.Cache {
			client, err := store.NewRedis(ctx)
			if err != nil {
				log.Printf("redis unavailable, using in-memory policy cache: %v", err)
				client = nil
			}
			return store.NewCache(ctx, client)
		}
	}
	if newConsumer == nil {
		newConsumer = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) {
			return statebus.NewKafkaConsumer(cfg)
		}
	}
	if newPublisher == nil {
		newPublisher = func(cfg statebus.KafkaConfig) (decisionPublisher, error) {
			return statebus.NewKafkaPublisher(cfg)
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "containd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	adminToken := env("ADMIN_API_TOKEN", "")
	if err := hardening.ValidateProduction(hardening.Config{
		Service:            "containd",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		AdminToken:         adminToken,
	}); err != nil {
		return err
	}

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	cache := openCache(ctx)
	registry := metrics.NewRegistry()
	events := stream.NewHub()

	var publisher decisionPublisher
	brokers := splitList(env("KAFKA_BROKERS", ""))
	if len(brokers) > 0 {
		publisher, err = newPublisher(statebus.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_DECISION_TOPIC", "container-decisions"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()
	}

	auditWriter := &audit.Writer{
		DB:       db,
		HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
		Redact:   env("AUDIT_REDACT_DOMAINS", "false") == "true",
	}

	tracker := pending.New(
		pending.WithTimeout(time.Millisecond*time.Duration(envInt("DECISION_TIMEOUT_MS", 15000))),
		pending.WithNotifier(decisionNotifier(ctx, registry, events, publisher, auditWriter)),
	)

	s := &Server{
		Rules:               &store.RuleStore{DB: db},
		Audit:               auditWriter,
		PolicyCache:         store.NewPolicyCache(cache, envDurationSec("POLICY_CACHE_TTL_SEC", 5)),
		Tracker:             tracker,
		Events:              events,
		Metrics:             registry,
		AdminToken:          adminToken,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}
	if perMin := envInt("RATE_LIMIT_PER_MIN", 0); perMin > 0 {
		s.RateLimitPerMin = perMin
		if client, err := store.NewRedis(ctx); err == nil {
			s.Limit = ratelimit.NewRedis(client, time.Minute)
		} else {
			log.Printf("redis unavailable, using in-memory rate limiter: %v", err)
			s.Limit = ratelimit.NewMemory(time.Minute)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("containd"))
	r.Use(s.Metrics.Middleware)
	r.Use(httpx.BodyLimitMiddleware(s.MaxRequestBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "containd"})
	})
	r.Get("/metrics", s.Metrics.Handler())

	limited := r.With(s.rateLimited)
	limited.Post("/v1/authorize", s.authorizeRequest)
	limited.Post("/v1/route", s.routeNavigation)
	r.Get("/v1/state", s.getState)
	r.Get("/v1/events", s.streamEvents)

	r.Get("/v1/tabs/{tabID}/pending", s.listPending)
	r.Post("/v1/tabs/{tabID}/resolve", s.resolveDecision)
	r.Post("/v1/tabs/{tabID}/clear", s.clearTab)
	r.Get("/v1/tabs/{tabID}/audit", s.listTabAudit)

	r.Get("/v1/rules", s.listRules)
	r.Get("/v1/containers", s.listContainers)
	r.Get("/v1/containers/{id}/audit", s.listContainerAudit)

	admin := r.With(s.adminOnly)
	admin.Post("/v1/rules", s.upsertRule)
	admin.Delete("/v1/rules/{domain}", s.deleteRule)
	admin.Post("/v1/containers", s.upsertContainer)
	admin.Delete("/v1/containers/{id}", s.deleteContainer)
	admin.Post("/v1/containers/{id}/exclusions", s.addExclusion)
	admin.Delete("/v1/containers/{id}/exclusions/{domain}", s.removeExclusion)
	admin.Post("/v1/containers/{id}/blends", s.addBlend)
	admin.Delete("/v1/containers/{id}/blends/{domain}", s.removeBlend)
	admin.Put("/v1/settings", s.putSettings)

	addr := env("ADDR", ":8089")
	log.Printf("containd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(server) })
	if len(brokers) > 0 {
		consumer, err := newConsumer(statebus.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_TAB_TOPIC", "tab-events"),
			GroupID: env("KAFKA_GROUP_ID", "containd"),
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer consumer.Close()
			return consumeTabEvents(gctx, consumer, tracker, registry)
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.Close()
		})
	}
	return g.Wait()
}

// consumeTabEvents drains host tab lifecycle events. A closed or navigated
// tab invalidates every open prompt for it.
func consumeTabEvents(ctx context.Context, consumer statebus.Consumer, tracker *pending.Tracker, registry *metrics.Registry) error {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ev, err := statebus.DecodeTabEvent(msg)
		if err != nil {
			log.Printf("statebus: dropping message: %v", err)
			continue
		}
		cleared := tracker.ClearForTab(ev.TabID)
		if cleared > 0 {
			log.Printf("statebus: %s cleared %d pending decisions for tab %s", ev.Type, cleared, ev.TabID)
		}
		registry.SetGauge("pending_open", float64(tracker.Open()))
	}
}

// decisionNotifier fans decision lifecycle events out to metrics, the
// websocket hub, the state bus, and the audit log.
func decisionNotifier(ctx context.Context, registry *metrics.Registry, events *stream.Hub, publisher decisionPublisher, auditWriter *audit.Writer) pending.Notifier {
	return func(event string, ev models.DecisionEvent) {
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}
		switch event {
		case pending.EventPending:
			registry.IncDecisionOpened()
		case pending.EventJoined:
			registry.IncDecisionJoined()
		case pending.EventResolved:
			switch ev.ReasonCode {
			case models.ReasonTimeout:
				registry.IncDecisionTimedOut()
			case models.ReasonTabCleared:
				registry.IncDecisionCleared()
			default:
				registry.IncDecisionResolved()
			}
			registry.IncVerdict(string(ev.Outcome), ev.ReasonCode)
		}
		events.Publish(stream.NewEvent(event, ev))
		if publisher != nil {
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := publisher.PublishDecision(pubCtx, event, ev); err != nil {
				log.Printf("statebus: publish %s failed: %v", event, err)
			}
			cancel()
		}
		if auditWriter != nil && event == pending.EventResolved {
			auditCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := auditWriter.Append(auditCtx, audit.Record{
				ID:            ev.EventID,
				TabID:         ev.TabID,
				RequestDomain: ev.KeyDomain,
				Outcome:       ev.Outcome,
				ReasonCode:    ev.ReasonCode,
				DecidedAt:     ev.At,
			})
			cancel()
			if err != nil {
				log.Printf("audit: append failed: %v", err)
			}
		}
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No token configured means an open admin surface; hardening
		// refuses that combination in production.
		if s.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminToken)) != 1 {
			httpx.Error(w, 401, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited caps decision traffic per client address. Disabled unless a
// limiter is configured.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Limit == nil || s.RateLimitPerMin <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		decision := s.Limit.Allow(clientAddr(r), s.RateLimitPerMin)
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// policyState returns the snapshot used for one decision, via the cache.
func (s *Server) policyState(ctx context.Context) (*models.PolicyState, error) {
	if state, ok := s.PolicyCache.Get(ctx); ok {
		return state, nil
	}
	state, err := s.Rules.LoadPolicyState(ctx)
	if err != nil {
		return nil, err
	}
	s.PolicyCache.Put(ctx, state)
	return state, nil
}

func (s *Server) invalidatePolicy(ctx context.Context) {
	s.PolicyCache.Invalidate(ctx)
}

func internalServerError(w http.ResponseWriter, what string, err error) {
	log.Printf("%s: %v", what, err)
	httpx.Error(w, 500, what+" failed")
}

func (s *Server) authorizeRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TabID          string `json:"tab_id"`
		RequestDomain  string `json:"request_domain"`
		TabContainerID string `json:"tab_container_id"`
		TabDomain      string `json:"tab_domain"`
		Wait           bool   `json:"wait"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.TabID == "" || req.RequestDomain == "" {
		httpx.Error(w, 400, "tab_id and request_domain required")
		return
	}
	state, err := s.policyState(r.Context())
	if err != nil {
		internalServerError(w, "load policy", err)
		return
	}
	verdict := authorize.Authorize(req.RequestDomain, req.TabContainerID, req.TabDomain, state)
	if verdict.Outcome != models.OutcomeDefer {
		s.Metrics.IncVerdict(string(verdict.Outcome), verdict.ReasonCode)
		s.appendAudit(r.Context(), req.TabID, req.RequestDomain, req.TabDomain, req.TabContainerID, verdict)
		httpx.WriteJSON(w, 200, verdict)
		return
	}

	if req.Wait {
		done := make(chan models.Verdict, 1)
		s.Tracker.Add(req.TabID, req.RequestDomain, state.StripWWW, func(v models.Verdict) { done <- v })
		s.Metrics.SetGauge("pending_open", float64(s.Tracker.Open()))
		select {
		case v := <-done:
			httpx.WriteJSON(w, 200, v)
		case <-r.Context().Done():
			// The decision stays open; the tracker timeout settles it.
			httpx.Error(w, 499, "client closed request")
		}
		return
	}

	view := s.Tracker.Add(req.TabID, req.RequestDomain, state.StripWWW, nil)
	s.Metrics.SetGauge("pending_open", float64(s.Tracker.Open()))
	httpx.WriteJSON(w, 202, map[string]interface{}{
		"outcome": models.OutcomeDefer,
		"pending": view,
	})
}

func (s *Server) appendAudit(ctx context.Context, tabID, requestDomain, tabDomain, containerID string, verdict models.Verdict) {
	err := s.Audit.Append(ctx, audit.Record{
		TabID:             tabID,
		RequestDomain:     domains.Normalize(requestDomain),
		TabDomain:         domains.Normalize(tabDomain),
		ContainerID:       containerID,
		Outcome:           verdict.Outcome,
		ReasonCode:        verdict.ReasonCode,
		TargetContainerID: verdict.TargetContainerID,
	})
	if err != nil {
		log.Printf("audit: append failed: %v", err)
	}
}

func (s *Server) routeNavigation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL         string `json:"url"`
		ContainerID string `json:"container_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.URL == "" {
		httpx.Error(w, 400, "url required")
		return
	}
	state, err := s.policyState(r.Context())
	if err != nil {
		internalServerError(w, "load policy", err)
		return
	}
	decision := navigate.Route(req.URL, req.ContainerID, state)
	s.Metrics.IncRouting(string(decision.Action))
	httpx.WriteJSON(w, 200, decision)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	state, err := s.policyState(r.Context())
	if err != nil {
		internalServerError(w, "load policy", err)
		return
	}
	httpx.WriteJSON(w, 200, state)
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	tabID := chi.URLParam(r, "tabID")
	pendingList := s.Tracker.PendingForTab(tabID)
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"tab_id":  tabID,
		"pending": pendingList,
	})
}

func (s *Server) resolveDecision(w http.ResponseWriter, r *http.Request) {
	tabID := chi.URLParam(r, "tabID")
	var req struct {
		Domain string `json:"domain"`
		Allow  bool   `json:"allow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.Domain == "" {
		httpx.Error(w, 400, "domain required")
		return
	}
	state, err := s.policyState(r.Context())
	if err != nil {
		internalServerError(w, "load policy", err)
		return
	}
	verdict := models.Deny(models.ReasonUserDeny)
	if req.Allow {
		verdict = models.Allow(models.ReasonUserAllow)
	}
	resolved := s.Tracker.Resolve(tabID, req.Domain, state.StripWWW, verdict)
	s.Metrics.SetGauge("pending_open", float64(s.Tracker.Open()))
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"resolved": resolved,
		"verdict":  verdict,
	})
}

func (s *Server) clearTab(w http.ResponseWriter, r *http.Request) {
	tabID := chi.URLParam(r, "tabID")
	cleared := s.Tracker.ClearForTab(tabID)
	s.Metrics.SetGauge("pending_open", float64(s.Tracker.Open()))
	httpx.WriteJSON(w, 200, map[string]interface{}{"cleared": cleared})
}

func (s *Server) listTabAudit(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Audit.ListByTab(r.Context(), chi.URLParam(r, "tabID"), queryLimit(r))
	if err != nil {
		internalServerError(w, "list audit", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"records": recs})
}

func (s *Server) listContainerAudit(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Audit.ListByContainer(r.Context(), chi.URLParam(r, "id"), queryLimit(r))
	if err != nil {
		internalServerError(w, "list audit", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"records": recs})
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 0
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.Rules.ListRules(r.Context())
	if err != nil {
		internalServerError(w, "list rules", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"rules": rules})
}

func (s *Server) upsertRule(w http.ResponseWriter, r *http.Request) {
	var rule models.DomainRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(rule.Domain) == "" || strings.TrimSpace(rule.ContainerID) == "" {
		httpx.Error(w, 400, "domain and container_id required")
		return
	}
	if err := s.Rules.UpsertRule(r.Context(), rule); err != nil {
		internalServerError(w, "upsert rule", err)
		return
	}
	s.invalidatePolicy(r.Context())
	httpx.WriteJSON(w, 201, map[string]string{"domain": domains.Normalize(rule.Domain)})
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	err := s.Rules.DeleteRule(r.Context(), chi.URLParam(r, "domain"))
	if errors.Is(err, store.ErrNotFound) {
		httpx.Error(w, 404, "rule not found")
		return
	}
	if err != nil {
		internalServerError(w, "delete rule", err)
		return
	}
	s.invalidatePolicy(r.Context())
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted"})
}

func (s *Server) listContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.Rules.ListContainers(r.Context())
	if err != nil {
		internalServerError(w, "list containers", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"containers": containers})
}

func (s *Server) upsertContainer(w http.ResponseWriter, r *http.Request) {
	var c store.Container
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := s.Rules.UpsertContainer(r.Context(), c); err != nil {
		internalServerError(w, "upsert container", err)
		return
	}
	s.invalidatePolicy(r.Context())
	httpx.WriteJSON(w, 201, map[string]string{"id": c.ID})
}

func (s *Server) deleteContainer(w http.ResponseWriter, r *http.Request) {
	err := s.Rules.DeleteContainer(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		httpx.Error(w, 404, "container not found")
		return
	}
	if err != nil {
		internalServerError(w, "delete container", err)
		return
	}
	s.invalidatePolicy(r.Context())
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted"})
}

type pairHandler func(ctx context.Context, containerID, domain string) error

func (s *Server) addPair(what string, add pairHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Domain string `json:"domain"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.Error(w, 400, "invalid json")
			return
		}
		if req.Domain == "" {
			httpx.Error(w, 400, "domain required")
			return
		}
		if err := add(r.Context(), chi.URLParam(r, "id"), req.Domain); err != nil {
			internalServerError(w, "add "+what, err)
			return
		}
		s.invalidatePolicy(r.Context())
		httpx.WriteJSON(w, 201, map[string]string{"domain": domains.Normalize(req.Domain)})
	}
}

func (s *Server) removePair(what string, remove pairHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := remove(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "domain"))
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, what+" not found")
			return
		}
		if err != nil {
			internalServerError(w, "remove "+what, err)
			return
		}
		s.invalidatePolicy(r.Context())
		httpx.WriteJSON(w, 200, map[string]string{"status": "deleted"})
	}
}

func (s *Server) addExclusion(w http.ResponseWriter, r *http.Request) {
	s.addPair("exclusion", s.Rules.AddExclusion)(w, r)
}

func (s *Server) removeExclusion(w http.ResponseWriter, r *http.Request) {
	s.removePair("exclusion", s.Rules.RemoveExclusion)(w, r)
}

func (s *Server) addBlend(w http.ResponseWriter, r *http.Request) {
	s.addPair("blend", s.Rules.AddBlend)(w, r)
}

func (s *Server) removeBlend(w http.ResponseWriter, r *http.Request) {
	s.removePair("blend", s.Rules.RemoveBlend)(w, r)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GlobalSubdomains *string `json:"global_subdomains"`
		StripWWW         *bool   `json:"strip_www"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.GlobalSubdomains == nil && req.StripWWW == nil {
		httpx.Error(w, 400, "nothing to update")
		return
	}
	if req.GlobalSubdomains != nil {
		policy := models.ParseSubdomainPolicy(*req.GlobalSubdomains)
		if err := s.Rules.SetGlobalSubdomains(r.Context(), policy); err != nil {
			internalServerError(w, "update settings", err)
			return
		}
	}
	if req.StripWWW != nil {
		if err := s.Rules.SetStripWWW(r.Context(), *req.StripWWW); err != nil {
			internalServerError(w, "update settings", err)
			return
		}
	}
	s.invalidatePolicy(r.Context())
	httpx.WriteJSON(w, 200, map[string]string{"status": "updated"})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
