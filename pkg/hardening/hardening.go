// Package hardening enforces the production security posture before the
// daemon starts serving decisions. All checks are skipped outside
// production-like environments.
package hardening

import (
	"fmt"
	"strings"
)

// Config carries the security-relevant settings the daemon resolved from
// its environment.
type Config struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	CORSAllowedOrigins string
	AdminToken         string
}

// ValidateProduction fails closed: in production or staging, with strict
// mode on (the default), TLS and explicit CORS origins are mandatory and
// the admin API must carry a token.
func ValidateProduction(cfg Config) error {
	if !productionLike(cfg.Environment) {
		return nil
	}
	if !boolEnv(cfg.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "containd"
	}
	if !boolEnv(cfg.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		if !boolEnv(cfg.RedisRequireTLS, false) {
			return fmt.Errorf("%s: production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if boolEnv(cfg.RedisTLSInsecure, false) {
			return fmt.Errorf("%s: production hardening forbids REDIS_TLS_INSECURE", service)
		}
	}
	if err := checkCORSOrigins(cfg.CORSAllowedOrigins, service); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.AdminToken) == "" {
		return fmt.Errorf("%s: production hardening requires ADMIN_API_TOKEN", service)
	}
	return nil
}

func checkCORSOrigins(raw, service string) error {
	count := 0
	for _, part := range strings.Split(raw, ",") {
		origin := strings.ToLower(strings.TrimSpace(part))
		if origin == "" {
			continue
		}
		count++
		if origin == "*" {
			return fmt.Errorf("%s: production hardening forbids CORS wildcard origin", service)
		}
		if strings.Contains(origin, "//localhost") || strings.Contains(origin, "//127.0.0.1") {
			return fmt.Errorf("%s: production hardening forbids localhost CORS origin %q", service, origin)
		}
		if !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("%s: production hardening requires HTTPS CORS origin, got %q", service, origin)
		}
	}
	if count == 0 {
		return fmt.Errorf("%s: production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func boolEnv(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
