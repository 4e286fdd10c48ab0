package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisConfig is the REDIS_* environment folded into one place, in the
// same shape the pool config uses for postgres.
type redisConfig struct {
	addr       string
	password   string
	db         int
	useTLS     bool
	insecure   bool
	serverName string
	caFile     string
	certFile   string
	keyFile    string
}

func redisConfigFromEnv() redisConfig {
	cfg := redisConfig{
		addr:       strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		password:   os.Getenv("REDIS_PASSWORD"),
		db:         envInt("REDIS_DB", 0),
		useTLS:     strings.EqualFold(strings.TrimSpace(os.Getenv("REDIS_TLS")), "true"),
		insecure:   strings.EqualFold(strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE")), "true"),
		serverName: strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
		caFile:     strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
		certFile:   strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE")),
		keyFile:    strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE")),
	}
	if cfg.addr == "" {
		cfg.addr = "localhost:6379"
	}
	return cfg
}

// tlsConfig builds the client TLS setup, or nil when REDIS_TLS is off.
func (c redisConfig) tlsConfig() (*tls.Config, error) {
	if !c.useTLS {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.insecure {
		out.InsecureSkipVerify = true
	}
	if c.serverName != "" {
		out.ServerName = c.serverName
	}
	if c.caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(c.caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		out.RootCAs = pool
	}
	if c.certFile != "" || c.keyFile != "" {
		if c.certFile == "" || c.keyFile == "" {
			return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(c.certFile), filepath.Clean(c.keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// NewRedis connects using the REDIS_* environment. A nil error means the
// server answered a ping.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	cfg := redisConfigFromEnv()
	tlsConfig, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	if requiresSecureTransport("REDIS_REQUIRE_TLS") && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.addr,
		Password:  cfg.password,
		DB:        cfg.db,
		TLSConfig: tlsConfig,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
