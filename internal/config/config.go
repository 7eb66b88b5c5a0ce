package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the gateway's runtime settings. The upstream fields
// describe this service's own app registration with Entra ID; the
// server URL is the public base used to build the upstream redirect
// URI and presented to downstream clients as the issuer.
type Config struct {
	TenantID             string
	UpstreamClientID     string
	UpstreamClientSecret string
	ServerURL            string
	PrivilegedGroupID    string
	ListenAddr           string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	PendingAuthTTL  time.Duration
	UpstreamTimeout time.Duration
}

// Load reads the gateway configuration from the environment. An empty
// ENTRA_MCP_API_CLIENT_ID means auth is not configured and the caller
// may choose to run in development mode.
func Load() (Config, error) {
	cfg := Config{
		TenantID:             firstEnv("ENTRA_MCP_API_TENANT_ID", "MS_GRAPH_TENANT_ID"),
		UpstreamClientID:     strings.TrimSpace(os.Getenv("ENTRA_MCP_API_CLIENT_ID")),
		UpstreamClientSecret: os.Getenv("ENTRA_MCP_API_CLIENT_SECRET"),
		ServerURL:            strings.TrimRight(strings.TrimSpace(os.Getenv("MCP_SERVER_URL")), "/"),
		PrivilegedGroupID:    strings.TrimSpace(os.Getenv("ENTRA_MCP_OFFICER_GROUP_ID")),
		ListenAddr:           envOr("MCP_LISTEN_ADDR", ":8000"),

		AccessTokenTTL:  parseDurationEnv("OAUTH_ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL: parseDurationEnv("OAUTH_REFRESH_TOKEN_TTL", 24*time.Hour),
		AuthCodeTTL:     parseDurationEnv("OAUTH_AUTH_CODE_TTL", 5*time.Minute),
		PendingAuthTTL:  parseDurationEnv("OAUTH_PENDING_AUTH_TTL", 5*time.Minute),
		UpstreamTimeout: parseDurationEnv("OAUTH_UPSTREAM_TIMEOUT", 10*time.Second),
	}

	if cfg.UpstreamClientID != "" {
		if cfg.TenantID == "" {
			return Config{}, fmt.Errorf("ENTRA_MCP_API_TENANT_ID is required when ENTRA_MCP_API_CLIENT_ID is set")
		}
		if cfg.ServerURL == "" {
			return Config{}, fmt.Errorf("MCP_SERVER_URL is required when ENTRA_MCP_API_CLIENT_ID is set")
		}
	}

	return cfg, nil
}

// AuthConfigured reports whether the upstream app registration is
// present. Without it the gateway runs unauthenticated (dev mode).
func (c Config) AuthConfigured() bool {
	return c.UpstreamClientID != ""
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	return ""
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}
