package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sjifire/mcp-gateway/internal/config"
	"github.com/sjifire/mcp-gateway/internal/identity"
	"github.com/sjifire/mcp-gateway/internal/proxy"
	"github.com/sjifire/mcp-gateway/internal/tokenstore"
)

const ServiceVersion = "v1.0.0"

func main() {
	config.LoadEnv("../../.env")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	slog.Info("starting mcp-gateway", "version", ServiceVersion)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := tokenstore.NewFromEnv()
	if err != nil {
		slog.Error("failed to initialize token store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var validator *identity.Validator
	var upstream *proxy.Upstream
	if cfg.AuthConfigured() {
		validator = identity.NewEntraValidator(cfg.TenantID, cfg.UpstreamClientID)
		upstream = proxy.NewUpstream(cfg.TenantID, cfg.UpstreamClientID, cfg.UpstreamClientSecret, cfg.ServerURL, cfg.UpstreamTimeout)
	} else {
		slog.Warn("ENTRA_MCP_API_CLIENT_ID not set, running in development mode without authentication")
	}

	server := proxy.NewServer(cfg, store, validator, upstream)

	mux := http.NewServeMux()
	mux.HandleFunc("/register", server.HandleRegister)
	mux.HandleFunc("/authorize", server.HandleAuthorize)
	mux.HandleFunc("/callback", server.HandleCallback)
	mux.HandleFunc("/token", server.HandleToken)
	mux.HandleFunc("/revoke", server.HandleRevoke)
	mux.HandleFunc("/health", server.HandleHealth)
	mux.HandleFunc("/.well-known/oauth-authorization-server", server.HandleWellKnown)
	mux.Handle("/api/me", server.Middleware(http.HandlerFunc(handleMe(cfg))))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("listening", "addr", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// handleMe returns the authenticated caller, mostly useful for smoke
// testing a deployment end to end.
func handleMe(cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := identity.CallerFromContext(r.Context())
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		proxy.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"email":      caller.Email,
			"name":       caller.Name,
			"subject_id": caller.SubjectID,
			"groups":     caller.Groups,
			"privileged": caller.IsPrivileged(cfg.PrivilegedGroupID),
		})
	}
}
