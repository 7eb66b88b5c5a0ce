package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// upstreamScopes are the scopes the gateway requests from Entra ID
// for its own login leg; the id_token they yield carries everything
// needed to resolve the caller.
var upstreamScopes = []string{"openid", "profile", "email"}

// Upstream drives the gateway's own Authorization Code + PKCE exchange
// against the upstream identity provider.
type Upstream struct {
	cfg     oauth2.Config
	timeout time.Duration
}

// NewUpstream configures the Entra ID leg for a tenant. serverURL is
// this gateway's public base URL; the upstream redirects back to its
// /callback route.
func NewUpstream(tenantID, clientID, clientSecret, serverURL string, timeout time.Duration) *Upstream {
	base := "https://login.microsoftonline.com/" + tenantID + "/oauth2/v2.0"
	return NewUpstreamEndpoints(oauth2.Endpoint{
		AuthURL:  base + "/authorize",
		TokenURL: base + "/token",
	}, clientID, clientSecret, serverURL, timeout)
}

// NewUpstreamEndpoints is like NewUpstream with explicit endpoints.
func NewUpstreamEndpoints(endpoint oauth2.Endpoint, clientID, clientSecret, serverURL string, timeout time.Duration) *Upstream {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Upstream{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
			RedirectURL:  serverURL + "/callback",
			Scopes:       upstreamScopes,
		},
		timeout: timeout,
	}
}

// AuthCodeURL builds the upstream login URL for a pending
// authorization: the gateway's own client id, redirect URI, state
// token, and PKCE challenge derived from verifier.
func (u *Upstream) AuthCodeURL(state, verifier string) string {
	return u.cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("response_mode", "query"),
	)
}

// ExchangeCode performs the server-to-server token exchange and
// returns the raw id_token. Every call is bounded by the configured
// timeout; a timed-out exchange is an upstream failure like any other.
func (u *Upstream) ExchangeCode(ctx context.Context, code, verifier string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: u.timeout})

	token, err := u.cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", fmt.Errorf("upstream token exchange: %w", err)
	}

	idToken, ok := token.Extra("id_token").(string)
	if !ok || idToken == "" {
		return "", fmt.Errorf("upstream token response missing id_token")
	}
	return idToken, nil
}
