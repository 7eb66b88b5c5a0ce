package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every identity-token failure: signature,
// issuer, audience, or expiry. Callers treat it as a hard failure of
// the login attempt, never as retryable.
var ErrInvalidToken = errors.New("invalid identity token")

// defaultEmailClaims is the fallback order for the email-like claim.
// Entra ID usually sets preferred_username; guest accounts may only
// carry email or upn.
var defaultEmailClaims = []string{"preferred_username", "email", "upn"}

// ValidatorConfig configures id_token verification against the
// upstream provider.
type ValidatorConfig struct {
	// Issuer is the exact expected iss value.
	Issuer string
	// Audience must appear in the token's aud claim. This is the
	// gateway's own client id registered with the upstream provider.
	Audience string
	// JWKSURL is the signing-key discovery endpoint.
	JWKSURL string
	// EmailClaims overrides the ordered email-claim fallbacks.
	EmailClaims []string
	// KeyCacheTTL bounds how long fetched signing keys are trusted
	// before the discovery document is re-read. Zero means one hour.
	KeyCacheTTL time.Duration
	// HTTPTimeout bounds each discovery fetch. Zero means ten seconds.
	HTTPTimeout time.Duration
}

// Validator verifies RS256 identity tokens issued by Entra ID and
// extracts the normalized Identity. Signing keys are fetched from the
// JWKS endpoint and cached with a bounded TTL.
type Validator struct {
	cfg  ValidatorConfig
	http *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg ValidatorConfig) *Validator {
	if len(cfg.EmailClaims) == 0 {
		cfg.EmailClaims = defaultEmailClaims
	}
	if cfg.KeyCacheTTL <= 0 {
		cfg.KeyCacheTTL = time.Hour
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Validator{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		keys: make(map[string]*rsa.PublicKey),
	}
}

// NewEntraValidator creates a validator wired to an Entra ID tenant's
// v2.0 issuer and discovery endpoints.
func NewEntraValidator(tenantID, audience string) *Validator {
	base := "https://login.microsoftonline.com/" + tenantID
	return NewValidator(ValidatorConfig{
		Issuer:   base + "/v2.0",
		Audience: audience,
		JWKSURL:  base + "/discovery/v2.0/keys",
	})
}

// Validate verifies the raw token's signature, issuer, audience, and
// expiry, then extracts the caller identity from its claims.
func (v *Validator) Validate(ctx context.Context, rawToken string) (Identity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in token header")
		}
		return v.signingKey(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return v.extractIdentity(claims), nil
}

func (v *Validator) extractIdentity(claims jwt.MapClaims) Identity {
	var email string
	for _, claim := range v.cfg.EmailClaims {
		if val, ok := claims[claim].(string); ok && val != "" {
			email = strings.ToLower(val)
			break
		}
	}

	name, _ := claims["name"].(string)
	if name == "" && email != "" {
		name = strings.SplitN(email, "@", 2)[0]
	}

	// Prefer the Entra object id; fall back to the standard subject.
	subject, _ := claims["oid"].(string)
	if subject == "" {
		subject, _ = claims["sub"].(string)
	}

	// Absent groups claim means no groups, not an error.
	var groups []string
	if raw, ok := claims["groups"].([]interface{}); ok {
		for _, g := range raw {
			if s, ok := g.(string); ok {
				groups = append(groups, s)
			}
		}
	}

	return Identity{
		Email:     email,
		Name:      name,
		SubjectID: subject,
		Groups:    groups,
	}
}

// signingKey returns the cached public key for kid, refreshing the
// JWKS document when the key is unknown or the cache TTL has lapsed.
func (v *Validator) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, exists := v.keys[kid]
	fresh := time.Since(v.fetchedAt) < v.cfg.KeyCacheTTL
	v.mu.RUnlock()

	if exists && fresh {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	key, exists = v.keys[kid]
	v.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("signing key not found for kid %s", kid)
	}
	return key, nil
}

func (v *Validator) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return err
	}

	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching JWKS: status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("decoding JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		var e int
		for _, b := range eBytes {
			e = e<<8 + int(b)
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = time.Now()
	v.mu.Unlock()

	return nil
}
