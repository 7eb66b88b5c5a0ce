package tokenstore

import (
	"time"

	"github.com/sjifire/mcp-gateway/internal/identity"
)

// Kind partitions records in the store. It doubles as the backing
// store's namespace key.
type Kind string

const (
	// KindClient holds dynamic client registrations. No expiry.
	KindClient Kind = "client"
	// KindPendingAuth correlates one in-flight authorize request with
	// its upstream login, keyed by the upstream state token.
	KindPendingAuth Kind = "pending_auth"
	// KindAuthCode holds proxy-issued authorization codes, keyed by
	// the code's sha256 hash.
	KindAuthCode Kind = "auth_code"
	// KindAccessToken holds opaque access tokens, keyed by hash.
	KindAccessToken Kind = "access_token"
	// KindRefreshToken holds opaque refresh tokens, keyed by hash.
	KindRefreshToken Kind = "refresh_token"
)

// Record is the persisted document, one per registration, pending
// authorization, code, or token. The shape is shared across kinds;
// unused fields stay empty.
type Record struct {
	ID        string             `json:"id"`
	Kind      Kind               `json:"kind"`
	ExpiresAt int64              `json:"expires_at,omitempty"` // unix seconds, 0 = no expiry
	ClientID  string             `json:"client_id,omitempty"`
	Scopes    []string           `json:"scopes,omitempty"`
	Identity  *identity.Identity `json:"identity,omitempty"`

	// Authorization codes and pending authorizations carry the
	// downstream client's redirect target and PKCE challenge.
	RedirectURI   string `json:"redirect_uri,omitempty"`
	CodeChallenge string `json:"code_challenge,omitempty"`

	// Pending authorizations additionally carry the downstream opaque
	// state and the verifier for the gateway's own upstream PKCE leg.
	DownstreamState  string `json:"downstream_state,omitempty"`
	UpstreamVerifier string `json:"upstream_verifier,omitempty"`

	// Client registrations.
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	ClientName   string   `json:"client_name,omitempty"`
	SecretHash   string   `json:"secret_hash,omitempty"`
	AuthMethod   string   `json:"token_endpoint_auth_method,omitempty"`
}

// Expired reports whether the record's expiry has passed. An expiry
// exactly equal to now counts as expired; zero means no expiry.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != 0 && r.ExpiresAt <= now.Unix()
}
