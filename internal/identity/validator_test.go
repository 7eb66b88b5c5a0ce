package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://login.example.test/tenant/v2.0"
	testAudience = "gateway-client-id"
	testKid      = "test-key-1"
)

type tokenSigner struct {
	key     *rsa.PrivateKey
	jwksURL string
}

// newTokenSigner generates an RSA key and serves its public half from a
// stub JWKS endpoint.
func newTokenSigner(t *testing.T) *tokenSigner {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := map[string]interface{}{
		"keys": []map[string]string{{
			"kid": testKid,
			"kty": "RSA",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)

	return &tokenSigner{key: key, jwksURL: srv.URL}
}

func (s *tokenSigner) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	raw, err := token.SignedString(s.key)
	require.NoError(t, err)
	return raw
}

func (s *tokenSigner) validator() *Validator {
	return NewValidator(ValidatorConfig{
		Issuer:   testIssuer,
		Audience: testAudience,
		JWKSURL:  s.jwksURL,
	})
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
		"sub": "subject-abc",
	}
}

func TestValidateExtractsIdentity(t *testing.T) {
	signer := newTokenSigner(t)

	claims := baseClaims()
	claims["preferred_username"] = "Jane.Doe@Example.Org"
	claims["name"] = "Jane Doe"
	claims["oid"] = "oid-42"
	claims["groups"] = []string{"g1", "g2"}

	got, err := signer.validator().Validate(context.Background(), signer.sign(t, claims))
	require.NoError(t, err)

	assert.Equal(t, "jane.doe@example.org", got.Email)
	assert.Equal(t, "Jane Doe", got.Name)
	assert.Equal(t, "oid-42", got.SubjectID)
	assert.Equal(t, []string{"g1", "g2"}, got.Groups)
}

func TestValidateEmailClaimFallbacks(t *testing.T) {
	signer := newTokenSigner(t)

	tests := []struct {
		name  string
		set   map[string]interface{}
		email string
	}{
		{"preferred_username wins", map[string]interface{}{"preferred_username": "pu@x.org", "email": "e@x.org", "upn": "u@x.org"}, "pu@x.org"},
		{"email next", map[string]interface{}{"email": "e@x.org", "upn": "u@x.org"}, "e@x.org"},
		{"upn last", map[string]interface{}{"upn": "u@x.org"}, "u@x.org"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims()
			for k, v := range tc.set {
				claims[k] = v
			}

			got, err := signer.validator().Validate(context.Background(), signer.sign(t, claims))
			require.NoError(t, err)
			assert.Equal(t, tc.email, got.Email)
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	signer := newTokenSigner(t)

	claims := baseClaims()
	claims["email"] = "solo@x.org"

	got, err := signer.validator().Validate(context.Background(), signer.sign(t, claims))
	require.NoError(t, err)

	// Name falls back to the email local part, subject to sub, and an
	// absent groups claim means no groups.
	assert.Equal(t, "solo", got.Name)
	assert.Equal(t, "subject-abc", got.SubjectID)
	assert.Empty(t, got.Groups)
}

func TestValidateRejections(t *testing.T) {
	signer := newTokenSigner(t)

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.test" }},
		{"wrong audience", func(c jwt.MapClaims) { c["aud"] = "someone-else" }},
		{"expired", func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() }},
		{"missing expiry", func(c jwt.MapClaims) { delete(c, "exp") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims()
			tc.mutate(claims)

			_, err := signer.validator().Validate(context.Background(), signer.sign(t, claims))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	signer := newTokenSigner(t)
	imposter := newTokenSigner(t)

	// Signed by a key the validator's JWKS endpoint does not serve.
	_, err := signer.validator().Validate(context.Background(), imposter.sign(t, baseClaims()))
	assert.ErrorIs(t, err, ErrInvalidToken)
}
