package identity

import (
	"context"
	"errors"
)

// Identity is the normalized user record resolved from a validated
// Entra ID token. It is carried inside every authorization code and
// token the gateway issues, so the caller of an authenticated request
// is fully determined by its access token.
type Identity struct {
	Email     string   `json:"email"`
	Name      string   `json:"name"`
	SubjectID string   `json:"subject_id"`
	Groups    []string `json:"groups"`
}

// InGroup reports whether the identity carries the given group id.
func (id Identity) InGroup(group string) bool {
	for _, g := range id.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// IsPrivileged reports whether the identity belongs to the configured
// privileged group. An empty (unconfigured) group id grants privilege
// to no one.
func (id Identity) IsPrivileged(privilegedGroup string) bool {
	return privilegedGroup != "" && id.InGroup(privilegedGroup)
}

type callerKey struct{}

// ErrNoCaller is returned when a request context carries no
// authenticated identity.
var ErrNoCaller = errors.New("no authenticated caller in context")

// WithCaller returns a context carrying the authenticated identity for
// the current request.
func WithCaller(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerFromContext returns the authenticated identity for the current
// request. It fails with ErrNoCaller when no identity was set; business
// code must never observe a default or anonymous identity.
func CallerFromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(callerKey{}).(Identity)
	if !ok {
		return Identity{}, ErrNoCaller
	}
	return id, nil
}
