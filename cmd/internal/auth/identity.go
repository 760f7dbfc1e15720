// Package auth resolves callers and answers capability checks.
//
// Token issuance and permission management live outside this service; this
// package only verifies PASETO v4.public access tokens and queries the
// workspace membership tables.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Identity is the resolved caller.
type Identity struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// Resolver turns an opaque token into an Identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, token string) (Identity, error)

func (f ResolverFunc) Resolve(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// DevTokenPrefix marks insecure development tokens ("dev:<user id>").
const DevTokenPrefix = "dev:"

// DevResolver accepts "dev:<user id>" tokens. Never enable it in production.
type DevResolver struct{}

func (DevResolver) Resolve(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, DevTokenPrefix) {
		return Identity{}, ErrUnauthenticated
	}
	uid := strings.TrimSpace(strings.TrimPrefix(token, DevTokenPrefix))
	if uid == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: uid, SessionID: "dev-" + uid}, nil
}

// Chain tries each resolver in order and returns the first success.
func Chain(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(ctx context.Context, token string) (Identity, error) {
		for _, r := range resolvers {
			if r == nil {
				continue
			}
			if id, err := r.Resolve(ctx, token); err == nil {
				return id, nil
			}
		}
		return Identity{}, ErrUnauthenticated
	})
}

// BearerToken extracts a token from the Authorization header, falling back to
// the "token" query parameter used by browser websocket clients.
func BearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
