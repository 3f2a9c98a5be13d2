// Package identity resolves the current user's durable identity. The echo
// suppression logic depends on it, so the early (local token) path must not
// wait on the network.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/storebay/supportchat/internal/backend"
)

// TokenSource supplies the locally held signed credential.
type TokenSource interface {
	Token() string
}

// Confirmer performs the authenticated identity lookup.
type Confirmer interface {
	Me(ctx context.Context) (MeResult, error)
}

// MeResult is the subset of the identity service's answer this package needs.
type MeResult struct {
	ID string
}

// Resolver resolves and caches the current user's id. Safe for concurrent
// use; the transport read goroutine and the UI both consult it.
type Resolver struct {
	tokens    TokenSource
	confirmer Confirmer

	mu   sync.RWMutex
	myID string
}

// NewResolver creates a resolver over a token source and an identity service.
func NewResolver(tokens TokenSource, confirmer Confirmer) *Resolver {
	return &Resolver{tokens: tokens, confirmer: confirmer}
}

// MyID returns the resolved identity, or "" when unresolved. Messages must
// not be classified as "mine" while this is empty.
func (r *Resolver) MyID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.myID
}

// ResolveEarly decodes the identity claim straight out of the local token,
// without any network call or signature check. The value is advisory until
// ResolveConfirmed overwrites it.
func (r *Resolver) ResolveEarly() (string, bool) {
	token := r.tokens.Token()
	if token == "" {
		return "", false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}
	id := claimString(claims, "id")
	if id == "" {
		id = claimString(claims, "sub")
	}
	if id == "" {
		return "", false
	}
	r.mu.Lock()
	r.myID = id
	r.mu.Unlock()
	return id, true
}

// ResolveConfirmed looks the identity up against the identity service and
// overwrites the early value. An unauthorized answer clears the identity so
// sending stays disabled; transient network failures keep the early value.
func (r *Resolver) ResolveConfirmed(ctx context.Context) (string, error) {
	me, err := r.confirmer.Me(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			r.Invalidate()
		}
		return "", fmt.Errorf("confirm identity: %w", err)
	}
	r.mu.Lock()
	r.myID = me.ID
	r.mu.Unlock()
	return me.ID, nil
}

// Invalidate drops the cached identity, e.g. on a confirmed-unauthorized
// answer or a full session reset. The next ResolveEarly re-resolves it.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.myID = ""
	r.mu.Unlock()
}

// IsAuthenticated reports whether the local token exists and has not
// expired. It never calls the network.
func (r *Resolver) IsAuthenticated() bool {
	token := r.tokens.Token()
	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().Before(exp.Time)
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
