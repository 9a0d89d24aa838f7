package relay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Avicted/groupjoin/internal/identity"
)

const (
	authTokenType = "groupjoin-relay-auth"
	authAudience  = "groupjoin-relay"
	authTokenTTL  = time.Minute
)

var ErrUnauthorized = errors.New("unauthorized")

// SignAuthToken returns a single-use token proving possession of id's key.
func SignAuthToken(id identity.Identity, now time.Time) (string, error) {
	if id.Keys == nil || len(id.Keys.Private) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: signing key", ErrUnauthorized)
	}
	now = now.UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   string(id.ID),
		Audience:  jwt.ClaimStrings{authAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(authTokenTTL)),
		ID:        uuid.NewString(),
	})
	token.Header["typ"] = authTokenType
	return token.SignedString(id.Keys.Private)
}

type tokenValidator interface {
	ValidateToken(ctx context.Context, token string) (identity.ID, error)
}

// Authenticator validates relay auth tokens. A token is accepted once.
type Authenticator struct {
	resolver identity.Resolver
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewAuthenticator(resolver identity.Resolver) *Authenticator {
	if resolver == nil {
		resolver = identity.KeyResolver{}
	}
	return &Authenticator{resolver: resolver, now: time.Now, seen: make(map[string]time.Time)}
}

func (a *Authenticator) ValidateToken(ctx context.Context, raw string) (identity.ID, error) {
	var unverified jwt.RegisteredClaims
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, &unverified)
	if err != nil {
		return "", ErrUnauthorized
	}
	if typ, _ := parsed.Header["typ"].(string); typ != authTokenType {
		return "", ErrUnauthorized
	}
	pub, err := a.resolver.PublicKey(ctx, identity.ID(unverified.Subject))
	if err != nil {
		return "", ErrUnauthorized
	}

	var cl jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(raw, &cl, func(*jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(authAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", ErrUnauthorized
	}
	if cl.ID == "" || cl.Subject != unverified.Subject {
		return "", ErrUnauthorized
	}

	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, exp := range a.seen {
		if !now.Before(exp) {
			delete(a.seen, id)
		}
	}
	if _, replayed := a.seen[cl.ID]; replayed {
		return "", ErrUnauthorized
	}
	a.seen[cl.ID] = cl.ExpiresAt.Time
	return identity.ID(cl.Subject), nil
}

type authValidatorKey struct{}

func WithAuthValidator(next http.Handler, validator tokenValidator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), authValidatorKey{}, validator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authenticateRequest(r *http.Request, validator tokenValidator) (identity.ID, error) {
	if validator == nil {
		return "", ErrUnauthorized
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return validator.ValidateToken(r.Context(), token)
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", ErrUnauthorized
		}
		return validator.ValidateToken(r.Context(), parts[1])
	}
	return "", ErrUnauthorized
}
