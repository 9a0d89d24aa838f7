package invite

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Avicted/groupjoin/internal/crypto"
	"github.com/Avicted/groupjoin/internal/identity"
)

// claims is the JWS body of an invite token.
type claims struct {
	jwt.RegisteredClaims
	Tag       string   `json:"tag"`
	Ref       string   `json:"ref"`
	SingleUse bool     `json:"su,omitempty"`
	Preview   *Preview `json:"pv,omitempty"`
}

// Codec issues and verifies invites.
type Codec struct {
	resolver identity.Resolver
	now      func() time.Time
}

func NewCodec(resolver identity.Resolver) *Codec {
	if resolver == nil {
		resolver = identity.KeyResolver{}
	}
	return &Codec{resolver: resolver, now: time.Now}
}

// WithClock returns a copy of the codec reading time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

// Issue signs p with key. The key must belong to p.CreatorID.
func (c *Codec) Issue(p Payload, key ed25519.PrivateKey) (SignedInvite, error) {
	if len(key) != ed25519.PrivateKeySize {
		return SignedInvite{}, fmt.Errorf("%w: signing key", ErrInvalidInput)
	}
	if identity.IDFromPublicKey(key.Public().(ed25519.PublicKey)) != p.CreatorID {
		return SignedInvite{}, fmt.Errorf("%w: signing key does not match creator", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Tag) == "" || !crypto.TagEntropyOK(p.Tag) {
		return SignedInvite{}, fmt.Errorf("%w: tag", ErrInvalidInput)
	}
	if strings.TrimSpace(p.ConversationRef) == "" {
		return SignedInvite{}, fmt.Errorf("%w: conversation ref", ErrInvalidInput)
	}

	now := c.now().UTC()
	p.ExpiresAt = p.ExpiresAt.UTC().Truncate(time.Second)
	if !p.ExpiresAt.After(now) {
		return SignedInvite{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}
	p.IssuedAt = now.Truncate(time.Second)

	cl := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    string(p.CreatorID),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(p.IssuedAt),
		},
		Tag:       p.Tag,
		Ref:       p.ConversationRef,
		SingleUse: p.SingleUse,
		Preview:   p.Preview,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, cl)
	token.Header["typ"] = TokenType

	signed, err := token.SignedString(key)
	if err != nil {
		return SignedInvite{}, fmt.Errorf("sign invite: %w", err)
	}
	return SignedInvite{Payload: p, Token: signed}, nil
}

// Parse decodes the structure of a token without checking its signature.
// raw may be the bare token or an invite URL.
func Parse(raw string) (SignedInvite, error) {
	token, err := extractToken(raw)
	if err != nil {
		return SignedInvite{}, err
	}

	var cl claims
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &cl)
	if err != nil {
		return SignedInvite{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if typ, _ := parsed.Header["typ"].(string); typ != TokenType {
		return SignedInvite{}, fmt.Errorf("%w: unexpected token type", ErrMalformedToken)
	}
	return fromClaims(token, cl)
}

// Verify checks the signature against the creator's resolved key and that
// the invite has not expired. It performs no I/O beyond key resolution.
func (c *Codec) Verify(ctx context.Context, inv SignedInvite) error {
	pub, err := c.resolver.PublicKey(ctx, inv.CreatorID)
	if err != nil {
		return fmt.Errorf("%w: resolve creator: %v", ErrSignatureInvalid, err)
	}

	var cl claims
	_, err = jwt.ParseWithClaims(inv.Token, &cl, func(*jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return mapJWTError(err)
	}
	signed, err := fromClaims(inv.Token, cl)
	if err != nil {
		return err
	}
	if !signed.Payload.equal(inv.Payload) {
		return fmt.Errorf("%w: payload does not match token", ErrSignatureInvalid)
	}

	if signed.Expired(c.now().UTC()) {
		return ErrExpired
	}
	return nil
}

// Decode parses and verifies raw.
func (c *Codec) Decode(ctx context.Context, raw string) (SignedInvite, error) {
	inv, err := Parse(raw)
	if err != nil {
		return SignedInvite{}, err
	}
	if err := c.Verify(ctx, inv); err != nil {
		return inv, err
	}
	return inv, nil
}

func fromClaims(token string, cl claims) (SignedInvite, error) {
	if cl.Issuer == "" || cl.Tag == "" || cl.Ref == "" || cl.ExpiresAt == nil {
		return SignedInvite{}, fmt.Errorf("%w: missing required claims", ErrMalformedToken)
	}
	p := Payload{
		CreatorID:       identity.ID(cl.Issuer),
		Tag:             cl.Tag,
		ConversationRef: cl.Ref,
		ExpiresAt:       cl.ExpiresAt.Time.UTC(),
		SingleUse:       cl.SingleUse,
		Preview:         cl.Preview,
	}
	if cl.IssuedAt != nil {
		p.IssuedAt = cl.IssuedAt.Time.UTC()
	}
	return SignedInvite{Payload: p, Token: token}, nil
}

func extractToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty token", ErrMalformedToken)
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		raw = strings.TrimSpace(u.Query().Get(QueryParam))
		if raw == "" {
			return "", fmt.Errorf("%w: url has no invite", ErrMalformedToken)
		}
	}
	if len(raw) > maxTokenLen {
		return "", fmt.Errorf("%w: token too long", ErrMalformedToken)
	}
	return raw, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return ErrSignatureInvalid
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
}
