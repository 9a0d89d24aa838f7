// Package invite issues, parses and verifies self-contained signed invite
// tokens. A token is a compact EdDSA JWS signed with the creator's identity
// key; it is base64url throughout and can be embedded in a URL or QR code.
package invite

import (
	"errors"
	"strings"
	"time"

	"github.com/Avicted/groupjoin/internal/identity"
)

const (
	// TokenType is the JOSE "typ" header value of invite tokens.
	TokenType = "groupjoin-invite"
	// QueryParam is the URL query parameter carrying the token.
	QueryParam = "i"

	maxTokenLen = 4096
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrMalformedToken   = errors.New("invite token is malformed")
	ErrSignatureInvalid = errors.New("invite signature is invalid")
	ErrExpired          = errors.New("invite expired")
	ErrUnknownRef       = errors.New("conversation ref cannot be opened")
)

// Preview is the optional public description of the conversation.
type Preview struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"desc,omitempty"`
	ImageURL    string `json:"img,omitempty"`
}

// Payload is the signed content of an invite.
type Payload struct {
	CreatorID       identity.ID
	Tag             string
	ConversationRef string
	ExpiresAt       time.Time
	IssuedAt        time.Time
	SingleUse       bool
	Preview         *Preview
}

// SignedInvite is a payload together with the exact token it was read from
// or issued as. Token is what gets distributed.
type SignedInvite struct {
	Payload
	Token string
}

func (s SignedInvite) String() string {
	return s.Token
}

// Expired reports whether the invite is no longer usable at now.
func (p Payload) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

func (p Payload) equal(o Payload) bool {
	if p.CreatorID != o.CreatorID || p.Tag != o.Tag || p.ConversationRef != o.ConversationRef {
		return false
	}
	if !p.ExpiresAt.Equal(o.ExpiresAt) || !p.IssuedAt.Equal(o.IssuedAt) || p.SingleUse != o.SingleUse {
		return false
	}
	if p.Preview == nil || o.Preview == nil {
		return p.Preview == o.Preview
	}
	return *p.Preview == *o.Preview
}

// URL embeds the token in base as the "i" query parameter.
func URL(base string, inv SignedInvite) string {
	base = strings.TrimRight(strings.TrimSpace(base), "?&")
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + QueryParam + "=" + inv.Token
}
