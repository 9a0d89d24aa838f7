// Package conversation holds the member-readable metadata that governs who
// may join a conversation: the current invite tag, the add-member policy and
// the conversation's own expiry.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/Avicted/groupjoin/internal/identity"
)

type ID string

type Policy string

const (
	PolicyOpen   Policy = "open"
	PolicyLocked Policy = "locked"
)

func (p Policy) Valid() bool {
	return p == PolicyOpen || p == PolicyLocked
}

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("conversation not found")
	ErrExists       = errors.New("conversation already exists")
	ErrStopped      = errors.New("metadata store is not running")
)

// Metadata is the authoritative record of a conversation's openness.
type Metadata struct {
	ConversationID ID
	Creator        identity.ID
	Tag            string
	Policy         Policy
	// ExpiresAt is the conversation's own expiry; zero means never.
	ExpiresAt time.Time
	// MaxMembers locks the conversation once reached; zero means unlimited.
	MaxMembers         int
	Name               string
	Description        string
	ImageURL           string
	ImageEncryptionKey []byte
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Expired reports whether the conversation itself has expired at now.
func (m Metadata) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Repository persists metadata. Implementations must store the record
// atomically.
type Repository interface {
	LoadConversations(ctx context.Context) ([]Metadata, error)
	SaveConversation(ctx context.Context, m Metadata) error
}
