// Package storage persists the relay's state in Postgres: envelopes waiting
// for an offline recipient and conversation memberships.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/transport"
)

var ErrNotFound = errors.New("not found")

// EnvelopeRepository stores every envelope routed by the relay.
type EnvelopeRepository interface {
	// Save records env. Only envelopes saved with ensure are returned by
	// ListUndelivered.
	Save(ctx context.Context, env transport.Envelope, ensure bool) error
	ListUndelivered(ctx context.Context, recipient identity.ID, limit int) ([]transport.Envelope, error)
	// MarkDelivered only touches envelopes addressed to recipient.
	MarkDelivered(ctx context.Context, recipient identity.ID, ids []string, at time.Time) error
	// Last returns the newest envelope sent from sender to recipient.
	Last(ctx context.Context, sender, recipient identity.ID) (transport.Envelope, error)
}

type MembershipRepository interface {
	// Add inserts member and reports whether it was not a member already.
	Add(ctx context.Context, conversationID string, member identity.ID, addedAt time.Time) (bool, error)
	IsMember(ctx context.Context, conversationID string, member identity.ID) (bool, error)
	Count(ctx context.Context, conversationID string) (int, error)
}

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Envelopes() EnvelopeRepository
	Memberships() MembershipRepository
}

type NopStore struct{}

func NewNopStore() *NopStore {
	return &NopStore{}
}

func (s *NopStore) Close(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *NopStore) Migrate(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *NopStore) Envelopes() EnvelopeRepository {
	return nil
}

func (s *NopStore) Memberships() MembershipRepository {
	return nil
}
