// Package transport describes what the join protocol needs from the
// encrypted group-messaging transport underneath it: addressed delivery to an
// identity, one multiplexed inbound stream, the last message exchanged with a
// peer and an idempotent membership-add primitive.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Avicted/groupjoin/internal/identity"
)

// ContentTypeMembership marks the envelope a transport emits to a member that
// has just been added to a conversation.
const ContentTypeMembership = "groupjoin.dev/membership:1.0"

var (
	ErrClosed       = errors.New("transport closed")
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")
)

// Envelope is one message as seen by a recipient.
type Envelope struct {
	ID          string
	From        identity.ID
	To          identity.ID
	ContentType string
	Body        []byte
	SentAt      time.Time
}

// SendOptions carries per-message delivery hints.
type SendOptions struct {
	// EnsureDelivery asks the transport to hold the message for an offline
	// recipient and push it when they return.
	EnsureDelivery bool
}

// Messenger sends and receives addressed messages.
type Messenger interface {
	Send(ctx context.Context, to identity.ID, contentType string, body []byte, opts SendOptions) error
	// Subscribe returns the single inbound stream for the local identity.
	// The channel is closed when ctx ends or the transport closes.
	Subscribe(ctx context.Context) (<-chan Envelope, error)
	// LastMessage returns the most recent message received from peer.
	LastMessage(ctx context.Context, peer identity.ID) (Envelope, bool, error)
}

// Membership manages conversation membership.
type Membership interface {
	// AddMember adds member to conversationID. Adding an existing member is
	// not an error and reports added=false. tag is the conversation's tag
	// at admission time and travels with the membership notification.
	AddMember(ctx context.Context, conversationID string, member identity.ID, tag string) (added bool, err error)
	MemberCount(ctx context.Context, conversationID string) (int, error)
}

// Transport is both halves.
type Transport interface {
	Messenger
	Membership
}

// MembershipNotice is the body of a ContentTypeMembership envelope.
type MembershipNotice struct {
	ConversationID string      `json:"conversation_id"`
	MemberID       identity.ID `json:"member_id"`
	AddedBy        identity.ID `json:"added_by"`
	Tag            string      `json:"tag"`
}

func EncodeMembership(n MembershipNotice) ([]byte, error) {
	return json.Marshal(n)
}

func DecodeMembership(body []byte) (MembershipNotice, error) {
	var n MembershipNotice
	if err := json.Unmarshal(body, &n); err != nil {
		return MembershipNotice{}, err
	}
	if n.ConversationID == "" || n.MemberID == "" {
		return MembershipNotice{}, errors.New("membership notice is incomplete")
	}
	return n, nil
}
