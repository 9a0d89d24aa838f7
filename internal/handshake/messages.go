// Package handshake defines the two join-protocol messages exchanged between
// a joiner and a conversation creator and adapts them onto the messaging
// transport.
package handshake

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Avicted/groupjoin/internal/identity"
)

// Reserved content types. Anything else on the stream is an ordinary
// conversation message and is left alone.
const (
	ContentTypeJoinRequest = "groupjoin.dev/join_request:1.0"
	ContentTypeJoinError   = "groupjoin.dev/join_error:1.0"
)

// Kind is the wire value of JoinError.error_type. It is a string so that an
// older client can still read kinds it does not know.
type Kind string

const (
	KindConversationExpired Kind = "conversation_expired"
	KindGenericFailure      Kind = "generic_failure"
	KindSingleUseConsumed   Kind = "single_use_consumed"
)

// Known reports whether k is one of the kinds this client understands.
func (k Kind) Known() bool {
	switch k {
	case KindConversationExpired, KindGenericFailure, KindSingleUseConsumed:
		return true
	}
	return false
}

var ErrInvalidMessage = errors.New("invalid handshake message")

// JoinRequest asks the creator of an invite to admit the sender.
type JoinRequest struct {
	InviteToken string            `json:"invite_token"`
	JoinerID    identity.ID       `json:"joiner_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// JoinError tells a joiner that their request was refused.
type JoinError struct {
	Kind Kind `json:"error_type"`
	// Tag is the tag of the invite the refused request carried.
	Tag      string    `json:"tag"`
	IssuedAt time.Time `json:"issued_at"`
	// RawKind keeps the wire value when it was not a known kind.
	RawKind string `json:"-"`
}

func EncodeJoinRequest(r JoinRequest) ([]byte, error) {
	if strings.TrimSpace(r.InviteToken) == "" || r.JoinerID == "" {
		return nil, ErrInvalidMessage
	}
	return json.Marshal(r)
}

func DecodeJoinRequest(body []byte) (JoinRequest, error) {
	var r JoinRequest
	if err := json.Unmarshal(body, &r); err != nil {
		return JoinRequest{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	r.InviteToken = strings.TrimSpace(r.InviteToken)
	if r.InviteToken == "" || r.JoinerID == "" {
		return JoinRequest{}, fmt.Errorf("%w: invite token and joiner id are required", ErrInvalidMessage)
	}
	return r, nil
}

func EncodeJoinError(e JoinError) ([]byte, error) {
	if e.Tag == "" || e.Kind == "" {
		return nil, ErrInvalidMessage
	}
	return json.Marshal(e)
}

// DecodeJoinError never fails on an unknown kind: it maps it to
// KindGenericFailure and keeps the original string in RawKind.
func DecodeJoinError(body []byte) (JoinError, error) {
	var e JoinError
	if err := json.Unmarshal(body, &e); err != nil {
		return JoinError{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if e.Tag == "" {
		return JoinError{}, fmt.Errorf("%w: tag is required", ErrInvalidMessage)
	}
	if !e.Kind.Known() {
		e.RawKind = string(e.Kind)
		e.Kind = KindGenericFailure
	}
	return e, nil
}
