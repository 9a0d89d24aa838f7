// Package join drives a joiner's client through redeeming an invite:
// local validation, the join request, and the wait for either admission or a
// refusal from the creator.
package join

import (
	"context"
	"errors"
	"time"

	"github.com/Avicted/groupjoin/internal/handshake"
	"github.com/Avicted/groupjoin/internal/invite"
)

type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateValidated  State = "validated"
	StateJoining    State = "joining"
	StateJoined     State = "joined"
	StateFailed     State = "join_failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateJoined || s == StateFailed || s == StateCancelled
}

var (
	ErrNotFound = errors.New("join attempt not found")
	ErrFinished = errors.New("join attempt already finished")
	ErrStopped  = errors.New("join manager is not running")
)

type FailureKind string

const (
	FailureMalformed           FailureKind = "local_malformed"
	FailureSignatureInvalid    FailureKind = "local_signature_invalid"
	FailureExpired             FailureKind = "local_expired"
	FailureConversationExpired FailureKind = "conversation_expired"
	FailureSingleUseConsumed   FailureKind = "single_use_consumed"
	FailureGeneric             FailureKind = "generic_failure"
)

// Failure is the reason an attempt ended in StateFailed, with a message
// suitable for showing to the user.
type Failure struct {
	Kind    FailureKind
	Message string
	// RawKind is the creator's error_type when this client did not know it.
	RawKind string
}

// Local reports whether the attempt failed before anything was sent.
func (f Failure) Local() bool {
	switch f.Kind {
	case FailureMalformed, FailureSignatureInvalid, FailureExpired:
		return true
	}
	return false
}

var failureMessages = map[FailureKind]string{
	FailureMalformed:           "This is not a valid invite link.",
	FailureSignatureInvalid:    "This invite could not be verified. Ask for a new invite.",
	FailureExpired:             "This invite has expired. Ask for a new invite.",
	FailureConversationExpired: "This invite is no longer valid. Ask for a new invite.",
	FailureSingleUseConsumed:   "This invite has already been used. Ask for a new invite.",
	FailureGeneric:             "Something went wrong joining this conversation.",
}

func newFailure(kind FailureKind) *Failure {
	return &Failure{Kind: kind, Message: failureMessages[kind]}
}

// localFailure maps a codec error to the failure shown to the user.
func localFailure(err error) *Failure {
	switch {
	case errors.Is(err, invite.ErrExpired):
		return newFailure(FailureExpired)
	case errors.Is(err, invite.ErrSignatureInvalid):
		return newFailure(FailureSignatureInvalid)
	default:
		return newFailure(FailureMalformed)
	}
}

// remoteFailure maps a creator's refusal.
func remoteFailure(je handshake.JoinError) *Failure {
	var f *Failure
	switch je.Kind {
	case handshake.KindConversationExpired:
		f = newFailure(FailureConversationExpired)
	case handshake.KindSingleUseConsumed:
		f = newFailure(FailureSingleUseConsumed)
	default:
		f = newFailure(FailureGeneric)
	}
	f.RawKind = je.RawKind
	return f
}

// Snapshot is an immutable view of one attempt.
type Snapshot struct {
	ID string
	// Tag is empty until the invite has been validated.
	Tag            string
	Invite         invite.SignedInvite
	State          State
	ConversationID string
	Failure        *Failure
	RequestedAt    time.Time
	UpdatedAt      time.Time
}

// PendingAttempt is what survives a restart of an attempt in StateJoining.
type PendingAttempt struct {
	ID          string
	Token       string
	RequestedAt time.Time
}

// PendingRepository persists attempts that are waiting on the creator.
type PendingRepository interface {
	SavePending(ctx context.Context, p PendingAttempt) error
	DeletePending(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]PendingAttempt, error)
}
