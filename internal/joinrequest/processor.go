// Package joinrequest decides, on the creator's client, whether the sender of
// a join request is admitted to a conversation.
package joinrequest

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Avicted/groupjoin/internal/conversation"
	"github.com/Avicted/groupjoin/internal/handshake"
	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/invite"
	"github.com/Avicted/groupjoin/internal/securelog"
	"github.com/Avicted/groupjoin/internal/transport"
)

var tracer = otel.Tracer("github.com/Avicted/groupjoin/internal/joinrequest")

// MetadataReader is the read side of the conversation metadata store.
type MetadataReader interface {
	Get(id conversation.ID) (conversation.Metadata, error)
	CurrentTag(id conversation.ID) (string, error)
}

// Rotator is the part of the lock/rotate controller the processor drives.
type Rotator interface {
	Rotate(ctx context.Context, id conversation.ID) (string, error)
	EnforceCapacity(ctx context.Context, id conversation.ID, memberCount int) (bool, error)
}

// ErrorSender delivers refusals. It must not block on delivery.
type ErrorSender interface {
	SendJoinError(ctx context.Context, to identity.ID, je handshake.JoinError)
}

// Outcome describes what Process did with a request.
type Outcome struct {
	ConversationID conversation.ID
	Admitted       bool
	// AlreadyMember is set when the joiner was a member before this request.
	AlreadyMember bool
	// Rejected is the kind sent back to the joiner, empty when none was sent.
	Rejected handshake.Kind
	// Dropped is set when the request was discarded without a reply.
	Dropped bool
}

// Processor validates join requests against the current conversation
// metadata. Process is safe for concurrent use: each call reads the tag and
// policy fresh and performs its own membership add.
type Processor struct {
	codec   *invite.Codec
	store   MetadataReader
	members transport.Membership
	errs    ErrorSender
	rotator Rotator
	self    identity.Identity
	now     func() time.Time
}

func NewProcessor(self identity.Identity, codec *invite.Codec, store MetadataReader, members transport.Membership, errs ErrorSender, rotator Rotator) *Processor {
	return &Processor{
		codec:   codec,
		store:   store,
		members: members,
		errs:    errs,
		rotator: rotator,
		self:    self,
		now:     time.Now,
	}
}

// Process handles one request from the transport-authenticated sender from.
func (p *Processor) Process(ctx context.Context, from identity.ID, req handshake.JoinRequest) Outcome {
	ctx, span := tracer.Start(ctx, "joinrequest.process")
	defer span.End()

	out := p.process(ctx, from, req)
	span.SetAttributes(
		attribute.Bool("joinrequest.admitted", out.Admitted),
		attribute.Bool("joinrequest.already_member", out.AlreadyMember),
		attribute.Bool("joinrequest.dropped", out.Dropped),
		attribute.String("joinrequest.rejected", string(out.Rejected)),
	)
	if out.Rejected != "" {
		span.SetStatus(codes.Error, string(out.Rejected))
	}
	return out
}

func (p *Processor) process(ctx context.Context, from identity.ID, req handshake.JoinRequest) Outcome {
	if req.JoinerID != from {
		securelog.Dropped("joinrequest.process", "joiner id does not match sender")
		return Outcome{Dropped: true}
	}

	inv, err := p.codec.Decode(ctx, req.InviteToken)
	if err != nil {
		if inv.Tag == "" {
			securelog.Error("joinrequest.decode", err)
			securelog.Dropped("joinrequest.process", "malformed invite without a readable tag")
			return Outcome{Dropped: true}
		}
		if errors.Is(err, invite.ErrExpired) {
			return p.reject(ctx, from, inv.Tag, handshake.KindConversationExpired)
		}
		securelog.Error("joinrequest.verify", err)
		return p.reject(ctx, from, inv.Tag, handshake.KindGenericFailure)
	}
	if inv.CreatorID != p.self.ID {
		securelog.Dropped("joinrequest.process", "invite issued by another identity")
		return p.reject(ctx, from, inv.Tag, handshake.KindGenericFailure)
	}

	rawID, err := invite.OpenConversationRef(p.self.Keys.Private, inv.Tag, inv.ConversationRef)
	if err != nil {
		return p.reject(ctx, from, inv.Tag, handshake.KindConversationExpired)
	}
	id := conversation.ID(rawID)
	meta, err := p.store.Get(id)
	if err != nil || meta.Expired(p.now().UTC()) {
		return p.reject(ctx, from, inv.Tag, handshake.KindConversationExpired)
	}

	// Read the tag again rather than trusting meta so a rotation published
	// since the snapshot above is observed.
	current, err := p.store.CurrentTag(id)
	if err != nil || current != inv.Tag {
		return p.reject(ctx, from, inv.Tag, handshake.KindConversationExpired)
	}
	if meta.Policy != conversation.PolicyOpen {
		return p.reject(ctx, from, inv.Tag, handshake.KindConversationExpired)
	}

	added, err := p.members.AddMember(ctx, string(id), from, inv.Tag)
	if err != nil {
		securelog.Error("joinrequest.add_member", err)
		return p.reject(ctx, from, inv.Tag, handshake.KindGenericFailure)
	}
	out := Outcome{ConversationID: id, Admitted: true, AlreadyMember: !added}
	if !added {
		return out
	}

	if inv.SingleUse {
		if _, err := p.rotator.Rotate(ctx, id); err != nil {
			securelog.Error("joinrequest.rotate_single_use", err)
		}
	}
	if meta.MaxMembers > 0 {
		count, err := p.members.MemberCount(ctx, string(id))
		if err != nil {
			securelog.Error("joinrequest.member_count", err)
			return out
		}
		if _, err := p.rotator.EnforceCapacity(ctx, id, count); err != nil {
			securelog.Error("joinrequest.enforce_capacity", err)
		}
	}
	return out
}

func (p *Processor) reject(ctx context.Context, to identity.ID, tag string, kind handshake.Kind) Outcome {
	p.errs.SendJoinError(ctx, to, handshake.JoinError{
		Kind:     kind,
		Tag:      tag,
		IssuedAt: p.now().UTC(),
	})
	return Outcome{Rejected: kind}
}
