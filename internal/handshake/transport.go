package handshake

import (
	"context"
	"sync"
	"time"

	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/securelog"
	"github.com/Avicted/groupjoin/internal/transport"
)

const defaultSendTimeout = 30 * time.Second

// IncomingKind classifies an envelope on the inbound stream.
type IncomingKind int

const (
	KindOther IncomingKind = iota
	KindJoinRequest
	KindJoinError
	KindMembership
	// KindUndecodable is a reserved content type whose body did not decode.
	KindUndecodable
)

// Incoming is one classified inbound envelope.
type Incoming struct {
	Kind       IncomingKind
	Envelope   transport.Envelope
	Request    JoinRequest
	Error      JoinError
	Membership transport.MembershipNotice
}

// Classify routes env by its reserved content type. A body that fails to
// decode yields KindUndecodable rather than an error.
func Classify(env transport.Envelope) Incoming {
	in := Incoming{Kind: KindOther, Envelope: env}
	switch env.ContentType {
	case ContentTypeJoinRequest:
		req, err := DecodeJoinRequest(env.Body)
		if err != nil {
			in.Kind = KindUndecodable
			return in
		}
		in.Kind, in.Request = KindJoinRequest, req
	case ContentTypeJoinError:
		je, err := DecodeJoinError(env.Body)
		if err != nil {
			in.Kind = KindUndecodable
			return in
		}
		in.Kind, in.Error = KindJoinError, je
	case transport.ContentTypeMembership:
		notice, err := transport.DecodeMembership(env.Body)
		if err != nil {
			in.Kind = KindUndecodable
			return in
		}
		in.Kind, in.Membership = KindMembership, notice
	}
	return in
}

// Transport sends and observes handshake messages over a Messenger.
type Transport struct {
	msgs        transport.Messenger
	sendTimeout time.Duration
	wg          sync.WaitGroup
	now         func() time.Time
}

func NewTransport(msgs transport.Messenger) *Transport {
	return &Transport{msgs: msgs, sendTimeout: defaultSendTimeout, now: time.Now}
}

// SendJoinRequest dispatches req to the creator. Delivery is best effort:
// the send runs in the background and a failure is only logged.
func (t *Transport) SendJoinRequest(ctx context.Context, to identity.ID, req JoinRequest) {
	body, err := EncodeJoinRequest(req)
	if err != nil {
		securelog.Error("handshake.send_join_request.encode", err)
		return
	}
	t.dispatch(ctx, "handshake.send_join_request", to, ContentTypeJoinRequest, body)
}

// SendJoinError dispatches a refusal to the joiner. Like SendJoinRequest it
// never reports failure to the caller.
func (t *Transport) SendJoinError(ctx context.Context, to identity.ID, je JoinError) {
	if je.IssuedAt.IsZero() {
		je.IssuedAt = t.now().UTC()
	}
	body, err := EncodeJoinError(je)
	if err != nil {
		securelog.Error("handshake.send_join_error.encode", err)
		return
	}
	t.dispatch(ctx, "handshake.send_join_error", to, ContentTypeJoinError, body)
}

func (t *Transport) dispatch(ctx context.Context, op string, to identity.ID, contentType string, body []byte) {
	// Detach from the caller's cancellation; the send has its own deadline.
	base := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		sendCtx, cancel := context.WithTimeout(base, t.sendTimeout)
		defer cancel()
		if err := t.msgs.Send(sendCtx, to, contentType, body, transport.SendOptions{EnsureDelivery: true}); err != nil {
			securelog.Error(op, err)
			securelog.Dropped(op, "transport send failed")
		}
	}()
}

// Wait blocks until every dispatched send has finished.
func (t *Transport) Wait() {
	t.wg.Wait()
}

// Observe returns the classified inbound stream. It closes when ctx ends or
// the underlying subscription closes.
func (t *Transport) Observe(ctx context.Context) (<-chan Incoming, error) {
	raw, err := t.msgs.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Incoming)
	go func() {
		defer close(out)
		for env := range raw {
			select {
			case out <- Classify(env):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// LastFrom returns the last message received from peer, classified. It lets
// a joiner catch an answer delivered while it was not listening.
func (t *Transport) LastFrom(ctx context.Context, peer identity.ID) (Incoming, bool, error) {
	env, ok, err := t.msgs.LastMessage(ctx, peer)
	if err != nil || !ok {
		return Incoming{}, false, err
	}
	return Classify(env), true, nil
}
