package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/transport"
)

// Frame types exchanged over the relay socket.
const (
	frameSend        = "send"
	frameLastMessage = "last_message"
	frameAddMember   = "add_member"
	frameMemberCount = "member_count"
	frameAck         = "ack"

	frameDeliver = "deliver"
	frameResult  = "result"
	frameError   = "error"
)

// Error codes carried by error frames.
const (
	codeInvalidMessage  = "invalid_message"
	codeUnsupportedType = "unsupported_type"
	codeForbidden       = "forbidden"
	codeServerError     = "server_error"
)

const maxFrameBytes = 1 << 20

type inboundFrame struct {
	Type           string      `json:"type"`
	RequestID      string      `json:"request_id"`
	To             identity.ID `json:"to,omitempty"`
	ContentType    string      `json:"content_type,omitempty"`
	Body           []byte      `json:"body,omitempty"`
	EnsureDelivery bool        `json:"ensure_delivery,omitempty"`
	Peer           identity.ID `json:"peer,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Member         identity.ID `json:"member,omitempty"`
	Tag            string      `json:"tag,omitempty"`
	IDs            []string    `json:"ids,omitempty"`
}

type outboundFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Envelope  *envelopeFrame `json:"envelope,omitempty"`
	Found     bool           `json:"found,omitempty"`
	Added     bool           `json:"added,omitempty"`
	Count     int            `json:"count,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
}

type envelopeFrame struct {
	ID          string      `json:"id"`
	From        identity.ID `json:"from"`
	To          identity.ID `json:"to"`
	ContentType string      `json:"content_type"`
	Body        []byte      `json:"body"`
	SentAt      string      `json:"sent_at"`
}

func toFrame(env transport.Envelope) *envelopeFrame {
	return &envelopeFrame{
		ID:          env.ID,
		From:        env.From,
		To:          env.To,
		ContentType: env.ContentType,
		Body:        env.Body,
		SentAt:      env.SentAt.UTC().Format(time.RFC3339Nano),
	}
}

func (f *envelopeFrame) envelope() transport.Envelope {
	sentAt, _ := time.Parse(time.RFC3339Nano, f.SentAt)
	return transport.Envelope{
		ID:          f.ID,
		From:        f.From,
		To:          f.To,
		ContentType: f.ContentType,
		Body:        f.Body,
		SentAt:      sentAt,
	}
}

func decodeInbound(data []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inboundFrame{}, err
	}
	f.Type = strings.TrimSpace(f.Type)
	switch f.Type {
	case frameSend:
		if f.To == "" || f.ContentType == "" {
			return f, errors.New("to and content_type are required")
		}
	case frameLastMessage:
		if f.Peer == "" {
			return f, errors.New("peer is required")
		}
	case frameAddMember:
		if f.ConversationID == "" || f.Member == "" {
			return f, errors.New("conversation_id and member are required")
		}
	case frameMemberCount:
		if f.ConversationID == "" {
			return f, errors.New("conversation_id is required")
		}
	case frameAck:
		if len(f.IDs) == 0 {
			return f, errors.New("ids are required")
		}
		for _, id := range f.IDs {
			if id == "" {
				return f, errors.New("ids must not be empty")
			}
		}
	}
	return f, nil
}
