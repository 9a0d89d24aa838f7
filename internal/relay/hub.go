// Package relay is a store-and-forward transport for the join protocol. The
// Hub accepts authenticated websocket sessions and keeps every envelope in
// storage before pushing it. An ensured envelope stays undelivered until the
// recipient acks it, and held envelopes are flushed in order when a
// recipient connects or catches up. Client is the matching dialer.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/securelog"
	"github.com/Avicted/groupjoin/internal/storage"
	"github.com/Avicted/groupjoin/internal/transport"
)

const (
	sendBuffer          = 256
	writeTimeout        = 5 * time.Second
	defaultHistoryLimit = 100
	redeliverInterval   = 2 * time.Second
)

type Hub struct {
	register     chan *session
	unregister   chan *session
	incoming     chan incomingFrame
	sessions     map[*session]struct{}
	byID         map[identity.ID]map[*session]struct{}
	envelopes    storage.EnvelopeRepository
	memberships  storage.MembershipRepository
	historyLimit int
	now          func() time.Time
	lastStamp    time.Time
	count        atomic.Int64
}

func NewHub(envelopes storage.EnvelopeRepository, memberships storage.MembershipRepository, historyLimit int) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Hub{
		register:     make(chan *session),
		unregister:   make(chan *session),
		incoming:     make(chan incomingFrame, 256),
		sessions:     make(map[*session]struct{}),
		byID:         make(map[identity.ID]map[*session]struct{}),
		envelopes:    envelopes,
		memberships:  memberships,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(redeliverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for s := range h.sessions {
				s.close(websocket.StatusGoingAway, "server shutdown")
			}
			return
		case s := <-h.register:
			h.sessions[s] = struct{}{}
			if h.byID[s.id] == nil {
				h.byID[s.id] = make(map[*session]struct{})
			}
			h.byID[s.id][s] = struct{}{}
			h.count.Add(1)
			h.flush(ctx, s)
		case s := <-h.unregister:
			if _, ok := h.sessions[s]; !ok {
				continue
			}
			delete(h.sessions, s)
			if sessions := h.byID[s.id]; sessions != nil {
				delete(sessions, s)
				if len(sessions) == 0 {
					delete(h.byID, s.id)
				}
			}
			h.count.Add(-1)
			s.close(websocket.StatusNormalClosure, "bye")
		case in := <-h.incoming:
			h.handleIncoming(ctx, in)
		case <-ticker.C:
			for s := range h.sessions {
				if s.behind && len(s.inflight) == 0 {
					h.flush(ctx, s)
				}
			}
		}
	}
}

func (h *Hub) ClientCount() int64 {
	return h.count.Load()
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.envelopes == nil || h.memberships == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	validator, ok := r.Context().Value(authValidatorKey{}).(tokenValidator)
	if !ok || validator == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	id, err := authenticateRequest(r, validator)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:     conn,
		hub:      h,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, sendBuffer),
		id:       id,
		inflight: make(map[string]struct{}),
	}

	h.register <- s

	go s.writeLoop()
	s.readLoop()
}

// session is one authenticated socket.
type session struct {
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	id        identity.ID

	// Owned by the hub loop. inflight holds ensured envelopes pushed to this
	// session and not acked yet; behind is set while older undelivered
	// envelopes remain in storage, and new ones wait there behind them.
	inflight map[string]struct{}
	behind   bool
}

func (s *session) enqueue(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *session) readLoop() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.ctx.Done():
		}
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		f, err := decodeInbound(data)
		if err != nil {
			s.sendError(f.RequestID, codeInvalidMessage, err.Error())
			continue
		}
		select {
		case s.hub.incoming <- incomingFrame{session: s, frame: f}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				select {
				case s.hub.unregister <- s:
				case <-s.ctx.Done():
				}
				return
			}
		}
	}
}

func (s *session) close(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
		s.cancel()
		_ = s.conn.Close(status, reason)
	})
}

func (s *session) sendFrame(f outboundFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}
	return s.enqueue(data)
}

func (s *session) sendResult(f outboundFrame) {
	f.Type = frameResult
	_ = s.sendFrame(f)
}

func (s *session) sendError(requestID, code, message string) {
	_ = s.sendFrame(outboundFrame{Type: frameError, RequestID: requestID, Code: code, Message: message})
}

type incomingFrame struct {
	session *session
	frame   inboundFrame
}

func (h *Hub) handleIncoming(ctx context.Context, in incomingFrame) {
	switch in.frame.Type {
	case frameSend:
		h.handleSend(ctx, in.session, in.frame)
	case frameLastMessage:
		h.handleLastMessage(ctx, in.session, in.frame)
	case frameAddMember:
		h.handleAddMember(ctx, in.session, in.frame)
	case frameMemberCount:
		h.handleMemberCount(ctx, in.session, in.frame)
	case frameAck:
		h.handleAck(ctx, in.session, in.frame)
	default:
		in.session.sendError(in.frame.RequestID, codeUnsupportedType, "unsupported frame type")
	}
}

func (h *Hub) handleSend(ctx context.Context, sender *session, f inboundFrame) {
	env := transport.Envelope{
		ID:          uuid.NewString(),
		From:        sender.id,
		To:          f.To,
		ContentType: f.ContentType,
		Body:        f.Body,
		SentAt:      h.stamp(),
	}
	if err := h.route(ctx, env, f.EnsureDelivery); err != nil {
		securelog.Error("relay.send", err)
		sender.sendError(f.RequestID, codeServerError, "failed to store envelope")
		return
	}
	sender.sendResult(outboundFrame{RequestID: f.RequestID})
}

// route stores env and pushes it to every online session of the recipient.
// An ensured envelope is only pushed to sessions that are caught up, so it
// never overtakes an older one still waiting in storage.
func (h *Hub) route(ctx context.Context, env transport.Envelope, ensure bool) error {
	if err := h.envelopes.Save(ctx, env, ensure); err != nil {
		return err
	}
	frame := outboundFrame{Type: frameDeliver, Envelope: toFrame(env)}
	for s := range h.byID[env.To] {
		switch {
		case !ensure:
			_ = s.sendFrame(frame)
		case s.behind:
		case s.sendFrame(frame):
			s.inflight[env.ID] = struct{}{}
		default:
			s.behind = true
		}
	}
	return nil
}

// stamp returns a strictly increasing send time so stored envelopes sort in
// the order they were routed.
func (h *Hub) stamp() time.Time {
	now := h.now().UTC()
	if !now.After(h.lastStamp) {
		now = h.lastStamp.Add(time.Microsecond)
	}
	h.lastStamp = now
	return now
}

func (h *Hub) handleLastMessage(ctx context.Context, s *session, f inboundFrame) {
	env, err := h.envelopes.Last(ctx, f.Peer, s.id)
	if errors.Is(err, storage.ErrNotFound) {
		s.sendResult(outboundFrame{RequestID: f.RequestID})
		return
	}
	if err != nil {
		securelog.Error("relay.last_message", err)
		s.sendError(f.RequestID, codeServerError, "failed to load last message")
		return
	}
	s.sendResult(outboundFrame{RequestID: f.RequestID, Found: true, Envelope: toFrame(env)})
}

// handleAddMember makes the caller the founding member of an empty
// conversation; otherwise only members may add.
func (h *Hub) handleAddMember(ctx context.Context, s *session, f inboundFrame) {
	now := h.stamp()
	count, err := h.memberships.Count(ctx, f.ConversationID)
	if err != nil {
		securelog.Error("relay.add_member", err)
		s.sendError(f.RequestID, codeServerError, "failed to load membership")
		return
	}
	if count == 0 {
		if _, err := h.memberships.Add(ctx, f.ConversationID, s.id, now); err != nil {
			securelog.Error("relay.add_member", err)
			s.sendError(f.RequestID, codeServerError, "failed to store membership")
			return
		}
		if f.Member == s.id {
			s.sendResult(outboundFrame{RequestID: f.RequestID, Added: true})
			return
		}
	} else {
		isMember, err := h.memberships.IsMember(ctx, f.ConversationID, s.id)
		if err != nil {
			securelog.Error("relay.add_member", err)
			s.sendError(f.RequestID, codeServerError, "failed to load membership")
			return
		}
		if !isMember {
			s.sendError(f.RequestID, codeForbidden, "only members may add members")
			return
		}
	}

	added, err := h.memberships.Add(ctx, f.ConversationID, f.Member, now)
	if err != nil {
		securelog.Error("relay.add_member", err)
		s.sendError(f.RequestID, codeServerError, "failed to store membership")
		return
	}
	if added {
		body, err := transport.EncodeMembership(transport.MembershipNotice{
			ConversationID: f.ConversationID,
			MemberID:       f.Member,
			AddedBy:        s.id,
			Tag:            f.Tag,
		})
		if err == nil {
			err = h.route(ctx, transport.Envelope{
				ID:          uuid.NewString(),
				From:        s.id,
				To:          f.Member,
				ContentType: transport.ContentTypeMembership,
				Body:        body,
				SentAt:      now,
			}, true)
		}
		if err != nil {
			securelog.Error("relay.membership_notice", err)
		}
	}
	s.sendResult(outboundFrame{RequestID: f.RequestID, Added: added})
}

func (h *Hub) handleMemberCount(ctx context.Context, s *session, f inboundFrame) {
	count, err := h.memberships.Count(ctx, f.ConversationID)
	if err != nil {
		securelog.Error("relay.member_count", err)
		s.sendError(f.RequestID, codeServerError, "failed to count members")
		return
	}
	s.sendResult(outboundFrame{RequestID: f.RequestID, Count: count})
}

func (h *Hub) handleAck(ctx context.Context, s *session, f inboundFrame) {
	if err := h.envelopes.MarkDelivered(ctx, s.id, f.IDs, h.now().UTC()); err != nil {
		securelog.Error("relay.ack", err)
	}
	for _, id := range f.IDs {
		delete(s.inflight, id)
	}
	if s.behind && len(s.inflight) == 0 {
		h.flush(ctx, s)
	}
}

// flush pushes the oldest envelopes held for s. The session stays behind
// while storage may hold more than one batch or its send buffer filled up;
// the next batch goes out once everything in flight is acked.
func (h *Hub) flush(ctx context.Context, s *session) {
	envs, err := h.envelopes.ListUndelivered(ctx, s.id, h.historyLimit)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.behind = false
			return
		}
		securelog.Error("relay.flush", err)
		s.behind = true
		return
	}

	s.behind = len(envs) >= h.historyLimit
	for _, env := range envs {
		if _, ok := s.inflight[env.ID]; ok {
			continue
		}
		if !s.sendFrame(outboundFrame{Type: frameDeliver, Envelope: toFrame(env)}) {
			s.behind = true
			return
		}
		s.inflight[env.ID] = struct{}{}
	}
}
