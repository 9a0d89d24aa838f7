// Package memnet is an in-process transport. Every identity gets a mailbox
// that keeps messages while nobody is subscribed, which gives the same
// "deliver even if offline" behaviour as the relay.
package memnet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/transport"
)

type pairKey struct {
	from identity.ID
	to   identity.ID
}

// Network connects Nodes in memory.
type Network struct {
	mu        sync.Mutex
	mailboxes map[identity.ID]*mailbox
	members   map[string]map[identity.ID]struct{}
	last      map[pairKey]transport.Envelope
	now       func() time.Time
}

func NewNetwork() *Network {
	return &Network{
		mailboxes: make(map[identity.ID]*mailbox),
		members:   make(map[string]map[identity.ID]struct{}),
		last:      make(map[pairKey]transport.Envelope),
		now:       time.Now,
	}
}

// Node returns the transport endpoint for id.
func (n *Network) Node(id identity.ID) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mailboxLocked(id)
	return &Node{net: n, self: id}
}

func (n *Network) mailboxLocked(id identity.ID) *mailbox {
	mb, ok := n.mailboxes[id]
	if !ok {
		mb = &mailbox{}
		n.mailboxes[id] = mb
	}
	return mb
}

func (n *Network) deliver(env transport.Envelope, ensure bool) {
	n.mu.Lock()
	mb := n.mailboxLocked(env.To)
	n.last[pairKey{from: env.From, to: env.To}] = env
	n.mu.Unlock()
	mb.push(env, ensure)
}

// Members lists the members of a conversation.
func (n *Network) Members(conversationID string) []identity.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]identity.ID, 0, len(n.members[conversationID]))
	for id := range n.members[conversationID] {
		out = append(out, id)
	}
	return out
}

// Node is one identity's view of the network.
type Node struct {
	net  *Network
	self identity.ID
}

func (n *Node) ID() identity.ID {
	return n.self
}

func (n *Node) Send(ctx context.Context, to identity.ID, contentType string, body []byte, opts transport.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(string(to)) == "" || contentType == "" {
		return transport.ErrInvalidInput
	}
	n.net.deliver(transport.Envelope{
		ID:          uuid.NewString(),
		From:        n.self,
		To:          to,
		ContentType: contentType,
		Body:        append([]byte(nil), body...),
		SentAt:      n.net.now().UTC(),
	}, opts.EnsureDelivery)
	return nil
}

func (n *Node) Subscribe(ctx context.Context) (<-chan transport.Envelope, error) {
	n.net.mu.Lock()
	mb := n.net.mailboxLocked(n.self)
	n.net.mu.Unlock()
	return mb.subscribe(ctx), nil
}

func (n *Node) LastMessage(ctx context.Context, peer identity.ID) (transport.Envelope, bool, error) {
	if err := ctx.Err(); err != nil {
		return transport.Envelope{}, false, err
	}
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	env, ok := n.net.last[pairKey{from: peer, to: n.self}]
	return env, ok, nil
}

// AddMember adds member to the conversation. The caller becomes a member when
// the conversation has none yet; otherwise only members may add.
func (n *Node) AddMember(ctx context.Context, conversationID string, member identity.ID, tag string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if conversationID == "" || member == "" {
		return false, transport.ErrInvalidInput
	}

	n.net.mu.Lock()
	set, ok := n.net.members[conversationID]
	if !ok {
		set = map[identity.ID]struct{}{n.self: {}}
		n.net.members[conversationID] = set
		if member == n.self {
			n.net.mu.Unlock()
			return true, nil
		}
	}
	if _, isMember := set[n.self]; !isMember {
		n.net.mu.Unlock()
		return false, transport.ErrForbidden
	}
	if _, exists := set[member]; exists {
		n.net.mu.Unlock()
		return false, nil
	}
	set[member] = struct{}{}
	n.net.mu.Unlock()

	body, err := transport.EncodeMembership(transport.MembershipNotice{
		ConversationID: conversationID,
		MemberID:       member,
		AddedBy:        n.self,
		Tag:            tag,
	})
	if err != nil {
		return true, err
	}
	n.net.deliver(transport.Envelope{
		ID:          uuid.NewString(),
		From:        n.self,
		To:          member,
		ContentType: transport.ContentTypeMembership,
		Body:        body,
		SentAt:      n.net.now().UTC(),
	}, true)
	return true, nil
}

func (n *Node) MemberCount(ctx context.Context, conversationID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	return len(n.net.members[conversationID]), nil
}

// mailbox queues envelopes and fans them out to subscribers. An ensured
// envelope stays owed until some subscriber has received it. When the last
// live holder of an owed envelope goes away unread, it is offered to the
// remaining subscribers or put back at the front of pending.
type mailbox struct {
	mu      sync.Mutex
	pending []transport.Envelope
	subs    map[*transport.Stream]struct{}
	owed    map[string]int
}

func (m *mailbox) push(env transport.Envelope, ensure bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offerLocked(env, ensure)
}

func (m *mailbox) offerLocked(env transport.Envelope, ensure bool) {
	accepted := 0
	for s := range m.subs {
		if s.Push(env) {
			accepted++
		}
	}
	switch {
	case !ensure:
	case accepted > 0:
		m.owed[env.ID] = accepted
	default:
		m.pending = append(m.pending, env)
	}
}

func (m *mailbox) subscribe(ctx context.Context) <-chan transport.Envelope {
	m.mu.Lock()
	if m.subs == nil {
		m.subs = make(map[*transport.Stream]struct{})
		m.owed = make(map[string]int)
	}
	for _, env := range m.pending {
		m.owed[env.ID] = 1
	}
	s := transport.NewStream(ctx, m.pending, m.received)
	m.pending = nil
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-s.Done()
		m.release(s)
	}()
	return s.C()
}

func (m *mailbox) received(env transport.Envelope) {
	m.mu.Lock()
	delete(m.owed, env.ID)
	m.mu.Unlock()
}

func (m *mailbox) release(s *transport.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, s)

	var orphaned []transport.Envelope
	for _, env := range s.Remaining() {
		n, ok := m.owed[env.ID]
		if !ok {
			continue
		}
		if n > 1 {
			m.owed[env.ID] = n - 1
			continue
		}
		delete(m.owed, env.ID)
		orphaned = append(orphaned, env)
	}
	if len(m.subs) == 0 {
		m.pending = append(orphaned, m.pending...)
		return
	}
	for _, env := range orphaned {
		m.offerLocked(env, true)
	}
}
