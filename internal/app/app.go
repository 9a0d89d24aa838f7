// Package app is the client facade the UI layer drives. It owns one
// identity's conversation store, invite codec, join-request processor and
// join manager, and routes the transport's inbound stream between them.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Avicted/groupjoin/internal/conversation"
	"github.com/Avicted/groupjoin/internal/crypto"
	"github.com/Avicted/groupjoin/internal/handshake"
	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/invite"
	"github.com/Avicted/groupjoin/internal/join"
	"github.com/Avicted/groupjoin/internal/joinrequest"
	"github.com/Avicted/groupjoin/internal/securelog"
	"github.com/Avicted/groupjoin/internal/transport"
)

const (
	DefaultInviteTTL     = 7 * 24 * time.Hour
	DefaultInviteBaseURL = "https://groupjoin.app/v2"
)

var (
	ErrNotCreator = errors.New("only the creator can manage this conversation")
	ErrLocked     = errors.New("conversation is locked")
	ErrExpired    = errors.New("conversation expired")
)

type Options struct {
	Identity  identity.Identity
	Transport transport.Transport
	// Conversations persists metadata; nil keeps it in memory.
	Conversations conversation.Repository
	// Pending persists joining attempts across restarts; nil disables it.
	Pending       join.PendingRepository
	Resolver      identity.Resolver
	InviteBaseURL string
	InviteTTL     time.Duration
}

type Client struct {
	self       identity.Identity
	transport  transport.Transport
	codec      *invite.Codec
	store      *conversation.Store
	controller *conversation.Controller
	handshake  *handshake.Transport
	processor  *joinrequest.Processor
	joins      *join.Manager
	baseURL    string
	inviteTTL  time.Duration
	now        func() time.Time

	ready    chan struct{}
	requests sync.WaitGroup
}

func New(opts Options) (*Client, error) {
	if opts.Identity.Keys == nil || opts.Identity.ID == "" {
		return nil, errors.New("identity is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.InviteBaseURL == "" {
		opts.InviteBaseURL = DefaultInviteBaseURL
	}
	if opts.InviteTTL <= 0 {
		opts.InviteTTL = DefaultInviteTTL
	}

	codec := invite.NewCodec(opts.Resolver)
	store := conversation.NewStore(opts.Conversations)
	controller := conversation.NewController(store)
	hs := handshake.NewTransport(opts.Transport)

	return &Client{
		self:       opts.Identity,
		transport:  opts.Transport,
		codec:      codec,
		store:      store,
		controller: controller,
		handshake:  hs,
		processor:  joinrequest.NewProcessor(opts.Identity, codec, store, opts.Transport, hs, controller),
		joins:      join.NewManager(opts.Identity.ID, codec, hs, hs, opts.Pending),
		baseURL:    opts.InviteBaseURL,
		inviteTTL:  opts.InviteTTL,
		now:        time.Now,
		ready:      make(chan struct{}),
	}, nil
}

func (c *Client) ID() identity.ID {
	return c.self.ID
}

// Ready is closed once Run has loaded stored state and is dispatching.
// The other methods must not be called before.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Run loads persisted state, resumes pending joins and dispatches inbound
// handshake messages until ctx ends or the transport closes.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.store.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.joins.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return c.serve(gctx)
	})
	err := g.Wait()
	c.requests.Wait()
	c.joins.Wait()
	c.handshake.Wait()
	return err
}

func (c *Client) serve(ctx context.Context) error {
	if err := c.store.Load(ctx); err != nil {
		return err
	}
	// Observe before Resume so nothing sent to a resumed attempt is missed;
	// the stream is not read until the attempts are registered.
	inbound, err := c.handshake.Observe(ctx)
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}
	if err := c.joins.Resume(ctx); err != nil {
		return err
	}
	close(c.ready)
	securelog.Infof("client ready id=%s", securelog.Redact(string(c.self.ID)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return transport.ErrClosed
			}
			c.dispatch(ctx, in)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, in handshake.Incoming) {
	switch in.Kind {
	case handshake.KindJoinRequest:
		c.requests.Add(1)
		go func() {
			defer c.requests.Done()
			c.processor.Process(ctx, in.Envelope.From, in.Request)
		}()
	case handshake.KindJoinError:
		c.joins.HandleJoinError(ctx, in.Envelope.From, in.Error)
	case handshake.KindMembership:
		c.joins.HandleMembership(ctx, in.Envelope.From, in.Membership)
	case handshake.KindUndecodable:
		securelog.Dropped("app.dispatch", "undecodable handshake message")
	}
}

// CreateOptions describes a new conversation.
type CreateOptions struct {
	Name        string
	Description string
	ImageURL    string
	// ExpiresAt is the conversation's own expiry; zero means never.
	ExpiresAt time.Time
	// MaxMembers locks the conversation once reached; zero means unlimited.
	MaxMembers int
}

// CreateConversation registers a conversation created by this identity and
// founds it on the transport.
func (c *Client) CreateConversation(ctx context.Context, opts CreateOptions) (conversation.Metadata, error) {
	imageKey, err := crypto.NewSymmetricKey()
	if err != nil {
		return conversation.Metadata{}, err
	}
	m, err := c.store.Create(ctx, conversation.Metadata{
		Creator:            c.self.ID,
		ExpiresAt:          opts.ExpiresAt,
		MaxMembers:         opts.MaxMembers,
		Name:               strings.TrimSpace(opts.Name),
		Description:        strings.TrimSpace(opts.Description),
		ImageURL:           strings.TrimSpace(opts.ImageURL),
		ImageEncryptionKey: imageKey,
	})
	if err != nil {
		return conversation.Metadata{}, err
	}
	if _, err := c.transport.AddMember(ctx, string(m.ConversationID), c.self.ID, m.Tag); err != nil {
		return m, fmt.Errorf("found conversation: %w", err)
	}
	return m, nil
}

// InviteOptions tunes IssueInvite.
type InviteOptions struct {
	// TTL defaults to the client's invite TTL. The invite never outlives
	// the conversation.
	TTL       time.Duration
	SingleUse bool
	// Preview embeds the conversation's name, description and image URL.
	Preview bool
}

// Invite is an issued invite with its shareable URL.
type Invite struct {
	invite.SignedInvite
	URL string
}

// IssueInvite signs an invite for id carrying its current tag.
func (c *Client) IssueInvite(ctx context.Context, id conversation.ID, opts InviteOptions) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	m, err := c.creatorOf(id)
	if err != nil {
		return Invite{}, err
	}
	now := c.now().UTC()
	if m.Policy == conversation.PolicyLocked {
		return Invite{}, ErrLocked
	}
	if m.Expired(now) {
		return Invite{}, ErrExpired
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.inviteTTL
	}
	expiresAt := now.Add(ttl)
	if !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(expiresAt) {
		expiresAt = m.ExpiresAt
	}

	ref, err := invite.SealConversationRef(c.self.Keys.Private, m.Tag, string(m.ConversationID))
	if err != nil {
		return Invite{}, err
	}
	p := invite.Payload{
		CreatorID:       c.self.ID,
		Tag:             m.Tag,
		ConversationRef: ref,
		ExpiresAt:       expiresAt,
		SingleUse:       opts.SingleUse,
	}
	if opts.Preview {
		p.Preview = &invite.Preview{Name: m.Name, Description: m.Description, ImageURL: m.ImageURL}
	}
	inv, err := c.codec.WithClock(c.now).Issue(p, c.self.Keys.Private)
	if err != nil {
		return Invite{}, err
	}
	return Invite{SignedInvite: inv, URL: invite.URL(c.baseURL, inv)}, nil
}

// BeginJoin starts joining with token, a bare invite token or invite URL.
func (c *Client) BeginJoin(ctx context.Context, token string) (join.Snapshot, error) {
	return c.joins.Begin(ctx, token)
}

func (c *Client) CancelJoin(ctx context.Context, attemptID string) (join.Snapshot, error) {
	return c.joins.Cancel(ctx, attemptID)
}

// LockConversation kills every outstanding invite and refuses new members.
func (c *Client) LockConversation(ctx context.Context, id conversation.ID) error {
	if _, err := c.creatorOf(id); err != nil {
		return err
	}
	return c.controller.Lock(ctx, id)
}

// UnlockConversation reopens id. Invites issued before the lock stay dead.
func (c *Client) UnlockConversation(ctx context.Context, id conversation.ID) error {
	if _, err := c.creatorOf(id); err != nil {
		return err
	}
	return c.controller.Unlock(ctx, id)
}

// Attempts streams every join attempt change. The returned func stops it.
func (c *Client) Attempts() (<-chan join.Snapshot, func()) {
	return c.joins.Subscribe()
}

func (c *Client) Attempt(id string) (join.Snapshot, error) {
	return c.joins.Get(id)
}

func (c *Client) ListAttempts() []join.Snapshot {
	return c.joins.List()
}

func (c *Client) Conversation(id conversation.ID) (conversation.Metadata, error) {
	return c.store.Get(id)
}

func (c *Client) Conversations() []conversation.Metadata {
	return c.store.List()
}

func (c *Client) creatorOf(id conversation.ID) (conversation.Metadata, error) {
	m, err := c.store.Get(id)
	if err != nil {
		return conversation.Metadata{}, err
	}
	if m.Creator != c.self.ID {
		return conversation.Metadata{}, ErrNotCreator
	}
	return m, nil
}
