package conversation

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Avicted/groupjoin/internal/crypto"
)

type snapshot map[ID]Metadata

type opKind int

const (
	opCreate opKind = iota
	opRotate
	opSetPolicy
	opLoad
)

type op struct {
	kind   opKind
	ctx    context.Context
	id     ID
	meta   Metadata
	policy Policy
	reply  chan opResult
}

type opResult struct {
	meta Metadata
	err  error
}

// Store is a single-writer metadata store. Every mutation is applied by the
// goroutine running Run, which persists the record and then publishes a new
// immutable snapshot; readers only ever load a snapshot. A mutation call
// returns after its snapshot is visible, so reads that follow it observe it.
type Store struct {
	repo  Repository
	ops   chan op
	snap  atomic.Pointer[snapshot]
	done  chan struct{}
	tagFn func() (string, error)
	idGen func() string
	now   func() time.Time
}

// NewStore returns a store backed by repo. repo may be nil for a memory-only
// store. Run must be started before any mutation.
func NewStore(repo Repository) *Store {
	s := &Store{
		repo:  repo,
		ops:   make(chan op),
		done:  make(chan struct{}),
		tagFn: crypto.NewTag,
		idGen: func() string { return uuid.NewString() },
		now:   time.Now,
	}
	empty := snapshot{}
	s.snap.Store(&empty)
	return s
}

// Run applies mutations until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-s.ops:
			meta, err := s.apply(o)
			o.reply <- opResult{meta: meta, err: err}
		}
	}
}

// Get returns the current metadata snapshot for id.
func (s *Store) Get(id ID) (Metadata, error) {
	m, ok := (*s.snap.Load())[id]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return clone(m), nil
}

// CurrentTag returns the tag valid right now for id.
func (s *Store) CurrentTag(id ID) (string, error) {
	m, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return m.Tag, nil
}

// List returns every known conversation.
func (s *Store) List() []Metadata {
	cur := *s.snap.Load()
	out := make([]Metadata, 0, len(cur))
	for _, m := range cur {
		out = append(out, clone(m))
	}
	return out
}

// Create registers a new conversation with a fresh tag and an open policy.
// An empty ConversationID is generated.
func (s *Store) Create(ctx context.Context, m Metadata) (Metadata, error) {
	if strings.TrimSpace(string(m.Creator)) == "" {
		return Metadata{}, ErrInvalidInput
	}
	if m.MaxMembers < 0 {
		return Metadata{}, ErrInvalidInput
	}
	return s.submit(ctx, op{kind: opCreate, meta: m})
}

// RotateTag replaces the tag of id with a fresh random one and returns it.
// Every invite carrying the previous tag is dead from then on.
func (s *Store) RotateTag(ctx context.Context, id ID) (string, error) {
	m, err := s.submit(ctx, op{kind: opRotate, id: id})
	if err != nil {
		return "", err
	}
	return m.Tag, nil
}

// SetAddMemberPolicy sets the policy of id.
func (s *Store) SetAddMemberPolicy(ctx context.Context, id ID, p Policy) error {
	if !p.Valid() {
		return ErrInvalidInput
	}
	_, err := s.submit(ctx, op{kind: opSetPolicy, id: id, policy: p})
	return err
}

// Load replaces the snapshot with the repository contents.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	_, err := s.submit(ctx, op{kind: opLoad})
	return err
}

func (s *Store) submit(ctx context.Context, o op) (Metadata, error) {
	o.ctx = ctx
	o.reply = make(chan opResult, 1)
	select {
	case s.ops <- o:
	case <-s.done:
		return Metadata{}, ErrStopped
	case <-ctx.Done():
		return Metadata{}, ctx.Err()
	}
	select {
	case res := <-o.reply:
		return res.meta, res.err
	case <-ctx.Done():
		// The writer still completes the op; the caller just stops waiting.
		return Metadata{}, ctx.Err()
	}
}

func (s *Store) apply(o op) (Metadata, error) {
	cur := *s.snap.Load()

	if o.kind == opLoad {
		all, err := s.repo.LoadConversations(o.ctx)
		if err != nil {
			return Metadata{}, fmt.Errorf("load conversations: %w", err)
		}
		next := make(snapshot, len(all))
		for _, m := range all {
			next[m.ConversationID] = clone(m)
		}
		s.snap.Store(&next)
		return Metadata{}, nil
	}

	now := s.now().UTC()
	var m Metadata
	switch o.kind {
	case opCreate:
		m = clone(o.meta)
		if m.ConversationID == "" {
			m.ConversationID = ID(s.idGen())
		}
		if _, ok := cur[m.ConversationID]; ok {
			return Metadata{}, ErrExists
		}
		tag, err := s.tagFn()
		if err != nil {
			return Metadata{}, err
		}
		m.Tag = tag
		m.Policy = PolicyOpen
		m.CreatedAt = now
	case opRotate:
		existing, ok := cur[o.id]
		if !ok {
			return Metadata{}, ErrNotFound
		}
		m = clone(existing)
		tag, err := s.tagFn()
		if err != nil {
			return Metadata{}, err
		}
		if tag == m.Tag {
			return Metadata{}, fmt.Errorf("rotate tag: generator repeated the current tag")
		}
		m.Tag = tag
	case opSetPolicy:
		existing, ok := cur[o.id]
		if !ok {
			return Metadata{}, ErrNotFound
		}
		m = clone(existing)
		m.Policy = o.policy
	default:
		return Metadata{}, fmt.Errorf("unknown op %d", o.kind)
	}
	m.UpdatedAt = now

	if s.repo != nil {
		if err := s.repo.SaveConversation(o.ctx, m); err != nil {
			return Metadata{}, fmt.Errorf("save conversation: %w", err)
		}
	}

	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[m.ConversationID] = m
	s.snap.Store(&next)
	return clone(m), nil
}

func clone(m Metadata) Metadata {
	if m.ImageEncryptionKey != nil {
		m.ImageEncryptionKey = bytes.Clone(m.ImageEncryptionKey)
	}
	return m
}
