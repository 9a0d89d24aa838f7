package join

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Avicted/groupjoin/internal/handshake"
	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/invite"
	"github.com/Avicted/groupjoin/internal/securelog"
	"github.com/Avicted/groupjoin/internal/transport"
)

const subscriberBuffer = 64

var tracer = otel.Tracer("github.com/Avicted/groupjoin/internal/join")

// Requester sends join requests. It must not block on delivery.
type Requester interface {
	SendJoinRequest(ctx context.Context, to identity.ID, req handshake.JoinRequest)
}

// OutcomeChecker looks up the last message a creator sent, which may answer
// a request while the client was not listening.
type OutcomeChecker interface {
	LastFrom(ctx context.Context, peer identity.ID) (handshake.Incoming, bool, error)
}

type eventKind int

const (
	evOpen eventKind = iota
	evLocalFailure
	evValidated
	evJoining
	evResume
	evJoinError
	evMembership
	evResolve
	evCancel
)

type event struct {
	kind        eventKind
	id          string
	inv         invite.SignedInvite
	failure     *Failure
	from        identity.ID
	joinErr     handshake.JoinError
	notice      transport.MembershipNotice
	requestedAt time.Time
	reply       chan eventResult
}

type eventResult struct {
	snap Snapshot
	// existing is set when a validated invite matched an attempt already in
	// flight and snap is that attempt.
	existing bool
	err      error
}

// active is the writer-owned state of an attempt that is not terminal.
type active struct {
	snap    Snapshot
	cancel  context.CancelFunc
	members chan transport.MembershipNotice
	errs    chan handshake.JoinError
}

type registry map[string]Snapshot

// Manager owns every join attempt of one client. All transitions are applied
// by the goroutine running Run; readers load an immutable snapshot.
type Manager struct {
	self     identity.ID
	codec    *invite.Codec
	requests Requester
	checker  OutcomeChecker
	pending  PendingRepository

	events chan event
	done   chan struct{}
	snap   atomic.Pointer[registry]

	// Owned by the Run goroutine.
	attempts map[string]*active
	byTag    map[string]string
	runCtx   context.Context

	subsMu sync.Mutex
	subs   map[chan Snapshot]struct{}

	waits sync.WaitGroup
	now   func() time.Time
	newID func() string
}

// NewManager returns a manager for the identity self. checker and pending may
// be nil.
func NewManager(self identity.ID, codec *invite.Codec, requests Requester, checker OutcomeChecker, pending PendingRepository) *Manager {
	m := &Manager{
		self:     self,
		codec:    codec,
		requests: requests,
		checker:  checker,
		pending:  pending,
		events:   make(chan event),
		done:     make(chan struct{}),
		attempts: make(map[string]*active),
		byTag:    make(map[string]string),
		subs:     make(map[chan Snapshot]struct{}),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	empty := registry{}
	m.snap.Store(&empty)
	return m
}

// Run applies transitions until ctx is cancelled. Waits still in progress
// end with it.
func (m *Manager) Run(ctx context.Context) {
	m.runCtx = ctx
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.closeSubscribers()
			return
		case ev := <-m.events:
			res := m.apply(ev)
			if ev.reply != nil {
				ev.reply <- res
			}
		}
	}
}

// Begin validates token locally and, when it is valid, sends the join
// request and starts waiting for the creator. An invalid token ends the
// attempt in StateFailed without any network activity. If an attempt for
// the same invite tag is already in flight, its snapshot is returned.
func (m *Manager) Begin(ctx context.Context, token string) (Snapshot, error) {
	ctx, span := tracer.Start(ctx, "join.attempt")
	defer span.End()

	id := m.newID()
	if _, err := m.submit(ctx, event{kind: evOpen, id: id}); err != nil {
		return Snapshot{}, err
	}

	inv, err := m.codec.Decode(ctx, token)
	if err != nil {
		res, serr := m.submit(ctx, event{kind: evLocalFailure, id: id, failure: localFailure(err)})
		if serr != nil {
			return Snapshot{}, serr
		}
		if res.snap.Failure != nil {
			span.SetAttributes(attribute.String("join.failure", string(res.snap.Failure.Kind)))
		}
		return res.snap, res.err
	}

	res, err := m.submit(ctx, event{kind: evValidated, id: id, inv: inv})
	if err != nil {
		return Snapshot{}, err
	}
	if res.existing {
		span.SetAttributes(attribute.Bool("join.existing", true))
		return res.snap, nil
	}
	if res.err != nil || res.snap.State != StateValidated {
		return res.snap, res.err
	}

	requestedAt := m.now().UTC()
	res, err = m.submit(ctx, event{kind: evJoining, id: id, requestedAt: requestedAt})
	if err != nil {
		return Snapshot{}, err
	}
	if res.err != nil || res.snap.State != StateJoining {
		// Cancelled between validation and sending.
		return res.snap, res.err
	}

	if m.pending != nil {
		if err := m.pending.SavePending(ctx, PendingAttempt{ID: id, Token: inv.Token, RequestedAt: requestedAt}); err != nil {
			securelog.Error("join.begin.save_pending", err)
		}
	}
	m.requests.SendJoinRequest(ctx, inv.CreatorID, handshake.JoinRequest{
		InviteToken: inv.Token,
		JoinerID:    m.self,
	})
	m.checkDelivered(ctx, res.snap)
	return res.snap, nil
}

// Resume restarts the waits of attempts that were joining when the client
// last stopped. The join requests are not sent again.
func (m *Manager) Resume(ctx context.Context) error {
	if m.pending == nil {
		return nil
	}
	list, err := m.pending.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending attempts: %w", err)
	}
	for _, p := range list {
		inv, err := m.codec.Decode(ctx, p.Token)
		if err != nil {
			if _, serr := m.submit(ctx, event{kind: evOpen, id: p.ID}); serr != nil {
				return serr
			}
			if _, serr := m.submit(ctx, event{kind: evLocalFailure, id: p.ID, failure: localFailure(err)}); serr != nil {
				return serr
			}
			m.forget(ctx, p.ID)
			continue
		}
		res, err := m.submit(ctx, event{kind: evResume, id: p.ID, inv: inv, requestedAt: p.RequestedAt})
		if err != nil {
			return err
		}
		if res.existing {
			m.forget(ctx, p.ID)
			continue
		}
		m.checkDelivered(ctx, res.snap)
	}
	return nil
}

// Cancel ends a non-terminal attempt. Messages for it that arrive later are
// discarded. The request already sent cannot be withdrawn.
func (m *Manager) Cancel(ctx context.Context, id string) (Snapshot, error) {
	res, err := m.submit(ctx, event{kind: evCancel, id: id})
	if err != nil {
		return Snapshot{}, err
	}
	if res.err != nil {
		return res.snap, res.err
	}
	m.forget(ctx, id)
	return res.snap, nil
}

// HandleJoinError routes a refusal received from from. It only affects an
// attempt that is joining with the same tag and whose invite was issued by
// from; anything else is discarded.
func (m *Manager) HandleJoinError(ctx context.Context, from identity.ID, je handshake.JoinError) {
	if _, err := m.submit(ctx, event{kind: evJoinError, from: from, joinErr: je}); err != nil {
		securelog.Error("join.handle_join_error", err)
	}
}

// HandleMembership routes a membership notice received from from. Only a
// notice adding this client, carrying the tag of a joining attempt and sent
// by that attempt's creator is applied.
func (m *Manager) HandleMembership(ctx context.Context, from identity.ID, n transport.MembershipNotice) {
	if n.MemberID != m.self {
		return
	}
	if _, err := m.submit(ctx, event{kind: evMembership, from: from, notice: n}); err != nil {
		securelog.Error("join.handle_membership", err)
	}
}

// Get returns the latest snapshot of attempt id.
func (m *Manager) Get(id string) (Snapshot, error) {
	s, ok := (*m.snap.Load())[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

// List returns every attempt known to this manager.
func (m *Manager) List() []Snapshot {
	cur := *m.snap.Load()
	out := make([]Snapshot, 0, len(cur))
	for _, s := range cur {
		out = append(out, s)
	}
	return out
}

// Subscribe streams every snapshot change. The returned function
// unsubscribes. A subscriber that falls behind misses updates.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
			m.subsMu.Unlock()
		})
	}
}

// Wait blocks until every attempt wait has returned.
func (m *Manager) Wait() {
	m.waits.Wait()
}

func (m *Manager) submit(ctx context.Context, ev event) (eventResult, error) {
	ev.reply = make(chan eventResult, 1)
	select {
	case m.events <- ev:
	case <-m.done:
		return eventResult{}, ErrStopped
	case <-ctx.Done():
		return eventResult{}, ctx.Err()
	}
	select {
	case res := <-ev.reply:
		return res, nil
	case <-ctx.Done():
		return eventResult{}, ctx.Err()
	}
}

// checkDelivered looks for an answer to snap that reached the client while
// it was not listening. A membership notice adding this client under the
// same tag settles the attempt whenever it was sent. A join error only counts
// when issued at or after the request; an older one answered a previous
// attempt.
func (m *Manager) checkDelivered(ctx context.Context, snap Snapshot) {
	if m.checker == nil {
		return
	}
	creator := snap.Invite.CreatorID
	in, ok, err := m.checker.LastFrom(ctx, creator)
	if err != nil {
		securelog.Error("join.check_delivered", err)
		return
	}
	if !ok {
		return
	}
	switch in.Kind {
	case handshake.KindJoinError:
		je := in.Error
		if je.Tag != snap.Tag || je.IssuedAt.Before(snap.RequestedAt.Truncate(time.Second)) {
			return
		}
		m.HandleJoinError(ctx, creator, je)
	case handshake.KindMembership:
		if in.Membership.Tag != snap.Tag {
			return
		}
		m.HandleMembership(ctx, creator, in.Membership)
	}
}

func (m *Manager) forget(ctx context.Context, id string) {
	if m.pending == nil {
		return
	}
	if err := m.pending.DeletePending(context.WithoutCancel(ctx), id); err != nil {
		securelog.Error("join.delete_pending", err)
	}
}

// resolution ends the errgroup of an attempt's waits. Returning it as an
// error cancels the other wait.
type resolution struct {
	joined  *transport.MembershipNotice
	refused *handshake.JoinError
}

func (r *resolution) Error() string { return "join attempt resolved" }

func (m *Manager) await(ctx context.Context, id string, members <-chan transport.MembershipNotice, errs <-chan handshake.JoinError) {
	defer m.waits.Done()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case n := <-members:
			return &resolution{joined: &n}
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	g.Go(func() error {
		select {
		case je := <-errs:
			return &resolution{refused: &je}
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	var res *resolution
	if !errors.As(g.Wait(), &res) {
		// Cancelled or the manager stopped.
		return
	}

	ev := event{kind: evResolve, id: id}
	if res.joined != nil {
		ev.notice = *res.joined
	} else {
		ev.failure = remoteFailure(*res.refused)
	}
	if _, err := m.submit(context.Background(), ev); err != nil {
		return
	}
	m.forget(context.Background(), id)
}

func (m *Manager) apply(ev event) eventResult {
	now := m.now().UTC()

	switch ev.kind {
	case evOpen:
		a := &active{snap: Snapshot{ID: ev.id, State: StateValidating, UpdatedAt: now}}
		m.attempts[ev.id] = a
		return m.publish(a.snap)

	case evLocalFailure:
		a, ok := m.attempts[ev.id]
		if !ok {
			return m.published(ev.id)
		}
		return m.finish(a, StateFailed, ev.failure, "", now)

	case evValidated:
		a, ok := m.attempts[ev.id]
		if !ok {
			return m.published(ev.id)
		}
		if a.snap.State != StateValidating {
			return eventResult{snap: a.snap}
		}
		if existing, ok := m.inFlight(ev.inv.Tag); ok {
			delete(m.attempts, ev.id)
			m.unpublish(ev.id)
			return eventResult{snap: existing, existing: true}
		}
		a.snap.State = StateValidated
		a.snap.Invite = ev.inv
		a.snap.Tag = ev.inv.Tag
		a.snap.UpdatedAt = now
		m.byTag[a.snap.Tag] = a.snap.ID
		return m.publish(a.snap)

	case evJoining:
		a, ok := m.attempts[ev.id]
		if !ok {
			return m.published(ev.id)
		}
		if a.snap.State != StateValidated {
			return eventResult{snap: a.snap}
		}
		return m.startWaits(a, ev.requestedAt, now)

	case evResume:
		if existing, ok := m.inFlight(ev.inv.Tag); ok {
			return eventResult{snap: existing, existing: true}
		}
		if _, ok := m.attempts[ev.id]; ok {
			res := m.published(ev.id)
			res.existing = true
			return res
		}
		a := &active{snap: Snapshot{ID: ev.id, Tag: ev.inv.Tag, Invite: ev.inv}}
		m.attempts[ev.id] = a
		m.byTag[a.snap.Tag] = a.snap.ID
		return m.startWaits(a, ev.requestedAt, now)

	case evJoinError:
		a := m.joiningWithTag(ev.joinErr.Tag, ev.from)
		if a == nil {
			securelog.Dropped("join.handle_join_error", "no joining attempt for tag")
			return eventResult{}
		}
		select {
		case a.errs <- ev.joinErr:
		default:
		}
		return eventResult{snap: a.snap}

	case evMembership:
		a := m.joiningWithTag(ev.notice.Tag, ev.from)
		if a == nil {
			securelog.Dropped("join.handle_membership", "no joining attempt for tag")
			return eventResult{}
		}
		select {
		case a.members <- ev.notice:
		default:
		}
		return eventResult{snap: a.snap}

	case evResolve:
		a, ok := m.attempts[ev.id]
		if !ok || a.snap.State != StateJoining {
			return eventResult{err: ErrFinished}
		}
		if ev.failure != nil {
			return m.finish(a, StateFailed, ev.failure, "", now)
		}
		return m.finish(a, StateJoined, nil, ev.notice.ConversationID, now)

	case evCancel:
		a, ok := m.attempts[ev.id]
		if !ok {
			res := m.published(ev.id)
			if res.err == nil {
				res.err = ErrFinished
			}
			return res
		}
		return m.finish(a, StateCancelled, nil, "", now)
	}
	return eventResult{err: fmt.Errorf("unknown event %d", ev.kind)}
}

func (m *Manager) startWaits(a *active, requestedAt, now time.Time) eventResult {
	ctx, cancel := context.WithCancel(m.runCtx)
	a.cancel = cancel
	a.members = make(chan transport.MembershipNotice, 1)
	a.errs = make(chan handshake.JoinError, 1)
	a.snap.State = StateJoining
	a.snap.RequestedAt = requestedAt
	a.snap.UpdatedAt = now

	m.waits.Add(1)
	go m.await(ctx, a.snap.ID, a.members, a.errs)
	return m.publish(a.snap)
}

// finish moves a to a terminal state and releases its waits.
func (m *Manager) finish(a *active, state State, failure *Failure, conversationID string, now time.Time) eventResult {
	if a.cancel != nil {
		a.cancel()
	}
	delete(m.attempts, a.snap.ID)
	if a.snap.Tag != "" && m.byTag[a.snap.Tag] == a.snap.ID {
		delete(m.byTag, a.snap.Tag)
	}
	a.snap.State = state
	a.snap.Failure = failure
	a.snap.ConversationID = conversationID
	a.snap.UpdatedAt = now
	return m.publish(a.snap)
}

func (m *Manager) inFlight(tag string) (Snapshot, bool) {
	id, ok := m.byTag[tag]
	if !ok {
		return Snapshot{}, false
	}
	a, ok := m.attempts[id]
	if !ok {
		return Snapshot{}, false
	}
	return a.snap, true
}

// joiningWithTag is the tag-correlation guard: it returns the attempt that
// may consume a message carrying tag from sender, or nil.
func (m *Manager) joiningWithTag(tag string, from identity.ID) *active {
	id, ok := m.byTag[tag]
	if !ok {
		return nil
	}
	a, ok := m.attempts[id]
	if !ok || a.snap.State != StateJoining || a.snap.Invite.CreatorID != from {
		return nil
	}
	return a
}

func (m *Manager) publish(s Snapshot) eventResult {
	cur := *m.snap.Load()
	next := make(registry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[s.ID] = s
	m.snap.Store(&next)
	m.broadcast(s)
	return eventResult{snap: s}
}

// published returns the last snapshot of an attempt that is no longer
// active, typically one cancelled while its caller was still working.
func (m *Manager) published(id string) eventResult {
	s, ok := (*m.snap.Load())[id]
	if !ok {
		return eventResult{err: ErrNotFound}
	}
	return eventResult{snap: s}
}

func (m *Manager) unpublish(id string) {
	cur := *m.snap.Load()
	next := make(registry, len(cur))
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	m.snap.Store(&next)
}

func (m *Manager) broadcast(s Snapshot) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
			securelog.Dropped("join.broadcast", "subscriber buffer full")
		}
	}
}

func (m *Manager) closeSubscribers() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		close(ch)
		delete(m.subs, ch)
	}
}
