package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/storage"
	"github.com/Avicted/groupjoin/internal/transport"
)

type storedEnvelope struct {
	env       transport.Envelope
	ensure    bool
	delivered bool
}

type memEnvelopes struct {
	mu   sync.Mutex
	rows []*storedEnvelope
}

func (m *memEnvelopes) Save(_ context.Context, env transport.Envelope, ensure bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, &storedEnvelope{env: env, ensure: ensure})
	return nil
}

func (m *memEnvelopes) ListUndelivered(_ context.Context, recipient identity.ID, limit int) ([]transport.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []transport.Envelope
	for _, row := range m.rows {
		if row.env.To == recipient && row.ensure && !row.delivered && len(out) < limit {
			out = append(out, row.env)
		}
	}
	return out, nil
}

func (m *memEnvelopes) MarkDelivered(_ context.Context, recipient identity.ID, ids []string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		for _, id := range ids {
			if row.env.ID == id && row.env.To == recipient {
				row.delivered = true
			}
		}
	}
	return nil
}

func (m *memEnvelopes) Last(_ context.Context, sender, recipient identity.ID) (transport.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].env.From == sender && m.rows[i].env.To == recipient {
			return m.rows[i].env, nil
		}
	}
	return transport.Envelope{}, storage.ErrNotFound
}

type memMemberships struct {
	mu   sync.Mutex
	sets map[string]map[identity.ID]struct{}
}

func (m *memMemberships) Add(_ context.Context, conv string, member identity.ID, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets == nil {
		m.sets = make(map[string]map[identity.ID]struct{})
	}
	if m.sets[conv] == nil {
		m.sets[conv] = make(map[identity.ID]struct{})
	}
	if _, ok := m.sets[conv][member]; ok {
		return false, nil
	}
	m.sets[conv][member] = struct{}{}
	return true, nil
}

func (m *memMemberships) IsMember(_ context.Context, conv string, member identity.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[conv][member]
	return ok, nil
}

func (m *memMemberships) Count(_ context.Context, conv string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets[conv]), nil
}

func (m *memMemberships) members(conv string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id := range m.sets[conv] {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}

type relayFixture struct {
	url         string
	hub         *Hub
	envelopes   *memEnvelopes
	memberships *memMemberships
}

func startRelay(t *testing.T) relayFixture {
	t.Helper()
	envs := &memEnvelopes{}
	members := &memMemberships{}
	hub := NewHub(envs, members, 10)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", WithAuthValidator(http.HandlerFunc(hub.HandleWS), NewAuthenticator(nil)))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return relayFixture{url: srv.URL, hub: hub, envelopes: envs, memberships: members}
}

func newIdentity(t *testing.T) identity.Identity {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New() error = %v", err)
	}
	return id
}

func dial(t *testing.T, f relayFixture, id identity.Identity) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, f.url, id)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recv(t *testing.T, ch <-chan transport.Envelope) transport.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("stream closed")
		}
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return transport.Envelope{}
}

func waitUndelivered(t *testing.T, f relayFixture, recipient identity.ID, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var got []transport.Envelope
	for time.Now().Before(deadline) {
		got, _ = f.envelopes.ListUndelivered(context.Background(), recipient, 1000)
		if len(got) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("undelivered = %d, want %d", len(got), n)
}

func waitClients(t *testing.T, hub *Hub, n int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), n)
}

func TestAuthenticator(t *testing.T) {
	alice := newIdentity(t)
	auth := NewAuthenticator(nil)
	ctx := context.Background()

	token, err := SignAuthToken(alice, time.Now())
	if err != nil {
		t.Fatalf("SignAuthToken() error = %v", err)
	}
	got, err := auth.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if got != alice.ID {
		t.Fatalf("ValidateToken() = %q, want %q", got, alice.ID)
	}

	t.Run("replay", func(t *testing.T) {
		if _, err := auth.ValidateToken(ctx, token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized on replay, got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		old, _ := SignAuthToken(alice, time.Now().Add(-2*authTokenTTL))
		if _, err := auth.ValidateToken(ctx, old); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("impersonation", func(t *testing.T) {
		mallory := newIdentity(t)
		forged, _ := SignAuthToken(identity.Identity{ID: alice.ID, Keys: mallory.Keys}, time.Now())
		if _, err := auth.ValidateToken(ctx, forged); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := auth.ValidateToken(ctx, "not-a-token"); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestHandleWS_Unauthorized(t *testing.T) {
	f := startRelay(t)
	resp, err := http.Get(f.url + "/ws")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(f.url + "/ws?token=bogus")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleWS_MissingStorage(t *testing.T) {
	hub := NewHub(nil, nil, 0)
	rec := httptest.NewRecorder()
	hub.HandleWS(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestSend_Online(t *testing.T) {
	f := startRelay(t)
	alice, bob := newIdentity(t), newIdentity(t)
	ac, bc := dial(t, f, alice), dial(t, f, bob)
	waitClients(t, f.hub, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := bc.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := ac.Send(ctx, bob.ID, "text/plain", []byte("hi"), transport.SendOptions{EnsureDelivery: true}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	env := recv(t, stream)
	if env.From != alice.ID || env.To != bob.ID || string(env.Body) != "hi" || env.SentAt.IsZero() {
		t.Fatalf("unexpected envelope %+v", env)
	}

	// Marked delivered once the subscriber has read it.
	waitUndelivered(t, f, bob.ID, 0)
}

func TestSend_BurstToSubscriberKeepsOrder(t *testing.T) {
	f := startRelay(t)
	alice, bob := newIdentity(t), newIdentity(t)
	ac, bc := dial(t, f, alice), dial(t, f, bob)
	waitClients(t, f.hub, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := bc.Subscribe(ctx)

	const total = 300
	for i := 0; i < total; i++ {
		if err := ac.Send(ctx, bob.ID, "text/plain", []byte(strconv.Itoa(i)), transport.SendOptions{EnsureDelivery: true}); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}
	for i := 0; i < total; i++ {
		if env := recv(t, stream); string(env.Body) != strconv.Itoa(i) {
			t.Fatalf("envelope %d: body %q", i, env.Body)
		}
	}
	waitUndelivered(t, f, bob.ID, 0)
}

func TestSend_OfflineBacklogLargerThanBatch(t *testing.T) {
	f := startRelay(t)
	alice, bob := newIdentity(t), newIdentity(t)
	ac := dial(t, f, alice)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The fixture flushes ten envelopes at a time.
	const offline = 25
	for i := 0; i < offline; i++ {
		if err := ac.Send(ctx, bob.ID, "text/plain", []byte(strconv.Itoa(i)), transport.SendOptions{EnsureDelivery: true}); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}

	bc := dial(t, f, bob)
	stream, _ := bc.Subscribe(ctx)
	if err := ac.Send(ctx, bob.ID, "text/plain", []byte("live"), transport.SendOptions{EnsureDelivery: true}); err != nil {
		t.Fatalf("Send(live) error = %v", err)
	}

	for i := 0; i < offline; i++ {
		if env := recv(t, stream); string(env.Body) != strconv.Itoa(i) {
			t.Fatalf("envelope %d: body %q", i, env.Body)
		}
	}
	if env := recv(t, stream); string(env.Body) != "live" {
		t.Fatalf("last body = %q, want live", env.Body)
	}
	waitUndelivered(t, f, bob.ID, 0)
}

func TestSubscribe_UnreadRedeliveredAfterReconnect(t *testing.T) {
	f := startRelay(t)
	alice, bob := newIdentity(t), newIdentity(t)
	ac, bc := dial(t, f, alice), dial(t, f, bob)
	waitClients(t, f.hub, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := bc.Subscribe(ctx)
	for _, body := range []string{"a", "b", "c"} {
		_ = ac.Send(ctx, bob.ID, "text/plain", []byte(body), transport.SendOptions{EnsureDelivery: true})
	}
	if env := recv(t, stream); string(env.Body) != "a" {
		t.Fatalf("first body = %q", env.Body)
	}
	waitUndelivered(t, f, bob.ID, 2)
	if err := bc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitClients(t, f.hub, 1)

	again := dial(t, f, bob)
	stream, _ = again.Subscribe(ctx)
	for _, want := range []string{"b", "c"} {
		if env := recv(t, stream); string(env.Body) != want {
			t.Fatalf("body = %q, want %q", env.Body, want)
		}
	}
	waitUndelivered(t, f, bob.ID, 0)
}

func TestSend_OfflineFlushOnConnect(t *testing.T) {
	f := startRelay(t)
	alice, bob := newIdentity(t), newIdentity(t)
	ac := dial(t, f, alice)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ac.Send(ctx, bob.ID, "text/plain", []byte("kept"), transport.SendOptions{EnsureDelivery: true}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := ac.Send(ctx, bob.ID, "text/plain", []byte("dropped"), transport.SendOptions{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	bc := dial(t, f, bob)
	stream, _ := bc.Subscribe(ctx)
	env := recv(t, stream)
	if string(env.Body) != "kept" {
		t.Fatalf("Body = %q, want kept", env.Body)
	}
	select {
	case env := <-stream:
		t.Fatalf("unexpected extra envelope %q", env.Body)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLastMessage(t *testing.T) {
	f := startRelay(t)
	alice, bob := newIdentity(t), newIdentity(t)
	ac, bc := dial(t, f, alice), dial(t, f, bob)
	ctx := context.Background()

	if _, ok, err := bc.LastMessage(ctx, alice.ID); err != nil || ok {
		t.Fatalf("LastMessage() = %v, %v; want false, nil", ok, err)
	}
	_ = ac.Send(ctx, bob.ID, "text/plain", []byte("one"), transport.SendOptions{})
	_ = ac.Send(ctx, bob.ID, "text/plain", []byte("two"), transport.SendOptions{})

	env, ok, err := bc.LastMessage(ctx, alice.ID)
	if err != nil || !ok {
		t.Fatalf("LastMessage() = %v, %v", ok, err)
	}
	if string(env.Body) != "two" {
		t.Fatalf("Body = %q, want two", env.Body)
	}
}

func TestAddMember(t *testing.T) {
	f := startRelay(t)
	creator, joiner, stranger := newIdentity(t), newIdentity(t), newIdentity(t)
	cc, jc, sc := dial(t, f, creator), dial(t, f, joiner), dial(t, f, stranger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := jc.Subscribe(ctx)

	added, err := cc.AddMember(ctx, "conv-1", creator.ID, "tag-1")
	if err != nil || !added {
		t.Fatalf("founding AddMember() = %v, %v", added, err)
	}
	added, err = cc.AddMember(ctx, "conv-1", joiner.ID, "tag-1")
	if err != nil || !added {
		t.Fatalf("AddMember() = %v, %v", added, err)
	}

	env := recv(t, stream)
	if env.ContentType != transport.ContentTypeMembership || env.From != creator.ID {
		t.Fatalf("unexpected envelope %+v", env)
	}
	notice, err := transport.DecodeMembership(env.Body)
	if err != nil {
		t.Fatalf("DecodeMembership() error = %v", err)
	}
	if notice.ConversationID != "conv-1" || notice.MemberID != joiner.ID || notice.Tag != "tag-1" {
		t.Fatalf("unexpected notice %+v", notice)
	}

	added, err = cc.AddMember(ctx, "conv-1", joiner.ID, "tag-1")
	if err != nil || added {
		t.Fatalf("duplicate AddMember() = %v, %v; want false, nil", added, err)
	}
	if n, err := cc.MemberCount(ctx, "conv-1"); err != nil || n != 2 {
		t.Fatalf("MemberCount() = %d, %v; want 2", n, err)
	}
	if _, err := sc.AddMember(ctx, "conv-1", stranger.ID, "tag-1"); !errors.Is(err, transport.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if got := f.memberships.members("conv-1"); len(got) != 2 {
		t.Fatalf("members = %v, want 2 entries", got)
	}
}

func TestAddMember_FoundingOnBehalf(t *testing.T) {
	f := startRelay(t)
	creator, joiner := newIdentity(t), newIdentity(t)
	cc := dial(t, f, creator)
	ctx := context.Background()

	added, err := cc.AddMember(ctx, "conv-2", joiner.ID, "tag")
	if err != nil || !added {
		t.Fatalf("AddMember() = %v, %v", added, err)
	}
	if n, _ := cc.MemberCount(ctx, "conv-2"); n != 2 {
		t.Fatalf("MemberCount() = %d, want 2 (caller founds the conversation)", n)
	}
}

func TestClient_Validation(t *testing.T) {
	f := startRelay(t)
	c := dial(t, f, newIdentity(t))
	ctx := context.Background()
	if err := c.Send(ctx, "", "x", nil, transport.SendOptions{}); !errors.Is(err, transport.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := c.AddMember(ctx, "", "m", "t"); !errors.Is(err, transport.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestClient_CloseFailsCallsAndStreams(t *testing.T) {
	f := startRelay(t)
	c := dial(t, f, newIdentity(t))
	stream, _ := c.Subscribe(context.Background())

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Send(context.Background(), "peer", "x", nil, transport.SendOptions{}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.Subscribe(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream not closed after Close")
	}
	waitClients(t, f.hub, 0)
}

func TestDecodeInbound(t *testing.T) {
	cases := []string{
		`{"type":"send","to":"x"}`,
		`{"type":"last_message"}`,
		`{"type":"add_member","conversation_id":"c"}`,
		`{"type":"member_count"}`,
		`{"type":"ack"}`,
		`{"type":"ack","ids":[""]}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := decodeInbound([]byte(raw)); err == nil {
			t.Fatalf("decodeInbound(%s) expected error", raw)
		}
	}
	if _, err := decodeInbound([]byte(`{"type":"send","to":"x","content_type":"text/plain"}`)); err != nil {
		t.Fatalf("decodeInbound() error = %v", err)
	}
}
