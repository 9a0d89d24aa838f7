package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/transport"
)

var _ transport.Transport = (*Client)(nil)

// Client is a transport.Transport backed by a relay socket.
type Client struct {
	conn   *websocket.Conn
	self   identity.ID
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	pending map[string]chan outboundFrame
	subs    map[*transport.Stream]struct{}
	backlog []transport.Envelope
	// unacked counts, per envelope received from the relay that no
	// subscriber has read yet, the live streams holding it.
	unacked map[string]int
}

// Dial connects to the relay at serverURL (http, https, ws or wss) as id.
func Dial(ctx context.Context, serverURL string, id identity.Identity) (*Client, error) {
	token, err := SignAuthToken(id, time.Now())
	if err != nil {
		return nil, err
	}
	wsURL := strings.TrimRight(strings.TrimSpace(serverURL), "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = wsURL + "/ws?token=" + url.QueryEscape(token)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		self:    id.ID,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]chan outboundFrame),
		subs:    make(map[*transport.Stream]struct{}),
		unacked: make(map[string]int),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) ID() identity.ID {
	return c.self
}

func (c *Client) Send(ctx context.Context, to identity.ID, contentType string, body []byte, opts transport.SendOptions) error {
	if strings.TrimSpace(string(to)) == "" || contentType == "" {
		return transport.ErrInvalidInput
	}
	_, err := c.call(ctx, inboundFrame{
		Type:           frameSend,
		To:             to,
		ContentType:    contentType,
		Body:           body,
		EnsureDelivery: opts.EnsureDelivery,
	})
	return err
}

// Subscribe returns the inbound stream. Envelopes that arrive while nobody
// is subscribed are held until the next Subscribe. The relay is told an
// envelope was delivered only once a subscriber has read it, so anything
// still unread when the client goes away is delivered again on reconnect.
func (c *Client) Subscribe(ctx context.Context) (<-chan transport.Envelope, error) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, transport.ErrClosed
	}
	for _, env := range c.backlog {
		c.unacked[env.ID] = 1
	}
	s := transport.NewStream(ctx, c.backlog, c.ack)
	c.backlog = nil
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	stop := context.AfterFunc(c.ctx, cancel)
	go func() {
		<-s.Done()
		stop()
		cancel()
		c.release(s)
	}()
	return s.C(), nil
}

func (c *Client) LastMessage(ctx context.Context, peer identity.ID) (transport.Envelope, bool, error) {
	if peer == "" {
		return transport.Envelope{}, false, transport.ErrInvalidInput
	}
	resp, err := c.call(ctx, inboundFrame{Type: frameLastMessage, Peer: peer})
	if err != nil {
		return transport.Envelope{}, false, err
	}
	if !resp.Found || resp.Envelope == nil {
		return transport.Envelope{}, false, nil
	}
	return resp.Envelope.envelope(), true, nil
}

func (c *Client) AddMember(ctx context.Context, conversationID string, member identity.ID, tag string) (bool, error) {
	if conversationID == "" || member == "" {
		return false, transport.ErrInvalidInput
	}
	resp, err := c.call(ctx, inboundFrame{
		Type:           frameAddMember,
		ConversationID: conversationID,
		Member:         member,
		Tag:            tag,
	})
	if err != nil {
		return false, err
	}
	return resp.Added, nil
}

func (c *Client) MemberCount(ctx context.Context, conversationID string) (int, error) {
	if conversationID == "" {
		return 0, transport.ErrInvalidInput
	}
	resp, err := c.call(ctx, inboundFrame{Type: frameMemberCount, ConversationID: conversationID})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Close ends the connection. Pending calls fail with transport.ErrClosed and
// every inbound stream is closed.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) call(ctx context.Context, f inboundFrame) (outboundFrame, error) {
	f.RequestID = uuid.NewString()
	data, err := json.Marshal(f)
	if err != nil {
		return outboundFrame{}, err
	}

	reply := make(chan outboundFrame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return outboundFrame{}, transport.ErrClosed
	}
	c.pending[f.RequestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
	}()

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = c.conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		if c.ctx.Err() != nil {
			return outboundFrame{}, transport.ErrClosed
		}
		return outboundFrame{}, fmt.Errorf("write frame: %w", err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return outboundFrame{}, transport.ErrClosed
		}
		if resp.Type == frameError {
			return outboundFrame{}, errorFromFrame(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return outboundFrame{}, ctx.Err()
	case <-c.done:
		return outboundFrame{}, transport.ErrClosed
	}
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var f outboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameDeliver:
			if f.Envelope != nil {
				c.dispatch(f.Envelope.envelope())
			}
		case frameResult, frameError:
			c.mu.Lock()
			reply, ok := c.pending[f.RequestID]
			c.mu.Unlock()
			if ok {
				reply <- f
			}
		}
	}
}

func (c *Client) dispatch(env transport.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.unacked[env.ID]; held {
		return
	}
	c.offerLocked(env)
}

func (c *Client) offerLocked(env transport.Envelope) {
	accepted := 0
	for s := range c.subs {
		if s.Push(env) {
			accepted++
		}
	}
	c.unacked[env.ID] = accepted
	if accepted == 0 {
		c.backlog = append(c.backlog, env)
	}
}

// release hands what s never delivered, and no other stream holds, back to
// the backlog, or to the other subscribers when some are still reading.
func (c *Client) release(s *transport.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, s)

	var unread []transport.Envelope
	for _, env := range s.Remaining() {
		n, ok := c.unacked[env.ID]
		if !ok {
			continue
		}
		if n > 1 {
			c.unacked[env.ID] = n - 1
			continue
		}
		unread = append(unread, env)
	}
	if len(c.subs) == 0 {
		c.backlog = append(unread, c.backlog...)
		return
	}
	for _, env := range unread {
		c.offerLocked(env)
	}
}

// ack tells the relay env reached a subscriber.
func (c *Client) ack(env transport.Envelope) {
	c.mu.Lock()
	_, ok := c.unacked[env.ID]
	delete(c.unacked, env.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	data, err := json.Marshal(inboundFrame{Type: frameAck, IDs: []string{env.ID}})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	_ = c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	close(c.done)
}

func errorFromFrame(f outboundFrame) error {
	switch f.Code {
	case codeForbidden:
		return transport.ErrForbidden
	case codeInvalidMessage:
		return fmt.Errorf("%w: %s", transport.ErrInvalidInput, f.Message)
	default:
		return fmt.Errorf("relay %s: %s", f.Code, f.Message)
	}
}
