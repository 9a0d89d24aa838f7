package transport

import (
	"context"
	"sync"
)

// Stream hands envelopes to one consumer in the order they were pushed.
// Push never blocks and never drops: envelopes wait in the queue until the
// consumer receives them or the stream stops.
type Stream struct {
	ch        chan Envelope
	wake      chan struct{}
	done      chan struct{}
	onDeliver func(Envelope)

	mu      sync.Mutex
	queue   []Envelope
	stopped bool
}

// NewStream starts a stream seeded with backlog. It stops when ctx ends.
// onDeliver, if set, runs after each envelope has been received by the
// consumer.
func NewStream(ctx context.Context, backlog []Envelope, onDeliver func(Envelope)) *Stream {
	s := &Stream{
		ch:        make(chan Envelope),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		onDeliver: onDeliver,
		queue:     append([]Envelope(nil), backlog...),
	}
	go s.pump(ctx)
	return s
}

// C is closed once the stream stops.
func (s *Stream) C() <-chan Envelope {
	return s.ch
}

// Push queues env behind everything pushed before it. It reports false once
// the stream has stopped.
func (s *Stream) Push(env Envelope) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Remaining returns the envelopes the consumer never received, oldest first.
// It is only complete after Done is closed.
func (s *Stream) Remaining() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.queue...)
}

func (s *Stream) pump(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.ch)
		close(s.done)
	}()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		next := s.queue[0]
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case s.ch <- next:
		}

		s.mu.Lock()
		s.queue[0] = Envelope{}
		s.queue = s.queue[1:]
		s.mu.Unlock()
		if s.onDeliver != nil {
			s.onDeliver(next)
		}
	}
}
