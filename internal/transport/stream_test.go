package transport

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

func env(n int) Envelope {
	return Envelope{ID: strconv.Itoa(n)}
}

func TestStream_OrderBacklogFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backlog []Envelope
	for i := 0; i < 100; i++ {
		backlog = append(backlog, env(i))
	}
	s := NewStream(ctx, backlog, nil)
	for i := 100; i < 1000; i++ {
		if !s.Push(env(i)) {
			t.Fatalf("Push(%d) rejected", i)
		}
	}

	for i := 0; i < 1000; i++ {
		select {
		case got := <-s.C():
			if got.ID != strconv.Itoa(i) {
				t.Fatalf("envelope %d: got id %s", i, got.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out at envelope %d", i)
		}
	}
}

func TestStream_OnDeliverAfterReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var delivered []string
	s := NewStream(ctx, nil, func(e Envelope) {
		mu.Lock()
		delivered = append(delivered, e.ID)
		mu.Unlock()
	})
	s.Push(env(1))
	s.Push(env(2))

	// Nothing is handed over until the consumer reads.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if len(delivered) != 0 {
		t.Fatalf("delivered before receive: %v", delivered)
	}
	mu.Unlock()

	<-s.C()
	<-s.C()
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered = %v", delivered)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStream_StopKeepsUnreceived(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewStream(ctx, []Envelope{env(1), env(2)}, nil)
	s.Push(env(3))

	if got := <-s.C(); got.ID != "1" {
		t.Fatalf("first = %s", got.ID)
	}
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	if _, ok := <-s.C(); ok {
		t.Fatal("expected closed channel")
	}
	if s.Push(env(4)) {
		t.Fatal("Push accepted after stop")
	}

	rest := s.Remaining()
	if len(rest) != 2 || rest[0].ID != "2" || rest[1].ID != "3" {
		t.Fatalf("Remaining() = %+v", rest)
	}
}
