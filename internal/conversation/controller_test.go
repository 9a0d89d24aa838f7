package conversation

import (
	"context"
	"testing"
)

func TestLock(t *testing.T) {
	s := startStore(t, nil)
	c := NewController(s)
	m, _ := s.Create(context.Background(), Metadata{Creator: "c"})

	if err := c.Lock(context.Background(), m.ConversationID); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	got, _ := s.Get(m.ConversationID)
	if got.Policy != PolicyLocked {
		t.Fatalf("Policy = %q, want locked", got.Policy)
	}
	if got.Tag == m.Tag {
		t.Fatal("lock did not rotate the tag")
	}
}

func TestLock_NotFound(t *testing.T) {
	c := NewController(startStore(t, nil))
	if err := c.Lock(context.Background(), "missing"); err == nil {
		t.Fatal("expected error locking a missing conversation")
	}
}

func TestUnlock_KeepsTag(t *testing.T) {
	s := startStore(t, nil)
	c := NewController(s)
	m, _ := s.Create(context.Background(), Metadata{Creator: "c"})
	_ = c.Lock(context.Background(), m.ConversationID)
	locked, _ := s.Get(m.ConversationID)

	if err := c.Unlock(context.Background(), m.ConversationID); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	got, _ := s.Get(m.ConversationID)
	if got.Policy != PolicyOpen {
		t.Fatalf("Policy = %q, want open", got.Policy)
	}
	if got.Tag != locked.Tag {
		t.Fatal("unlock must not issue a new tag")
	}
	if got.Tag == m.Tag {
		t.Fatal("pre-lock tag came back after unlock")
	}
}

func TestRotate(t *testing.T) {
	s := startStore(t, nil)
	c := NewController(s)
	m, _ := s.Create(context.Background(), Metadata{Creator: "c"})

	tag, err := c.Rotate(context.Background(), m.ConversationID)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	got, _ := s.Get(m.ConversationID)
	if got.Tag != tag || got.Policy != PolicyOpen {
		t.Fatalf("unexpected metadata after rotate: %+v", got)
	}
}

func TestEnforceCapacity(t *testing.T) {
	s := startStore(t, nil)
	c := NewController(s)
	limited, _ := s.Create(context.Background(), Metadata{Creator: "c", MaxMembers: 3})
	unlimited, _ := s.Create(context.Background(), Metadata{Creator: "c"})

	locked, err := c.EnforceCapacity(context.Background(), limited.ConversationID, 2)
	if err != nil || locked {
		t.Fatalf("EnforceCapacity(2) = %v, %v; want false, nil", locked, err)
	}
	locked, err = c.EnforceCapacity(context.Background(), limited.ConversationID, 3)
	if err != nil || !locked {
		t.Fatalf("EnforceCapacity(3) = %v, %v; want true, nil", locked, err)
	}
	locked, _ = c.EnforceCapacity(context.Background(), limited.ConversationID, 4)
	if locked {
		t.Fatal("already locked conversation should not lock again")
	}
	locked, _ = c.EnforceCapacity(context.Background(), unlimited.ConversationID, 1000)
	if locked {
		t.Fatal("unlimited conversation must never lock on capacity")
	}
	if _, err := c.EnforceCapacity(context.Background(), "missing", 1); err == nil {
		t.Fatal("expected error for missing conversation")
	}
}
