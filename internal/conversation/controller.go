package conversation

import (
	"context"
	"fmt"
)

// Controller rotates invite validity and toggles the add-member policy.
type Controller struct {
	store *Store
}

func NewController(store *Store) *Controller {
	return &Controller{store: store}
}

// Lock rotates the tag and then forbids new members. The rotation comes
// first so a request racing the lock fails the tag check.
func (c *Controller) Lock(ctx context.Context, id ID) error {
	if _, err := c.store.RotateTag(ctx, id); err != nil {
		return fmt.Errorf("lock: rotate tag: %w", err)
	}
	if err := c.store.SetAddMemberPolicy(ctx, id, PolicyLocked); err != nil {
		return fmt.Errorf("lock: set policy: %w", err)
	}
	return nil
}

// Unlock reopens the conversation. No tag is issued: invites handed out
// before the lock stay dead and a fresh invite has to be generated.
func (c *Controller) Unlock(ctx context.Context, id ID) error {
	return c.store.SetAddMemberPolicy(ctx, id, PolicyOpen)
}

// Rotate invalidates every outstanding invite without changing the policy.
// It runs after a single-use invite has been consumed.
func (c *Controller) Rotate(ctx context.Context, id ID) (string, error) {
	return c.store.RotateTag(ctx, id)
}

// EnforceCapacity locks id once memberCount reaches its MaxMembers.
// It reports whether the conversation was locked.
func (c *Controller) EnforceCapacity(ctx context.Context, id ID, memberCount int) (bool, error) {
	m, err := c.store.Get(id)
	if err != nil {
		return false, err
	}
	if m.MaxMembers <= 0 || memberCount < m.MaxMembers || m.Policy == PolicyLocked {
		return false, nil
	}
	if err := c.Lock(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}
