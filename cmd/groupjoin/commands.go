package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Avicted/groupjoin/internal/app"
	"github.com/Avicted/groupjoin/internal/conversation"
	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/join"
)

var errJoinFailed = errors.New("join did not complete")

func newFlagSet(name string, d deps) *flag.FlagSet {
	fs := flag.NewFlagSet("groupjoin "+name, flag.ContinueOnError)
	fs.SetOutput(d.stderr)
	return fs
}

func runKeygen(opts globalOptions, d deps) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	id, err := identity.LoadOrCreate(cfg.KeyPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.stdout, "identity %s\n", id.ID)
	return nil
}

func runCreate(ctx context.Context, opts globalOptions, args []string, d deps) error {
	fs := newFlagSet("create", d)
	name := fs.String("name", "", "conversation name")
	description := fs.String("description", "", "conversation description")
	image := fs.String("image", "", "conversation image URL")
	maxMembers := fs.Int("max-members", 0, "lock the conversation at this many members (0: unlimited)")
	expiresIn := fs.Duration("expires-in", 0, "conversation lifetime (0: never expires)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(ctx, opts, d)
	if err != nil {
		return err
	}
	defer s.Close()

	var expiresAt time.Time
	if *expiresIn > 0 {
		expiresAt = time.Now().Add(*expiresIn).UTC()
	}
	m, err := s.client.CreateConversation(ctx, app.CreateOptions{
		Name:        *name,
		Description: *description,
		ImageURL:    *image,
		ExpiresAt:   expiresAt,
		MaxMembers:  *maxMembers,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(d.stdout, "conversation %s\n", m.ConversationID)
	return nil
}

func runInvite(ctx context.Context, opts globalOptions, args []string, d deps) error {
	fs := newFlagSet("invite", d)
	conv := fs.String("conv", "", "conversation id")
	ttl := fs.Duration("ttl", 0, "invite lifetime (default GROUPJOIN_INVITE_TTL)")
	singleUse := fs.Bool("single-use", false, "invalidate the invite after the first join")
	preview := fs.Bool("preview", false, "embed the conversation name and description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *conv == "" {
		fs.Usage()
		return errUsage
	}

	s, err := openSession(ctx, opts, d)
	if err != nil {
		return err
	}
	defer s.Close()

	inv, err := s.client.IssueInvite(ctx, conversation.ID(*conv), app.InviteOptions{
		TTL:       *ttl,
		SingleUse: *singleUse,
		Preview:   *preview,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(d.stdout, inv.URL)
	return nil
}

func runLock(ctx context.Context, opts globalOptions, args []string, d deps, lock bool) error {
	name := "unlock"
	if lock {
		name = "lock"
	}
	fs := newFlagSet(name, d)
	conv := fs.String("conv", "", "conversation id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *conv == "" {
		fs.Usage()
		return errUsage
	}

	s, err := openSession(ctx, opts, d)
	if err != nil {
		return err
	}
	defer s.Close()

	if lock {
		err = s.client.LockConversation(ctx, conversation.ID(*conv))
	} else {
		err = s.client.UnlockConversation(ctx, conversation.ID(*conv))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(d.stdout, "%sed %s\n", name, *conv)
	return nil
}

func runList(ctx context.Context, opts globalOptions, d deps) error {
	s, err := openSession(ctx, opts, d)
	if err != nil {
		return err
	}
	defer s.Close()

	convs := s.client.Conversations()
	sort.Slice(convs, func(i, j int) bool { return convs[i].CreatedAt.Before(convs[j].CreatedAt) })
	for _, m := range convs {
		fmt.Fprintf(d.stdout, "conversation %s policy=%s name=%q\n", m.ConversationID, m.Policy, m.Name)
	}
	for _, a := range s.client.ListAttempts() {
		fmt.Fprintf(d.stdout, "attempt %s state=%s\n", a.ID, a.State)
	}
	return nil
}

func runServe(ctx context.Context, opts globalOptions, d deps) error {
	s, err := openSession(ctx, opts, d)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.stdout, "serving as %s\n", s.id.ID)
	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-s.done:
		s.done <- err
		if cerr := s.Close(); err == nil {
			err = cerr
		}
		return err
	}
}

func runJoin(ctx context.Context, opts globalOptions, args []string, d deps) error {
	fs := newFlagSet("join", d)
	plain := fs.Bool("plain", false, "print state changes instead of the interactive view")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errUsage
	}

	s, err := openSession(ctx, opts, d)
	if err != nil {
		return err
	}
	defer s.Close()

	updates, unsubscribe := s.client.Attempts()
	defer unsubscribe()

	snap, err := s.client.BeginJoin(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if *plain || snap.State.Terminal() {
		final := followPlain(ctx, snap, updates, d)
		return joinResult(final)
	}

	model := newJoinModel(snap, updates, func(id string) {
		_, _ = s.client.CancelJoin(context.WithoutCancel(ctx), id)
	})
	p := d.newProgram(model, tea.WithInput(d.stdin), tea.WithOutput(d.stdout), tea.WithContext(ctx))
	result, err := p.Run()
	if err != nil {
		return err
	}
	if jm, ok := result.(joinModel); ok {
		return joinResult(jm.snap)
	}
	return nil
}

// followPlain prints every state of the attempt until it is terminal.
func followPlain(ctx context.Context, snap join.Snapshot, updates <-chan join.Snapshot, d deps) join.Snapshot {
	current := snap
	printSnapshot(d, current)
	for !current.State.Terminal() {
		select {
		case <-ctx.Done():
			return current
		case next, ok := <-updates:
			if !ok {
				return current
			}
			if next.ID != current.ID || stateRank(next.State) <= stateRank(current.State) {
				continue
			}
			current = next
			printSnapshot(d, current)
		}
	}
	return current
}

func printSnapshot(d deps, s join.Snapshot) {
	switch {
	case s.State == join.StateJoined:
		fmt.Fprintf(d.stdout, "joined %s\n", s.ConversationID)
	case s.State == join.StateFailed && s.Failure != nil:
		fmt.Fprintf(d.stdout, "join failed: %s\n", s.Failure.Message)
	default:
		fmt.Fprintf(d.stdout, "%s\n", s.State)
	}
}

func joinResult(s join.Snapshot) error {
	if s.State == join.StateJoined {
		return nil
	}
	return errJoinFailed
}

// stateRank orders states along the attempt lifecycle.
func stateRank(s join.State) int {
	switch s {
	case join.StateIdle:
		return 0
	case join.StateValidating:
		return 1
	case join.StateValidated:
		return 2
	case join.StateJoining:
		return 3
	default:
		return 4
	}
}
