package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/transport"
	"github.com/Avicted/groupjoin/internal/transport/memnet"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeProgram struct {
	model tea.Model
	err   error
}

func (p fakeProgram) Run() (tea.Model, error) {
	return p.model, p.err
}

func memDeps(network *memnet.Network, stdout, stderr *syncBuffer) deps {
	return deps{
		stdin:  strings.NewReader(""),
		stdout: stdout,
		stderr: stderr,
		newProgram: func(m tea.Model, _ ...tea.ProgramOption) programRunner {
			return fakeProgram{model: m}
		},
		dial: func(_ context.Context, _ string, id identity.Identity) (transport.Transport, func() error, error) {
			return network.Node(id.ID), func() error { return nil }, nil
		},
	}
}

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GROUPJOIN_OTEL_ENABLED", "false")
	t.Setenv("HOME", t.TempDir())
}

func lastField(out, prefix string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func TestRun_Usage(t *testing.T) {
	setTestEnv(t)
	var stdout, stderr syncBuffer
	d := memDeps(memnet.NewNetwork(), &stdout, &stderr)

	if err := run(context.Background(), nil, d); !errors.Is(err, errUsage) {
		t.Fatalf("expected errUsage, got %v", err)
	}
	if !strings.Contains(stderr.String(), "usage: groupjoin") {
		t.Fatalf("expected usage text, got %q", stderr.String())
	}
	if err := run(context.Background(), []string{"bogus"}, d); !errors.Is(err, errUsage) {
		t.Fatalf("expected errUsage for unknown command, got %v", err)
	}
	if !strings.Contains(stderr.String(), `unknown command "bogus"`) {
		t.Fatalf("expected unknown command message, got %q", stderr.String())
	}
}

func TestRun_MissingArguments(t *testing.T) {
	setTestEnv(t)
	key := filepath.Join(t.TempDir(), "identity.json")
	var stdout, stderr syncBuffer
	d := memDeps(memnet.NewNetwork(), &stdout, &stderr)

	tests := []struct {
		name string
		args []string
	}{
		{name: "invite without conversation", args: []string{"-key", key, "invite"}},
		{name: "lock without conversation", args: []string{"-key", key, "lock"}},
		{name: "unlock without conversation", args: []string{"-key", key, "unlock"}},
		{name: "join without token", args: []string{"-key", key, "join"}},
		{name: "join with two tokens", args: []string{"-key", key, "join", "a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(context.Background(), tt.args, d); !errors.Is(err, errUsage) {
				t.Fatalf("expected errUsage, got %v", err)
			}
		})
	}
}

func TestRun_RequiresIdentity(t *testing.T) {
	setTestEnv(t)
	key := filepath.Join(t.TempDir(), "identity.json")
	var stdout, stderr syncBuffer
	d := memDeps(memnet.NewNetwork(), &stdout, &stderr)

	err := run(context.Background(), []string{"-key", key, "create", "-name", "x"}, d)
	if err == nil || !strings.Contains(err.Error(), "run groupjoin keygen first") {
		t.Fatalf("expected missing identity error, got %v", err)
	}
}

func TestRun_DialFailure(t *testing.T) {
	setTestEnv(t)
	key := filepath.Join(t.TempDir(), "identity.json")
	var stdout, stderr syncBuffer
	d := memDeps(memnet.NewNetwork(), &stdout, &stderr)
	d.dial = func(context.Context, string, identity.Identity) (transport.Transport, func() error, error) {
		return nil, nil, errors.New("refused")
	}

	if err := run(context.Background(), []string{"-key", key, "keygen"}, d); err != nil {
		t.Fatalf("keygen error = %v", err)
	}
	err := run(context.Background(), []string{"-key", key, "list"}, d)
	if err == nil || !strings.Contains(err.Error(), "connect to relay: refused") {
		t.Fatalf("expected dial error, got %v", err)
	}
}

func TestRun_KeygenIsStable(t *testing.T) {
	setTestEnv(t)
	key := filepath.Join(t.TempDir(), "identity.json")
	var stdout, stderr syncBuffer
	d := memDeps(memnet.NewNetwork(), &stdout, &stderr)

	if err := run(context.Background(), []string{"-key", key, "keygen"}, d); err != nil {
		t.Fatalf("keygen error = %v", err)
	}
	first := lastField(stdout.String(), "identity ")
	var again syncBuffer
	d.stdout = &again
	if err := run(context.Background(), []string{"-key", key, "keygen"}, d); err != nil {
		t.Fatalf("second keygen error = %v", err)
	}
	if second := lastField(again.String(), "identity "); first == "" || first != second {
		t.Fatalf("identity changed: %q then %q", first, second)
	}
}

func TestRun_JoinMalformedInvite(t *testing.T) {
	setTestEnv(t)
	key := filepath.Join(t.TempDir(), "identity.json")
	var stdout, stderr syncBuffer
	d := memDeps(memnet.NewNetwork(), &stdout, &stderr)

	if err := run(context.Background(), []string{"-key", key, "keygen"}, d); err != nil {
		t.Fatalf("keygen error = %v", err)
	}
	err := run(context.Background(), []string{"-key", key, "join", "not-an-invite"}, d)
	if !errors.Is(err, errJoinFailed) {
		t.Fatalf("expected errJoinFailed, got %v", err)
	}
	if !strings.Contains(stdout.String(), "This is not a valid invite link.") {
		t.Fatalf("expected failure message, got %q", stdout.String())
	}
}

func TestRun_CreateInviteJoin(t *testing.T) {
	setTestEnv(t)
	network := memnet.NewNetwork()
	dir := t.TempDir()
	aliceKey := filepath.Join(dir, "alice", "identity.json")
	bobKey := filepath.Join(dir, "bob", "identity.json")
	ctx := context.Background()

	aliceOut, aliceErr := &syncBuffer{}, &syncBuffer{}
	alice := memDeps(network, aliceOut, aliceErr)
	for _, args := range [][]string{
		{"-key", aliceKey, "keygen"},
		{"-key", aliceKey, "create", "-name", "Book club", "-description", "Tuesdays"},
	} {
		if err := run(ctx, args, alice); err != nil {
			t.Fatalf("%v error = %v (stderr %q)", args, err, aliceErr.String())
		}
	}
	convID := lastField(aliceOut.String(), "conversation ")
	if convID == "" {
		t.Fatalf("no conversation id in %q", aliceOut.String())
	}

	aliceOut = &syncBuffer{}
	alice.stdout = aliceOut
	if err := run(ctx, []string{"-key", aliceKey, "invite", "-conv", convID, "-preview"}, alice); err != nil {
		t.Fatalf("invite error = %v", err)
	}
	inviteURL := strings.TrimSpace(aliceOut.String())
	if !strings.Contains(inviteURL, "i=") {
		t.Fatalf("unexpected invite URL %q", inviteURL)
	}

	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	serveOut := &syncBuffer{}
	serveDeps := memDeps(network, serveOut, aliceErr)
	served := make(chan error, 1)
	go func() { served <- run(serveCtx, []string{"-key", aliceKey, "serve"}, serveDeps) }()
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(serveOut.String(), "serving as") {
		if time.Now().After(deadline) {
			t.Fatal("serve did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var bobOut, bobErr syncBuffer
	bob := memDeps(network, &bobOut, &bobErr)
	if err := run(ctx, []string{"-key", bobKey, "keygen"}, bob); err != nil {
		t.Fatalf("bob keygen error = %v", err)
	}
	joinCtx, cancelJoin := context.WithTimeout(ctx, 10*time.Second)
	defer cancelJoin()
	if err := run(joinCtx, []string{"-key", bobKey, "join", "-plain", inviteURL}, bob); err != nil {
		t.Fatalf("join error = %v (stdout %q)", err, bobOut.String())
	}
	if !strings.Contains(bobOut.String(), "joined "+convID) {
		t.Fatalf("expected joined line, got %q", bobOut.String())
	}

	stopServe()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}

	aliceOut = &syncBuffer{}
	alice.stdout = aliceOut
	if err := run(ctx, []string{"-key", aliceKey, "lock", "-conv", convID}, alice); err != nil {
		t.Fatalf("lock error = %v", err)
	}
	if err := run(ctx, []string{"-key", aliceKey, "list"}, alice); err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(aliceOut.String(), "conversation "+convID+" policy=locked") {
		t.Fatalf("expected locked conversation in list, got %q", aliceOut.String())
	}
	if len(network.Members(convID)) != 2 {
		t.Fatalf("expected two members, got %v", network.Members(convID))
	}
}

func TestRun_JoinRejectsUntrustedCreator(t *testing.T) {
	setTestEnv(t)
	network := memnet.NewNetwork()
	dir := t.TempDir()
	aliceKey := filepath.Join(dir, "alice", "identity.json")
	bobKey := filepath.Join(dir, "bob", "identity.json")
	ctx := context.Background()

	aliceOut, aliceErr := &syncBuffer{}, &syncBuffer{}
	alice := memDeps(network, aliceOut, aliceErr)
	for _, args := range [][]string{
		{"-key", aliceKey, "keygen"},
		{"-key", aliceKey, "create", "-name", "Book club"},
	} {
		if err := run(ctx, args, alice); err != nil {
			t.Fatalf("%v error = %v (stderr %q)", args, err, aliceErr.String())
		}
	}
	convID := lastField(aliceOut.String(), "conversation ")
	aliceOut = &syncBuffer{}
	alice.stdout = aliceOut
	if err := run(ctx, []string{"-key", aliceKey, "invite", "-conv", convID}, alice); err != nil {
		t.Fatalf("invite error = %v", err)
	}
	inviteURL := strings.TrimSpace(aliceOut.String())

	carol, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New() error = %v", err)
	}
	t.Setenv("GROUPJOIN_TRUSTED_CREATORS", string(carol.ID))

	var bobOut, bobErr syncBuffer
	bob := memDeps(network, &bobOut, &bobErr)
	if err := run(ctx, []string{"-key", bobKey, "keygen"}, bob); err != nil {
		t.Fatalf("bob keygen error = %v", err)
	}
	err = run(ctx, []string{"-key", bobKey, "join", "-plain", inviteURL}, bob)
	if !errors.Is(err, errJoinFailed) {
		t.Fatalf("expected errJoinFailed, got %v", err)
	}
	if !strings.Contains(bobOut.String(), "This invite could not be verified.") {
		t.Fatalf("expected verification failure, got %q", bobOut.String())
	}

	// Pinning other creators leaves a creator able to issue its own invites.
	aliceOut = &syncBuffer{}
	alice.stdout = aliceOut
	if err := run(ctx, []string{"-key", aliceKey, "invite", "-conv", convID}, alice); err != nil {
		t.Fatalf("invite with pinned creators error = %v", err)
	}
}

func TestGroupjoinMainExitsOnRunError(t *testing.T) {
	if os.Getenv("GROUPJOIN_TEST_MAIN_HELPER") == "1" {
		os.Args = []string{"groupjoin", "bogus"}
		main()
		os.Exit(0)
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestGroupjoinMainExitsOnRunError")
	cmd.Env = append(os.Environ(), "GROUPJOIN_TEST_MAIN_HELPER=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected subprocess exit error, got %v", err)
	}
	if exitErr.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %d", exitErr.ExitCode())
	}
	if !strings.Contains(stderr.String(), `unknown command "bogus"`) {
		t.Fatalf("expected unknown command on stderr, got %q", stderr.String())
	}
}
