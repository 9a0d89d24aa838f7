package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/relay"
	"github.com/Avicted/groupjoin/internal/transport"
)

const usage = `usage: groupjoin [-relay URL] [-key PATH] [-state PATH] <command> [flags]

commands:
  keygen                 create the identity file if it does not exist
  create  -name NAME     create a conversation
  invite  -conv ID       issue an invite URL
  join    URL|TOKEN      join a conversation with an invite
  lock    -conv ID       rotate the invite tag and refuse new members
  unlock  -conv ID       accept new members again (old invites stay dead)
  list                   show conversations and join attempts
  serve                  answer join requests until interrupted
`

var errUsage = errors.New("invalid usage")

type programRunner interface {
	Run() (tea.Model, error)
}

type programFactory func(tea.Model, ...tea.ProgramOption) programRunner

// dialFunc connects id to the transport. The returned func releases it.
type dialFunc func(ctx context.Context, relayURL string, id identity.Identity) (transport.Transport, func() error, error)

type deps struct {
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
	newProgram programFactory
	dial       dialFunc
}

func dialRelay(ctx context.Context, relayURL string, id identity.Identity) (transport.Transport, func() error, error) {
	c, err := relay.Dial(ctx, relayURL, id)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

// globalOptions override the environment configuration.
type globalOptions struct {
	relayURL  string
	keyPath   string
	statePath string
}

func run(ctx context.Context, args []string, d deps) error {
	if d.newProgram == nil {
		d.newProgram = func(model tea.Model, options ...tea.ProgramOption) programRunner {
			return tea.NewProgram(model, options...)
		}
	}
	if d.dial == nil {
		d.dial = dialRelay
	}

	fs := flag.NewFlagSet("groupjoin", flag.ContinueOnError)
	fs.SetOutput(d.stderr)
	fs.Usage = func() { fmt.Fprint(d.stderr, usage) }
	var opts globalOptions
	fs.StringVar(&opts.relayURL, "relay", "", "relay URL (default GROUPJOIN_RELAY_URL)")
	fs.StringVar(&opts.keyPath, "key", "", "identity file (default GROUPJOIN_KEY_PATH)")
	fs.StringVar(&opts.statePath, "state", "", "state database (default GROUPJOIN_STATE_PATH)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "keygen":
		return runKeygen(opts, d)
	case "create":
		return runCreate(ctx, opts, rest, d)
	case "invite":
		return runInvite(ctx, opts, rest, d)
	case "join":
		return runJoin(ctx, opts, rest, d)
	case "lock":
		return runLock(ctx, opts, rest, d, true)
	case "unlock":
		return runLock(ctx, opts, rest, d, false)
	case "list":
		return runList(ctx, opts, d)
	case "serve":
		return runServe(ctx, opts, d)
	default:
		fmt.Fprintf(d.stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return errUsage
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], deps{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr})
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
