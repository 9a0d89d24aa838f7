package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Avicted/groupjoin/internal/app"
	"github.com/Avicted/groupjoin/internal/config"
	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/localstore"
	"github.com/Avicted/groupjoin/internal/telemetry"
)

func loadConfig(opts globalOptions) (config.ClientConfig, error) {
	cfg, err := config.LoadClientFromEnv()
	if err != nil {
		return config.ClientConfig{}, fmt.Errorf("config load failed: %w", err)
	}
	if opts.relayURL != "" {
		cfg.RelayURL = opts.relayURL
	}
	if opts.keyPath != "" {
		cfg.KeyPath = opts.keyPath
		if opts.statePath == "" && os.Getenv("GROUPJOIN_STATE_PATH") == "" {
			cfg.StatePath = filepath.Join(filepath.Dir(opts.keyPath), "state.db")
		}
	}
	if opts.statePath != "" {
		cfg.StatePath = opts.statePath
	}
	if err := cfg.Validate(); err != nil {
		return config.ClientConfig{}, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

// session is a running client bound to the local identity and state.
type session struct {
	id        identity.Identity
	cfg       config.ClientConfig
	store     *localstore.Store
	client    *app.Client
	release   func() error
	stop      context.CancelFunc
	done      chan error
	shutdownT func(context.Context) error
}

func openSession(ctx context.Context, opts globalOptions, d deps) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	id, err := identity.Load(cfg.KeyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.New("no identity found, run groupjoin keygen first")
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	resolver, err := cfg.CreatorResolver(id.ID)
	if err != nil {
		return nil, fmt.Errorf("trusted creators: %w", err)
	}

	key := []byte(cfg.StateKey)
	if key == nil {
		if key, err = localstore.KeyFromIdentity(id); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o700); err != nil {
		return nil, err
	}
	store, err := localstore.Open(ctx, cfg.StatePath, key)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, "groupjoin")
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	tr, release, err := d.dial(ctx, cfg.RelayURL, id)
	if err != nil {
		_ = store.Close()
		_ = shutdownTracing(context.Background())
		return nil, fmt.Errorf("connect to relay: %w", err)
	}

	client, err := app.New(app.Options{
		Identity:      id,
		Transport:     tr,
		Resolver:      resolver,
		Conversations: store,
		Pending:       store,
		InviteBaseURL: cfg.InviteBaseURL,
		InviteTTL:     cfg.InviteTTL,
	})
	if err != nil {
		_ = release()
		_ = store.Close()
		_ = shutdownTracing(context.Background())
		return nil, err
	}

	runCtx, stop := context.WithCancel(ctx)
	s := &session{
		id:        id,
		cfg:       cfg,
		store:     store,
		client:    client,
		release:   release,
		stop:      stop,
		done:      make(chan error, 1),
		shutdownT: shutdownTracing,
	}
	go func() { s.done <- client.Run(runCtx) }()

	select {
	case <-client.Ready():
		return s, nil
	case err := <-s.done:
		s.done <- err
		_ = s.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("start client: %w", err)
	}
}

// Close stops the client and releases the transport and the state file.
func (s *session) Close() error {
	s.stop()
	err := <-s.done
	if rerr := s.release(); rerr != nil && err == nil {
		err = rerr
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = s.shutdownT(context.Background())
	return err
}
