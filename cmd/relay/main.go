package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Avicted/groupjoin/internal/config"
	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/relay"
	"github.com/Avicted/groupjoin/internal/securelog"
	"github.com/Avicted/groupjoin/internal/storage"
	"github.com/Avicted/groupjoin/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		securelog.Error("relay.run", err)
		log.Printf("fatal: %s", fatalReason(err))
		os.Exit(1)
	}
}

func fatalReason(err error) string {
	var reason *startupError
	if errors.As(err, &reason) {
		return reason.stage
	}
	return "relay error"
}

// startupError names the startup stage that failed without echoing
// configuration values.
type startupError struct {
	stage string
	err   error
}

func (e *startupError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func run() error {
	cfg, err := config.LoadRelayFromEnv()
	if err != nil {
		return &startupError{stage: "config load failed", err: err}
	}
	if err := cfg.Validate(); err != nil {
		return &startupError{stage: "config invalid", err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "groupjoin-relay")
	if err != nil {
		return &startupError{stage: "init telemetry", err: err}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	storeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := storage.NewPostgresStore(storeCtx, cfg.DBURL)
	if err != nil {
		return &startupError{stage: "init store", err: err}
	}
	return serve(ctx, cfg, store)
}

// serve migrates store, then runs the relay until ctx ends. store is closed
// on return.
func serve(ctx context.Context, cfg config.RelayConfig, store storage.Store) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return &startupError{stage: "run migrations", err: err}
	}

	hub := relay.NewHub(store.Envelopes(), store.Memberships(), cfg.HistoryLimit)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/ws", relay.WithAuthValidator(http.HandlerFunc(hub.HandleWS), relay.NewAuthenticator(identity.KeyResolver{})))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			log.Printf("listening with TLS on %s", cfg.ListenAddr)
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}

		log.Printf("listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		stopHub()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
