// Package config loads the relay and client settings from GROUPJOIN_*
// environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Avicted/groupjoin/internal/identity"
)

// Key is a base64-encoded 32-byte key.
type Key []byte

func (k *Key) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		*k = nil
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return errors.New("key must be base64")
	}
	*k = raw
	return nil
}

type RelayConfig struct {
	ListenAddr   string `env:"GROUPJOIN_LISTEN_ADDR" envDefault:":8080"`
	DBURL        string `env:"GROUPJOIN_DB_URL"`
	TLSCertPath  string `env:"GROUPJOIN_TLS_CERT"`
	TLSKeyPath   string `env:"GROUPJOIN_TLS_KEY"`
	HistoryLimit int    `env:"GROUPJOIN_HISTORY_LIMIT" envDefault:"100"`
}

func LoadRelayFromEnv() (RelayConfig, error) {
	var cfg RelayConfig
	if err := env.Parse(&cfg); err != nil {
		return RelayConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c RelayConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if c.DBURL == "" {
		return errors.New("db url is required")
	}
	if c.HistoryLimit <= 0 {
		return errors.New("history limit must be positive")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	return nil
}

type ClientConfig struct {
	RelayURL      string        `env:"GROUPJOIN_RELAY_URL" envDefault:"http://localhost:8080"`
	KeyPath       string        `env:"GROUPJOIN_KEY_PATH"`
	StatePath     string        `env:"GROUPJOIN_STATE_PATH"`
	StateKey      Key           `env:"GROUPJOIN_STATE_KEY"`
	InviteTTL     time.Duration `env:"GROUPJOIN_INVITE_TTL" envDefault:"168h"`
	InviteBaseURL string        `env:"GROUPJOIN_INVITE_BASE_URL" envDefault:"https://groupjoin.app/v2"`
	// TrustedCreators pins the identities whose invites are accepted. Empty
	// means any creator whose signature verifies.
	TrustedCreators []string `env:"GROUPJOIN_TRUSTED_CREATORS" envSeparator:","`
}

// LoadClientFromEnv parses the client settings. KeyPath defaults to the
// user config directory and StatePath to a file next to the key.
func LoadClientFromEnv() (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.KeyPath == "" {
		path, err := identity.DefaultPath()
		if err != nil {
			return ClientConfig{}, err
		}
		cfg.KeyPath = path
	}
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(filepath.Dir(cfg.KeyPath), "state.db")
	}
	return cfg, nil
}

func (c ClientConfig) Validate() error {
	if c.RelayURL == "" {
		return errors.New("relay url is required")
	}
	if u, err := url.Parse(c.RelayURL); err != nil || u.Host == "" {
		return errors.New("relay url must be absolute")
	}
	if c.KeyPath == "" || c.StatePath == "" {
		return errors.New("key and state paths are required")
	}
	if c.StateKey != nil && len(c.StateKey) != 32 {
		return errors.New("state key must be 32 bytes (base64-encoded)")
	}
	if c.InviteTTL <= 0 {
		return errors.New("invite ttl must be positive")
	}
	if u, err := url.Parse(c.InviteBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("invite base url must be absolute")
	}
	for _, id := range c.TrustedCreators {
		if _, err := identity.NewDirectoryFromIDs(identity.ID(id)); err != nil {
			return fmt.Errorf("trusted creator %q: %w", id, err)
		}
	}
	return nil
}

// CreatorResolver returns the resolver invites are verified with. With
// trusted creators configured only they and self resolve; self is always
// included so a creator can verify its own invites.
func (c ClientConfig) CreatorResolver(self identity.ID) (identity.Resolver, error) {
	if len(c.TrustedCreators) == 0 {
		return identity.KeyResolver{}, nil
	}
	ids := make([]identity.ID, 0, len(c.TrustedCreators)+1)
	for _, id := range c.TrustedCreators {
		ids = append(ids, identity.ID(strings.TrimSpace(id)))
	}
	ids = append(ids, self)
	return identity.NewDirectoryFromIDs(ids...)
}
