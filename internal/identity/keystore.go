package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Avicted/groupjoin/internal/crypto"
)

type storedKey struct {
	PrivateKey string `json:"private_key"`
}

// LoadOrCreate loads the identity stored at path, creating and saving a new
// one when the file does not exist.
func LoadOrCreate(path string) (Identity, error) {
	if path == "" {
		return Identity{}, errors.New("identity path is required")
	}
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, err
	}

	id, err = New()
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity: %w", err)
	}
	if err := Save(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// DefaultPath is the per-user location of the identity file.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "groupjoin", "identity.json"), nil
}

func Load(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}

	var stored storedKey
	if err := json.Unmarshal(data, &stored); err != nil {
		return Identity{}, fmt.Errorf("decode identity file: %w", err)
	}
	if stored.PrivateKey == "" {
		return Identity{}, fmt.Errorf("missing private key")
	}

	priv, err := crypto.PrivateKeyFromBase64(stored.PrivateKey)
	if err != nil {
		return Identity{}, err
	}
	kp := &crypto.SigningKeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}
	return FromKeys(kp), nil
}

func Save(path string, id Identity) error {
	if id.Keys == nil {
		return errors.New("identity has no keys")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := json.Marshal(storedKey{PrivateKey: crypto.PrivateKeyToBase64(id.Keys.Private)})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
