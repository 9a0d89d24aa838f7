// Package identity models the keypair identities that take part in the join
// protocol. An identity ID is the unpadded base64url encoding of its Ed25519
// public key, so resolving the verification key needs no directory lookup.
package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/Avicted/groupjoin/internal/crypto"
)

type ID string

var (
	ErrInvalidID = errors.New("invalid identity id")
	ErrUnknown   = errors.New("unknown identity")
)

// Identity is a local identity with its signing key.
type Identity struct {
	ID   ID
	Keys *crypto.SigningKeyPair
}

// New generates a fresh identity.
func New() (Identity, error) {
	kp, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return Identity{}, err
	}
	return FromKeys(kp), nil
}

// FromKeys wraps an existing key pair.
func FromKeys(kp *crypto.SigningKeyPair) Identity {
	return Identity{ID: IDFromPublicKey(kp.Public), Keys: kp}
}

// IDFromPublicKey derives the identity ID for pub.
func IDFromPublicKey(pub ed25519.PublicKey) ID {
	return ID(crypto.PublicKeyToString(pub))
}

// Short returns a display-safe prefix of the ID.
func (id ID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Resolver resolves the verification key of an identity.
type Resolver interface {
	PublicKey(ctx context.Context, id ID) (ed25519.PublicKey, error)
}

// KeyResolver resolves keys by decoding the ID itself.
type KeyResolver struct{}

func (KeyResolver) PublicKey(_ context.Context, id ID) (ed25519.PublicKey, error) {
	raw := strings.TrimSpace(string(id))
	if raw == "" {
		return nil, ErrInvalidID
	}
	pub, err := crypto.PublicKeyFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return pub, nil
}

// DirectoryResolver only resolves identities it has been told about. It is
// used where a client pins the set of creators it trusts.
type DirectoryResolver struct {
	keys map[ID]ed25519.PublicKey
}

func NewDirectoryResolver(pubs ...ed25519.PublicKey) *DirectoryResolver {
	d := &DirectoryResolver{keys: make(map[ID]ed25519.PublicKey, len(pubs))}
	for _, pub := range pubs {
		d.keys[IDFromPublicKey(pub)] = pub
	}
	return d
}

// NewDirectoryFromIDs pins the keys encoded in ids.
func NewDirectoryFromIDs(ids ...ID) (*DirectoryResolver, error) {
	pubs := make([]ed25519.PublicKey, 0, len(ids))
	for _, id := range ids {
		pub, err := KeyResolver{}.PublicKey(context.Background(), id)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, pub)
	}
	return NewDirectoryResolver(pubs...), nil
}

func (d *DirectoryResolver) PublicKey(_ context.Context, id ID) (ed25519.PublicKey, error) {
	pub, ok := d.keys[id]
	if !ok {
		return nil, ErrUnknown
	}
	return pub, nil
}
