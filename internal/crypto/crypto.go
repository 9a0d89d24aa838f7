// Package crypto provides the primitives the join protocol is built on:
// Ed25519 identity keys, random invite tags, HKDF-SHA256 key derivation and
// AES-256-GCM authenticated encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the byte length of the GCM nonce (96 bits).
	NonceSize = 12
	// KeySize is the byte length of the AES-256 key.
	KeySize = 32
	// TagBytes is the entropy of a freshly generated invite tag.
	TagBytes = 12
	// MinTagBytes is the smallest tag entropy accepted anywhere (64 bits).
	MinTagBytes = 8
)

var (
	ErrInvalidKey        = errors.New("crypto: invalid key")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")
)

// SigningKeyPair holds an Ed25519 identity key pair.
type SigningKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateSigningKeyPair creates a new Ed25519 key pair from crypto/rand.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &SigningKeyPair{Private: priv, Public: pub}, nil
}

// PublicKeyToString encodes a public key as unpadded base64url.
func PublicKeyToString(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// PublicKeyFromString decodes a key produced by PublicKeyToString.
func PublicKeyFromString(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidKey, ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// PrivateKeyToBase64 encodes a private key as standard base64.
func PrivateKeyToBase64(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv)
}

// PrivateKeyFromBase64 decodes a base64-encoded Ed25519 private key.
func PrivateKeyFromBase64(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKey, ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

// NewTag returns a random invite tag encoded as unpadded base64url.
func NewTag() (string, error) {
	b := make([]byte, TagBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate tag: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TagEntropyOK reports whether tag carries at least MinTagBytes of data.
func TagEntropyOK(tag string) bool {
	return base64.RawURLEncoding.DecodedLen(len(tag)) >= MinTagBytes
}

// NewSymmetricKey returns KeySize random bytes.
func NewSymmetricKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// DeriveKey derives a 256-bit key from secret with HKDF-SHA256. salt may be
// nil; info binds the key to its purpose.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext using AES-256-GCM with the given key.
// The returned ciphertext is: nonce (12 bytes) || gcm_ciphertext || gcm_tag.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	return EncryptWithAD(key, plaintext, nil)
}

// EncryptWithAD is Encrypt with additional authenticated data.
func EncryptWithAD(key, plaintext, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, ad), nil
}

// Decrypt decrypts ciphertext produced by Encrypt using AES-256-GCM.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	return DecryptWithAD(key, ciphertext, nil)
}

// DecryptWithAD decrypts ciphertext produced by EncryptWithAD.
func DecryptWithAD(key, ciphertext, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < NonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce := ciphertext[:NonceSize]
	sealed := ciphertext[NonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm cipher: %w", err)
	}
	return gcm, nil
}
