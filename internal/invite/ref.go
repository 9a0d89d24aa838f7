package invite

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/Avicted/groupjoin/internal/crypto"
)

const refInfo = "groupjoin-conversation-ref-v1"

// SealConversationRef hides conversationID behind a key only the creator can
// derive, bound to tag. The result is useless without both.
func SealConversationRef(creatorKey ed25519.PrivateKey, tag, conversationID string) (string, error) {
	if len(creatorKey) != ed25519.PrivateKeySize || tag == "" || conversationID == "" {
		return "", ErrInvalidInput
	}
	key, err := crypto.DeriveKey(creatorKey.Seed(), []byte(tag), refInfo)
	if err != nil {
		return "", err
	}
	ct, err := crypto.EncryptWithAD(key, []byte(conversationID), []byte(tag))
	if err != nil {
		return "", fmt.Errorf("seal conversation ref: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(ct), nil
}

// OpenConversationRef reverses SealConversationRef.
func OpenConversationRef(creatorKey ed25519.PrivateKey, tag, ref string) (string, error) {
	if len(creatorKey) != ed25519.PrivateKeySize || tag == "" || ref == "" {
		return "", ErrUnknownRef
	}
	ct, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return "", ErrUnknownRef
	}
	key, err := crypto.DeriveKey(creatorKey.Seed(), []byte(tag), refInfo)
	if err != nil {
		return "", err
	}
	pt, err := crypto.DecryptWithAD(key, ct, []byte(tag))
	if err != nil {
		return "", ErrUnknownRef
	}
	return string(pt), nil
}
