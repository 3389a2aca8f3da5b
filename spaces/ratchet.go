package spaces

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/p2panda/p2panda-sub000/crypto"
)

// messageRatchet is the inner ratchet keying one member's application
// messages within a space: seeded by that member's latest DCGKA update
// secret and advanced once per message, so every message has its own
// key and a compromise never reaches backward.
type messageRatchet struct {
	chain crypto.Secret
}

func newMessageRatchet(update crypto.UpdateSecret) *messageRatchet {
	return &messageRatchet{chain: update}
}

// Reset re-seeds the ratchet from a fresh update secret, discarding the
// old chain. Called whenever a create/add/remove/update produces a new
// update secret for the ratchet's member.
func (r *messageRatchet) Reset(update crypto.UpdateSecret) {
	r.chain.Zero()
	r.chain = update
}

// Seal encrypts one application payload under the current chain
// position and advances the chain.
func (r *messageRatchet) Seal(plaintext []byte) ([]byte, error) {
	key, err := crypto.DeriveAEADKey(r.chain, nil, "app-msg", chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving message key: %w", err)
	}
	next, err := crypto.DeriveChainSecret(r.chain)
	if err != nil {
		return nil, fmt.Errorf("advancing message chain: %w", err)
	}
	r.chain.Zero()
	r.chain = next

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("constructing aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

// Open decrypts one application payload sealed by the sending member's
// ratchet at the matching position and advances the chain.
func (r *messageRatchet) Open(ciphertext []byte) ([]byte, error) {
	key, err := crypto.DeriveAEADKey(r.chain, nil, "app-msg", chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving message key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("constructing aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting application message: %w", err)
	}

	next, err := crypto.DeriveChainSecret(r.chain)
	if err != nil {
		return nil, fmt.Errorf("advancing message chain: %w", err)
	}
	r.chain.Zero()
	r.chain = next
	return plaintext, nil
}
