// Package twoparty implements pairwise end-to-end encryption between two
// members: an X3DH-style handshake establishes a shared secret from a
// one-time prekey bundle, after which each direction ratchets forward
// independently across a persisted, advancing per-peer session.
package twoparty

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/p2panda/p2panda-sub000/crypto"
)

// PreKeyBundle is a one-time X3DH bundle published by a prospective
// recipient: their long-term identity key plus a single-use prekey.
type PreKeyBundle struct {
	IdentityKey [32]byte
	OneTimeKey  [32]byte
}

// Handshake is the ephemeral material exchanged to establish a session,
// sent alongside the first ciphertext so the recipient can derive the
// same shared secret.
type Handshake struct {
	EphemeralKey [32]byte
}

// deriveSharedSecret runs two Diffie-Hellman exchanges, ephemeral-to-
// identity and ephemeral-to-onetime, concatenated and stretched with
// HKDF. No exchange involves the initiator's own identity key.
func deriveSharedSecret(ephemeralPriv [32]byte, bundle PreKeyBundle) ([]byte, Handshake, error) {
	ephPub, err := x25519Public(ephemeralPriv)
	if err != nil {
		return nil, Handshake{}, err
	}

	dh1, err := crypto.DH(ephemeralPriv, bundle.IdentityKey)
	if err != nil {
		return nil, Handshake{}, fmt.Errorf("x3dh dh1: %w", err)
	}
	dh2, err := crypto.DH(ephemeralPriv, bundle.OneTimeKey)
	if err != nil {
		return nil, Handshake{}, fmt.Errorf("x3dh dh2: %w", err)
	}

	ikm := append(append([]byte{}, dh1...), dh2...)
	key, err := crypto.DeriveAEADKey(sumSecret(ikm), nil, "x3dh", chacha20poly1305.KeySize)
	if err != nil {
		return nil, Handshake{}, fmt.Errorf("x3dh derive: %w", err)
	}

	return key, Handshake{EphemeralKey: ephPub}, nil
}

// InitiateHandshake draws a fresh ephemeral key pair and derives the
// initial root secret for a session with a recipient's published bundle.
func InitiateHandshake(bundle PreKeyBundle) (rootSecret []byte, hs Handshake, err error) {
	pair, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		return nil, Handshake{}, fmt.Errorf("generating ephemeral key: %w", err)
	}
	return deriveSharedSecret(pair.Private, bundle)
}

// RespondHandshake derives the same root secret from the recipient's
// side, given their own identity/one-time private keys and the
// initiator's handshake material.
func RespondHandshake(myIdentityPriv, myOneTimePriv [32]byte, hs Handshake) ([]byte, error) {
	dh1, err := crypto.DH(myIdentityPriv, hs.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("x3dh dh1 (responder): %w", err)
	}
	dh2, err := crypto.DH(myOneTimePriv, hs.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("x3dh dh2 (responder): %w", err)
	}
	ikm := append(append([]byte{}, dh1...), dh2...)
	return crypto.DeriveAEADKey(sumSecret(ikm), nil, "x3dh", chacha20poly1305.KeySize)
}

// sumSecret collapses the concatenated DH outputs into a fixed-size IKM
// before handing them to HKDF, which requires no particular input length
// but a stable one here simplifies DeriveAEADKey's type.
func sumSecret(b []byte) crypto.Secret {
	return sha256.Sum256(b)
}

func x25519Public(priv [32]byte) ([32]byte, error) {
	pub, err := crypto.DH(priv, basepoint())
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], pub)
	return out, nil
}

func basepoint() [32]byte {
	var bp [32]byte
	bp[0] = 9
	return bp
}
