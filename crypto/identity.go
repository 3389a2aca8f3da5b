package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"

	"golang.org/x/crypto/curve25519"
)

func newHKDFHash() hash.Hash { return sha256.New() }

// SigningKeyPair is a long-term Ed25519 identity: the key an actor signs
// auth graph operations and DCGKA control messages with.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair draws a fresh Ed25519 identity.
func GenerateSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, fmt.Errorf("generating signing key: %w", err)
	}
	return SigningKeyPair{Public: pub, Private: priv}, nil
}

// Sign signs msg with the identity's private key.
func (k SigningKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// Verify checks a signature produced by Sign against a public key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// AgreementKeyPair is an X25519 Diffie-Hellman key pair, used both for
// long-term "identity key" agreement material and for one-time prekeys.
type AgreementKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateAgreementKeyPair draws a fresh X25519 key pair.
func GenerateAgreementKeyPair() (AgreementKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return AgreementKeyPair{}, fmt.Errorf("generating agreement key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return AgreementKeyPair{}, fmt.Errorf("deriving public point: %w", err)
	}
	var pair AgreementKeyPair
	copy(pair.Private[:], priv[:])
	copy(pair.Public[:], pub)
	return pair, nil
}

// DH performs an X25519 Diffie-Hellman exchange between our private key
// and a peer's public key.
func DH(priv [32]byte, peerPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 exchange: %w", err)
	}
	return shared, nil
}
