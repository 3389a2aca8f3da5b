// Package crypto provides the fixed-size secret containers and key
// primitives shared by the auth, dcgka and twoparty packages.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// SecretSize is the width of every secret value in this package: seeds,
// chain secrets, update secrets and derived AEAD keys are all 32 bytes.
const SecretSize = 32

// Secret is a fixed-size byte container that supports explicit erasure.
// It is the common representation for seeds, chain secrets and update
// secrets throughout the group key agreement machinery.
type Secret [SecretSize]byte

// SeedSecret is the random secret drawn once per Create, Update or Remove
// control message and sealed to each recipient, who derives one member
// secret per member from it. Adds carry no seed.
type SeedSecret = Secret

// ChainSecret is the current position of a sender's outer ratchet.
type ChainSecret = Secret

// UpdateSecret is the secret a member's ratchet derives for one epoch and
// that is mixed into the group's shared encryption key.
type UpdateSecret = Secret

// NewRandomSecret draws a fresh secret from a CSPRNG.
func NewRandomSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("drawing random secret: %w", err)
	}
	return s, nil
}

// Zero overwrites s in place. Call it as soon as a secret is no longer
// needed, typically once it has been folded into a ratchet or handed to
// an AEAD.
func (s *Secret) Zero() {
	for i := range s {
		s[i] = 0
	}
}

// Equal reports whether two secrets hold the same bytes, compared in
// constant time.
func (s Secret) Equal(other Secret) bool {
	return subtle.ConstantTimeCompare(s[:], other[:]) == 1
}

// IsZero reports whether the secret has been erased (or never set).
func (s Secret) IsZero() bool {
	var zero Secret
	return s.Equal(zero)
}
