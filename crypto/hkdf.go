package crypto

import (
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Domain-separation labels mixed into every HKDF expand call. Each ratchet
// step and each seed-to-update derivation uses a distinct label so that
// the same input secret never produces the same output in two different
// roles.
const (
	labelUpdate = "update"
	labelChain  = "chain"
)

// deriveLabeled runs HKDF-Extract-and-Expand over ikm with salt and the
// given label as info, filling out with fresh bytes.
func deriveLabeled(ikm, salt []byte, label string, out []byte) error {
	r := hkdf.New(newHKDFHash, ikm, salt, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("hkdf expand (%s): %w", label, err)
	}
	return nil
}

// DeriveChainSecret advances a chain secret by one ratchet step.
func DeriveChainSecret(current ChainSecret) (ChainSecret, error) {
	var out ChainSecret
	if err := deriveLabeled(current[:], nil, labelChain, out[:]); err != nil {
		return Secret{}, err
	}
	return out, nil
}

// DeriveUpdateSecretConcat derives an update secret via
// hkdf("update", concat(parts...)). The member-secret and outer-ratchet
// derivations build their IKM by concatenating several values (a seed
// or chain secret, a member secret, an identity key) rather than
// supplying a single 32-byte value.
func DeriveUpdateSecretConcat(parts ...[]byte) (UpdateSecret, error) {
	var out UpdateSecret
	if err := deriveLabeled(concatBytes(parts...), nil, labelUpdate, out[:]); err != nil {
		return Secret{}, err
	}
	return out, nil
}

// DeriveChainSecretConcat derives the next outer-ratchet chain secret
// via hkdf("chain", concat(parts...)); see DeriveUpdateSecretConcat.
func DeriveChainSecretConcat(parts ...[]byte) (ChainSecret, error) {
	var out ChainSecret
	if err := deriveLabeled(concatBytes(parts...), nil, labelChain, out[:]); err != nil {
		return Secret{}, err
	}
	return out, nil
}

func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// DeriveAEADKey stretches a secret into an AEAD key of length n, labeled
// for the given purpose (e.g. "msg-key", "x3dh").
func DeriveAEADKey(ikm Secret, salt []byte, label string, n int) ([]byte, error) {
	out := make([]byte, n)
	if err := deriveLabeled(ikm[:], salt, label, out); err != nil {
		return nil, err
	}
	return out, nil
}
