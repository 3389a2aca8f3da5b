package dcgka

import (
	"fmt"

	"github.com/p2panda/p2panda-sub000/crypto"
)

// updateRatchet folds a member secret into member's outer ratchet,
// returning the resulting update secret (the value fed to the message
// ratchet that actually encrypts application content). Both outputs are
// hkdf over previous_chain || member_secret || identity_key — the
// "update" label yields the update secret, the "chain" label the next
// stored chain secret. On the very first step there is no previous
// chain and the ikm starts at the member secret.
func (s *State) updateRatchet(member MemberID, memberSecret crypto.ChainSecret) (crypto.UpdateSecret, error) {
	idKey, ok := s.pki.IdentityKey(member)
	if !ok {
		return crypto.UpdateSecret{}, fmt.Errorf("%w: %s", ErrMissingIdentityKey, member)
	}

	var prev []byte
	if current, ok := s.ratchet[member]; ok {
		prev = append(prev, current[:]...)
	}

	update, err := crypto.DeriveUpdateSecretConcat(prev, memberSecret[:], idKey[:])
	if err != nil {
		return crypto.UpdateSecret{}, fmt.Errorf("deriving update secret for %s: %w", member, err)
	}
	next, err := crypto.DeriveChainSecretConcat(prev, memberSecret[:], idKey[:])
	if err != nil {
		return crypto.UpdateSecret{}, fmt.Errorf("advancing ratchet for %s: %w", member, err)
	}

	memberSecret.Zero()
	s.ratchet[member] = next
	return update, nil
}
