package dcgka

import (
	"fmt"

	"github.com/p2panda/p2panda-sub000/crypto"
)

// generateSeed draws a fresh seed secret, stashes it in nextSeed for
// the ProcessLocal call that follows, and seals it to every recipient
// over 2SM. Only the sealed copies and (later) the derived member
// secrets exist outside this call; the stash is erased the moment
// processSeed consumes it.
func (s *State) generateSeed(recipients []MemberID) ([]DirectMessage, error) {
	seed, err := crypto.NewRandomSecret()
	if err != nil {
		return nil, fmt.Errorf("drawing seed secret: %w", err)
	}
	s.nextSeed = &seed

	messages := make([]DirectMessage, 0, len(recipients))
	for _, member := range recipients {
		if member == s.myID {
			continue
		}
		ciphertext, err := s.encryptTo(member, seed[:])
		if err != nil {
			return nil, err
		}
		messages = append(messages, DirectMessage{Recipient: member, Kind: DirectTwoParty, Ciphertext: ciphertext})
	}
	return messages, nil
}

// processSeed handles the seed carried by a Create/Update/Remove
// control message, whether we generated it ourselves or received it
// sealed in a direct message. It derives one member secret per
// recipient of the original message, stores all but the sender's for
// later acks, and immediately folds the sender's through their ratchet.
func (s *State) processSeed(sender MemberID, seq SeqNo, dm *DirectMessage) (*ProcessOutput, error) {
	view := s.memberView(sender)
	recipients := make([]MemberID, 0, len(view))
	for m := range view {
		if m != sender {
			recipients = append(recipients, m)
		}
	}

	var seed crypto.SeedSecret
	switch {
	case sender == s.myID:
		// Our own operation: the seed was stashed by generateSeed.
		if s.nextSeed == nil {
			return nil, ErrMissingSeed
		}
		seed = *s.nextSeed
		s.nextSeed.Zero()
		s.nextSeed = nil

	case containsMember(recipients, s.myID):
		if dm == nil {
			return nil, fmt.Errorf("%w: %s from %s", ErrMissingDirectMessage, DirectTwoParty, sender)
		}
		if dm.Kind != DirectTwoParty {
			return nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedDirectMsg, DirectTwoParty, dm.Kind)
		}
		if dm.Recipient != s.myID {
			return nil, fmt.Errorf("%w: %s", ErrNotOurDirectMessage, dm.Recipient)
		}
		plaintext, err := s.decryptFrom(sender, dm.Ciphertext)
		if err != nil {
			return nil, err
		}
		copy(seed[:], plaintext)

	default:
		// We were not a recipient: we were added concurrently with this
		// message. Acknowledge it without deriving any secret; the
		// members who could derive our part owe us a Forward.
		ack := ControlMessage{Kind: ControlAck, AckSender: sender, AckSeq: seq}
		return &ProcessOutput{ControlMessage: &ack}, nil
	}

	// One member secret per recipient, keyed for the ack that will
	// consume it.
	for _, recipient := range recipients {
		idKey, ok := s.pki.IdentityKey(recipient)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingIdentityKey, recipient)
		}
		memberSecret, err := crypto.DeriveUpdateSecretConcat(seed[:], idKey[:])
		if err != nil {
			return nil, fmt.Errorf("deriving member secret for %s: %w", recipient, err)
		}
		s.memberSecrets[memberSecretKey{sender: sender, seq: seq, member: recipient}] = memberSecret
	}

	// The sender's own member secret is consumed immediately.
	senderIDKey, ok := s.pki.IdentityKey(sender)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingIdentityKey, sender)
	}
	senderSecret, err := crypto.DeriveUpdateSecretConcat(seed[:], senderIDKey[:])
	if err != nil {
		return nil, fmt.Errorf("deriving member secret for %s: %w", sender, err)
	}
	senderUpdate, err := s.updateRatchet(sender, senderSecret)
	if err != nil {
		return nil, err
	}
	seed.Zero()

	if sender == s.myID {
		return &ProcessOutput{SenderUpdateSecret: &senderUpdate}, nil
	}

	ack := ControlMessage{Kind: ControlAck, AckSender: sender, AckSeq: seq}

	// Members we know about that the sender did not: their additions
	// were processed here but not yet by the sender, so they received no
	// seed. Forward them our own member secret so they can compute our
	// update secret for this message.
	var forwards []DirectMessage
	for member := range s.memberView(s.myID) {
		if member == sender || containsMember(recipients, member) {
			continue
		}
		mySecret, ok := s.memberSecrets[memberSecretKey{sender: sender, seq: seq, member: s.myID}]
		if !ok {
			return nil, fmt.Errorf("%w: (%s, %s, %s)", ErrMissingMemberSecret, sender, seq, s.myID)
		}
		ciphertext, err := s.encryptTo(member, mySecret[:])
		if err != nil {
			return nil, err
		}
		forwards = append(forwards, DirectMessage{Recipient: member, Kind: DirectForward, Ciphertext: ciphertext})
	}

	// Consume our own member secret to produce our update secret.
	ackOut, err := s.processAck(s.myID, sender, seq, nil)
	if err != nil {
		return nil, err
	}

	return &ProcessOutput{
		ControlMessage:     &ack,
		DirectMessages:     forwards,
		SenderUpdateSecret: &senderUpdate,
		MeUpdateSecret:     ackOut.SenderUpdateSecret,
	}, nil
}

func containsMember(members []MemberID, m MemberID) bool {
	for _, member := range members {
		if member == m {
			return true
		}
	}
	return false
}
