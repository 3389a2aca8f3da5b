package dcgka

import (
	"fmt"

	"github.com/p2panda/p2panda-sub000/auth"
	"github.com/p2panda/p2panda-sub000/crypto"
)

// Create starts a brand-new group with initialMembers (ourselves
// included automatically). The returned control message is broadcast to
// the initial members alongside one sealed seed per member; each of
// them acks, and processing those acks completes every member's first
// ratchet step.
func (s *State) Create(initialMembers []MemberID) (OperationOutput, error) {
	members := dedupeMembers(append(append([]MemberID{}, initialMembers...), s.myID))

	dms, err := s.generateSeed(members)
	if err != nil {
		return OperationOutput{}, err
	}

	return OperationOutput{
		ControlMessage: ControlMessage{Kind: ControlCreate, InitialMembers: members},
		DirectMessages: dms,
	}, nil
}

// Update generates a fresh seed and distributes it to every current
// member, refreshing the group's entropy for post-compromise security
// without changing membership.
func (s *State) Update() (OperationOutput, error) {
	recipients := s.Members()
	dms, err := s.generateSeed(recipients)
	if err != nil {
		return OperationOutput{}, err
	}
	return OperationOutput{ControlMessage: ControlMessage{Kind: ControlUpdate}, DirectMessages: dms}, nil
}

// Remove removes a member from the group and generates a fresh seed for
// the remaining members, locking the removed member out of every
// subsequent update secret.
func (s *State) Remove(removed MemberID) (OperationOutput, error) {
	var recipients []MemberID
	for _, m := range s.Members() {
		if m != removed {
			recipients = append(recipients, m)
		}
	}
	dms, err := s.generateSeed(recipients)
	if err != nil {
		return OperationOutput{}, err
	}
	return OperationOutput{
		ControlMessage: ControlMessage{Kind: ControlRemove, Removed: removed},
		DirectMessages: dms,
	}, nil
}

// Add adds a new member. The new member receives a Welcome direct
// message carrying our current ratchet state (sealed via 2SM) and the
// membership history to date; every existing member processes the Add
// broadcast and answers with an AddAck plus a Forward of their own
// ratchet state to the newcomer.
func (s *State) Add(added MemberID) (OperationOutput, error) {
	chain, ok := s.ratchet[s.myID]
	if !ok {
		return OperationOutput{}, ErrMissingRatchetSecret
	}
	ciphertext, err := s.encryptTo(added, chain[:])
	if err != nil {
		return OperationOutput{}, err
	}
	// The history snapshot excludes this add itself; the welcomed
	// member records their own addition when processing the welcome.
	history, err := s.dgm.Encode()
	if err != nil {
		return OperationOutput{}, fmt.Errorf("encoding membership history: %w", err)
	}

	return OperationOutput{
		ControlMessage: ControlMessage{Kind: ControlAdd, Added: added},
		DirectMessages: []DirectMessage{{Recipient: added, Kind: DirectWelcome, Ciphertext: ciphertext, History: history}},
	}, nil
}

// ProcessLocal must be called after every local Create/Add/Remove/
// Update operation, once the application has appended the control
// message to its transport log and knows the operation's SeqNo. It
// advances our own state exactly the way remote members will when the
// message reaches them, and fills in our update secret.
func (s *State) ProcessLocal(seq SeqNo, out OperationOutput) (OperationOutput, error) {
	var po *ProcessOutput
	var err error
	switch out.ControlMessage.Kind {
	case ControlCreate:
		po, err = s.processCreate(s.myID, seq, out.ControlMessage.InitialMembers, nil)
	case ControlUpdate:
		po, err = s.processSeed(s.myID, seq, nil)
	case ControlRemove:
		po, err = s.processRemove(s.myID, seq, out.ControlMessage.Removed, nil)
	case ControlAdd:
		po, err = s.processAdd(s.myID, seq, out.ControlMessage.Added, nil)
	default:
		return OperationOutput{}, fmt.Errorf("dcgka: ProcessLocal called with non-local control message kind %s", out.ControlMessage.Kind)
	}
	if err != nil {
		return OperationOutput{}, err
	}

	// Processing our own operation never yields further messages.
	out.MeUpdateSecret = po.SenderUpdateSecret
	return out, nil
}

// ProcessRemote handles a control message (and the direct message
// addressed to us, if any) received from sender over the group's
// causally ordered transport.
func (s *State) ProcessRemote(sender MemberID, seq SeqNo, cm ControlMessage, dm *DirectMessage) (*ProcessOutput, error) {
	if sender == s.myID {
		return nil, ErrProcessOwnMessage
	}
	switch cm.Kind {
	case ControlCreate:
		return s.processCreate(sender, seq, cm.InitialMembers, dm)
	case ControlAck:
		return s.processAck(sender, cm.AckSender, cm.AckSeq, dm)
	case ControlUpdate:
		return s.processSeed(sender, seq, dm)
	case ControlRemove:
		return s.processRemove(sender, seq, cm.Removed, dm)
	case ControlAdd:
		return s.processAdd(sender, seq, cm.Added, dm)
	case ControlAddAck:
		return s.processAddAck(sender, cm.AckSender, cm.AckSeq, dm)
	default:
		return nil, fmt.Errorf("dcgka: unknown control message kind %d", cm.Kind)
	}
}

// processCreate seeds the membership history with the initial member
// set, then handles the seed like any update.
func (s *State) processCreate(sender MemberID, seq SeqNo, initialMembers []MemberID, dm *DirectMessage) (*ProcessOutput, error) {
	s.dgm = auth.NewAckedMembership(sender, initialMembers)
	return s.processSeed(sender, seq, dm)
}

// processRemove extends the membership history with the removal, then
// handles the seed like any update. The removed member is not among the
// recipients; their copy of this message yields only an ack.
func (s *State) processRemove(sender MemberID, seq SeqNo, removed MemberID, dm *DirectMessage) (*ProcessOutput, error) {
	s.dgm.Remove(sender, removed, seq)
	// Record our own acknowledgment right away so our member view drops
	// the removed member before processSeed computes who needs a
	// Forward: the removed member is absent from the sender's recipient
	// set because they were removed, not because the sender missed a
	// concurrent add, and must not be forwarded the new epoch's secret.
	if sender != s.myID && removed != s.myID {
		if err := s.dgm.Ack(s.myID, seq); err != nil {
			return nil, err
		}
	}
	return s.processSeed(sender, seq, dm)
}

// processAck handles an Ack from sender acknowledging the control
// message (ackSender, ackSeq): the stored member secret for sender is
// consumed into their ratchet, yielding our copy of their update
// secret. A Forward direct message substitutes for the stored secret
// when sender was added concurrently and we never derived their part.
func (s *State) processAck(sender, ackSender MemberID, ackSeq SeqNo, dm *DirectMessage) (*ProcessOutput, error) {
	// Membership operations need their acks recorded so member views
	// reflect who has seen them. Acks of creates and updates carry no
	// membership change; our own acks are recorded where they are
	// produced.
	if (s.dgm.IsAdd(ackSeq) || s.dgm.IsRemove(ackSeq)) && sender != s.myID {
		// Refusing an ack of the sender's own removal also refuses any
		// later message of theirs that depends on it.
		if err := s.dgm.Ack(sender, ackSeq); err != nil {
			return nil, err
		}
	}

	key := memberSecretKey{sender: ackSender, seq: ackSeq, member: sender}
	memberSecret, ok := s.memberSecrets[key]
	switch {
	case ok:
		delete(s.memberSecrets, key)
	case dm == nil:
		// Nothing stored and nothing forwarded: the ack concerns a
		// message from before we joined.
		return &ProcessOutput{}, nil
	case dm.Kind != DirectForward:
		return nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedDirectMsg, DirectForward, dm.Kind)
	case dm.Recipient != s.myID:
		return &ProcessOutput{}, nil
	default:
		plaintext, err := s.decryptFrom(sender, dm.Ciphertext)
		if err != nil {
			return nil, err
		}
		copy(memberSecret[:], plaintext)
	}

	update, err := s.updateRatchet(sender, memberSecret)
	if err != nil {
		return nil, err
	}
	return &ProcessOutput{SenderUpdateSecret: &update}, nil
}

// processAdd is run by every member that sees an Add control message,
// including the adder (via ProcessLocal) and the new member itself
// (whose copy arrives with the Welcome).
func (s *State) processAdd(sender MemberID, seq SeqNo, added MemberID, dm *DirectMessage) (*ProcessOutput, error) {
	if added == s.myID {
		if dm == nil {
			return nil, fmt.Errorf("%w: %s from %s", ErrMissingDirectMessage, DirectWelcome, sender)
		}
		if dm.Kind != DirectWelcome {
			return nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedDirectMsg, DirectWelcome, dm.Kind)
		}
		if dm.Recipient != s.myID {
			return nil, fmt.Errorf("%w: %s", ErrNotOurDirectMessage, dm.Recipient)
		}
		return s.processWelcome(sender, seq, dm)
	}

	s.dgm.Add(sender, added, seq)

	// Were we a member at the time the add was sent? If not, this add
	// is concurrent with our own: we cannot advance the sender's
	// ratchet yet (we don't hold it) and owe the newcomer nothing until
	// the sender's state reaches us through forwards.
	_, wasMember := s.memberView(sender)[s.myID]

	var senderUpdate *crypto.UpdateSecret
	if wasMember {
		// Twice-ratchet the sender with the fixed constants: the first
		// result is the newcomer's first member secret, consumed when
		// their ack arrives; the second is the sender's update secret.
		// Constants suffice here because every existing member may know
		// the update secrets that follow an add.
		newcomerSecret, err := s.updateRatchet(sender, crypto.WelcomeRatchetLabel)
		if err != nil {
			return nil, err
		}
		s.memberSecrets[memberSecretKey{sender: sender, seq: seq, member: added}] = newcomerSecret
		update, err := s.updateRatchet(sender, crypto.AddRatchetLabel)
		if err != nil {
			return nil, err
		}
		senderUpdate = &update
	}

	if sender == s.myID {
		return &ProcessOutput{SenderUpdateSecret: senderUpdate}, nil
	}

	// Acknowledge with AddAck and send the newcomer our current ratchet
	// state so they can decrypt our subsequent messages.
	ack := ControlMessage{Kind: ControlAddAck, AckSender: sender, AckSeq: seq}
	chain, ok := s.ratchet[s.myID]
	if !ok {
		return nil, ErrMissingRatchetSecret
	}
	ciphertext, err := s.encryptTo(added, chain[:])
	if err != nil {
		return nil, err
	}
	forward := DirectMessage{Recipient: added, Kind: DirectForward, Ciphertext: ciphertext}

	ackOut, err := s.processAddAck(s.myID, sender, seq, nil)
	if err != nil {
		return nil, err
	}

	return &ProcessOutput{
		ControlMessage:     &ack,
		DirectMessages:     []DirectMessage{forward},
		SenderUpdateSecret: senderUpdate,
		MeUpdateSecret:     ackOut.SenderUpdateSecret,
	}, nil
}

// processAddAck is run by every member that sees an AddAck, including
// its own sender (locally, from processAdd) and the new member, whose
// copy arrives with a Forward carrying the acker's ratchet state.
func (s *State) processAddAck(sender, ackSender MemberID, ackSeq SeqNo, dm *DirectMessage) (*ProcessOutput, error) {
	if err := s.dgm.Ack(sender, ackSeq); err != nil {
		return nil, err
	}

	if dm != nil {
		if dm.Kind != DirectForward {
			return nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedDirectMsg, DirectForward, dm.Kind)
		}
		if dm.Recipient != s.myID {
			return nil, fmt.Errorf("%w: %s", ErrNotOurDirectMessage, dm.Recipient)
		}
		plaintext, err := s.decryptFrom(sender, dm.Ciphertext)
		if err != nil {
			return nil, err
		}
		var chain crypto.ChainSecret
		copy(chain[:], plaintext)
		s.ratchet[sender] = chain
	}

	// If we were not yet a member at the time the acker sent this (a
	// concurrent addition), we cannot advance their ratchet.
	if _, wasMember := s.memberView(sender)[s.myID]; !wasMember {
		return &ProcessOutput{}, nil
	}

	update, err := s.updateRatchet(sender, crypto.AddRatchetLabel)
	if err != nil {
		return nil, err
	}
	return &ProcessOutput{SenderUpdateSecret: &update}, nil
}

// processWelcome is the second call a newly added member makes (the
// first is Init): it adopts the adder's membership history, initializes
// the adder's ratchet from the welcome ciphertext, performs the same
// welcome/add double ratchet step every existing member performs, and
// acks its own addition to obtain its first update secret.
func (s *State) processWelcome(sender MemberID, seq SeqNo, dm *DirectMessage) (*ProcessOutput, error) {
	history, err := auth.DecodeAckedMembership(dm.History)
	if err != nil {
		return nil, err
	}
	s.dgm.FromWelcome(history)
	s.dgm.Add(sender, s.myID, seq)

	plaintext, err := s.decryptFrom(sender, dm.Ciphertext)
	if err != nil {
		return nil, err
	}
	var chain crypto.ChainSecret
	copy(chain[:], plaintext)
	s.ratchet[sender] = chain

	// Same two ratchet steps as every other member performs in
	// processAdd: the first result is our own first member secret, the
	// second the adder's update secret.
	mySecret, err := s.updateRatchet(sender, crypto.WelcomeRatchetLabel)
	if err != nil {
		return nil, err
	}
	s.memberSecrets[memberSecretKey{sender: sender, seq: seq, member: s.myID}] = mySecret

	senderUpdate, err := s.updateRatchet(sender, crypto.AddRatchetLabel)
	if err != nil {
		return nil, err
	}

	// A plain Ack (not AddAck): consuming the member secret we just
	// stored initializes our own ratchet, exactly the way every other
	// member will initialize their copy of it on receiving this ack.
	ack := ControlMessage{Kind: ControlAck, AckSender: sender, AckSeq: seq}
	ackOut, err := s.processAck(s.myID, sender, seq, nil)
	if err != nil {
		return nil, err
	}

	return &ProcessOutput{
		ControlMessage:     &ack,
		SenderUpdateSecret: &senderUpdate,
		MeUpdateSecret:     ackOut.SenderUpdateSecret,
	}, nil
}

func dedupeMembers(in []MemberID) []MemberID {
	seen := make(map[MemberID]bool, len(in))
	out := make([]MemberID, 0, len(in))
	for _, m := range in {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
