package dcgka

import (
	"errors"
	"fmt"

	"github.com/p2panda/p2panda-sub000/auth"
	"github.com/p2panda/p2panda-sub000/crypto"
	"github.com/p2panda/p2panda-sub000/twoparty"
)

// Sentinel errors returned by the DCGKA state machine.
var (
	ErrMissingRatchetSecret = errors.New("dcgka: no ratchet secret for member")
	ErrMissingSeed          = errors.New("dcgka: no seed was generated before processing the local operation")
	ErrMissingMemberSecret  = errors.New("dcgka: member secret not found")
	ErrProcessOwnMessage    = errors.New("dcgka: refusing to process our own control message")
	ErrNoTwoPartySession    = errors.New("dcgka: no two-party session with member")
	ErrNotOurDirectMessage  = errors.New("dcgka: direct message addressed to a different member")
	ErrMissingIdentityKey   = errors.New("dcgka: no identity key published for member")
	ErrMissingDirectMessage = errors.New("dcgka: control message requires a direct message")
	ErrUnexpectedDirectMsg  = errors.New("dcgka: unexpected direct message type")
)

// memberSecretKey identifies one temporary member secret: who generated
// it (sender), during which control message (seq), for which member.
type memberSecretKey struct {
	sender MemberID
	seq    SeqNo
	member MemberID
}

// PKI resolves a member's long-term identity key and consumes a
// one-time prekey bundle for an X3DH handshake.
type PKI interface {
	IdentityKey(member MemberID) ([32]byte, bool)
	ConsumePreKeyBundle(member MemberID) (twoparty.PreKeyBundle, error)
}

// State is one member's view of a DCGKA session for a single group.
type State struct {
	myID       MemberID
	myIdentity crypto.AgreementKeyPair
	myOneTime  crypto.AgreementKeyPair

	pki PKI

	// nextSeed is kept only between a local Create/Update/Remove call
	// and the ProcessLocal that consumes it; never persisted.
	nextSeed *crypto.SeedSecret

	// twoParty holds the 2SM session per remote member.
	twoParty map[MemberID]*twoparty.Session

	// memberSecrets are temporary secrets derived from a seed (or the
	// welcome/add constants), kept only until the corresponding ack
	// arrives, so a private-state compromise only exposes secrets not
	// yet consumed.
	memberSecrets map[memberSecretKey]crypto.ChainSecret

	// ratchet holds the current outer-ratchet chain secret per member.
	ratchet map[MemberID]crypto.ChainSecret

	// dgm is the acked membership history used to compute "who was a
	// member at the time of this message" views.
	dgm *auth.AckedMembership
}

// Init returns a fresh DCGKA session for myID, to be used either when
// creating a brand-new group or before processing an invitation to an
// existing one. myIdentity/myOneTime are the X3DH key pairs whose public
// halves have been published to pki under myID.
func Init(myID MemberID, myIdentity, myOneTime crypto.AgreementKeyPair, pki PKI) *State {
	return &State{
		myID:          myID,
		myIdentity:    myIdentity,
		myOneTime:     myOneTime,
		pki:           pki,
		twoParty:      make(map[MemberID]*twoparty.Session),
		memberSecrets: make(map[memberSecretKey]crypto.ChainSecret),
		ratchet:       make(map[MemberID]crypto.ChainSecret),
		dgm:           &auth.AckedMembership{Acks: make(map[auth.OperationID][]auth.ID)},
	}
}

// MyID returns the member id this session acts as.
func (s *State) MyID() MemberID { return s.myID }

// Members returns the group membership as this member has observed it.
func (s *State) Members() []MemberID {
	view := s.memberView(s.myID)
	out := make([]MemberID, 0, len(view))
	for m := range view {
		out = append(out, m)
	}
	return out
}

// HasRatchet reports whether we hold a ratchet chain for member, i.e.
// whether we can derive update secrets for their traffic.
func (s *State) HasRatchet(member MemberID) bool {
	_, ok := s.ratchet[member]
	return ok
}

// memberView computes the set of group members at the time of the most
// recent control message sent by viewer: the membership operations
// viewer has acknowledged or authored, folded in recorded order.
func (s *State) memberView(viewer MemberID) map[MemberID]struct{} {
	return s.dgm.MembersView(viewer)
}

// encryptTo seals plaintext for recipient over the 2SM session with
// them, initializing the session from their published prekey bundle on
// first use.
func (s *State) encryptTo(recipient MemberID, plaintext []byte) (twoparty.Message, error) {
	sess, ok := s.twoParty[recipient]
	if !ok {
		bundle, err := s.pki.ConsumePreKeyBundle(recipient)
		if err != nil {
			return twoparty.Message{}, fmt.Errorf("fetching prekey bundle for %s: %w", recipient, err)
		}
		sess, err = twoparty.NewInitiatorSession(bundle)
		if err != nil {
			return twoparty.Message{}, fmt.Errorf("establishing session with %s: %w", recipient, err)
		}
		s.twoParty[recipient] = sess
	}
	msg, err := sess.Seal(plaintext)
	if err != nil {
		return twoparty.Message{}, fmt.Errorf("encrypting to %s: %w", recipient, err)
	}
	return msg, nil
}

// decryptFrom is the reverse of encryptTo: it opens a 2SM message from
// sender, bootstrapping a responder session from the handshake material
// the message carries when none exists yet.
func (s *State) decryptFrom(sender MemberID, msg twoparty.Message) ([]byte, error) {
	sess, ok := s.twoParty[sender]
	if !ok {
		if msg.Handshake == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoTwoPartySession, sender)
		}
		var err error
		sess, err = twoparty.NewResponderSession(s.myIdentity.Private, s.myOneTime.Private, *msg.Handshake)
		if err != nil {
			return nil, fmt.Errorf("bootstrapping session with %s: %w", sender, err)
		}
		s.twoParty[sender] = sess
	}
	plaintext, err := sess.Open(msg)
	if err != nil {
		return nil, fmt.Errorf("decrypting from %s: %w", sender, err)
	}
	return plaintext, nil
}
