// Package dcgka implements decentralized continuous group key agreement:
// every group member ratchets forward a per-sender chain, driven by seed
// secrets distributed through two-party secure channels and
// acknowledged over the group's broadcast channel, giving forward
// secrecy and post-compromise security without a central coordinator.
package dcgka

import (
	"github.com/p2panda/p2panda-sub000/auth"
	"github.com/p2panda/p2panda-sub000/crypto"
	"github.com/p2panda/p2panda-sub000/twoparty"
)

// MemberID is a participant handle inside one DCGKA session.
type MemberID = auth.ID

// SeqNo identifies one control message: the operation id the application
// stamped onto it once appended to the transport log. Control messages
// and their acknowledgments reference each other by it.
type SeqNo = auth.OperationID

// ControlMessageKind enumerates the six DCGKA control message shapes.
type ControlMessageKind int

const (
	ControlCreate ControlMessageKind = iota
	ControlAck
	ControlUpdate
	ControlRemove
	ControlAdd
	ControlAddAck
)

func (k ControlMessageKind) String() string {
	switch k {
	case ControlCreate:
		return "create"
	case ControlAck:
		return "ack"
	case ControlUpdate:
		return "update"
	case ControlRemove:
		return "remove"
	case ControlAdd:
		return "add"
	case ControlAddAck:
		return "add_ack"
	default:
		return "unknown"
	}
}

// ControlMessage is broadcast to every current group member alongside an
// optional per-recipient DirectMessage. Control messages are expected to
// be authenticated and delivered in causal order by the transport.
type ControlMessage struct {
	Kind ControlMessageKind

	// Create
	InitialMembers []MemberID

	// Ack / AddAck
	AckSender MemberID
	AckSeq    SeqNo

	// Remove
	Removed MemberID

	// Add
	Added MemberID
}

// DirectMessageKind distinguishes the three shapes a 2-party-encrypted
// direct message can take.
type DirectMessageKind int

const (
	// DirectWelcome carries the adder's current chain secret plus the
	// group membership history, sent to a newly added member.
	DirectWelcome DirectMessageKind = iota
	// DirectTwoParty carries the seed secret generated for a create,
	// update or remove, sent once per recipient.
	DirectTwoParty
	// DirectForward carries a chain or member secret the recipient could
	// not derive themselves (a concurrent-add edge case), forwarded by a
	// member who already holds it.
	DirectForward
)

func (k DirectMessageKind) String() string {
	switch k {
	case DirectWelcome:
		return "welcome"
	case DirectTwoParty:
		return "2sm"
	case DirectForward:
		return "forward"
	default:
		return "unknown"
	}
}

// DirectMessage is the per-recipient payload riding alongside a
// ControlMessage, encrypted end-to-end via the twoparty session between
// sender and recipient. There is at most one direct message per
// recipient per control message; applications filter for their own
// before handing it to ProcessRemote.
type DirectMessage struct {
	Recipient  MemberID
	Kind       DirectMessageKind
	Ciphertext twoparty.Message

	// History is the CBOR-encoded auth.AckedMembership snapshot a
	// Welcome carries, so the new member can evaluate membership views
	// without replaying every prior control message.
	History []byte
}

// OperationOutput is what a local group operation (Create/Add/Remove/
// Update) returns: the control message to broadcast and the direct
// messages to send. MeUpdateSecret is filled in by ProcessLocal once
// the application has assigned the operation its SeqNo.
type OperationOutput struct {
	ControlMessage ControlMessage
	DirectMessages []DirectMessage
	MeUpdateSecret *crypto.UpdateSecret
}

// ProcessOutput is what processing a remote control message returns:
// an optional broadcast to send in response (the automatic ack), direct
// messages to specific members (forwards for concurrently added peers),
// and up to two update secrets — one advancing the message ratchet for
// the sender's traffic, one advancing ours.
type ProcessOutput struct {
	ControlMessage     *ControlMessage
	DirectMessages     []DirectMessage
	SenderUpdateSecret *crypto.UpdateSecret
	MeUpdateSecret     *crypto.UpdateSecret
}
