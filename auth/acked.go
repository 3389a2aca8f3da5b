package auth

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Errors surfaced by the acked-membership view.
var (
	ErrAckOwnRemoval  = errors.New("auth: member cannot acknowledge their own removal")
	ErrUnknownAckedOp = errors.New("auth: acknowledged operation is not recorded")
)

// AckedOpKind tags the two membership operations the acked view tracks.
// Creation is implicit (the initial member set), and updates carry no
// membership change, so neither is recorded here.
type AckedOpKind int

const (
	AckedAdd AckedOpKind = iota
	AckedRemove
)

// AckedOp is one recorded membership operation: who performed it, on
// whom, under which operation id.
type AckedOp struct {
	ID     OperationID
	Kind   AckedOpKind
	Actor  ID
	Member ID
}

// AckedMembership is the membership-history view DCGKA consults: unlike
// the auth CRDT, which answers "who is a member now", this answers "who
// did a given viewer believe was a member when they last spoke" — a
// viewer's view counts only operations that viewer has acknowledged or
// authored. This keeps a peer from appearing to act from the future of
// a state they have not yet observed.
//
// All fields are exported so the whole view can travel inside a Welcome
// message as the new member's starting history.
type AckedMembership struct {
	Creator ID
	Initial []ID
	Ops     []AckedOp
	Acks    map[OperationID][]ID
}

// NewAckedMembership seeds a view with a group's creator and initial
// member set. Initial members are visible to every viewer without any
// ack: they are part of the create operation every member joined under.
func NewAckedMembership(creator ID, initial []ID) *AckedMembership {
	members := make([]ID, 0, len(initial)+1)
	seen := map[ID]bool{}
	for _, m := range append([]ID{creator}, initial...) {
		if seen[m] {
			continue
		}
		seen[m] = true
		members = append(members, m)
	}
	return &AckedMembership{
		Creator: creator,
		Initial: members,
		Acks:    make(map[OperationID][]ID),
	}
}

// Add records that actor added member under op. Recording the same op
// twice is a no-op, so the adder's own local processing and a history
// replay cannot double-count.
func (v *AckedMembership) Add(actor, member ID, op OperationID) {
	if v.has(op) {
		return
	}
	v.Ops = append(v.Ops, AckedOp{ID: op, Kind: AckedAdd, Actor: actor, Member: member})
}

// Remove records that actor removed member under op.
func (v *AckedMembership) Remove(actor, member ID, op OperationID) {
	if v.has(op) {
		return
	}
	v.Ops = append(v.Ops, AckedOp{ID: op, Kind: AckedRemove, Actor: actor, Member: member})
}

// Ack records that acker has acknowledged op. Acknowledging one's own
// removal is refused: a removed member has no standing to extend the
// history past the operation that removed them.
func (v *AckedMembership) Ack(acker ID, op OperationID) error {
	rec, ok := v.lookup(op)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAckedOp, op)
	}
	if rec.Kind == AckedRemove && rec.Member == acker {
		return fmt.Errorf("%w: %s acking %s", ErrAckOwnRemoval, acker, op)
	}
	for _, existing := range v.Acks[op] {
		if existing == acker {
			return nil
		}
	}
	if v.Acks == nil {
		v.Acks = make(map[OperationID][]ID)
	}
	v.Acks[op] = append(v.Acks[op], acker)
	return nil
}

// IsAdd reports whether op is a recorded add operation.
func (v *AckedMembership) IsAdd(op OperationID) bool {
	rec, ok := v.lookup(op)
	return ok && rec.Kind == AckedAdd
}

// IsRemove reports whether op is a recorded remove operation.
func (v *AckedMembership) IsRemove(op OperationID) bool {
	rec, ok := v.lookup(op)
	return ok && rec.Kind == AckedRemove
}

// MembersView returns the member set as viewer has observed it: the
// initial members, plus every add, minus every remove, counting only
// operations viewer authored or acknowledged, applied in the order they
// were recorded.
func (v *AckedMembership) MembersView(viewer ID) map[ID]struct{} {
	out := make(map[ID]struct{}, len(v.Initial))
	for _, m := range v.Initial {
		out[m] = struct{}{}
	}
	for _, op := range v.Ops {
		if !v.observedBy(viewer, op) {
			continue
		}
		switch op.Kind {
		case AckedAdd:
			out[op.Member] = struct{}{}
		case AckedRemove:
			delete(out, op.Member)
		}
	}
	return out
}

func (v *AckedMembership) observedBy(viewer ID, op AckedOp) bool {
	if op.Actor == viewer {
		return true
	}
	// A member always observes their own addition: the welcome that
	// delivered it is how they joined at all.
	if op.Kind == AckedAdd && op.Member == viewer {
		return true
	}
	for _, acker := range v.Acks[op.ID] {
		if acker == viewer {
			return true
		}
	}
	return false
}

// Encode serializes the view for transport inside a Welcome message.
func (v *AckedMembership) Encode() ([]byte, error) {
	return cbor.Marshal(v)
}

// DecodeAckedMembership is the inverse of Encode.
func DecodeAckedMembership(b []byte) (*AckedMembership, error) {
	var v AckedMembership
	if err := cbor.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("auth: decoding acked membership: %w", err)
	}
	if v.Acks == nil {
		v.Acks = make(map[OperationID][]ID)
	}
	return &v, nil
}

// FromWelcome replaces an empty local view with the snapshot a Welcome
// message carried. The welcomed member's own addition is not part of
// the snapshot (the adder built it before processing their own add);
// the caller records it via Add immediately after.
func (v *AckedMembership) FromWelcome(history *AckedMembership) {
	v.Creator = history.Creator
	v.Initial = append([]ID(nil), history.Initial...)
	v.Ops = append([]AckedOp(nil), history.Ops...)
	v.Acks = make(map[OperationID][]ID, len(history.Acks))
	for op, ackers := range history.Acks {
		v.Acks[op] = append([]ID(nil), ackers...)
	}
}

func (v *AckedMembership) has(op OperationID) bool {
	_, ok := v.lookup(op)
	return ok
}

func (v *AckedMembership) lookup(op OperationID) (AckedOp, bool) {
	for _, rec := range v.Ops {
		if rec.ID == op {
			return rec, true
		}
	}
	return AckedOp{}, false
}
