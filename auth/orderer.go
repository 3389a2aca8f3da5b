package auth

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"lukechampine.com/blake3"
)

// signedOperation is the CBOR encoding an operation's content-addressed
// OperationID is derived from: everything the author signs, including
// the Previous backlinks and Dependencies references, but excluding the
// ID field itself.
type signedOperation struct {
	GroupID      ID
	Author       GroupMember
	Previous     []OperationID
	Dependencies []OperationID
	Action       Action
}

// HashOrderer is the production Orderer: it derives each operation's id
// from a BLAKE3 hash of its content (author, previous, dependencies,
// action), which makes the id stable across peers without coordination
// — any two peers that construct the same logical operation derive the
// same id.
// It tracks the current heads per group locally; a remote operation
// learned via Process is folded in by the caller through
// RecordRemoteHead once accepted; HashOrderer itself only needs to know
// the heads of operations *this* peer has authored or observed, which
// GroupCrdtState.Process drives through Previous at Prepare time.
type HashOrderer struct {
	mu    sync.Mutex
	heads map[ID][]OperationID
}

// NewHashOrderer returns an Orderer with no recorded heads for any
// group yet (a fresh Create will have no previous).
func NewHashOrderer() *HashOrderer {
	return &HashOrderer{heads: make(map[ID][]OperationID)}
}

// NextMessage builds the next operation for a local action: its
// Previous backlinks point at the group's current heads (none for a
// Create), its Dependencies reference the same head states the action
// was evaluated against, and its ID is the BLAKE3 hash of its content.
func (o *HashOrderer) NextMessage(groupID ID, author GroupMember, action Action) (Operation, error) {
	o.mu.Lock()
	heads := append([]OperationID(nil), o.heads[groupID]...)
	o.mu.Unlock()

	if action.Kind == ActionCreate {
		heads = nil
	}

	op := Operation{
		GroupID:      groupID,
		Author:       author,
		Previous:     heads,
		Dependencies: append([]OperationID(nil), heads...),
		Action:       action,
	}
	id, err := hashOperation(op)
	if err != nil {
		return Operation{}, fmt.Errorf("auth: hashing operation: %w", err)
	}
	op.ID = id

	o.mu.Lock()
	o.heads[groupID] = []OperationID{id}
	o.mu.Unlock()

	return op, nil
}

// Dependencies returns op's own dependency list; HashOrderer stores
// dependencies directly on the operation rather than deriving them.
func (o *HashOrderer) Dependencies(op Operation) []OperationID { return op.Dependencies }

// Previous returns the locally recorded heads for groupID.
func (o *HashOrderer) Previous(groupID ID) []OperationID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]OperationID(nil), o.heads[groupID]...)
}

// RecordRemoteHead updates the orderer's view of groupID's heads after
// a remote operation has been accepted into the CRDT, so the next local
// Prepare call references it. Callers (typically spaces.Manager) should
// call this with GroupCrdtState.Heads() after every successful Process.
func (o *HashOrderer) RecordRemoteHead(groupID ID, heads []OperationID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.heads[groupID] = append([]OperationID(nil), heads...)
}

// hashOperation derives a content-addressed OperationID for op,
// matching the "id is derived from the signed operation's content"
// contract: same content everywhere always hashes to the same id.
func hashOperation(op Operation) (OperationID, error) {
	b, err := cbor.Marshal(signedOperation{
		GroupID:      op.GroupID,
		Author:       op.Author,
		Previous:     op.Previous,
		Dependencies: op.Dependencies,
		Action:       op.Action,
	})
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return OperationID(hex.EncodeToString(sum[:])), nil
}
