// Package spaces implements the spaces manager: it binds an auth CRDT
// group and a DCGKA instance into a single "space", routing Auth and
// SpaceMembership messages between them — two otherwise-independent
// state machines behind one event-emitting manager — and repairing the
// encryption context when membership outruns keying.
package spaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"lukechampine.com/blake3"

	"github.com/p2panda/p2panda-sub000/auth"
	"github.com/p2panda/p2panda-sub000/crypto"
	"github.com/p2panda/p2panda-sub000/dcgka"
	"github.com/p2panda/p2panda-sub000/log"
)

// ID identifies a space.
type ID string

var (
	// ErrUnknownSpace is returned when an operation references a space
	// id the manager has no local state for and the message cannot
	// bootstrap one (only creates and welcomes can).
	ErrUnknownSpace = errors.New("spaces: unknown space")
	// ErrSpaceAlreadyExists is returned by Create when the space id is
	// already in use.
	ErrSpaceAlreadyExists = errors.New("spaces: space already exists")
	// ErrNoSendRatchet is returned when encrypting before the space's
	// key agreement has produced an update secret for us.
	ErrNoSendRatchet = errors.New("spaces: no update secret established for us yet")
	// ErrNoRecvRatchet is returned when an application message arrives
	// from a member whose update secret we have not derived.
	ErrNoRecvRatchet = errors.New("spaces: no update secret established for sender")
	// ErrMissingSpaceDependencies is returned when a membership message
	// references space or auth states this manager has not yet
	// processed; the caller retries once the gap is filled.
	ErrMissingSpaceDependencies = errors.New("spaces: membership message dependencies not yet processed")
)

// AuthMessage carries one auth-CRDT operation for a space's group,
// together with the state references the operation was evaluated
// against (which can include sub-group operation ids).
type AuthMessage struct {
	SpaceID          ID
	Operation        auth.Operation
	AuthDependencies []auth.OperationID
}

// SpaceMembershipMessage couples a DCGKA control message to the auth
// state it assumes was already applied: AuthMessageID pins the single
// auth operation the sender issued alongside it (or observed, for
// repairs), while SpaceDeps lists every state — prior membership
// messages and auth operations, possibly across concurrent branches —
// that must be processed before this one. ID is the message's own
// content-derived identifier, used as the DCGKA sequence number and for
// acknowledgment references.
type SpaceMembershipMessage struct {
	ID             auth.OperationID
	SpaceID        ID
	GroupID        auth.ID
	Sender         auth.ID
	SpaceDeps      []auth.OperationID
	AuthMessageID  auth.OperationID
	ControlMessage dcgka.ControlMessage
	DirectMessages []dcgka.DirectMessage
}

// ApplicationMessage is one end-to-end encrypted application payload
// published into a space.
type ApplicationMessage struct {
	SpaceID    ID
	Sender     auth.ID
	Ciphertext []byte
}

// EventKind tags the events a Manager emits from Process/Repair.
type EventKind int

const (
	EventGroupCreated EventKind = iota
	EventGroupAdded
	EventGroupRemoved
	EventSpaceCreated
	EventSpaceAdded
	EventSpaceRemoved
	EventSpaceEjected
	EventApplication
)

// Event is one outcome of processing a message.
type Event struct {
	Kind    EventKind
	SpaceID ID
	Member  auth.GroupMember
	Data    []byte
}

// space is one manager's local view of a single space: its auth graph
// state, its DCGKA session, the set of members known to hold key
// material, and the per-member inner message ratchets.
type space struct {
	groupID  auth.ID
	authCRDT *auth.GroupCrdtState
	dcgkaSt  *dcgka.State
	keyed    map[auth.ID]bool
	seen     map[auth.OperationID]bool
	ratchets map[auth.ID]*messageRatchet
}

// Manager binds per-space auth and DCGKA state and keeps them
// consistent, repairing the encryption context whenever an auth
// operation outruns what has been keyed.
type Manager struct {
	mu       sync.Mutex
	log      log.Logger
	spaces   map[ID]*space
	store    auth.GroupStore
	orderer  auth.Orderer
	resolver auth.Resolver
	pki      dcgka.PKI

	myID     auth.GroupMember
	identity crypto.AgreementKeyPair
	oneTime  crypto.AgreementKeyPair
}

// NewManager constructs an empty Manager acting as myID, whose X3DH key
// pairs' public halves have been published under myID.ID.
func NewManager(l log.Logger, myID auth.GroupMember, identity, oneTime crypto.AgreementKeyPair, store auth.GroupStore, orderer auth.Orderer, resolver auth.Resolver, pki dcgka.PKI) *Manager {
	return &Manager{
		log:      l,
		spaces:   make(map[ID]*space),
		store:    store,
		orderer:  orderer,
		resolver: resolver,
		pki:      pki,
		myID:     myID,
		identity: identity,
		oneTime:  oneTime,
	}
}

// Create establishes a brand-new space owned by us: the auth group is
// created with us as sole Manage member, and a matching DCGKA session
// is started. Further members join through AddMember.
func (m *Manager) Create(spaceID ID, groupID auth.ID) (AuthMessage, SpaceMembershipMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.spaces[spaceID]; exists {
		return AuthMessage{}, SpaceMembershipMessage{}, fmt.Errorf("%w: %s", ErrSpaceAlreadyExists, spaceID)
	}

	crdt := auth.NewGroupCrdtState(m.myID, groupID, m.store, m.orderer)
	op, err := crdt.Prepare(m.myID, auth.Action{Kind: auth.ActionCreate, Member: m.myID})
	if err != nil {
		return AuthMessage{}, SpaceMembershipMessage{}, fmt.Errorf("preparing create: %w", err)
	}
	if err := crdt.Process(op, m.resolver); err != nil {
		return AuthMessage{}, SpaceMembershipMessage{}, fmt.Errorf("processing create: %w", err)
	}
	if err := m.store.Insert(groupID, crdt); err != nil {
		return AuthMessage{}, SpaceMembershipMessage{}, fmt.Errorf("persisting group: %w", err)
	}

	st := dcgka.Init(m.myID.ID, m.identity, m.oneTime, m.pki)
	out, err := st.Create([]dcgka.MemberID{m.myID.ID})
	if err != nil {
		return AuthMessage{}, SpaceMembershipMessage{}, fmt.Errorf("creating dcgka session: %w", err)
	}
	out, err = st.ProcessLocal(op.ID, out)
	if err != nil {
		return AuthMessage{}, SpaceMembershipMessage{}, fmt.Errorf("processing local create: %w", err)
	}

	sp := &space{
		groupID:  groupID,
		authCRDT: crdt,
		dcgkaSt:  st,
		keyed:    map[auth.ID]bool{m.myID.ID: true},
		seen:     map[auth.OperationID]bool{op.ID: true},
		ratchets: map[auth.ID]*messageRatchet{},
	}
	if out.MeUpdateSecret != nil {
		sp.ratchets[m.myID.ID] = newMessageRatchet(*out.MeUpdateSecret)
	}
	m.spaces[spaceID] = sp

	return AuthMessage{SpaceID: spaceID, Operation: op, AuthDependencies: op.Dependencies},
		SpaceMembershipMessage{
			ID:             op.ID,
			SpaceID:        spaceID,
			GroupID:        groupID,
			Sender:         m.myID.ID,
			SpaceDeps:      []auth.OperationID{op.ID},
			AuthMessageID:  op.ID,
			ControlMessage: out.ControlMessage,
			DirectMessages: out.DirectMessages,
		}, nil
}

// AddMember grants member access within the space's auth group and, for
// an individual member, keys them into the DCGKA session, producing the
// auth operation first and then the membership message that pins it.
// Sub-group members receive no direct keying here: their transitive
// individuals are picked up by RequiringRepair/RepairSpaces.
func (m *Manager) AddMember(spaceID ID, member auth.GroupMember, access auth.Access) (AuthMessage, *SpaceMembershipMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.spaces[spaceID]
	if !ok {
		return AuthMessage{}, nil, fmt.Errorf("%w: %s", ErrUnknownSpace, spaceID)
	}

	op, err := sp.authCRDT.Prepare(m.myID, auth.Action{Kind: auth.ActionAdd, Member: member, Access: access})
	if err != nil {
		return AuthMessage{}, nil, fmt.Errorf("preparing add: %w", err)
	}
	if err := sp.authCRDT.Process(op, m.resolver); err != nil {
		return AuthMessage{}, nil, fmt.Errorf("processing add: %w", err)
	}
	if err := m.store.Insert(sp.groupID, sp.authCRDT); err != nil {
		return AuthMessage{}, nil, fmt.Errorf("persisting group: %w", err)
	}
	sp.seen[op.ID] = true
	authMsg := AuthMessage{SpaceID: spaceID, Operation: op, AuthDependencies: op.Dependencies}

	if member.IsGroup() {
		return authMsg, nil, nil
	}

	out, err := sp.dcgkaSt.Add(member.ID)
	if err != nil {
		return AuthMessage{}, nil, fmt.Errorf("keying added member: %w", err)
	}
	out, err = sp.dcgkaSt.ProcessLocal(op.ID, out)
	if err != nil {
		return AuthMessage{}, nil, fmt.Errorf("processing local add: %w", err)
	}
	sp.keyed[member.ID] = true
	m.applyUpdateSecret(sp, m.myID.ID, out.MeUpdateSecret)

	return authMsg, &SpaceMembershipMessage{
		ID:             op.ID,
		SpaceID:        spaceID,
		GroupID:        sp.groupID,
		Sender:         m.myID.ID,
		SpaceDeps:      []auth.OperationID{op.ID},
		AuthMessageID:  op.ID,
		ControlMessage: out.ControlMessage,
		DirectMessages: out.DirectMessages,
	}, nil
}

// RemoveMember revokes member's access and, for an individual, rotates
// the group's key material so the removed member is locked out of every
// subsequent update secret.
func (m *Manager) RemoveMember(spaceID ID, member auth.GroupMember) (AuthMessage, *SpaceMembershipMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.spaces[spaceID]
	if !ok {
		return AuthMessage{}, nil, fmt.Errorf("%w: %s", ErrUnknownSpace, spaceID)
	}

	op, err := sp.authCRDT.Prepare(m.myID, auth.Action{Kind: auth.ActionRemove, Member: member})
	if err != nil {
		return AuthMessage{}, nil, fmt.Errorf("preparing remove: %w", err)
	}
	if err := sp.authCRDT.Process(op, m.resolver); err != nil {
		return AuthMessage{}, nil, fmt.Errorf("processing remove: %w", err)
	}
	if err := m.store.Insert(sp.groupID, sp.authCRDT); err != nil {
		return AuthMessage{}, nil, fmt.Errorf("persisting group: %w", err)
	}
	sp.seen[op.ID] = true
	authMsg := AuthMessage{SpaceID: spaceID, Operation: op, AuthDependencies: op.Dependencies}

	if member.IsGroup() {
		return authMsg, nil, nil
	}

	out, err := sp.dcgkaSt.Remove(member.ID)
	if err != nil {
		return AuthMessage{}, nil, fmt.Errorf("rekeying after remove: %w", err)
	}
	out, err = sp.dcgkaSt.ProcessLocal(op.ID, out)
	if err != nil {
		return AuthMessage{}, nil, fmt.Errorf("processing local remove: %w", err)
	}
	delete(sp.keyed, member.ID)
	delete(sp.ratchets, member.ID)
	m.applyUpdateSecret(sp, m.myID.ID, out.MeUpdateSecret)

	return authMsg, &SpaceMembershipMessage{
		ID:             op.ID,
		SpaceID:        spaceID,
		GroupID:        sp.groupID,
		Sender:         m.myID.ID,
		SpaceDeps:      []auth.OperationID{op.ID},
		AuthMessageID:  op.ID,
		ControlMessage: out.ControlMessage,
		DirectMessages: out.DirectMessages,
	}, nil
}

// Process applies an incoming auth operation and/or space-membership
// message, updating both halves of the space. It returns the events
// that resulted and any membership messages of our own (automatic acks,
// forwards for concurrently added members) that must be published.
// Reprocessing an already-seen message yields no events and no output.
func (m *Manager) Process(authMsg *AuthMessage, membership *SpaceMembershipMessage) ([]Event, []SpaceMembershipMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []Event
	var outgoing []SpaceMembershipMessage

	if authMsg != nil {
		evs, err := m.processAuth(authMsg)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, evs...)
	}

	if membership != nil {
		evs, out, err := m.processMembership(membership)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, evs...)
		outgoing = append(outgoing, out...)
	}

	return events, outgoing, nil
}

func (m *Manager) processAuth(msg *AuthMessage) ([]Event, error) {
	sp, ok := m.spaces[msg.SpaceID]
	if !ok {
		if msg.Operation.Action.Kind != auth.ActionCreate {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSpace, msg.SpaceID)
		}
		sp = m.bootstrapSpace(msg.SpaceID, msg.Operation.GroupID)
	}

	if sp.seen[msg.Operation.ID] {
		return nil, nil
	}
	if err := sp.authCRDT.Process(msg.Operation, m.resolver); err != nil {
		if errors.Is(err, auth.ErrDuplicateOperation) {
			sp.seen[msg.Operation.ID] = true
			return nil, nil
		}
		return nil, fmt.Errorf("processing auth operation: %w", err)
	}
	if err := m.store.Insert(sp.groupID, sp.authCRDT); err != nil {
		return nil, fmt.Errorf("persisting group: %w", err)
	}
	sp.seen[msg.Operation.ID] = true

	// Fold the accepted operation back into the orderer's view of the
	// group's frontier, so our next local Prepare references it.
	if hr, ok := m.orderer.(headRecorder); ok {
		hr.RecordRemoteHead(sp.groupID, sp.authCRDT.Heads())
	}

	return []Event{eventForAction(msg.SpaceID, msg.Operation.Action)}, nil
}

// headRecorder is the optional orderer capability for learning about
// remotely authored operations; auth.HashOrderer implements it.
type headRecorder interface {
	RecordRemoteHead(groupID auth.ID, heads []auth.OperationID)
}

func (m *Manager) processMembership(msg *SpaceMembershipMessage) ([]Event, []SpaceMembershipMessage, error) {
	sp, ok := m.spaces[msg.SpaceID]
	bootstrapped := false
	if !ok {
		// Only a create or a welcome addressed to us can bootstrap a
		// space we have no state for.
		cm := msg.ControlMessage
		joinable := cm.Kind == dcgka.ControlCreate || (cm.Kind == dcgka.ControlAdd && cm.Added == m.myID.ID)
		if !joinable {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSpace, msg.SpaceID)
		}
		sp = m.bootstrapSpace(msg.SpaceID, msg.GroupID)
		bootstrapped = true
	}

	if msg.Sender == m.myID.ID || sp.seen[msg.ID] {
		return nil, nil, nil
	}

	// Causal order: everything the message depends on — prior membership
	// messages and the auth operations it pins — must be processed
	// first. A welcome or create that bootstrapped this space is exempt:
	// it carries its own history.
	if !bootstrapped {
		for _, dep := range msg.SpaceDeps {
			if !sp.seen[dep] {
				return nil, nil, fmt.Errorf("%w: %s needs %s", ErrMissingSpaceDependencies, msg.ID, dep)
			}
		}
		if msg.AuthMessageID != "" && !sp.seen[msg.AuthMessageID] {
			return nil, nil, fmt.Errorf("%w: %s needs auth %s", ErrMissingSpaceDependencies, msg.ID, msg.AuthMessageID)
		}
	}

	po, err := sp.dcgkaSt.ProcessRemote(msg.Sender, msg.ID, msg.ControlMessage, directMessageFor(msg.DirectMessages, m.myID.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("processing space membership: %w", err)
	}
	sp.seen[msg.ID] = true

	m.applyUpdateSecret(sp, msg.Sender, po.SenderUpdateSecret)
	m.applyUpdateSecret(sp, m.myID.ID, po.MeUpdateSecret)

	var events []Event
	switch msg.ControlMessage.Kind {
	case dcgka.ControlCreate:
		events = append(events, Event{Kind: EventSpaceCreated, SpaceID: msg.SpaceID})
		for _, member := range msg.ControlMessage.InitialMembers {
			sp.keyed[member] = true
		}
	case dcgka.ControlAdd:
		sp.keyed[msg.ControlMessage.Added] = true
		events = append(events, Event{Kind: EventSpaceAdded, SpaceID: msg.SpaceID, Member: auth.Individual(msg.ControlMessage.Added)})
	case dcgka.ControlRemove:
		removed := msg.ControlMessage.Removed
		delete(sp.keyed, removed)
		delete(sp.ratchets, removed)
		kind := EventSpaceRemoved
		if removed == m.myID.ID {
			kind = EventSpaceEjected
		}
		events = append(events, Event{Kind: kind, SpaceID: msg.SpaceID, Member: auth.Individual(removed)})
	}

	var outgoing []SpaceMembershipMessage
	if po.ControlMessage != nil {
		ack := SpaceMembershipMessage{
			ID:             responseMessageID(msg.SpaceID, m.myID.ID, msg.ID, po.ControlMessage.Kind),
			SpaceID:        msg.SpaceID,
			GroupID:        sp.groupID,
			Sender:         m.myID.ID,
			SpaceDeps:      []auth.OperationID{msg.ID},
			AuthMessageID:  msg.AuthMessageID,
			ControlMessage: *po.ControlMessage,
			DirectMessages: po.DirectMessages,
		}
		sp.seen[ack.ID] = true
		outgoing = append(outgoing, ack)
	}

	return events, outgoing, nil
}

// bootstrapSpace lazily constructs local state for a space we are being
// introduced to, loading the auth group from the shared store if a
// replica of it already exists there.
func (m *Manager) bootstrapSpace(spaceID ID, groupID auth.ID) *space {
	crdt, ok, err := m.store.Get(groupID)
	if err != nil || !ok {
		crdt = auth.NewGroupCrdtState(m.myID, groupID, m.store, m.orderer)
	}
	sp := &space{
		groupID:  groupID,
		authCRDT: crdt,
		dcgkaSt:  dcgka.Init(m.myID.ID, m.identity, m.oneTime, m.pki),
		keyed:    map[auth.ID]bool{},
		seen:     map[auth.OperationID]bool{},
		ratchets: map[auth.ID]*messageRatchet{},
	}
	m.spaces[spaceID] = sp
	return sp
}

// EncryptApplication seals one application payload for the space under
// our current message ratchet.
func (m *Manager) EncryptApplication(spaceID ID, data []byte) (ApplicationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.spaces[spaceID]
	if !ok {
		return ApplicationMessage{}, fmt.Errorf("%w: %s", ErrUnknownSpace, spaceID)
	}
	r, ok := sp.ratchets[m.myID.ID]
	if !ok {
		return ApplicationMessage{}, ErrNoSendRatchet
	}
	ciphertext, err := r.Seal(data)
	if err != nil {
		return ApplicationMessage{}, err
	}
	return ApplicationMessage{SpaceID: spaceID, Sender: m.myID.ID, Ciphertext: ciphertext}, nil
}

// ProcessApplication decrypts one application payload received from a
// member of the space, emitting the Application event.
func (m *Manager) ProcessApplication(msg ApplicationMessage) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.spaces[msg.SpaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpace, msg.SpaceID)
	}
	r, ok := sp.ratchets[msg.Sender]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRecvRatchet, msg.Sender)
	}
	data, err := r.Open(msg.Ciphertext)
	if err != nil {
		return nil, err
	}
	return []Event{{Kind: EventApplication, SpaceID: msg.SpaceID, Member: auth.Individual(msg.Sender), Data: data}}, nil
}

// RequiringRepair returns the ids of spaces whose current auth
// membership includes individuals the DCGKA session has not yet keyed:
// members added by an auth operation concurrent with (and unseen by)
// the space-membership message that would otherwise have keyed them.
func (m *Manager) RequiringRepair() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ID
	for id, sp := range m.spaces {
		if len(m.unkeyedMembers(sp)) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// RepairSpaces keys every authorized-but-unkeyed individual member of
// each space in ids into the DCGKA session, issuing one Add (with its
// Welcome) per member, pinned to the space's current auth heads.
// Idempotent: a member already keyed is skipped, so running repair
// twice produces no duplicate key material and no spurious events.
func (m *Manager) RepairSpaces(ids []ID) ([]SpaceMembershipMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SpaceMembershipMessage
	for _, id := range ids {
		sp, ok := m.spaces[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSpace, id)
		}

		heads := sp.authCRDT.Heads()
		var authMsgID auth.OperationID
		if len(heads) > 0 {
			authMsgID = heads[0]
		}

		for _, member := range m.unkeyedMembers(sp) {
			addOut, err := sp.dcgkaSt.Add(member)
			if err != nil {
				return nil, fmt.Errorf("repairing space %s: keying %s: %w", id, member, err)
			}
			msgID := repairMessageID(id, m.myID.ID, member, heads)
			addOut, err = sp.dcgkaSt.ProcessLocal(msgID, addOut)
			if err != nil {
				return nil, fmt.Errorf("repairing space %s: processing add of %s: %w", id, member, err)
			}
			sp.keyed[member] = true
			sp.seen[msgID] = true
			m.applyUpdateSecret(sp, m.myID.ID, addOut.MeUpdateSecret)

			// Pin every current auth head, not just the primary one: a
			// repair triggered by concurrent branches references all of
			// them, and receivers hold the message until each is
			// processed.
			out = append(out, SpaceMembershipMessage{
				ID:             msgID,
				SpaceID:        id,
				GroupID:        sp.groupID,
				Sender:         m.myID.ID,
				SpaceDeps:      append([]auth.OperationID(nil), heads...),
				AuthMessageID:  authMsgID,
				ControlMessage: addOut.ControlMessage,
				DirectMessages: addOut.DirectMessages,
			})
		}
	}
	return out, nil
}

// unkeyedMembers lists the individuals who hold current auth membership
// in sp's group but have not been keyed into its DCGKA session.
func (m *Manager) unkeyedMembers(sp *space) []dcgka.MemberID {
	current, ok := sp.authCRDT.CurrentState()
	if !ok {
		return nil
	}
	var out []dcgka.MemberID
	for member, rec := range current.Grants {
		if !rec.IsMember || member.IsGroup() {
			continue
		}
		if !sp.keyed[member.ID] {
			out = append(out, member.ID)
		}
	}
	return out
}

// applyUpdateSecret re-seeds member's inner message ratchet from a
// freshly derived update secret, if any.
func (m *Manager) applyUpdateSecret(sp *space, member auth.ID, secret *crypto.UpdateSecret) {
	if secret == nil {
		return
	}
	if r, ok := sp.ratchets[member]; ok {
		r.Reset(*secret)
		return
	}
	sp.ratchets[member] = newMessageRatchet(*secret)
}

func eventForAction(spaceID ID, action auth.Action) Event {
	switch action.Kind {
	case auth.ActionCreate:
		return Event{Kind: EventGroupCreated, SpaceID: spaceID, Member: action.Member}
	case auth.ActionRemove:
		return Event{Kind: EventGroupRemoved, SpaceID: spaceID, Member: action.Member}
	default:
		return Event{Kind: EventGroupAdded, SpaceID: spaceID, Member: action.Member}
	}
}

func directMessageFor(dms []dcgka.DirectMessage, me auth.ID) *dcgka.DirectMessage {
	for i := range dms {
		if dms[i].Recipient == me {
			return &dms[i]
		}
	}
	return nil
}

// responseMessageID derives a stable id for an automatic ack message:
// every peer that sees the same response computes the same id, the same
// way operation ids are content-derived.
func responseMessageID(spaceID ID, sender auth.ID, inResponseTo auth.OperationID, kind dcgka.ControlMessageKind) auth.OperationID {
	return hashMessageID("ack", string(spaceID), string(sender), string(inResponseTo), kind.String())
}

// repairMessageID derives a stable id for a repair-issued add, bound to
// the auth heads the repair observed.
func repairMessageID(spaceID ID, sender auth.ID, added auth.ID, heads []auth.OperationID) auth.OperationID {
	parts := []string{"repair", string(spaceID), string(sender), string(added)}
	for _, h := range heads {
		parts = append(parts, string(h))
	}
	return hashMessageID(parts...)
}

func hashMessageID(parts ...string) auth.OperationID {
	b, _ := cbor.Marshal(parts)
	sum := blake3.Sum256(b)
	return auth.OperationID(hex.EncodeToString(sum[:]))
}
