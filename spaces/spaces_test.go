package spaces

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p2panda/p2panda-sub000/auth"
	"github.com/p2panda/p2panda-sub000/crypto"
	"github.com/p2panda/p2panda-sub000/dcgka"
	"github.com/p2panda/p2panda-sub000/twoparty"
)

type memGroupStore struct{ groups map[auth.ID]*auth.GroupCrdtState }

func newMemGroupStore() *memGroupStore {
	return &memGroupStore{groups: map[auth.ID]*auth.GroupCrdtState{}}
}

func (m *memGroupStore) Get(id auth.ID) (*auth.GroupCrdtState, bool, error) {
	s, ok := m.groups[id]
	return s, ok, nil
}

func (m *memGroupStore) Insert(id auth.ID, s *auth.GroupCrdtState) error {
	m.groups[id] = s
	return nil
}

type fakePKI struct {
	identities map[dcgka.MemberID]crypto.AgreementKeyPair
	oneTimes   map[dcgka.MemberID]crypto.AgreementKeyPair
}

func newFakePKI(members ...dcgka.MemberID) *fakePKI {
	pki := &fakePKI{identities: map[dcgka.MemberID]crypto.AgreementKeyPair{}, oneTimes: map[dcgka.MemberID]crypto.AgreementKeyPair{}}
	for _, m := range members {
		id, _ := crypto.GenerateAgreementKeyPair()
		ot, _ := crypto.GenerateAgreementKeyPair()
		pki.identities[m] = id
		pki.oneTimes[m] = ot
	}
	return pki
}

func (p *fakePKI) IdentityKey(member dcgka.MemberID) ([32]byte, bool) {
	k, ok := p.identities[member]
	return k.Public, ok
}

func (p *fakePKI) ConsumePreKeyBundle(member dcgka.MemberID) (twoparty.PreKeyBundle, error) {
	return twoparty.PreKeyBundle{IdentityKey: p.identities[member].Public, OneTimeKey: p.oneTimes[member].Public}, nil
}

func newTestManager(pki *fakePKI, member auth.ID) *Manager {
	return NewManager(nil, auth.Individual(member),
		pki.identities[member], pki.oneTimes[member],
		newMemGroupStore(), auth.NewHashOrderer(), auth.DeterministicResolver{}, pki)
}

func eventKinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestCreateAddAndApplicationFlow(t *testing.T) {
	pki := newFakePKI("alice", "bob")
	aliceMgr := newTestManager(pki, "alice")
	bobMgr := newTestManager(pki, "bob")

	authCreate, memCreate, err := aliceMgr.Create("space-1", "group-1")
	require.NoError(t, err)
	require.Equal(t, authCreate.Operation.ID, memCreate.AuthMessageID)
	require.Equal(t, dcgka.ControlCreate, memCreate.ControlMessage.Kind)

	authAdd, memAdd, err := aliceMgr.AddMember("space-1", auth.Individual("bob"), auth.AccessWrite)
	require.NoError(t, err)
	require.NotNil(t, memAdd)
	require.Equal(t, dcgka.ControlAdd, memAdd.ControlMessage.Kind)

	// Bob learns of the space through the auth create, then is welcomed
	// by the add.
	events, outgoing, err := bobMgr.Process(&authCreate, nil)
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventGroupCreated}, eventKinds(events))
	require.Empty(t, outgoing)

	// The membership message depends on the auth add; delivered on its
	// own first, it is held back until the auth operation lands.
	require.Equal(t, []auth.OperationID{authAdd.Operation.ID}, memAdd.SpaceDeps)
	_, _, err = bobMgr.Process(nil, memAdd)
	require.ErrorIs(t, err, ErrMissingSpaceDependencies)

	events, outgoing, err = bobMgr.Process(&authAdd, memAdd)
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventGroupAdded, EventSpaceAdded}, eventKinds(events))
	require.Len(t, outgoing, 1)
	require.Equal(t, dcgka.ControlAck, outgoing[0].ControlMessage.Kind)

	// Alice processes bob's ack, completing the key exchange.
	events, _, err = aliceMgr.Process(nil, &outgoing[0])
	require.NoError(t, err)
	require.Empty(t, events)

	// Application traffic flows both ways.
	appMsg, err := aliceMgr.EncryptApplication("space-1", []byte("hello bob"))
	require.NoError(t, err)
	events, err = bobMgr.ProcessApplication(appMsg)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventApplication, events[0].Kind)
	require.Equal(t, []byte("hello bob"), events[0].Data)

	reply, err := bobMgr.EncryptApplication("space-1", []byte("hello alice"))
	require.NoError(t, err)
	events, err = aliceMgr.ProcessApplication(reply)
	require.NoError(t, err)
	require.Equal(t, []byte("hello alice"), events[0].Data)

	// Reprocessing a known message yields no events and no output.
	events, outgoing, err = bobMgr.Process(&authAdd, memAdd)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Empty(t, outgoing)
}

func TestRepairAfterConcurrentMembershipChange(t *testing.T) {
	pki := newFakePKI("alice", "bob", "carol")
	aliceMgr := newTestManager(pki, "alice")
	bobMgr := newTestManager(pki, "bob")
	carolMgr := newTestManager(pki, "carol")

	authCreate, _, err := aliceMgr.Create("space-1", "group-1")
	require.NoError(t, err)
	authAddBob, memAddBob, err := aliceMgr.AddMember("space-1", auth.Individual("bob"), auth.AccessManage)
	require.NoError(t, err)

	_, _, err = bobMgr.Process(&authCreate, nil)
	require.NoError(t, err)
	_, outgoing, err := bobMgr.Process(&authAddBob, memAddBob)
	require.NoError(t, err)
	_, _, err = aliceMgr.Process(nil, &outgoing[0])
	require.NoError(t, err)

	// Bob adds carol to the auth group; the space-membership side of it
	// never reaches alice (simulating an add concurrent with alice's
	// space keying).
	bobSpace := bobMgr.spaces["space-1"]
	addCarol, err := bobSpace.authCRDT.Prepare(auth.Individual("bob"), auth.Action{Kind: auth.ActionAdd, Member: auth.Individual("carol"), Access: auth.AccessRead})
	require.NoError(t, err)
	require.NoError(t, bobSpace.authCRDT.Process(addCarol, auth.DeterministicResolver{}))

	events, _, err := aliceMgr.Process(&AuthMessage{SpaceID: "space-1", Operation: addCarol}, nil)
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventGroupAdded}, eventKinds(events))

	// Alice detects that carol is authorized but unkeyed and repairs.
	needsRepair := aliceMgr.RequiringRepair()
	require.Equal(t, []ID{"space-1"}, needsRepair)

	repairMsgs, err := aliceMgr.RepairSpaces(needsRepair)
	require.NoError(t, err)
	require.Len(t, repairMsgs, 1)
	require.Equal(t, dcgka.ControlAdd, repairMsgs[0].ControlMessage.Kind)
	require.Equal(t, dcgka.MemberID("carol"), repairMsgs[0].ControlMessage.Added)

	// Repair is idempotent.
	require.Empty(t, aliceMgr.RequiringRepair())
	again, err := aliceMgr.RepairSpaces([]ID{"space-1"})
	require.NoError(t, err)
	require.Empty(t, again)

	// Carol is bootstrapped by the repair welcome and can decrypt
	// alice's subsequent messages.
	events, outgoing, err = carolMgr.Process(nil, &repairMsgs[0])
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventSpaceAdded}, eventKinds(events))
	require.Len(t, outgoing, 1)

	appMsg, err := aliceMgr.EncryptApplication("space-1", []byte("welcome carol"))
	require.NoError(t, err)
	events, err = carolMgr.ProcessApplication(appMsg)
	require.NoError(t, err)
	require.Equal(t, []byte("welcome carol"), events[0].Data)
}

func TestRemoveMemberEjectsAndRotates(t *testing.T) {
	pki := newFakePKI("alice", "bob")
	aliceMgr := newTestManager(pki, "alice")
	bobMgr := newTestManager(pki, "bob")

	authCreate, _, err := aliceMgr.Create("space-1", "group-1")
	require.NoError(t, err)
	authAdd, memAdd, err := aliceMgr.AddMember("space-1", auth.Individual("bob"), auth.AccessRead)
	require.NoError(t, err)

	_, _, err = bobMgr.Process(&authCreate, nil)
	require.NoError(t, err)
	_, outgoing, err := bobMgr.Process(&authAdd, memAdd)
	require.NoError(t, err)
	_, _, err = aliceMgr.Process(nil, &outgoing[0])
	require.NoError(t, err)

	authRemove, memRemove, err := aliceMgr.RemoveMember("space-1", auth.Individual("bob"))
	require.NoError(t, err)
	require.NotNil(t, memRemove)
	require.Equal(t, dcgka.ControlRemove, memRemove.ControlMessage.Kind)

	events, _, err := bobMgr.Process(&authRemove, memRemove)
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventGroupRemoved, EventSpaceEjected}, eventKinds(events))

	// Bob can no longer follow alice's traffic: her next message is
	// sealed under the rotated epoch he was excluded from.
	appMsg, err := aliceMgr.EncryptApplication("space-1", []byte("post-remove"))
	require.NoError(t, err)
	_, err = bobMgr.ProcessApplication(appMsg)
	require.Error(t, err)
}

func TestProcessUnknownSpaceFails(t *testing.T) {
	pki := newFakePKI("alice", "bob")
	bobMgr := newTestManager(pki, "bob")

	_, _, err := bobMgr.Process(nil, &SpaceMembershipMessage{
		ID:             "msg-1",
		SpaceID:        "nope",
		GroupID:        "group-x",
		Sender:         "alice",
		ControlMessage: dcgka.ControlMessage{Kind: dcgka.ControlUpdate},
	})
	require.ErrorIs(t, err, ErrUnknownSpace)
}
