package dcgka

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p2panda/p2panda-sub000/crypto"
	"github.com/p2panda/p2panda-sub000/twoparty"
)

// fakePKI hands out the published identity/one-time key pair for every
// member, the way a real PKI would after each member publishes their
// own bundle; the private halves are kept here purely so the test can
// instantiate a State for each member using the same key material the
// PKI advertises.
type fakePKI struct {
	identities map[MemberID]crypto.AgreementKeyPair
	oneTimes   map[MemberID]crypto.AgreementKeyPair
}

func newFakePKI(members ...MemberID) *fakePKI {
	pki := &fakePKI{identities: map[MemberID]crypto.AgreementKeyPair{}, oneTimes: map[MemberID]crypto.AgreementKeyPair{}}
	for _, m := range members {
		id, _ := crypto.GenerateAgreementKeyPair()
		ot, _ := crypto.GenerateAgreementKeyPair()
		pki.identities[m] = id
		pki.oneTimes[m] = ot
	}
	return pki
}

func (p *fakePKI) IdentityKey(member MemberID) ([32]byte, bool) {
	k, ok := p.identities[member]
	return k.Public, ok
}

func (p *fakePKI) ConsumePreKeyBundle(member MemberID) (twoparty.PreKeyBundle, error) {
	return twoparty.PreKeyBundle{IdentityKey: p.identities[member].Public, OneTimeKey: p.oneTimes[member].Public}, nil
}

func dmFor(dms []DirectMessage, member MemberID) *DirectMessage {
	for i := range dms {
		if dms[i].Recipient == member {
			return &dms[i]
		}
	}
	return nil
}

// setupThree creates the group {alice, bob, carol} from alice's side and
// runs the full create/ack exchange so every member holds every ratchet.
func setupThree(t *testing.T) (pki *fakePKI, a, b, c *State) {
	t.Helper()
	alice, bob, carol := MemberID("alice"), MemberID("bob"), MemberID("carol")
	pki = newFakePKI(alice, bob, carol)

	a = Init(alice, pki.identities[alice], pki.oneTimes[alice], pki)
	b = Init(bob, pki.identities[bob], pki.oneTimes[bob], pki)
	c = Init(carol, pki.identities[carol], pki.oneTimes[carol], pki)

	out, err := a.Create([]MemberID{bob, carol})
	require.NoError(t, err)
	out, err = a.ProcessLocal("create-1", out)
	require.NoError(t, err)
	require.NotNil(t, out.MeUpdateSecret)

	poB, err := b.ProcessRemote(alice, "create-1", out.ControlMessage, dmFor(out.DirectMessages, bob))
	require.NoError(t, err)
	require.Equal(t, out.MeUpdateSecret, poB.SenderUpdateSecret)
	poC, err := c.ProcessRemote(alice, "create-1", out.ControlMessage, dmFor(out.DirectMessages, carol))
	require.NoError(t, err)
	require.Equal(t, out.MeUpdateSecret, poC.SenderUpdateSecret)

	// Everyone processes everyone else's ack.
	ackB, ackC := *poB.ControlMessage, *poC.ControlMessage
	po, err := a.ProcessRemote(bob, "ack-b", ackB, nil)
	require.NoError(t, err)
	require.Equal(t, poB.MeUpdateSecret, po.SenderUpdateSecret)
	po, err = a.ProcessRemote(carol, "ack-c", ackC, nil)
	require.NoError(t, err)
	require.Equal(t, poC.MeUpdateSecret, po.SenderUpdateSecret)
	po, err = b.ProcessRemote(carol, "ack-c", ackC, nil)
	require.NoError(t, err)
	require.Equal(t, poC.MeUpdateSecret, po.SenderUpdateSecret)
	po, err = c.ProcessRemote(bob, "ack-b", ackB, nil)
	require.NoError(t, err)
	require.Equal(t, poB.MeUpdateSecret, po.SenderUpdateSecret)

	return pki, a, b, c
}

func TestCreateConvergesAcrossThreeMembers(t *testing.T) {
	_, a, b, c := setupThree(t)
	for _, member := range []MemberID{"alice", "bob", "carol"} {
		require.True(t, a.HasRatchet(member))
		require.True(t, b.HasRatchet(member))
		require.True(t, c.HasRatchet(member))
	}
	require.ElementsMatch(t, a.Members(), b.Members())
	require.ElementsMatch(t, b.Members(), c.Members())
}

func TestUpdateRotatesSecretsForAllMembers(t *testing.T) {
	_, a, b, c := setupThree(t)

	out, err := b.Update()
	require.NoError(t, err)
	require.Equal(t, ControlUpdate, out.ControlMessage.Kind)
	require.Len(t, out.DirectMessages, 2)
	out, err = b.ProcessLocal("update-1", out)
	require.NoError(t, err)
	require.NotNil(t, out.MeUpdateSecret)

	poA, err := a.ProcessRemote("bob", "update-1", out.ControlMessage, dmFor(out.DirectMessages, "alice"))
	require.NoError(t, err)
	require.Equal(t, out.MeUpdateSecret, poA.SenderUpdateSecret)
	require.NotNil(t, poA.MeUpdateSecret)
	require.Equal(t, ControlAck, poA.ControlMessage.Kind)

	poC, err := c.ProcessRemote("bob", "update-1", out.ControlMessage, dmFor(out.DirectMessages, "carol"))
	require.NoError(t, err)
	require.Equal(t, out.MeUpdateSecret, poC.SenderUpdateSecret)

	// Acks let each member derive the other recipients' new secrets.
	po, err := a.ProcessRemote("carol", "ack-u-c", *poC.ControlMessage, nil)
	require.NoError(t, err)
	require.Equal(t, poC.MeUpdateSecret, po.SenderUpdateSecret)
	po, err = c.ProcessRemote("alice", "ack-u-a", *poA.ControlMessage, nil)
	require.NoError(t, err)
	require.Equal(t, poA.MeUpdateSecret, po.SenderUpdateSecret)
}

func TestAddWelcomesNewMemberAndConverges(t *testing.T) {
	alice, bob, carol := MemberID("alice"), MemberID("bob"), MemberID("carol")
	pki := newFakePKI(alice, bob, carol)

	a := Init(alice, pki.identities[alice], pki.oneTimes[alice], pki)
	b := Init(bob, pki.identities[bob], pki.oneTimes[bob], pki)

	out, err := a.Create([]MemberID{bob})
	require.NoError(t, err)
	out, err = a.ProcessLocal("create-1", out)
	require.NoError(t, err)
	poB, err := b.ProcessRemote(alice, "create-1", out.ControlMessage, dmFor(out.DirectMessages, bob))
	require.NoError(t, err)
	_, err = a.ProcessRemote(bob, "ack-b", *poB.ControlMessage, nil)
	require.NoError(t, err)

	addOut, err := a.Add(carol)
	require.NoError(t, err)
	require.Equal(t, ControlAdd, addOut.ControlMessage.Kind)
	welcome := dmFor(addOut.DirectMessages, carol)
	require.NotNil(t, welcome)
	require.Equal(t, DirectWelcome, welcome.Kind)
	require.NotEmpty(t, welcome.History)
	addOut, err = a.ProcessLocal("add-1", addOut)
	require.NoError(t, err)
	require.NotNil(t, addOut.MeUpdateSecret)

	// The new member processes its welcome: it obtains the adder's
	// update secret and its own, and answers with a plain Ack.
	c := Init(carol, pki.identities[carol], pki.oneTimes[carol], pki)
	poC, err := c.ProcessRemote(alice, "add-1", addOut.ControlMessage, welcome)
	require.NoError(t, err)
	require.Equal(t, addOut.MeUpdateSecret, poC.SenderUpdateSecret)
	require.NotNil(t, poC.MeUpdateSecret)
	require.Equal(t, ControlAck, poC.ControlMessage.Kind)
	require.ElementsMatch(t, []MemberID{alice, bob, carol}, c.Members())

	// An existing member processes the add: it derives the same adder
	// update secret, acks with AddAck, and forwards its ratchet state to
	// the newcomer.
	poB, err = b.ProcessRemote(alice, "add-1", addOut.ControlMessage, nil)
	require.NoError(t, err)
	require.Equal(t, addOut.MeUpdateSecret, poB.SenderUpdateSecret)
	require.NotNil(t, poB.MeUpdateSecret)
	require.Equal(t, ControlAddAck, poB.ControlMessage.Kind)
	fwd := dmFor(poB.DirectMessages, carol)
	require.NotNil(t, fwd)
	require.Equal(t, DirectForward, fwd.Kind)

	// The newcomer's ack gives everyone else the newcomer's first
	// update secret.
	po, err := a.ProcessRemote(carol, "ack-c", *poC.ControlMessage, nil)
	require.NoError(t, err)
	require.Equal(t, poC.MeUpdateSecret, po.SenderUpdateSecret)
	po, err = b.ProcessRemote(carol, "ack-c", *poC.ControlMessage, nil)
	require.NoError(t, err)
	require.Equal(t, poC.MeUpdateSecret, po.SenderUpdateSecret)

	// The AddAck (with its forward) gives the newcomer the acker's
	// ratchet, so the newcomer can follow the acker's traffic too.
	po, err = c.ProcessRemote(bob, "addack-b", *poB.ControlMessage, fwd)
	require.NoError(t, err)
	require.Equal(t, poB.MeUpdateSecret, po.SenderUpdateSecret)

	po, err = a.ProcessRemote(bob, "addack-b", *poB.ControlMessage, nil)
	require.NoError(t, err)
	require.Equal(t, poB.MeUpdateSecret, po.SenderUpdateSecret)
}

func TestRemoveExcludesRemovedMember(t *testing.T) {
	_, a, b, c := setupThree(t)

	out, err := a.Remove("carol")
	require.NoError(t, err)
	require.Equal(t, ControlRemove, out.ControlMessage.Kind)
	require.Len(t, out.DirectMessages, 1)
	require.Nil(t, dmFor(out.DirectMessages, "carol"))
	out, err = a.ProcessLocal("remove-1", out)
	require.NoError(t, err)
	require.NotNil(t, out.MeUpdateSecret)
	require.ElementsMatch(t, []MemberID{"alice", "bob"}, a.Members())

	poB, err := b.ProcessRemote("alice", "remove-1", out.ControlMessage, dmFor(out.DirectMessages, "bob"))
	require.NoError(t, err)
	require.Equal(t, out.MeUpdateSecret, poB.SenderUpdateSecret)
	require.NotNil(t, poB.MeUpdateSecret)
	require.Empty(t, poB.DirectMessages)
	require.ElementsMatch(t, []MemberID{"alice", "bob"}, b.Members())

	// The removed member was not a recipient: it can only acknowledge,
	// deriving no secret for the new epoch.
	poC, err := c.ProcessRemote("alice", "remove-1", out.ControlMessage, nil)
	require.NoError(t, err)
	require.Nil(t, poC.SenderUpdateSecret)
	require.Nil(t, poC.MeUpdateSecret)
	require.Equal(t, ControlAck, poC.ControlMessage.Kind)

	// Honest peers refuse an ack that depends on the acker's own
	// removal.
	_, err = b.ProcessRemote("carol", "ack-r-c", *poC.ControlMessage, nil)
	require.Error(t, err)
}

func TestConcurrentAddAndUpdateForwardsMemberSecret(t *testing.T) {
	pki, a, b, c := setupThree(t)
	dave := MemberID("dave")
	id, _ := crypto.GenerateAgreementKeyPair()
	ot, _ := crypto.GenerateAgreementKeyPair()
	pki.identities[dave] = id
	pki.oneTimes[dave] = ot

	// Alice updates before learning that carol added dave.
	updOut, err := a.Update()
	require.NoError(t, err)
	updOut, err = a.ProcessLocal("update-1", updOut)
	require.NoError(t, err)

	addOut, err := c.Add(dave)
	require.NoError(t, err)
	addOut, err = c.ProcessLocal("add-dave", addOut)
	require.NoError(t, err)

	d := Init(dave, pki.identities[dave], pki.oneTimes[dave], pki)
	poD, err := d.ProcessRemote("carol", "add-dave", addOut.ControlMessage, dmFor(addOut.DirectMessages, dave))
	require.NoError(t, err)
	require.NotNil(t, poD.MeUpdateSecret)

	// Bob sees the add first, then alice's update: his member view now
	// includes dave, whom alice did not key, so bob must forward his own
	// member secret for alice's update to dave.
	poBAdd, err := b.ProcessRemote("carol", "add-dave", addOut.ControlMessage, nil)
	require.NoError(t, err)
	require.Equal(t, ControlAddAck, poBAdd.ControlMessage.Kind)
	fwdChain := dmFor(poBAdd.DirectMessages, dave)
	require.NotNil(t, fwdChain)

	poBUpd, err := b.ProcessRemote("alice", "update-1", updOut.ControlMessage, dmFor(updOut.DirectMessages, "bob"))
	require.NoError(t, err)
	require.Equal(t, updOut.MeUpdateSecret, poBUpd.SenderUpdateSecret)
	fwdSecret := dmFor(poBUpd.DirectMessages, dave)
	require.NotNil(t, fwdSecret)
	require.Equal(t, DirectForward, fwdSecret.Kind)

	// Dave first learns bob's ratchet from the AddAck forward, then uses
	// the member-secret forward riding on bob's ack of the update to
	// compute bob's update secret for it.
	po, err := d.ProcessRemote("bob", "addack-b", *poBAdd.ControlMessage, fwdChain)
	require.NoError(t, err)
	require.Equal(t, poBAdd.MeUpdateSecret, po.SenderUpdateSecret)

	po, err = d.ProcessRemote("bob", "ack-u-b", *poBUpd.ControlMessage, fwdSecret)
	require.NoError(t, err)
	require.Equal(t, poBUpd.MeUpdateSecret, po.SenderUpdateSecret)
}

func TestRemoveThenReAddSameMember(t *testing.T) {
	alice, bob := MemberID("alice"), MemberID("bob")
	pki := newFakePKI(alice, bob)

	a := Init(alice, pki.identities[alice], pki.oneTimes[alice], pki)
	b := Init(bob, pki.identities[bob], pki.oneTimes[bob], pki)

	out, err := a.Create([]MemberID{bob})
	require.NoError(t, err)
	out, err = a.ProcessLocal("create-1", out)
	require.NoError(t, err)
	poB, err := b.ProcessRemote(alice, "create-1", out.ControlMessage, dmFor(out.DirectMessages, bob))
	require.NoError(t, err)
	_, err = a.ProcessRemote(bob, "ack-b", *poB.ControlMessage, nil)
	require.NoError(t, err)

	rmOut, err := a.Remove(bob)
	require.NoError(t, err)
	rmOut, err = a.ProcessLocal("remove-1", rmOut)
	require.NoError(t, err)
	require.ElementsMatch(t, []MemberID{alice}, a.Members())

	// Bob sees his removal but derives nothing for the new epoch.
	poB, err = b.ProcessRemote(alice, "remove-1", rmOut.ControlMessage, nil)
	require.NoError(t, err)
	require.Nil(t, poB.SenderUpdateSecret)

	// Re-adding bob welcomes him back into a fresh epoch; his retained
	// state (including the 2SM session) picks it up.
	addOut, err := a.Add(bob)
	require.NoError(t, err)
	addOut, err = a.ProcessLocal("add-2", addOut)
	require.NoError(t, err)
	require.ElementsMatch(t, []MemberID{alice, bob}, a.Members())

	poB, err = b.ProcessRemote(alice, "add-2", addOut.ControlMessage, dmFor(addOut.DirectMessages, bob))
	require.NoError(t, err)
	require.Equal(t, addOut.MeUpdateSecret, poB.SenderUpdateSecret)
	require.NotNil(t, poB.MeUpdateSecret)
	require.ElementsMatch(t, []MemberID{alice, bob}, b.Members())

	// Bob's ack hands alice his first post-re-add update secret.
	po, err := a.ProcessRemote(bob, "ack-b-2", *poB.ControlMessage, nil)
	require.NoError(t, err)
	require.Equal(t, poB.MeUpdateSecret, po.SenderUpdateSecret)
}

func TestProcessRemoteRejectsOwnMessage(t *testing.T) {
	alice := MemberID("alice")
	pki := newFakePKI(alice)
	a := Init(alice, pki.identities[alice], pki.oneTimes[alice], pki)

	_, err := a.ProcessRemote(alice, "seq-1", ControlMessage{Kind: ControlUpdate}, nil)
	require.ErrorIs(t, err, ErrProcessOwnMessage)
}

func TestDirectMessageForSomeoneElseIsRejected(t *testing.T) {
	_, a, b, _ := setupThree(t)

	out, err := a.Update()
	require.NoError(t, err)
	out, err = a.ProcessLocal("update-1", out)
	require.NoError(t, err)

	// Hand bob the direct message addressed to carol.
	_, err = b.ProcessRemote("alice", "update-1", out.ControlMessage, dmFor(out.DirectMessages, "carol"))
	require.ErrorIs(t, err, ErrNotOurDirectMessage)
}

func TestUpdateWithoutDirectMessageFails(t *testing.T) {
	_, a, b, _ := setupThree(t)

	out, err := a.Update()
	require.NoError(t, err)
	out, err = a.ProcessLocal("update-1", out)
	require.NoError(t, err)

	_, err = b.ProcessRemote("alice", "update-1", out.ControlMessage, nil)
	require.ErrorIs(t, err, ErrMissingDirectMessage)
}
