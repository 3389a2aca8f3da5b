package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func actorOf(s MembersState, m GroupMember) *MemberRecord {
	return DirectActorRecord(s, m)
}

func TestCreate(t *testing.T) {
	creator := Individual("alice")
	s, err := Create("group-1", creator)
	require.NoError(t, err)
	require.Equal(t, creator, s.Creator)
	access, ok := s.AccessOf(creator)
	require.True(t, ok)
	require.Equal(t, AccessManage, access)
}

func TestCreateRejectsSelfReferentialGroup(t *testing.T) {
	_, err := Create("group-1", SubGroup("group-1"))
	require.ErrorIs(t, err, ErrSelfReferential)
}

func TestAddAndRemove(t *testing.T) {
	s, err := Create("group-1", Individual("alice"))
	require.NoError(t, err)
	alice := Individual("alice")

	bob := Individual("bob")
	s, err = Add(s, actorOf(s, alice), bob, AccessWrite, Condition{})
	require.NoError(t, err)
	require.True(t, s.Contains(bob))

	s, err = Remove(s, actorOf(s, alice), bob)
	require.NoError(t, err)
	require.False(t, s.Contains(bob))

	// The removed member keeps a tombstone record rather than vanishing.
	rec, ok := s.RecordOf(bob)
	require.True(t, ok)
	require.False(t, rec.IsMember)
}

func TestAddRejectsUnrecognisedActor(t *testing.T) {
	s, err := Create("group-1", Individual("alice"))
	require.NoError(t, err)
	_, err = Add(s, nil, Individual("bob"), AccessWrite, Condition{})
	require.ErrorIs(t, err, ErrUnrecognisedActor)
}

func TestAddRejectsInsufficientAccess(t *testing.T) {
	alice := Individual("alice")
	s, err := Create("group-1", alice)
	require.NoError(t, err)
	bob := Individual("bob")
	s, err = Add(s, actorOf(s, alice), bob, AccessWrite, Condition{})
	require.NoError(t, err)

	_, err = Add(s, actorOf(s, bob), Individual("carol"), AccessRead, Condition{})
	require.ErrorIs(t, err, ErrInsufficientAccess)
}

func TestAddRejectsInactiveActor(t *testing.T) {
	alice := Individual("alice")
	s, err := Create("group-1", alice)
	require.NoError(t, err)
	bob := Individual("bob")
	s, err = Add(s, actorOf(s, alice), bob, AccessManage, Condition{})
	require.NoError(t, err)
	s, err = Remove(s, actorOf(s, alice), bob)
	require.NoError(t, err)

	_, err = Add(s, actorOf(s, bob), Individual("carol"), AccessRead, Condition{})
	require.ErrorIs(t, err, ErrInactiveActor)
}

func TestAddRejectsAlreadyAdded(t *testing.T) {
	alice := Individual("alice")
	s, err := Create("group-1", alice)
	require.NoError(t, err)
	bob := Individual("bob")
	s, err = Add(s, actorOf(s, alice), bob, AccessRead, Condition{})
	require.NoError(t, err)

	_, err = Add(s, actorOf(s, alice), bob, AccessWrite, Condition{})
	require.ErrorIs(t, err, ErrAlreadyAdded)
}

func TestRemoveRejectsAlreadyRemoved(t *testing.T) {
	alice := Individual("alice")
	s, err := Create("group-1", alice)
	require.NoError(t, err)
	bob := Individual("bob")
	s, err = Add(s, actorOf(s, alice), bob, AccessRead, Condition{})
	require.NoError(t, err)
	s, err = Remove(s, actorOf(s, alice), bob)
	require.NoError(t, err)

	_, err = Remove(s, actorOf(s, alice), bob)
	require.ErrorIs(t, err, ErrAlreadyRemoved)
}

func TestRemoveRejectsUnrecognisedMember(t *testing.T) {
	alice := Individual("alice")
	s, err := Create("group-1", alice)
	require.NoError(t, err)

	_, err = Remove(s, actorOf(s, alice), Individual("ghost"))
	require.ErrorIs(t, err, ErrUnrecognisedMember)
}

func TestRemoveCreatorRejected(t *testing.T) {
	creator := Individual("alice")
	s, err := Create("group-1", creator)
	require.NoError(t, err)

	_, err = Remove(s, actorOf(s, creator), creator)
	require.ErrorIs(t, err, ErrCannotRemoveCreator)
}

func TestPromoteDemote(t *testing.T) {
	alice := Individual("alice")
	s, err := Create("group-1", alice)
	require.NoError(t, err)
	bob := Individual("bob")
	s, err = Add(s, actorOf(s, alice), bob, AccessRead, Condition{})
	require.NoError(t, err)

	s, err = Promote(s, actorOf(s, alice), bob, AccessWrite)
	require.NoError(t, err)
	access, _ := s.AccessOf(bob)
	require.Equal(t, AccessWrite, access)

	s, err = Demote(s, actorOf(s, alice), bob, AccessPull)
	require.NoError(t, err)
	access, _ = s.AccessOf(bob)
	require.Equal(t, AccessPull, access)
}

func TestPromoteRejectsWrongDirection(t *testing.T) {
	alice := Individual("alice")
	s, err := Create("group-1", alice)
	require.NoError(t, err)
	bob := Individual("bob")
	s, err = Add(s, actorOf(s, alice), bob, AccessWrite, Condition{})
	require.NoError(t, err)

	_, err = Promote(s, actorOf(s, alice), bob, AccessRead)
	require.ErrorIs(t, err, ErrNoopMove)
}

func TestDemoteCreatorBelowManageRejected(t *testing.T) {
	creator := Individual("alice")
	s, err := Create("group-1", creator)
	require.NoError(t, err)

	_, err = Demote(s, actorOf(s, creator), creator, AccessWrite)
	require.ErrorIs(t, err, ErrCreatorMustBeManager)
}

func TestPromoteUnknownMemberRejected(t *testing.T) {
	alice := Individual("alice")
	s, err := Create("group-1", alice)
	require.NoError(t, err)

	_, err = Promote(s, actorOf(s, alice), Individual("carol"), AccessWrite)
	require.ErrorIs(t, err, ErrUnrecognisedMember)
}
