package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func viewOf(v *AckedMembership, viewer ID) []ID {
	set := v.MembersView(viewer)
	out := make([]ID, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

func TestMembersViewCountsOnlyObservedOperations(t *testing.T) {
	v := NewAckedMembership("alice", []ID{"bob"})

	v.Add("alice", "carol", "op-add-carol")

	// The author sees their own add immediately; bob does not until he
	// acknowledges it; carol observes her own addition.
	require.ElementsMatch(t, []ID{"alice", "bob", "carol"}, viewOf(v, "alice"))
	require.ElementsMatch(t, []ID{"alice", "bob"}, viewOf(v, "bob"))
	require.ElementsMatch(t, []ID{"alice", "bob", "carol"}, viewOf(v, "carol"))

	require.NoError(t, v.Ack("bob", "op-add-carol"))
	require.ElementsMatch(t, []ID{"alice", "bob", "carol"}, viewOf(v, "bob"))
}

func TestMembersViewAppliesRemoves(t *testing.T) {
	v := NewAckedMembership("alice", []ID{"bob", "carol"})

	v.Remove("alice", "carol", "op-rm-carol")
	require.ElementsMatch(t, []ID{"alice", "bob"}, viewOf(v, "alice"))
	require.ElementsMatch(t, []ID{"alice", "bob", "carol"}, viewOf(v, "bob"))

	require.NoError(t, v.Ack("bob", "op-rm-carol"))
	require.ElementsMatch(t, []ID{"alice", "bob"}, viewOf(v, "bob"))
}

func TestAckOwnRemovalRefused(t *testing.T) {
	v := NewAckedMembership("alice", []ID{"bob"})
	v.Remove("alice", "bob", "op-rm-bob")

	require.ErrorIs(t, v.Ack("bob", "op-rm-bob"), ErrAckOwnRemoval)
	require.NoError(t, v.Ack("alice", "op-rm-bob"))
}

func TestAckUnknownOperationRefused(t *testing.T) {
	v := NewAckedMembership("alice", nil)
	require.ErrorIs(t, v.Ack("alice", "ghost"), ErrUnknownAckedOp)
}

func TestAckedMembershipEncodeDecodeRoundTrip(t *testing.T) {
	v := NewAckedMembership("alice", []ID{"bob"})
	v.Add("alice", "carol", "op-1")
	require.NoError(t, v.Ack("bob", "op-1"))

	b, err := v.Encode()
	require.NoError(t, err)
	decoded, err := DecodeAckedMembership(b)
	require.NoError(t, err)

	require.Equal(t, v.Creator, decoded.Creator)
	require.ElementsMatch(t, v.Initial, decoded.Initial)
	require.ElementsMatch(t, viewOf(v, "bob"), viewOf(decoded, "bob"))
	require.True(t, decoded.IsAdd("op-1"))
}

func TestFromWelcomeAdoptsHistory(t *testing.T) {
	history := NewAckedMembership("alice", []ID{"bob"})
	history.Add("alice", "carol", "op-1")

	v := &AckedMembership{Acks: map[OperationID][]ID{}}
	v.FromWelcome(history)
	v.Add("alice", "dave", "op-2")

	require.ElementsMatch(t, []ID{"alice", "bob", "carol", "dave"}, viewOf(v, "alice"))
	// The adopted history is a copy, not a shared reference.
	require.ElementsMatch(t, []ID{"alice", "bob", "carol"}, viewOf(history, "alice"))
}
