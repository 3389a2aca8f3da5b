package auth

import "fmt"

// MemberKind distinguishes an individual actor from a nested sub-group
// reference inside a GroupMember value.
type MemberKind int

const (
	MemberIndividual MemberKind = iota
	MemberGroup
)

// ID identifies either an individual actor or a group. Both share the
// same identifier space so a group can itself be a member of another
// group (nesting).
type ID string

// GroupMember is the sum type over "an individual" and "a nested group",
// mirroring the two kinds of entity that can hold access within a group.
type GroupMember struct {
	Kind MemberKind
	ID   ID
}

// Individual constructs a GroupMember referring to a single actor.
func Individual(id ID) GroupMember { return GroupMember{Kind: MemberIndividual, ID: id} }

// SubGroup constructs a GroupMember referring to a nested group.
func SubGroup(id ID) GroupMember { return GroupMember{Kind: MemberGroup, ID: id} }

// IsGroup reports whether the member is a nested sub-group.
func (m GroupMember) IsGroup() bool { return m.Kind == MemberGroup }

func (m GroupMember) String() string {
	if m.IsGroup() {
		return fmt.Sprintf("group(%s)", m.ID)
	}
	return fmt.Sprintf("member(%s)", m.ID)
}
