package auth

import "errors"

// Sentinel errors returned by the membership kernel, one per invalid
// transition. Callers branch on these rather than parsing message text.
var (
	ErrGroupAlreadyCreated  = errors.New("group already created")
	ErrGroupNotCreated      = errors.New("group not created")
	ErrSelfReferential      = errors.New("group cannot be a member of itself")
	ErrCannotRemoveCreator  = errors.New("cannot remove the group creator via this action")
	ErrCreatorMustBeManager = errors.New("group creator must hold manage access")

	// ErrUnrecognisedActor means the acting member has no record at all,
	// neither directly nor through any sub-group: they have never been
	// seen, so their claim to act cannot be evaluated.
	ErrUnrecognisedActor = errors.New("acting member has no record in this group")
	// ErrInactiveActor means the acting member has a record but is
	// currently removed.
	ErrInactiveActor = errors.New("acting member is not currently a member")
	// ErrInsufficientAccess means the acting member is a current member
	// but does not hold Manage access.
	ErrInsufficientAccess = errors.New("acting member does not hold manage access")
	// ErrUnrecognisedMember means the target of Remove/Promote/Demote has
	// no record at all.
	ErrUnrecognisedMember = errors.New("target member has no record in this group")
	// ErrInactiveMember means the target of Promote/Demote has a record
	// but is currently removed.
	ErrInactiveMember = errors.New("target member is not currently a member")
	// ErrAlreadyAdded means Add targeted a member who already holds
	// current membership.
	ErrAlreadyAdded = errors.New("member is already a current member")
	// ErrAlreadyRemoved means Remove targeted a member whose record
	// already shows them as not a current member.
	ErrAlreadyRemoved = errors.New("member is already removed")
	// ErrNoopMove means Promote/Demote was asked to move access in the
	// wrong direction (or to the access already held).
	ErrNoopMove = errors.New("promote/demote must move access in the requested direction")
)

// MemberRecord is one member's record within a group: their access, live
// membership flag, and a tombstone once removed. A removed member KEEPS
// its record with IsMember=false so that a later action referencing
// them (e.g. a concurrent remove racing an add) can be classified
// "already removed" rather than "unknown".
type MemberRecord struct {
	Member    GroupMember
	Access    Access
	IsMember  bool
	Condition Condition
}

// MembersState is the flat view of one group's membership at a single
// point in the operation graph: every member ever seen, whether they
// currently belong, and with what access.
type MembersState struct {
	GroupID ID
	Creator GroupMember
	Grants  map[GroupMember]MemberRecord
}

func newMembersState(groupID ID) MembersState {
	return MembersState{
		GroupID: groupID,
		Grants:  make(map[GroupMember]MemberRecord),
	}
}

// clone returns a deep-enough copy of s so the kernel's pure functions
// never mutate a caller's existing state in place.
func (s MembersState) clone() MembersState {
	out := MembersState{GroupID: s.GroupID, Creator: s.Creator, Grants: make(map[GroupMember]MemberRecord, len(s.Grants))}
	for k, v := range s.Grants {
		out.Grants[k] = v
	}
	return out
}

// Contains reports whether m is a CURRENT member of s (not merely a
// tombstoned former member).
func (s MembersState) Contains(m GroupMember) bool {
	rec, ok := s.Grants[m]
	return ok && rec.IsMember
}

// AccessOf returns m's current access and whether m is a current
// member at all; a tombstoned former member reports ok=false.
func (s MembersState) AccessOf(m GroupMember) (Access, bool) {
	rec, ok := s.Grants[m]
	if !ok || !rec.IsMember {
		return 0, false
	}
	return rec.Access, true
}

// RecordOf returns m's full record (live or tombstoned) and whether any
// record exists at all.
func (s MembersState) RecordOf(m GroupMember) (MemberRecord, bool) {
	rec, ok := s.Grants[m]
	return rec, ok
}

// DirectActorRecord resolves actor's record by direct lookup only (no
// sub-group traversal): the form every kernel caller that doesn't need
// transitive resolution (tests, single-flat-group callers) can use.
func DirectActorRecord(s MembersState, actor GroupMember) *MemberRecord {
	rec, ok := s.Grants[actor]
	if !ok {
		return nil
	}
	return &rec
}

// authorize resolves actorRecord's standing to perform a Manage-gated
// action: nil means "never seen" (ErrUnrecognisedActor), regardless of
// whether that's because they're truly unknown or because they were
// only ever reachable through a sub-group the CRDT layer didn't resolve.
func authorize(actorRecord *MemberRecord) error {
	if actorRecord == nil {
		return ErrUnrecognisedActor
	}
	if !actorRecord.IsMember {
		return ErrInactiveActor
	}
	if actorRecord.Access < AccessManage {
		return ErrInsufficientAccess
	}
	return nil
}

// Create returns the initial state of a brand-new group owned by
// creator, who is granted Manage access unconditionally. Create has no
// acting-member check: it is only ever valid as the first operation of
// a group's graph.
func Create(groupID ID, creator GroupMember) (MembersState, error) {
	if creator.IsGroup() && creator.ID == groupID {
		return MembersState{}, ErrSelfReferential
	}
	s := newMembersState(groupID)
	s.Creator = creator
	s.Grants[creator] = MemberRecord{Member: creator, Access: AccessManage, IsMember: true}
	return s, nil
}

// Add returns the state obtained by granting member access within s, on
// behalf of actorRecord (the acting member's resolved record — nil if
// they have no standing at all, direct or transitive). actorRecord must
// show a current Manage member.
func Add(s MembersState, actorRecord *MemberRecord, member GroupMember, access Access, cond Condition) (MembersState, error) {
	if err := authorize(actorRecord); err != nil {
		return s, err
	}
	if member.IsGroup() && member.ID == s.GroupID {
		return s, ErrSelfReferential
	}
	if rec, ok := s.Grants[member]; ok && rec.IsMember {
		return s, ErrAlreadyAdded
	}
	out := s.clone()
	out.Grants[member] = MemberRecord{Member: member, Access: access, IsMember: true, Condition: cond}
	return out, nil
}

// Remove returns the state obtained by revoking member's access in s, on
// behalf of actorRecord. Removing the creator through this action is
// rejected; group deletion is a separate concern the kernel does not
// model.
func Remove(s MembersState, actorRecord *MemberRecord, member GroupMember) (MembersState, error) {
	if err := authorize(actorRecord); err != nil {
		return s, err
	}
	rec, ok := s.Grants[member]
	if !ok {
		return s, ErrUnrecognisedMember
	}
	if !rec.IsMember {
		return s, ErrAlreadyRemoved
	}
	if member == s.Creator {
		return s, ErrCannotRemoveCreator
	}
	out := s.clone()
	rec.IsMember = false
	out.Grants[member] = rec
	return out, nil
}

// Promote raises member's access to newAccess, on behalf of actorRecord.
// Promoting a non-member, a removed member, or moving to an access that
// is not strictly higher is rejected.
func Promote(s MembersState, actorRecord *MemberRecord, member GroupMember, newAccess Access) (MembersState, error) {
	if err := authorize(actorRecord); err != nil {
		return s, err
	}
	rec, ok := s.Grants[member]
	if !ok {
		return s, ErrUnrecognisedMember
	}
	if !rec.IsMember {
		return s, ErrInactiveMember
	}
	if newAccess <= rec.Access {
		return s, ErrNoopMove
	}
	out := s.clone()
	rec.Access = newAccess
	out.Grants[member] = rec
	return out, nil
}

// Demote lowers member's access to newAccess, on behalf of actorRecord.
// The creator's access can never be demoted below Manage. Moving to an
// access that is not strictly lower is rejected.
func Demote(s MembersState, actorRecord *MemberRecord, member GroupMember, newAccess Access) (MembersState, error) {
	if err := authorize(actorRecord); err != nil {
		return s, err
	}
	rec, ok := s.Grants[member]
	if !ok {
		return s, ErrUnrecognisedMember
	}
	if !rec.IsMember {
		return s, ErrInactiveMember
	}
	if member == s.Creator && newAccess < AccessManage {
		return s, ErrCreatorMustBeManager
	}
	if newAccess >= rec.Access {
		return s, ErrNoopMove
	}
	out := s.clone()
	rec.Access = newAccess
	out.Grants[member] = rec
	return out, nil
}
