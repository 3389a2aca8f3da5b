// Package auth implements the membership kernel and the auth graph CRDT:
// a DAG of group-management operations that, resolved under arbitrary
// concurrency, yields each group's current and historical membership.
package auth

// Access is the total order of capabilities a member can hold within a
// group: Pull < Read < Write < Manage.
type Access int

const (
	// AccessPull lets a member fetch ciphertext but not decrypt it.
	AccessPull Access = iota
	// AccessRead lets a member decrypt group content.
	AccessRead
	// AccessWrite lets a member author new content.
	AccessWrite
	// AccessManage lets a member add, remove, promote or demote others.
	AccessManage
)

func (a Access) String() string {
	switch a {
	case AccessPull:
		return "pull"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessManage:
		return "manage"
	default:
		return "unknown"
	}
}

// AtLeast reports whether a grants at least the capabilities of other.
func (a Access) AtLeast(other Access) bool {
	return a >= other
}

// Condition annotates an access grant with an application-defined
// restriction. The kernel treats it as inert comparable data carried
// alongside the access level; callers that enforce conditions evaluate
// them at read time. The zero value means unconditional.
type Condition struct {
	// NotAfter is a unix-seconds expiry for the grant; zero means the
	// grant never expires.
	NotAfter int64
	// Tag is an opaque application label participating in comparison.
	Tag string
}

// IsZero reports whether the condition imposes no restriction.
func (c Condition) IsZero() bool { return c == Condition{} }

// Equal reports whether two conditions are identical, used when
// comparing concurrent grants.
func (c Condition) Equal(other Condition) bool { return c == other }
