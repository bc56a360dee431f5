package membership

import "strings"

// Address identifies a member. For the gRPC transport it is the host:port the
// member listens on; in-process tests use plain names.
type Address string

func (a Address) String() string { return string(a) }

// Compare orders addresses lexically. Merge leaders and merged memberships
// are derived from this ordering, so it must be the same on every member.
func (a Address) Compare(b Address) int {
	return strings.Compare(string(a), string(b))
}

// IsZero reports whether a is the empty address.
func (a Address) IsZero() bool { return a == "" }
