package membership

import (
	"fmt"
	"slices"
	"strings"
)

// ViewID versions a view. ID increases with every view installed in a group;
// Creator is the coordinator that produced it, so two coordinators racing on
// the same number still produce distinct ids.
type ViewID struct {
	Creator Address `json:"creator"`
	ID      uint64  `json:"id"`
}

// Compare orders view ids by number, then by creator.
func (v ViewID) Compare(o ViewID) int {
	switch {
	case v.ID < o.ID:
		return -1
	case v.ID > o.ID:
		return 1
	}
	return v.Creator.Compare(o.Creator)
}

func (v ViewID) String() string {
	return fmt.Sprintf("%s|%d", v.Creator, v.ID)
}

// View is an ordered membership snapshot. The first member is the
// coordinator. Subgroups is only set on views produced by a merge and lists
// the views that were merged.
type View struct {
	ID        ViewID    `json:"id"`
	Members   []Address `json:"members"`
	Subgroups []*View   `json:"subgroups,omitempty"`
}

// NewView copies members into a new view.
func NewView(id ViewID, members []Address) *View {
	return &View{ID: id, Members: slices.Clone(members)}
}

// NewMergeView is NewView for the result of a merge.
func NewMergeView(id ViewID, members []Address, subgroups []*View) *View {
	v := NewView(id, members)
	v.Subgroups = slices.Clone(subgroups)
	return v
}

// Coord returns the coordinator, or "" for an empty view.
func (v *View) Coord() Address {
	if v == nil || len(v.Members) == 0 {
		return ""
	}
	return v.Members[0]
}

func (v *View) Size() int {
	if v == nil {
		return 0
	}
	return len(v.Members)
}

func (v *View) Contains(a Address) bool {
	return v.IndexOf(a) >= 0
}

// IndexOf returns the rank of a in the view or -1.
func (v *View) IndexOf(a Address) int {
	if v == nil {
		return -1
	}
	return slices.Index(v.Members, a)
}

// MembersCopy returns a copy of the member list.
func (v *View) MembersCopy() []Address {
	if v == nil {
		return nil
	}
	return slices.Clone(v.Members)
}

func (v *View) IsMerge() bool {
	return v != nil && len(v.Subgroups) > 0
}

// SameMembers reports whether both views list the same members in the same order.
func (v *View) SameMembers(o *View) bool {
	if v == nil || o == nil {
		return v == o
	}
	return slices.Equal(v.Members, o.Members)
}

func (v *View) String() string {
	if v == nil {
		return "<nil>"
	}
	parts := make([]string, len(v.Members))
	for i, m := range v.Members {
		parts[i] = string(m)
	}
	s := fmt.Sprintf("[%s] (%d) [%s]", v.ID, len(v.Members), strings.Join(parts, ", "))
	if v.IsMerge() {
		s = "MergeView::" + s
	}
	return s
}
