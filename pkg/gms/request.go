package gms

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

// RequestType is the kind of membership change a Request asks for. The
// numeric values define the default priority order used by ByType.
type RequestType int

const (
	ReqJoin       RequestType = 1
	ReqLeave      RequestType = 2
	ReqSuspect    RequestType = 3
	ReqMerge      RequestType = 4
	ReqCoordLeave RequestType = 7
)

func (t RequestType) String() string {
	switch t {
	case ReqJoin:
		return "JOIN"
	case ReqLeave:
		return "LEAVE"
	case ReqSuspect:
		return "SUSPECT"
	case ReqMerge:
		return "MERGE"
	case ReqCoordLeave:
		return "COORD_LEAVE"
	default:
		return fmt.Sprintf("REQ(%d)", int(t))
	}
}

// Request is one queued membership change. Views is only set for ReqMerge
// and maps each conflicting coordinator to its view.
type Request struct {
	Type   RequestType
	Member membership.Address
	Views  map[membership.Address]*membership.View
}

func JoinRequest(mbr membership.Address) Request    { return Request{Type: ReqJoin, Member: mbr} }
func LeaveRequest(mbr membership.Address) Request   { return Request{Type: ReqLeave, Member: mbr} }
func SuspectRequest(mbr membership.Address) Request { return Request{Type: ReqSuspect, Member: mbr} }

func CoordLeaveRequest(mbr membership.Address) Request {
	return Request{Type: ReqCoordLeave, Member: mbr}
}

func MergeRequest(views map[membership.Address]*membership.View) Request {
	return Request{Type: ReqMerge, Views: maps.Clone(views)}
}

func (r Request) String() string {
	if r.Type != ReqMerge {
		return fmt.Sprintf("%s(%s)", r.Type, r.Member)
	}
	coords := slices.Sorted(maps.Keys(r.Views))
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = r.Views[c].ID.String()
	}
	return fmt.Sprintf("MERGE(%s)", strings.Join(parts, ", "))
}

// SameRequest reports whether b repeats a. Repeats are dropped on submission.
// Merge requests are never considered repeats.
func SameRequest(a, b Request) bool {
	return a.Type != ReqMerge && a.Type == b.Type && a.Member == b.Member
}

// CanBeProcessedTogether is the mergeability relation: joins, leaves,
// coordinator leaves and suspicions fold into one view change, except a join
// combined with a removal of the same member. A merge is always processed
// on its own. The relation is symmetric.
func CanBeProcessedTogether(a, b Request) bool {
	if a.Type == ReqMerge || b.Type == ReqMerge {
		return false
	}
	if a.Member == b.Member && (a.Type == ReqJoin) != (b.Type == ReqJoin) {
		return false
	}
	return true
}

// ByType orders requests by type value: JOIN, LEAVE, SUSPECT, MERGE,
// COORD_LEAVE. Regular leaves therefore sort before a coordinator leave.
func ByType(a, b Request) int {
	return cmp.Compare(a.Type, b.Type)
}

// ByTypeReversed puts a coordinator leave ahead of regular leaves.
func ByTypeReversed(a, b Request) int {
	return ByType(b, a)
}

// DefaultStrategy batches with the configured window and threshold and keeps
// arrival order.
func DefaultStrategy(cfg Config) Strategy[Request] {
	cfg = cfg.withDefaults()
	return Strategy[Request]{
		Window:   cfg.BatchWindow,
		MaxBatch: cfg.BatchSize,
		Match:    CanBeProcessedTogether,
		Equal:    SameRequest,
	}
}
