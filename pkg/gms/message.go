package gms

import (
	"fmt"

	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

// Kind tags a control message.
type Kind uint8

const (
	KindJoinReq Kind = iota + 1
	KindJoinRsp
	KindLeaveReq
	KindLeaveRsp
	KindView
	KindMergeReq
	KindMergeRsp
	KindMergeView
	KindMergeCancelled
	KindSuspect

	// Consumed by the failure and merge detectors, not by the GMS.
	KindHeartbeat
	KindInfo
)

var kindNames = map[Kind]string{
	KindJoinReq:        "JOIN_REQ",
	KindJoinRsp:        "JOIN_RSP",
	KindLeaveReq:       "LEAVE_REQ",
	KindLeaveRsp:       "LEAVE_RSP",
	KindView:           "VIEW",
	KindMergeReq:       "MERGE_REQUEST",
	KindMergeRsp:       "MERGE_RESPONSE",
	KindMergeView:      "MERGE_VIEW",
	KindMergeCancelled: "MERGE_CANCELLED",
	KindSuspect:        "SUSPECT",
	KindHeartbeat:      "HEARTBEAT",
	KindInfo:           "INFO",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Message is the single envelope for all control traffic. Which fields are
// set depends on Kind:
//
//	JOIN_REQ         Member
//	JOIN_RSP         View, Digest; or only Coord when redirecting
//	LEAVE_REQ        Member
//	LEAVE_RSP        (sender only)
//	VIEW             View, Digest
//	MERGE_REQUEST    MergeID, Members (expected responders)
//	MERGE_RESPONSE   MergeID, View, Digest, Rejected
//	MERGE_VIEW       MergeID, View, Digest
//	MERGE_CANCELLED  MergeID
//	SUSPECT          Members
//	INFO             View
type Message struct {
	Kind     Kind                 `json:"kind"`
	From     membership.Address   `json:"from"`
	Member   membership.Address   `json:"member,omitempty"`
	Members  []membership.Address `json:"members,omitempty"`
	View     *membership.View     `json:"view,omitempty"`
	Digest   membership.Digest    `json:"digest,omitempty"`
	MergeID  *membership.MergeID  `json:"merge_id,omitempty"`
	Rejected bool                 `json:"rejected,omitempty"`
	Coord    membership.Address   `json:"coord,omitempty"`
}

func (m Message) String() string {
	s := fmt.Sprintf("%s from=%s", m.Kind, m.From)
	if m.Member != "" {
		s += fmt.Sprintf(" member=%s", m.Member)
	}
	if m.View != nil {
		s += fmt.Sprintf(" view=%s", m.View.ID)
	}
	if m.MergeID != nil {
		s += fmt.Sprintf(" merge_id=%s", *m.MergeID)
	}
	if m.Rejected {
		s += " rejected"
	}
	return s
}

// JoinResponse is what a joining client waits for.
type JoinResponse struct {
	View   *membership.View
	Digest membership.Digest
	Coord  membership.Address // redirect hint when View is nil
}
