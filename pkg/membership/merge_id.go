package membership

import (
	"fmt"
	"sync/atomic"
	"time"
)

var mergeSeq atomic.Uint64

// MergeID scopes one merge attempt. Merge traffic carrying any other id than
// the one a member is currently taking part in is rejected or dropped.
type MergeID struct {
	Creator Address `json:"creator"`
	ID      uint64  `json:"id"`
}

// NewMergeID returns an id unique to creator across restarts of the process.
func NewMergeID(creator Address) MergeID {
	return MergeID{Creator: creator, ID: uint64(time.Now().UnixNano()) + mergeSeq.Add(1)}
}

func (m MergeID) String() string {
	return fmt.Sprintf("%s::%d", m.Creator, m.ID)
}
