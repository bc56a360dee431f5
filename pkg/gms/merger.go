package gms

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/internal/telemetry"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
	"github.com/ryandielhenn/zephyrgms/pkg/promise"
)

var errNothingToMerge = errors.New("fewer than two distinct views to merge")

// Merger reunites subgroups that formed during a partition. The coordinator
// with the lowest address leads: it collects every member's view and digest,
// consolidates them into one merge view and casts it. While a merge is
// active the view handler is suspended, so no other view change interleaves.
type Merger struct {
	g   *GMS
	log *zap.Logger

	mu       sync.Mutex
	active   *membership.MergeID
	killer   *time.Timer
	rsps     map[membership.Address]mergeData // leader only
	expected []membership.Address
	done     *promise.Promise[struct{}]
}

type mergeData struct {
	sender   membership.Address
	view     *membership.View
	digest   membership.Digest
	rejected bool
}

func newMerger(g *GMS) *Merger {
	return &Merger{g: g, log: g.log.Named("merger")}
}

// IsMerging reports whether a merge is in progress.
func (m *Merger) IsMerging() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

func (m *Merger) ActiveID() (membership.MergeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return membership.MergeID{}, false
	}
	return *m.active, true
}

// merge runs the leader side. It is called from the view handler.
func (m *Merger) merge(views map[membership.Address]*membership.View) {
	g := m.g
	subviews := slices.Collect(maps.Values(views))
	slices.SortFunc(subviews, func(a, b *membership.View) int { return a.Coord().Compare(b.Coord()) })
	var coords []membership.Address
	for _, v := range subviews {
		coords = appendUnique(coords, v.Coord())
	}
	if len(coords) < 2 {
		m.log.Debug("single coordinator, nothing to merge", zap.Stringers("coords", coords))
		return
	}
	if coords[0] != g.self {
		m.log.Debug("not merge leader", zap.Stringer("leader", coords[0]))
		return
	}

	id := membership.NewMergeID(g.self)
	if !m.begin(id) {
		m.log.Warn("merge already in progress, ignoring", zap.Stringer("merge_id", id))
		telemetry.MergeOutcomes.WithLabelValues("rejected").Inc()
		return
	}

	var expected []membership.Address
	for _, v := range subviews {
		for _, mbr := range v.Members {
			expected = appendUnique(expected, mbr)
		}
	}
	expected = appendUnique(expected, g.self)
	done := promise.New[struct{}]()
	m.mu.Lock()
	m.rsps = make(map[membership.Address]mergeData, len(expected))
	m.expected = expected
	m.done = done
	m.mu.Unlock()

	m.log.Info("merge started", zap.Stringer("merge_id", id), zap.Stringers("coords", coords))
	g.cast(expected, Message{Kind: KindMergeReq, MergeID: &id, Members: expected})

	if _, ok := done.Result(g.cfg.MergeTimeout); !ok {
		m.log.Warn("merge responses incomplete", zap.Stringer("merge_id", id), zap.Duration("timeout", g.cfg.MergeTimeout))
	}
	m.mu.Lock()
	rsps := slices.Collect(maps.Values(m.rsps))
	m.rsps, m.expected, m.done = nil, nil, nil
	m.mu.Unlock()

	var valid []mergeData
	for _, r := range rsps {
		if r.rejected || r.view == nil {
			m.log.Debug("merge response rejected", zap.Stringer("from", r.sender))
			continue
		}
		valid = append(valid, r)
	}

	mv, digest, err := consolidate(g.self, valid)
	if err != nil {
		m.log.Warn("cancelling merge", zap.Stringer("merge_id", id), zap.Int("responses", len(valid)), zap.Error(err))
		m.cancel(id, expected)
		telemetry.MergeOutcomes.WithLabelValues("cancelled").Inc()
		return
	}
	m.log.Info("casting merge view", zap.Stringer("merge_id", id), zap.Stringer("view", mv))
	g.cast(mv.Members, Message{Kind: KindMergeView, MergeID: &id, View: mv, Digest: digest})
	telemetry.MergeOutcomes.WithLabelValues("completed").Inc()
	if !mv.Contains(g.self) {
		m.clear(id)
	}
}

// begin marks id as the active merge. It fails when another merge is
// active. Starting a merge suspends the view handler and arms a killer that
// abandons the merge after twice the merge timeout.
func (m *Merger) begin(id membership.MergeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return *m.active == id
	}
	m.active = &id
	m.g.handler.Suspend()
	m.killer = time.AfterFunc(2*m.g.cfg.MergeTimeout, func() {
		if m.clear(id) {
			m.log.Warn("merge timed out, resuming view handling", zap.Stringer("merge_id", id))
			telemetry.MergeOutcomes.WithLabelValues("killed").Inc()
		}
	})
	return true
}

// clear ends the merge id if it is still the active one.
func (m *Merger) clear(id membership.MergeID) bool {
	m.mu.Lock()
	if m.active == nil || *m.active != id {
		m.mu.Unlock()
		return false
	}
	m.active = nil
	if m.killer != nil {
		m.killer.Stop()
		m.killer = nil
	}
	m.mu.Unlock()
	m.g.handler.Resume()
	return true
}

func (m *Merger) reset() {
	m.mu.Lock()
	wasActive := m.active != nil
	m.active = nil
	if m.killer != nil {
		m.killer.Stop()
		m.killer = nil
	}
	if m.done != nil {
		m.done.SetResult(struct{}{})
	}
	m.mu.Unlock()
	if wasActive {
		m.g.handler.Resume()
	}
}

func (m *Merger) cancel(id membership.MergeID, targets []membership.Address) {
	m.g.cast(slices.DeleteFunc(slices.Clone(targets), func(a membership.Address) bool { return a == m.g.self }),
		Message{Kind: KindMergeCancelled, MergeID: &id})
	m.clear(id)
}

func (m *Merger) handleMergeRequest(sender membership.Address, id membership.MergeID, expected []membership.Address) {
	g := m.g
	cur := g.state.Load()
	if cur.view == nil || !m.begin(id) {
		active, _ := m.ActiveID()
		m.log.Debug("rejecting merge request", zap.Stringer("from", sender), zap.Stringer("merge_id", id), zap.Stringer("active", active))
		g.send(sender, Message{Kind: KindMergeRsp, MergeID: &id, Rejected: true})
		return
	}
	m.log.Debug("joining merge", zap.Stringer("leader", sender), zap.Stringer("merge_id", id), zap.Int("expected", len(expected)))
	g.send(sender, Message{Kind: KindMergeRsp, MergeID: &id, View: cur.view, Digest: cur.digest})
}

func (m *Merger) handleMergeResponse(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || *m.active != *msg.MergeID || m.rsps == nil {
		m.g.drop(msg, "no matching merge")
		return
	}
	if !slices.Contains(m.expected, msg.From) {
		m.g.drop(msg, "unexpected responder")
		return
	}
	m.rsps[msg.From] = mergeData{sender: msg.From, view: msg.View, digest: msg.Digest, rejected: msg.Rejected}
	if len(m.rsps) >= len(m.expected) {
		m.done.SetResult(struct{}{})
	}
}

func (m *Merger) handleMergeView(msg Message) {
	id := *msg.MergeID
	if active, ok := m.ActiveID(); !ok || active != id {
		m.g.drop(msg, "no matching merge")
		return
	}
	if msg.View == nil {
		m.g.drop(msg, "missing view")
		return
	}
	m.g.installView(msg.View, msg.Digest)
	m.clear(id)
}

func (m *Merger) handleMergeCancelled(id membership.MergeID) {
	if m.clear(id) {
		m.log.Info("merge cancelled by leader", zap.Stringer("merge_id", id))
	}
}

// consolidate builds the merge view from the collected responses. Subviews
// are ordered by coordinator; members keep their subview order and only
// responders are included. The digest holds the highest seqno seen for each
// member of the new view.
func consolidate(creator membership.Address, rsps []mergeData) (*membership.View, membership.Digest, error) {
	responders := make(map[membership.Address]bool, len(rsps))
	byID := make(map[membership.ViewID]*membership.View)
	for _, r := range rsps {
		responders[r.sender] = true
		byID[r.view.ID] = r.view
	}
	subviews := slices.Collect(maps.Values(byID))
	if len(subviews) < 2 {
		return nil, nil, fmt.Errorf("%w: %d responses", errNothingToMerge, len(rsps))
	}
	slices.SortFunc(subviews, func(a, b *membership.View) int {
		if c := a.Coord().Compare(b.Coord()); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})

	var members []membership.Address
	var maxID uint64
	for _, sv := range subviews {
		maxID = max(maxID, sv.ID.ID)
		for _, mbr := range sv.Members {
			if responders[mbr] {
				members = appendUnique(members, mbr)
			}
		}
	}

	digest := membership.Digest{}
	for _, r := range rsps {
		digest = digest.Merge(r.digest)
	}
	digest = digest.Restrict(members)

	id := membership.ViewID{Creator: creator, ID: maxID + 1}
	return membership.NewMergeView(id, members, subviews), digest, nil
}
