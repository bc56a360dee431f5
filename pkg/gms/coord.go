package gms

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/internal/telemetry"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
	"github.com/ryandielhenn/zephyrgms/pkg/promise"
)

// coordImpl is the role of the first member of the view. It alone turns
// queued requests into new views.
type coordImpl struct {
	g *GMS

	// leaveDone is set while the coordinator itself is leaving and receives
	// the coordinator of the view that excluded it.
	leaveDone atomic.Pointer[promise.Promise[membership.Address]]

	mu    sync.Mutex
	acked []membership.Address // LEAVE_RSP sent, not yet excluded by a view
}

func (c *coordImpl) role() Role { return RoleCoordinator }

func (c *coordImpl) join(context.Context, []membership.Address) error {
	c.g.log.Debug("already coordinator", zap.Stringer("view", c.g.View()))
	return nil
}

// leave hands the group over to the next member. A singleton group simply
// dissolves. Requests still queued when the leave view is out are forwarded
// to the new coordinator.
func (c *coordImpl) leave(ctx context.Context) error {
	g := c.g
	g.leaving.Store(true)
	if g.View().Size() <= 1 {
		g.log.Info("last member leaving, dissolving group")
		g.resetState()
		recordLeave(nil)
		return nil
	}

	p := promise.New[membership.Address]()
	c.leaveDone.Store(p)
	g.submit(CoordLeaveRequest(g.self))

	wctx, cancel := context.WithTimeout(ctx, g.cfg.LeaveTimeout)
	newCoord, err := p.Wait(wctx)
	cancel()

	if pending := g.handler.Drain(); err == nil {
		g.forward(newCoord, pending)
	} else if len(pending) > 0 {
		g.log.Warn("dropping queued requests, no successor known", zap.Int("n", len(pending)))
	}
	g.resetState()

	if err != nil {
		err = fmt.Errorf("%w: leave view not cast within %s", ErrLeaveUnconfirmed, g.cfg.LeaveTimeout)
	}
	recordLeave(err)
	return err
}

func (c *coordImpl) handleJoinRequest(mbr membership.Address) {
	c.g.submit(JoinRequest(mbr))
}

// handleLeaveRequest acknowledges at once; the member is removed with the
// next view.
func (c *coordImpl) handleLeaveRequest(mbr membership.Address) {
	if mbr == c.g.self {
		return
	}
	c.mu.Lock()
	c.acked = appendUnique(c.acked, mbr)
	c.mu.Unlock()
	c.g.send(mbr, Message{Kind: KindLeaveRsp})
	c.g.submit(LeaveRequest(mbr))
}

// pruneAcked forgets acknowledged leavers that v no longer contains and
// returns the ones still in it.
func (c *coordImpl) pruneAcked(v *membership.View) []membership.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = slices.DeleteFunc(c.acked, func(m membership.Address) bool { return !v.Contains(m) })
	return slices.Clone(c.acked)
}

func (c *coordImpl) handleSuspect(mbrs []membership.Address) {
	telemetry.Suspicions.Add(float64(len(mbrs)))
	for _, m := range mbrs {
		if m == c.g.self {
			c.g.log.Warn("coordinator suspected itself, ignoring")
			continue
		}
		c.g.submit(SuspectRequest(m))
	}
}

func (c *coordImpl) merge(views map[membership.Address]*membership.View) {
	c.g.submit(MergeRequest(views))
}

func (c *coordImpl) viewInstalled(*membership.View) {}

// handleMembershipChange turns one batch from the view handler into at most
// one new view and casts it.
func (c *coordImpl) handleMembershipChange(batch []Request) error {
	g := c.g
	if len(batch) == 1 && batch[0].Type == ReqMerge {
		g.merger.merge(batch[0].Views)
		return nil
	}

	var joiners, leavers, suspects []membership.Address
	selfLeaving := false
	for _, r := range batch {
		switch r.Type {
		case ReqJoin:
			joiners = appendUnique(joiners, r.Member)
		case ReqLeave:
			leavers = appendUnique(leavers, r.Member)
		case ReqCoordLeave:
			leavers = appendUnique(leavers, r.Member)
			selfLeaving = selfLeaving || r.Member == g.self
		case ReqSuspect:
			suspects = appendUnique(suspects, r.Member)
		default:
			return fmt.Errorf("cannot batch %s with %d other requests", r, len(batch)-1)
		}
	}

	cur := g.state.Load()
	if cur.view == nil {
		g.log.Debug("no view installed, dropping requests", zap.Int("n", len(batch)))
		return nil
	}
	if selfLeaving {
		// Members already told their leave is done must not be handed the group.
		for _, m := range c.pruneAcked(cur.view) {
			leavers = appendUnique(leavers, m)
		}
	}

	joiners = slices.DeleteFunc(joiners, func(m membership.Address) bool {
		if m == g.self {
			return true
		}
		if cur.view.Contains(m) {
			g.log.Debug("joiner already a member, resending view", zap.Stringer("joiner", m))
			g.send(m, Message{Kind: KindJoinRsp, View: cur.view, Digest: cur.digest})
			return true
		}
		return false
	})
	leavers = slices.DeleteFunc(leavers, func(m membership.Address) bool { return !cur.view.Contains(m) })
	suspects = slices.DeleteFunc(suspects, func(m membership.Address) bool {
		if m == g.self {
			g.log.Warn("ignoring suspicion of self")
			return true
		}
		return !cur.view.Contains(m)
	})
	if len(joiners)+len(leavers)+len(suspects) == 0 {
		g.log.Debug("batch changes nothing", zap.Int("n", len(batch)))
		return nil
	}

	nv := g.nextView(cur.view, joiners, leavers, suspects)
	digest := cur.digest.Restrict(nv.Members)
	g.log.Info("new view",
		zap.Stringer("view", nv),
		zap.Stringers("joined", joiners),
		zap.Stringers("left", leavers),
		zap.Stringers("suspected", suspects))

	c.pruneAcked(nv)
	if !nv.Contains(g.self) {
		// From here on this member only forwards.
		g.left.Store(nv)
	}
	if nv.Size() == 0 {
		if selfLeaving {
			c.leaveCompleted("")
		}
		return nil
	}

	var targets []membership.Address
	for _, m := range append(slices.Clone(cur.view.Members), nv.Members...) {
		if m != g.self {
			targets = appendUnique(targets, m)
		}
	}
	g.cast(targets, Message{Kind: KindView, View: nv, Digest: digest})
	for _, j := range joiners {
		g.send(j, Message{Kind: KindJoinRsp, View: nv, Digest: digest})
	}

	if nv.Contains(g.self) {
		g.installView(nv, digest)
	} else if selfLeaving {
		c.leaveCompleted(nv.Coord())
	}
	return nil
}

func (c *coordImpl) leaveCompleted(newCoord membership.Address) {
	if p := c.leaveDone.Load(); p != nil {
		p.SetResult(newCoord)
	}
}

func appendUnique(s []membership.Address, a membership.Address) []membership.Address {
	if slices.Contains(s, a) {
		return s
	}
	return append(s, a)
}
