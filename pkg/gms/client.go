package gms

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/pkg/membership"
	"github.com/ryandielhenn/zephyrgms/pkg/promise"
)

// clientImpl is the role of a process that holds no view.
type clientImpl struct {
	g *GMS
}

func (c *clientImpl) role() Role { return RoleClient }

func (c *clientImpl) join(ctx context.Context, contacts []membership.Address) error {
	g := c.g
	var others []membership.Address
	for _, a := range contacts {
		if a != g.self && a != "" && !slices.Contains(others, a) {
			others = append(others, a)
		}
	}
	if len(others) == 0 {
		g.becomeSingleton()
		return nil
	}

	next := 0
	target := others[0]
	for attempt := 1; attempt <= g.cfg.MaxJoinAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := promise.New[JoinResponse]()
		g.joinPromise.Store(p)
		g.log.Debug("sending JOIN_REQ", zap.Stringer("to", target), zap.Int("attempt", attempt))
		g.send(target, Message{Kind: KindJoinReq, Member: g.self})

		wctx, cancel := context.WithTimeout(ctx, g.cfg.JoinTimeout)
		rsp, err := p.Wait(wctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.log.Warn("join timed out", zap.Stringer("contact", target), zap.Duration("timeout", g.cfg.JoinTimeout))
			next++
			target = others[next%len(others)]
			continue
		}
		if rsp.View == nil {
			if rsp.Coord != "" && rsp.Coord != g.self {
				g.log.Debug("redirected to coordinator", zap.Stringer("coord", rsp.Coord))
				target = rsp.Coord
			}
			continue
		}
		if !rsp.View.Contains(g.self) {
			g.log.Warn("join response view does not include us", zap.Stringer("view", rsp.View))
			continue
		}
		if g.installView(rsp.View, rsp.Digest) || g.View().Contains(g.self) {
			return nil
		}
	}
	return fmt.Errorf("%w: no usable response from %v after %d attempts", ErrJoinFailed, others, g.cfg.MaxJoinAttempts)
}

func (c *clientImpl) leave(context.Context) error { return ErrNotMember }

func (c *clientImpl) handleJoinRequest(mbr membership.Address) {
	c.g.log.Debug("not a member, ignoring JOIN_REQ", zap.Stringer("from", mbr))
}

func (c *clientImpl) handleLeaveRequest(mbr membership.Address) {
	c.g.log.Debug("not a member, ignoring LEAVE_REQ", zap.Stringer("from", mbr))
}

func (c *clientImpl) handleSuspect([]membership.Address) {}

func (c *clientImpl) handleMembershipChange(batch []Request) error {
	c.g.log.Debug("not a member, dropping requests", zap.Int("n", len(batch)))
	return nil
}

func (c *clientImpl) merge(map[membership.Address]*membership.View) {}

func (c *clientImpl) viewInstalled(*membership.View) {}
