package gms

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/internal/telemetry"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

// participantImpl is the role of a member that is not the coordinator.
type participantImpl struct {
	g *GMS

	mu        sync.Mutex
	suspected []membership.Address
}

func (p *participantImpl) role() Role { return RoleParticipant }

func (p *participantImpl) join(context.Context, []membership.Address) error {
	p.g.log.Debug("already a member", zap.Stringer("view", p.g.View()))
	return nil
}

// leave runs the leave handshake with the coordinator, retrying when the
// acknowledgement came from someone else or the coordinator changed. The
// member is reset to client whatever the outcome.
func (p *participantImpl) leave(ctx context.Context) error {
	g := p.g
	g.leaving.Store(true)

	outcome := leaveTimeout
	for attempt := 1; attempt <= g.cfg.MaxLeaveAttempts; attempt++ {
		coord := g.Coordinator()
		if coord == "" {
			break
		}
		if coord == g.self {
			// Promoted while leaving.
			if g.takeOver(func(v *membership.View) bool { return v.Coord() == g.self }) {
				return g.impl().leave(ctx)
			}
			continue
		}
		outcome = g.sendLeaveReqToCoord(ctx, coord)
		if outcome == leaveAcked || ctx.Err() != nil {
			break
		}
		if outcome == leaveTimeout && g.Coordinator() == coord {
			break
		}
	}
	g.resetState()

	var err error
	if outcome != leaveAcked {
		err = fmt.Errorf("%w: last attempt ended in %s", ErrLeaveUnconfirmed, outcome)
	}
	recordLeave(err)
	return err
}

// handleJoinRequest redirects a joiner that contacted a non-coordinator.
func (p *participantImpl) handleJoinRequest(mbr membership.Address) {
	coord := p.g.Coordinator()
	p.g.log.Debug("redirecting joiner to coordinator", zap.Stringer("joiner", mbr), zap.Stringer("coord", coord))
	p.g.send(mbr, Message{Kind: KindJoinRsp, Coord: coord})
}

func (p *participantImpl) handleLeaveRequest(mbr membership.Address) {
	p.g.log.Debug("not coordinator, ignoring LEAVE_REQ", zap.Stringer("from", mbr))
}

// handleSuspect forwards suspicions to the coordinator, or takes over when
// every member ahead of us is suspected.
func (p *participantImpl) handleSuspect(mbrs []membership.Address) {
	g := p.g
	telemetry.Suspicions.Add(float64(len(mbrs)))
	p.mu.Lock()
	for _, m := range mbrs {
		if m != g.self && !slices.Contains(p.suspected, m) {
			p.suspected = append(p.suspected, m)
		}
	}
	suspected := slices.Clone(p.suspected)
	p.mu.Unlock()

	if g.takeOver(func(v *membership.View) bool { return firstUnsuspected(v, suspected) == g.self }) {
		g.log.Info("coordinator suspected, taking over", zap.Stringers("suspected", suspected))
		g.impl().handleSuspect(suspected)
		return
	}
	coord := g.View().Coord()
	if coord == "" {
		return
	}
	if slices.Contains(suspected, coord) {
		g.log.Debug("coordinator suspected, waiting for next in line", zap.Stringer("coord", coord))
		return
	}
	g.send(coord, Message{Kind: KindSuspect, Members: mbrs})
}

func (p *participantImpl) handleMembershipChange(batch []Request) error {
	p.g.log.Debug("not coordinator, dropping requests", zap.Int("n", len(batch)))
	return nil
}

func (p *participantImpl) merge(map[membership.Address]*membership.View) {
	p.g.log.Debug("not coordinator, ignoring merge")
}

func (p *participantImpl) viewInstalled(*membership.View) {
	p.mu.Lock()
	p.suspected = nil
	p.mu.Unlock()
}

func firstUnsuspected(v *membership.View, suspected []membership.Address) membership.Address {
	if v == nil {
		return ""
	}
	for _, m := range v.Members {
		if !slices.Contains(suspected, m) {
			return m
		}
	}
	return ""
}
