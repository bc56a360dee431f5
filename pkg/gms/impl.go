package gms

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/internal/telemetry"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
	"github.com/ryandielhenn/zephyrgms/pkg/promise"
)

type Role int

const (
	RoleClient Role = iota
	RoleParticipant
	RoleCoordinator
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleParticipant:
		return "participant"
	case RoleCoordinator:
		return "coordinator"
	default:
		return "unknown"
	}
}

// impl is the role-specific half of the protocol. GMS swaps the active impl
// as the member joins, is promoted, or leaves.
type impl interface {
	role() Role
	join(ctx context.Context, contacts []membership.Address) error
	leave(ctx context.Context) error
	handleJoinRequest(mbr membership.Address)
	handleLeaveRequest(mbr membership.Address)
	handleSuspect(mbrs []membership.Address)
	handleMembershipChange(batch []Request) error
	merge(views map[membership.Address]*membership.View)
	viewInstalled(v *membership.View)
}

type leaveOutcome int

const (
	leaveAcked leaveOutcome = iota
	leaveMismatch
	leaveTimeout
)

func (o leaveOutcome) String() string {
	switch o {
	case leaveAcked:
		return "acked"
	case leaveMismatch:
		return "mismatch"
	default:
		return "timeout"
	}
}

// sendLeaveReqToCoord asks coord to remove this member and waits up to
// LeaveTimeout for its LEAVE_RSP.
func (g *GMS) sendLeaveReqToCoord(ctx context.Context, coord membership.Address) leaveOutcome {
	p := promise.New[membership.Address]()
	g.leavePromise.Store(p)
	g.leaving.Store(true)

	start := time.Now()
	g.send(coord, Message{Kind: KindLeaveReq, Member: g.self})

	wctx, cancel := context.WithTimeout(ctx, g.cfg.LeaveTimeout)
	sender, err := p.Wait(wctx)
	cancel()

	log := g.log.With(zap.Stringer("coord", coord), zap.Duration("elapsed", time.Since(start)))
	switch {
	case err != nil:
		log.Warn("no LEAVE_RSP from coordinator", zap.Error(err))
		return leaveTimeout
	case sender != coord:
		log.Warn("LEAVE_RSP from unexpected sender", zap.Stringer("sender", sender))
		return leaveMismatch
	default:
		log.Debug("leave acknowledged")
		return leaveAcked
	}
}

func recordLeave(err error) {
	if err != nil {
		telemetry.LeaveOutcomes.WithLabelValues("unconfirmed").Inc()
		return
	}
	telemetry.LeaveOutcomes.WithLabelValues("confirmed").Inc()
}
