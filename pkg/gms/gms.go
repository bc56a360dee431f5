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

// Transport sends a control message to one member. Delivery of inbound
// messages is the transport's business; it hands them to GMS.Receive.
type Transport interface {
	Send(ctx context.Context, to membership.Address, msg Message) error
}

type Option func(*options)

type options struct {
	log       *zap.Logger
	strategy  *Strategy[Request]
	listeners []func(*membership.View)
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithStrategy replaces the view handler's batching and ordering strategy.
func WithStrategy(s Strategy[Request]) Option {
	return func(o *options) { o.strategy = &s }
}

// WithViewListener registers fn to be called after every view installation,
// and with nil when the member leaves.
func WithViewListener(fn func(*membership.View)) Option {
	return func(o *options) { o.listeners = append(o.listeners, fn) }
}

type installed struct {
	view   *membership.View
	digest membership.Digest
}

type roleRef struct{ impl }

// GMS is the membership protocol instance of one member.
type GMS struct {
	self      membership.Address
	cfg       Config
	log       *zap.Logger
	transport Transport
	handler   *ViewHandler[Request]
	merger    *Merger
	listeners []func(*membership.View)

	installMu sync.Mutex
	state     atomic.Pointer[installed]
	ltime     uint64 // highest view number installed or created; guarded by installMu
	installs  atomic.Uint64

	role    atomic.Pointer[roleRef]
	leaving atomic.Bool
	left    atomic.Pointer[membership.View] // view that excluded this coordinator; cleared on join
	closed  atomic.Bool

	joinPromise  atomic.Pointer[promise.Promise[JoinResponse]]
	leavePromise atomic.Pointer[promise.Promise[membership.Address]]
}

func New(self membership.Address, t Transport, cfg Config, opts ...Option) *GMS {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	strategy := DefaultStrategy(cfg)
	if o.strategy != nil {
		strategy = *o.strategy
	}

	g := &GMS{
		self:      self,
		cfg:       cfg,
		log:       o.log.Named("gms").With(zap.Stringer("local", self)),
		transport: t,
		listeners: o.listeners,
	}
	g.handler = NewViewHandler(g.processRequests, strategy, g.log)
	g.merger = newMerger(g)
	g.state.Store(&installed{})
	g.joinPromise.Store(promise.New[JoinResponse]())
	g.leavePromise.Store(promise.New[membership.Address]())
	g.role.Store(&roleRef{&clientImpl{g: g}})
	return g
}

func (g *GMS) LocalAddress() membership.Address { return g.self }

// View returns the installed view, or nil when not a member.
func (g *GMS) View() *membership.View { return g.state.Load().view }

// Digest returns a copy of the digest installed with the current view.
func (g *GMS) Digest() membership.Digest { return g.state.Load().digest.Copy() }

// Coordinator returns the coordinator of the installed view.
func (g *GMS) Coordinator() membership.Address { return g.View().Coord() }

func (g *GMS) Role() Role { return g.impl().role() }

func (g *GMS) IsCoordinator() bool { return g.Role() == RoleCoordinator }

func (g *GMS) IsLeaving() bool { return g.leaving.Load() }

// ViewHandler exposes the request queue, mainly to pause it or wait for it.
func (g *GMS) ViewHandler() *ViewHandler[Request] { return g.handler }

func (g *GMS) impl() impl { return g.role.Load().impl }

func (g *GMS) String() string {
	return fmt.Sprintf("%s (%s) view=%s", g.self, g.Role(), g.View())
}

// RequestToJoin joins the group through one of contacts. With no contacts
// (other than this member) it founds a new group as its coordinator.
func (g *GMS) RequestToJoin(ctx context.Context, contacts ...membership.Address) error {
	if g.closed.Load() {
		return ErrClosed
	}
	g.left.Store(nil)
	return g.impl().join(ctx, contacts)
}

// RequestToLeave leaves the group gracefully. The member always ends up
// without a view; ErrLeaveUnconfirmed means the coordinator never
// acknowledged and removal is left to failure detection.
func (g *GMS) RequestToLeave(ctx context.Context) error {
	if g.closed.Load() {
		return ErrClosed
	}
	return g.impl().leave(ctx)
}

// Merge starts a merge of the given conflicting views, keyed by their
// coordinators. Only a coordinator acts on it.
func (g *GMS) Merge(views map[membership.Address]*membership.View) {
	if g.closed.Load() {
		return
	}
	for c, v := range views {
		if v == nil || v.Size() == 0 {
			g.log.Warn("ignoring merge with empty view", zap.Stringer("coord", c))
			return
		}
	}
	g.impl().merge(views)
}

// Suspect reports members the failure detector believes have crashed.
func (g *GMS) Suspect(mbrs ...membership.Address) {
	if g.closed.Load() || len(mbrs) == 0 {
		return
	}
	g.impl().handleSuspect(mbrs)
}

// Close stops the member without a leave handshake.
func (g *GMS) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	g.handler.Close()
	g.merger.reset()
	return nil
}

// Receive dispatches one inbound control message. It may be called
// concurrently for messages from different senders.
func (g *GMS) Receive(msg Message) {
	if g.closed.Load() {
		return
	}
	telemetry.MessagesReceived.WithLabelValues(msg.Kind.String()).Inc()
	r := g.impl()

	switch msg.Kind {
	case KindJoinReq:
		mbr := msg.Member
		if mbr == "" {
			mbr = msg.From
		}
		r.handleJoinRequest(mbr)
	case KindJoinRsp:
		g.handleJoinResponse(msg)
	case KindLeaveReq:
		mbr := msg.Member
		if mbr == "" {
			mbr = msg.From
		}
		r.handleLeaveRequest(mbr)
	case KindLeaveRsp:
		g.handleLeaveResponse(msg)
	case KindView:
		g.handleView(msg)
	case KindSuspect:
		r.handleSuspect(msg.Members)
	case KindMergeReq, KindMergeRsp, KindMergeView, KindMergeCancelled:
		if r.role() == RoleClient {
			g.drop(msg, "not a member")
			return
		}
		if msg.MergeID == nil {
			g.drop(msg, "missing merge id")
			return
		}
		switch msg.Kind {
		case KindMergeReq:
			g.merger.handleMergeRequest(msg.From, *msg.MergeID, msg.Members)
		case KindMergeRsp:
			g.merger.handleMergeResponse(msg)
		case KindMergeView:
			g.merger.handleMergeView(msg)
		case KindMergeCancelled:
			g.merger.handleMergeCancelled(*msg.MergeID)
		}
	default:
		g.drop(msg, "unexpected kind")
	}
}

func (g *GMS) drop(msg Message, reason string) {
	telemetry.MessagesDropped.WithLabelValues(msg.Kind.String(), reason).Inc()
	g.log.Debug("dropping message", zap.Stringer("msg", msg), zap.String("reason", reason))
}

func (g *GMS) handleJoinResponse(msg Message) {
	if g.Role() != RoleClient {
		g.drop(msg, "already a member")
		return
	}
	g.joinPromise.Load().SetResult(JoinResponse{View: msg.View, Digest: msg.Digest, Coord: msg.Coord})
}

func (g *GMS) handleLeaveResponse(msg Message) {
	if !g.leaving.Load() {
		g.drop(msg, "not leaving")
		return
	}
	if !g.leavePromise.Load().SetResult(msg.From) {
		g.drop(msg, "duplicate")
	}
}

func (g *GMS) handleView(msg Message) {
	v := msg.View
	if v == nil {
		g.drop(msg, "missing view")
		return
	}
	if msg.From != v.ID.Creator {
		g.drop(msg, "not sent by view creator")
		return
	}
	if g.Role() == RoleClient {
		// A joiner may see its first view before the JOIN_RSP.
		if v.Contains(g.self) {
			g.joinPromise.Load().SetResult(JoinResponse{View: v, Digest: msg.Digest})
			return
		}
		g.drop(msg, "not a member")
		return
	}
	g.installView(v, msg.Digest)
}

// installView makes v the current view if it is newer than the installed one
// and includes this member, and switches role to match v.
func (g *GMS) installView(v *membership.View, d membership.Digest) bool {
	g.installMu.Lock()
	if g.left.Load() != nil {
		g.installMu.Unlock()
		g.log.Debug("left the group, ignoring view", zap.Stringer("view", v))
		return false
	}
	cur := g.state.Load()
	if cur.view != nil && v.ID.ID <= cur.view.ID.ID {
		g.installMu.Unlock()
		telemetry.MessagesDropped.WithLabelValues(KindView.String(), "stale view").Inc()
		g.log.Debug("discarding stale view", zap.Stringer("view", v.ID), zap.Stringer("current", cur.view.ID))
		return false
	}
	if !v.Contains(g.self) {
		g.installMu.Unlock()
		if g.leaving.Load() {
			g.log.Debug("not a member of view while leaving, ignoring", zap.Stringer("view", v))
		} else {
			g.log.Warn("not a member of view, ignoring", zap.Stringer("view", v))
		}
		return false
	}
	g.state.Store(&installed{view: v, digest: d.Restrict(v.Members)})
	g.ltime = max(g.ltime, v.ID.ID)
	g.installs.Add(1)

	if v.Coord() == g.self {
		if g.Role() != RoleCoordinator {
			g.becomeCoordinator()
		}
	} else if g.Role() != RoleParticipant {
		g.becomeParticipant()
	}
	g.impl().viewInstalled(v)
	g.installMu.Unlock()

	telemetry.ViewsInstalled.Inc()
	telemetry.ViewSize.Set(float64(v.Size()))
	telemetry.ViewNumber.Set(float64(v.ID.ID))
	g.log.Info("installed view", zap.Stringer("view", v))
	g.notify(v)
	return true
}

// nextView derives the view following cur. Its number exceeds every view
// this member has installed or created.
func (g *GMS) nextView(cur *membership.View, joiners, leavers, suspects []membership.Address) *membership.View {
	g.installMu.Lock()
	id := max(cur.ID.ID, g.ltime) + 1
	g.ltime = id
	g.installMu.Unlock()

	members := make([]membership.Address, 0, cur.Size()+len(joiners))
	for _, m := range cur.Members {
		if !slices.Contains(leavers, m) && !slices.Contains(suspects, m) {
			members = append(members, m)
		}
	}
	for _, j := range joiners {
		if !slices.Contains(members, j) {
			members = append(members, j)
		}
	}
	return membership.NewView(membership.ViewID{Creator: g.self, ID: id}, members)
}

// becomeSingleton founds a group containing only this member.
func (g *GMS) becomeSingleton() {
	g.installMu.Lock()
	id := g.ltime + 1
	g.installMu.Unlock()
	v := membership.NewView(membership.ViewID{Creator: g.self, ID: id}, []membership.Address{g.self})
	g.installView(v, membership.NewDigest(v.Members))
	g.log.Info("created group", zap.Stringer("view", v))
}

func (g *GMS) becomeCoordinator() { g.setRole(&coordImpl{g: g}) }

func (g *GMS) becomeParticipant() { g.setRole(&participantImpl{g: g}) }

func (g *GMS) becomeClient() { g.setRole(&clientImpl{g: g}) }

func (g *GMS) setRole(r impl) {
	prev := g.role.Swap(&roleRef{r})
	telemetry.RoleChanges.WithLabelValues(r.role().String()).Inc()
	g.log.Info("role changed", zap.Stringer("from", prev.role()), zap.Stringer("to", r.role()))
}

// resetState drops the view and everything queued; the member is back to
// the pre-join state.
func (g *GMS) resetState() {
	g.installMu.Lock()
	g.state.Store(&installed{})
	g.installMu.Unlock()

	g.handler.Drain()
	g.merger.reset()
	g.becomeClient()
	g.leaving.Store(false)
	telemetry.ViewSize.Set(0)
	g.notify(nil)
}

func (g *GMS) notify(v *membership.View) {
	for _, fn := range g.listeners {
		fn(v)
	}
}

func (g *GMS) processRequests(batch []Request) error {
	if v := g.left.Load(); v != nil {
		g.forward(v.Coord(), batch)
		return nil
	}
	return g.impl().handleMembershipChange(batch)
}

// forward hands requests a departed coordinator still holds to its
// successor. Its own requests and merges are dropped.
func (g *GMS) forward(to membership.Address, pending []Request) {
	if to == "" {
		if len(pending) > 0 {
			g.log.Warn("dropping queued requests, group dissolved", zap.Int("n", len(pending)))
		}
		return
	}
	for _, r := range pending {
		if r.Member == g.self {
			continue
		}
		switch r.Type {
		case ReqJoin:
			g.send(to, Message{Kind: KindJoinReq, Member: r.Member})
		case ReqLeave:
			g.send(to, Message{Kind: KindLeaveReq, Member: r.Member})
		case ReqSuspect:
			g.send(to, Message{Kind: KindSuspect, Members: []membership.Address{r.Member}})
		default:
			continue
		}
		g.log.Debug("forwarded request to new coordinator", zap.Stringer("req", r), zap.Stringer("coord", to))
	}
}

// takeOver switches to the coordinator role if cond holds for the installed
// view. Like installView it holds installMu while switching.
func (g *GMS) takeOver(cond func(v *membership.View) bool) bool {
	g.installMu.Lock()
	defer g.installMu.Unlock()
	if g.left.Load() != nil || !cond(g.View()) {
		return false
	}
	if g.Role() != RoleCoordinator {
		g.becomeCoordinator()
	}
	return true
}

func (g *GMS) submit(reqs ...Request) {
	for _, r := range reqs {
		telemetry.ViewRequests.WithLabelValues(r.Type.String()).Inc()
	}
	g.handler.Add(reqs...)
}

func (g *GMS) send(to membership.Address, msg Message) {
	msg.From = g.self
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.SendTimeout)
	defer cancel()
	if err := g.transport.Send(ctx, to, msg); err != nil {
		g.log.Debug("send failed", zap.Stringer("to", to), zap.Stringer("kind", msg.Kind), zap.Error(err))
	}
}

// cast sends msg to every target and returns once all sends completed.
func (g *GMS) cast(targets []membership.Address, msg Message) {
	var wg sync.WaitGroup
	for _, to := range targets {
		wg.Add(1)
		go func(to membership.Address) {
			defer wg.Done()
			g.send(to, msg)
		}(to)
	}
	wg.Wait()
}
