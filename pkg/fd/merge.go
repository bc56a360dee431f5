package fd

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/pkg/gms"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

// MergeDetector finds coexisting subgroups. Coordinators send INFO with
// their view to every known address outside it; a coordinator that hears
// from another coordinator asks its GMS to merge the two views.
type MergeDetector struct {
	cfg   Config
	group Group
	t     gms.Transport
	log   *zap.Logger
	peers func() []membership.Address

	mu    sync.Mutex
	known map[membership.Address]bool
	views map[membership.Address]heardView // other coordinators -> their last advertised view
}

type heardView struct {
	view *membership.View
	at   time.Time
}

// NewMergeDetector returns a detector that advertises to every member it
// has ever seen in a view plus whatever peers returns. peers may be nil.
func NewMergeDetector(group Group, t gms.Transport, cfg Config, peers func() []membership.Address, log *zap.Logger) *MergeDetector {
	if log == nil {
		log = zap.NewNop()
	}
	return &MergeDetector{
		cfg:   cfg.withDefaults(),
		group: group,
		t:     t,
		log:   log.Named("merge-detector").With(zap.Stringer("local", group.LocalAddress())),
		peers: peers,
		known: make(map[membership.Address]bool),
		views: make(map[membership.Address]heardView),
	}
}

func (d *MergeDetector) Run(ctx context.Context) {
	t := time.NewTicker(d.cfg.InfoInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			d.advertise(ctx)
			d.Check(now)
		}
	}
}

// ViewChanged remembers the members of v as future INFO targets.
func (d *MergeDetector) ViewChanged(v *membership.View) {
	if v == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range v.Members {
		d.known[m] = true
	}
}

// Targets returns the addresses INFO is sent to: everything known that is
// not in the current view.
func (d *MergeDetector) Targets() []membership.Address {
	self := d.group.LocalAddress()
	v := d.group.View()
	d.mu.Lock()
	set := maps.Clone(d.known)
	d.mu.Unlock()
	if d.peers != nil {
		for _, p := range d.peers() {
			set[p] = true
		}
	}
	var out []membership.Address
	for a := range set {
		if a != self && !v.Contains(a) {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return out
}

func (d *MergeDetector) advertise(ctx context.Context) {
	if !d.group.IsCoordinator() {
		return
	}
	v := d.group.View()
	msg := gms.Message{Kind: gms.KindInfo, From: d.group.LocalAddress(), View: v}
	for _, to := range d.Targets() {
		if err := send(ctx, d.t, d.cfg.SendTimeout, to, msg); err != nil {
			d.log.Debug("INFO not delivered", zap.Stringer("to", to), zap.Error(err))
		}
	}
}

// Observe records an INFO message. Only views advertised by their own
// coordinator are kept.
func (d *MergeDetector) Observe(msg gms.Message) {
	if msg.View == nil || msg.View.Coord() != msg.From || msg.From == d.group.LocalAddress() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range msg.View.Members {
		d.known[m] = true
	}
	if cur, ok := d.views[msg.From]; ok && cur.view.ID.ID > msg.View.ID.ID {
		return
	}
	d.views[msg.From] = heardView{view: msg.View, at: time.Now()}
}

// Check starts a merge when this member coordinates and has recently heard
// from other coordinators outside its view. It returns the views handed to
// Merge. Every view is used for one merge only; entries older than two info
// intervals are forgotten.
func (d *MergeDetector) Check(now time.Time) map[membership.Address]*membership.View {
	if !d.group.IsCoordinator() {
		return nil
	}
	own := d.group.View()
	if own == nil {
		return nil
	}
	d.mu.Lock()
	views := map[membership.Address]*membership.View{}
	maxAge := 2 * d.cfg.InfoInterval
	for coord, h := range d.views {
		delete(d.views, coord)
		if own.Contains(coord) || now.Sub(h.at) > maxAge {
			continue
		}
		views[coord] = h.view
	}
	d.mu.Unlock()
	if len(views) == 0 {
		return nil
	}
	views[own.Coord()] = own
	d.log.Info("found other subgroups, merging", zap.Int("views", len(views)))
	d.group.Merge(views)
	return views
}
