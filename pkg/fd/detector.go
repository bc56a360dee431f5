package fd

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/pkg/gms"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

// Detector is a heartbeat failure detector over the members of the current
// view. A member is suspected once, when nothing was heard from it for
// SuspectAfter; it is reported again only after it is heard from.
type Detector struct {
	cfg   Config
	group Group
	t     gms.Transport
	log   *zap.Logger

	mu        sync.Mutex
	lastHeard map[membership.Address]time.Time
	suspected map[membership.Address]bool
}

func NewDetector(group Group, t gms.Transport, cfg Config, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		cfg:       cfg.withDefaults(),
		group:     group,
		t:         t,
		log:       log.Named("fd").With(zap.Stringer("local", group.LocalAddress())),
		lastHeard: make(map[membership.Address]time.Time),
		suspected: make(map[membership.Address]bool),
	}
}

// Run heartbeats and checks until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	t := time.NewTicker(d.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			d.heartbeat(ctx)
			d.Check(now)
		}
	}
}

func (d *Detector) heartbeat(ctx context.Context) {
	self := d.group.LocalAddress()
	v := d.group.View()
	if v == nil {
		return
	}
	msg := gms.Message{Kind: gms.KindHeartbeat, From: self}
	for _, m := range v.Members {
		if m == self {
			continue
		}
		go func(to membership.Address) {
			if err := send(ctx, d.t, d.cfg.SendTimeout, to, msg); err != nil {
				d.log.Debug("heartbeat failed", zap.Stringer("to", to), zap.Error(err))
			}
		}(m)
	}
}

// Observe records a sign of life from a member.
func (d *Detector) Observe(from membership.Address, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.lastHeard[from]; !ok {
		return
	}
	d.lastHeard[from] = now
	if d.suspected[from] {
		delete(d.suspected, from)
		d.log.Info("suspected member is alive again", zap.Stringer("member", from))
	}
}

// ViewChanged starts tracking new members and forgets departed ones. A nil
// view stops all tracking.
func (d *Detector) ViewChanged(v *membership.View) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for m := range d.lastHeard {
		if !v.Contains(m) {
			delete(d.lastHeard, m)
			delete(d.suspected, m)
		}
	}
	if v == nil {
		return
	}
	self := d.group.LocalAddress()
	for _, m := range v.Members {
		if _, ok := d.lastHeard[m]; !ok && m != self {
			d.lastHeard[m] = now
		}
	}
}

// Check suspects every tracked member silent for SuspectAfter as of now and
// returns those newly suspected.
func (d *Detector) Check(now time.Time) []membership.Address {
	d.mu.Lock()
	var out []membership.Address
	for m, last := range d.lastHeard {
		if d.suspected[m] || now.Sub(last) < d.cfg.SuspectAfter {
			continue
		}
		d.suspected[m] = true
		out = append(out, m)
	}
	d.mu.Unlock()

	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	d.log.Info("suspecting members", zap.Stringers("members", out))
	d.group.Suspect(out...)
	return out
}

// Suspected returns the members currently under suspicion.
func (d *Detector) Suspected() []membership.Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]membership.Address, 0, len(d.suspected))
	for m := range d.suspected {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}
