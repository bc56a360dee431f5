package fd

import (
	"context"
	"time"

	"github.com/ryandielhenn/zephyrgms/pkg/gms"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

// Group is the part of the membership layer the detectors report to.
type Group interface {
	LocalAddress() membership.Address
	View() *membership.View
	IsCoordinator() bool
	Suspect(mbrs ...membership.Address)
	Merge(views map[membership.Address]*membership.View)
}

type Config struct {
	Interval     time.Duration // heartbeat period
	SuspectAfter time.Duration // silence after which a member is suspected
	InfoInterval time.Duration // how often a coordinator advertises its view
	SendTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:     500 * time.Millisecond,
		SuspectAfter: 3 * time.Second,
		InfoInterval: 5 * time.Second,
		SendTimeout:  700 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.SuspectAfter <= 0 {
		c.SuspectAfter = d.SuspectAfter
	}
	if c.InfoInterval <= 0 {
		c.InfoInterval = d.InfoInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

func send(ctx context.Context, t gms.Transport, timeout time.Duration, to membership.Address, msg gms.Message) error {
	ctx2, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return t.Send(ctx2, to, msg)
}
