package gms

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/pkg/membership"
	"github.com/ryandielhenn/zephyrgms/pkg/transport"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JoinTimeout = 500 * time.Millisecond
	cfg.LeaveTimeout = time.Second
	cfg.MergeTimeout = 500 * time.Millisecond
	cfg.SendTimeout = 200 * time.Millisecond
	return cfg
}

type testCluster struct {
	t       *testing.T
	net     *transport.Network[Message]
	cfg     Config
	opts    []Option
	members []*GMS
}

func newNetwork(t *testing.T) *transport.Network[Message] {
	net := transport.NewNetwork[Message]()
	t.Cleanup(net.Close)
	return net
}

// addMember attaches a fresh, viewless member to net.
func addMember(t *testing.T, net *transport.Network[Message], addr membership.Address, cfg Config, opts ...Option) *GMS {
	var g *GMS
	ep := net.Join(addr, func(m Message) { g.Receive(m) })
	g = New(addr, ep, cfg, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	t.Cleanup(func() { g.Close() })
	return g
}

// newCluster starts n members that already share view id 1.
func newCluster(t *testing.T, n int, cfg Config, opts ...Option) *testCluster {
	c := &testCluster{t: t, net: newNetwork(t), cfg: cfg, opts: opts}
	addrs := addresses("m", n)
	for _, a := range addrs {
		c.members = append(c.members, addMember(t, c.net, a, cfg, opts...))
	}
	bootstrap(c.members, 1, nil)
	return c
}

func addresses(prefix string, n int) []membership.Address {
	out := make([]membership.Address, n)
	for i := range out {
		out[i] = membership.Address(fmt.Sprintf("%s%02d", prefix, i+1))
	}
	return out
}

// bootstrap installs the same view, built from the members' addresses, on
// every member.
func bootstrap(members []*GMS, id uint64, digest membership.Digest) *membership.View {
	addrs := make([]membership.Address, len(members))
	for i, g := range members {
		addrs[i] = g.LocalAddress()
	}
	v := membership.NewView(membership.ViewID{Creator: addrs[0], ID: id}, addrs)
	if digest == nil {
		digest = membership.NewDigest(addrs)
	}
	for _, g := range members {
		g.installView(v, digest)
	}
	return v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitForView waits until every member in gs has installed a view with
// exactly members, in order.
func waitForView(t *testing.T, gs []*GMS, members ...membership.Address) {
	t.Helper()
	want := membership.NewView(membership.ViewID{}, members)
	for _, g := range gs {
		waitFor(t, fmt.Sprintf("%s to install %v", g.LocalAddress(), members), func() bool {
			return g.View().SameMembers(want)
		})
	}
}

func addrsOf(gs []*GMS) []membership.Address {
	out := make([]membership.Address, len(gs))
	for i, g := range gs {
		out[i] = g.LocalAddress()
	}
	return out
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// recordingTransport keeps every message instead of sending it.
type recordingTransport struct {
	sent chan sent
}

type sent struct {
	to  membership.Address
	msg Message
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sent: make(chan sent, 256)}
}

func (r *recordingTransport) Send(_ context.Context, to membership.Address, msg Message) error {
	r.sent <- sent{to, msg}
	return nil
}

func (r *recordingTransport) next(t *testing.T, kind Kind) sent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.sent:
			if s.msg.Kind == kind {
				return s
			}
		case <-timeout:
			t.Fatalf("no %s sent", kind)
		}
	}
}
