// Package node assembles one group member: the membership protocol, its
// transport and the failure and merge detectors, plus HTTP admin handlers.
package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/pkg/fd"
	"github.com/ryandielhenn/zephyrgms/pkg/gms"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

// Transport is a gms.Transport that owns a listening endpoint.
type Transport interface {
	gms.Transport
	Addr() membership.Address
	Close() error
}

// ListenFunc starts a transport that hands inbound messages to handler.
type ListenFunc func(handler func(gms.Message)) (Transport, error)

type Config struct {
	GMS      gms.Config
	Detector fd.Config
}

type Node struct {
	id      string
	log     *zap.Logger
	started time.Time

	t     Transport
	gms   *gms.GMS
	fd    *fd.Detector
	merge *fd.MergeDetector
	ready chan struct{}

	mu     sync.RWMutex
	peers  map[string]string // id -> gms address, from discovery
	cancel context.CancelFunc
}

// New starts the transport and builds the member. The member holds no view
// until Join.
func New(id string, cfg Config, listen ListenFunc, log *zap.Logger, opts ...gms.Option) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{
		id:      id,
		log:     log.Named("node").With(zap.String("id", id)),
		started: time.Now(),
		ready:   make(chan struct{}),
		peers:   make(map[string]string),
	}
	t, err := listen(n.receive)
	if err != nil {
		return nil, err
	}
	n.t = t

	opts = append([]gms.Option{gms.WithLogger(log), gms.WithViewListener(n.viewChanged)}, opts...)
	n.gms = gms.New(t.Addr(), t, cfg.GMS, opts...)
	n.fd = fd.NewDetector(n.gms, t, cfg.Detector, log)
	n.merge = fd.NewMergeDetector(n.gms, t, cfg.Detector, n.peerAddrs, log)
	close(n.ready)
	return n, nil
}

func (n *Node) ID() string                       { return n.id }
func (n *Node) Addr() membership.Address         { return n.t.Addr() }
func (n *Node) GMS() *gms.GMS                    { return n.gms }
func (n *Node) Detector() *fd.Detector           { return n.fd }
func (n *Node) Uptime() time.Duration            { return time.Since(n.started) }
func (n *Node) View() *membership.View           { return n.gms.View() }
func (n *Node) MergeDetector() *fd.MergeDetector { return n.merge }

// Start runs the detectors until Close.
func (n *Node) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()
	go n.fd.Run(ctx)
	go n.merge.Run(ctx)
}

// Join joins through contacts, or through the registered peers when
// contacts is empty.
func (n *Node) Join(ctx context.Context, contacts ...membership.Address) error {
	if len(contacts) == 0 {
		contacts = n.peerAddrs()
	}
	n.log.Info("joining", zap.Stringers("contacts", contacts))
	return n.gms.RequestToJoin(ctx, contacts...)
}

func (n *Node) Leave(ctx context.Context) error {
	return n.gms.RequestToLeave(ctx)
}

// SetPeers replaces the known peer set.
func (n *Node) SetPeers(peers map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers = make(map[string]string, len(peers))
	for id, addr := range peers {
		n.peers[id] = addr
	}
}

// peerAddrs returns the addresses of registered peers other than this node.
func (n *Node) peerAddrs() []membership.Address {
	self := n.Addr()
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]membership.Address, 0, len(n.peers))
	for _, addr := range n.peers {
		if a := membership.Address(addr); a != self {
			out = append(out, a)
		}
	}
	return out
}

func (n *Node) viewChanged(v *membership.View) {
	n.fd.ViewChanged(v)
	n.merge.ViewChanged(v)
}

// receive routes detector traffic to the detectors and everything else to
// the membership protocol. Any message counts as a sign of life.
func (n *Node) receive(msg gms.Message) {
	<-n.ready
	n.fd.Observe(msg.From, time.Now())
	switch msg.Kind {
	case gms.KindHeartbeat:
	case gms.KindInfo:
		n.merge.Observe(msg)
	default:
		n.gms.Receive(msg)
	}
}

// Close stops the detectors, the member and the transport, without leaving.
func (n *Node) Close() error {
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return multierr.Combine(n.gms.Close(), n.t.Close())
}
