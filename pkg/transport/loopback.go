package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

var (
	ErrUnknownAddress = errors.New("transport: unknown address")
	ErrUnreachable    = errors.New("transport: link is down")
	ErrClosed         = errors.New("transport: closed")
)

// Filter decides whether a message may travel from one address to another.
// Returning false drops it silently.
type Filter[M any] func(from, to membership.Address, msg M) bool

type link struct{ from, to membership.Address }

// Network is an in-process message fabric. Every endpoint has its own
// delivery goroutine and an unbounded queue, so a handler may send while
// handling without deadlocking.
type Network[M any] struct {
	mu        sync.RWMutex
	endpoints map[membership.Address]*Endpoint[M]
	down      map[link]bool
	filter    Filter[M]
}

func NewNetwork[M any]() *Network[M] {
	return &Network[M]{
		endpoints: make(map[membership.Address]*Endpoint[M]),
		down:      make(map[link]bool),
	}
}

// Join attaches addr to the network. handler is called for every message
// delivered to addr, one at a time.
func (n *Network[M]) Join(addr membership.Address, handler func(M)) *Endpoint[M] {
	e := &Endpoint[M]{
		net:     n,
		addr:    addr,
		handler: handler,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	n.mu.Lock()
	if old, ok := n.endpoints[addr]; ok {
		old.stop()
	}
	n.endpoints[addr] = e
	n.mu.Unlock()
	go e.loop()
	return e
}

// Partition cuts every link between addresses in different groups.
// Addresses not named in any group keep all their links.
func (n *Network[M]) Partition(groups ...[]membership.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, g := range groups {
		for j, o := range groups {
			if i == j {
				continue
			}
			for _, a := range g {
				for _, b := range o {
					n.down[link{a, b}] = true
				}
			}
		}
	}
}

// Heal restores every link.
func (n *Network[M]) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.down)
}

// SetFilter installs f for all subsequent sends; nil removes it.
func (n *Network[M]) SetFilter(f Filter[M]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

func (n *Network[M]) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for addr, e := range n.endpoints {
		e.stop()
		delete(n.endpoints, addr)
	}
}

func (n *Network[M]) route(from, to membership.Address, msg M) error {
	n.mu.RLock()
	dst, ok := n.endpoints[to]
	cut := n.down[link{from, to}]
	filter := n.filter
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, to)
	}
	if cut {
		return fmt.Errorf("%w: %s -> %s", ErrUnreachable, from, to)
	}
	if filter != nil && !filter(from, to, msg) {
		return nil
	}
	return dst.enqueue(msg)
}

// Endpoint is one member's attachment to a Network.
type Endpoint[M any] struct {
	net     *Network[M]
	addr    membership.Address
	handler func(M)

	mu     sync.Mutex
	queue  []M
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func (e *Endpoint[M]) Addr() membership.Address { return e.addr }

// Send queues msg for delivery to the endpoint at to.
func (e *Endpoint[M]) Send(ctx context.Context, to membership.Address, msg M) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return e.net.route(e.addr, to, msg)
}

// Close detaches the endpoint. Undelivered messages are discarded.
func (e *Endpoint[M]) Close() error {
	e.net.mu.Lock()
	if e.net.endpoints[e.addr] == e {
		delete(e.net.endpoints, e.addr)
	}
	e.net.mu.Unlock()
	e.stop()
	return nil
}

func (e *Endpoint[M]) enqueue(msg M) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.queue = append(e.queue, msg)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

func (e *Endpoint[M]) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.queue = nil
	close(e.done)
}

func (e *Endpoint[M]) loop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.notify:
		}
		for {
			e.mu.Lock()
			if e.closed || len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			msg := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			e.handler(msg)
		}
	}
}
