package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

const deliverMethod = "/zephyrgms.Transport/Deliver"

type deliverer interface {
	deliver(ctx context.Context, env *Envelope) (*Ack, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "zephyrgms.Transport",
	HandlerType: (*deliverer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "zephyrgms/transport",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverer).deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverer).deliver(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCOption func(*grpcOptions)

type grpcOptions struct {
	log       *zap.Logger
	advertise membership.Address
	server    []grpc.ServerOption
}

func WithLogger(l *zap.Logger) GRPCOption {
	return func(o *grpcOptions) { o.log = l }
}

// WithAdvertise sets the address peers dial to reach this member. It
// defaults to the listener address.
func WithAdvertise(a membership.Address) GRPCOption {
	return func(o *grpcOptions) { o.advertise = a }
}

func WithServerOptions(opts ...grpc.ServerOption) GRPCOption {
	return func(o *grpcOptions) { o.server = append(o.server, opts...) }
}

// GRPC is a transport over gRPC unary calls. An Address is the host:port of
// the peer's listener. A message is handled before its call returns, and a
// sender waits for each call, so per-sender order is kept.
type GRPC[M any] struct {
	self    membership.Address
	log     *zap.Logger
	handler func(M)
	lis     net.Listener
	server  *grpc.Server

	mu     sync.RWMutex
	conns  map[membership.Address]*grpc.ClientConn
	closed bool
}

// ListenGRPC starts serving on listenAddr and hands every inbound message to
// handler.
func ListenGRPC[M any](listenAddr string, handler func(M), opts ...GRPCOption) (*GRPC[M], error) {
	o := grpcOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	self := o.advertise
	if self == "" {
		self = membership.Address(lis.Addr().String())
	}
	t := &GRPC[M]{
		self:    self,
		log:     o.log.Named("transport").With(zap.Stringer("local", self)),
		handler: handler,
		lis:     lis,
		server:  grpc.NewServer(append(o.server, grpc.ForceServerCodec(jsonCodec{}))...),
		conns:   make(map[membership.Address]*grpc.ClientConn),
	}
	t.server.RegisterService(&serviceDesc, t)
	go func() {
		if err := t.server.Serve(lis); err != nil {
			t.log.Error("grpc server stopped", zap.Error(err))
		}
	}()
	t.log.Info("listening", zap.String("addr", lis.Addr().String()))
	return t, nil
}

func (t *GRPC[M]) Addr() membership.Address { return t.self }

func (t *GRPC[M]) deliver(_ context.Context, env *Envelope) (*Ack, error) {
	if env.To != t.self {
		return nil, status.Errorf(codes.InvalidArgument, "message for %s delivered to %s", env.To, t.self)
	}
	var msg M
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode payload: %v", err)
	}
	t.handler(msg)
	return &Ack{}, nil
}

// Send delivers msg to the member listening at to.
func (t *GRPC[M]) Send(ctx context.Context, to membership.Address, msg M) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	conn, err := t.conn(to)
	if err != nil {
		return err
	}
	env := &Envelope{From: t.self, To: to, Payload: payload}
	if err := conn.Invoke(ctx, deliverMethod, env, new(Ack), grpc.ForceCodec(jsonCodec{})); err != nil {
		return fmt.Errorf("deliver to %s: %w", to, err)
	}
	return nil
}

func (t *GRPC[M]) conn(to membership.Address) (*grpc.ClientConn, error) {
	t.mu.RLock()
	c, ok := t.conns[to]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return c, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if c, ok := t.conns[to]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(string(to), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", to, err)
	}
	t.conns[to] = c
	return c, nil
}

// RemovePeer closes the cached connection to addr, if any.
func (t *GRPC[M]) RemovePeer(addr membership.Address) error {
	t.mu.Lock()
	c, ok := t.conns[addr]
	delete(t.conns, addr)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Close stops the server and closes every peer connection.
func (t *GRPC[M]) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	t.server.Stop()
	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}
