package transport

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type ping struct {
	Seq  int    `json:"seq"`
	Body string `json:"body"`
}

func TestGRPCSendReceive(t *testing.T) {
	got := make(chan ping, 16)
	log := zaptest.NewLogger(t)

	a, err := ListenGRPC("127.0.0.1:0", func(ping) {}, WithLogger(log))
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()
	b, err := ListenGRPC("127.0.0.1:0", func(p ping) { got <- p }, WithLogger(log))
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		if err := a.Send(ctx, b.Addr(), ping{Seq: i, Body: "hello"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		select {
		case p := <-got:
			if p.Seq != i || p.Body != "hello" {
				t.Fatalf("message %d: got %+v", i, p)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
}

func TestGRPCSendToSelf(t *testing.T) {
	got := make(chan ping, 1)
	a, err := ListenGRPC("127.0.0.1:0", func(p ping) { got <- p })
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Send(ctx, a.Addr(), ping{Seq: 7}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if p := <-got; p.Seq != 7 {
		t.Fatalf("got %+v", p)
	}
}

func TestGRPCSendAfterClose(t *testing.T) {
	a, err := ListenGRPC("127.0.0.1:0", func(ping) {})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Send(context.Background(), "127.0.0.1:1", ping{}); err == nil {
		t.Fatal("expected error sending on closed transport")
	}
}

func TestGRPCUnreachablePeer(t *testing.T) {
	a, err := ListenGRPC("127.0.0.1:0", func(ping) {})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer a.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := a.Send(ctx, "127.0.0.1:1", ping{}); err == nil {
		t.Fatal("expected error sending to a closed port")
	}
}
