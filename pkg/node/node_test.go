package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/pkg/fd"
	"github.com/ryandielhenn/zephyrgms/pkg/gms"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
	"github.com/ryandielhenn/zephyrgms/pkg/transport"
)

func testNodeConfig() Config {
	g := gms.DefaultConfig()
	g.JoinTimeout = 500 * time.Millisecond
	g.LeaveTimeout = 500 * time.Millisecond
	g.MergeTimeout = 300 * time.Millisecond
	return Config{
		GMS: g,
		Detector: fd.Config{
			Interval:     20 * time.Millisecond,
			SuspectAfter: 300 * time.Millisecond,
			InfoInterval: 50 * time.Millisecond,
			SendTimeout:  100 * time.Millisecond,
		},
	}
}

func startNode(t *testing.T, net *transport.Network[gms.Message], addr membership.Address, cfg Config) *Node {
	t.Helper()
	n, err := New(string(addr), cfg, func(h func(gms.Message)) (Transport, error) {
		return net.Join(addr, h), nil
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new node %s: %v", addr, err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func waitForMembers(t *testing.T, n *Node, want ...membership.Address) {
	t.Helper()
	expect := membership.NewView(membership.ViewID{}, want)
	deadline := time.Now().Add(5 * time.Second)
	for !n.View().SameMembers(expect) {
		if time.Now().After(deadline) {
			t.Fatalf("%s: view %s, want members %v", n.Addr(), n.View(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestNodesFormGroup(t *testing.T) {
	net := transport.NewNetwork[gms.Message]()
	defer net.Close()
	cfg := testNodeConfig()
	n1 := startNode(t, net, "n1", cfg)
	n2 := startNode(t, net, "n2", cfg)
	n3 := startNode(t, net, "n3", cfg)

	if err := n1.Join(ctx(t)); err != nil {
		t.Fatalf("n1 join: %v", err)
	}
	if err := n2.Join(ctx(t), n1.Addr()); err != nil {
		t.Fatalf("n2 join: %v", err)
	}
	// n3 finds the group through the registry.
	n3.SetPeers(map[string]string{"n1": "n1", "n2": "n2", "n3": "n3"})
	if err := n3.Join(ctx(t)); err != nil {
		t.Fatalf("n3 join: %v", err)
	}
	for _, n := range []*Node{n1, n2, n3} {
		waitForMembers(t, n, "n1", "n2", "n3")
	}
}

func TestCrashedMemberIsRemoved(t *testing.T) {
	net := transport.NewNetwork[gms.Message]()
	defer net.Close()
	cfg := testNodeConfig()
	nodes := []*Node{startNode(t, net, "n1", cfg), startNode(t, net, "n2", cfg), startNode(t, net, "n3", cfg)}
	if err := nodes[0].Join(ctx(t)); err != nil {
		t.Fatal(err)
	}
	for _, n := range nodes[1:] {
		if err := n.Join(ctx(t), "n1"); err != nil {
			t.Fatal(err)
		}
	}
	waitForMembers(t, nodes[0], "n1", "n2", "n3")
	for _, n := range nodes {
		n.Start(context.Background())
	}

	nodes[2].Close()
	waitForMembers(t, nodes[0], "n1", "n2")
	waitForMembers(t, nodes[1], "n1", "n2")
}

func TestPartitionedGroupsMerge(t *testing.T) {
	net := transport.NewNetwork[gms.Message]()
	defer net.Close()
	cfg := testNodeConfig()
	a := startNode(t, net, "a", cfg)
	c := startNode(t, net, "c", cfg)
	// Two singletons that know of each other.
	if err := a.Join(ctx(t)); err != nil {
		t.Fatal(err)
	}
	if err := c.Join(ctx(t)); err != nil {
		t.Fatal(err)
	}
	peers := map[string]string{"a": "a", "c": "c"}
	a.SetPeers(peers)
	c.SetPeers(peers)
	a.Start(context.Background())
	c.Start(context.Background())

	waitForMembers(t, a, "a", "c")
	waitForMembers(t, c, "a", "c")
	if !a.View().IsMerge() {
		t.Fatalf("expected merged view, got %s", a.View())
	}
}

func TestHTTPHandlers(t *testing.T) {
	net := transport.NewNetwork[gms.Message]()
	defer net.Close()
	n := startNode(t, net, "n1", testNodeConfig())

	rec := httptest.NewRecorder()
	n.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	n.LeaveHandler(rec, httptest.NewRequest(http.MethodPost, "/leave", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("leave before join: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	n.JoinHandler(rec, httptest.NewRequest(http.MethodPost, "/join", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("join: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	n.Info(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	var info InfoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Role != "coordinator" || info.View == nil || info.View.Size() != 1 || info.Coordinator != "n1" {
		t.Fatalf("info %+v", info)
	}

	rec = httptest.NewRecorder()
	n.LeaveHandler(rec, httptest.NewRequest(http.MethodGet, "/leave", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /leave: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	n.LeaveHandler(rec, httptest.NewRequest(http.MethodPost, "/leave", nil))
	if rec.Code != http.StatusOK || n.View() != nil {
		t.Fatalf("leave: %d, view %s", rec.Code, n.View())
	}
}

func TestNormalizeHostPort(t *testing.T) {
	for in, want := range map[string]string{
		"http://node1:8080": "node1:8080",
		"https://node1":     "node1:7946",
		"node1":             "node1:7946",
		"10.0.0.1:9000":     "10.0.0.1:9000",
	} {
		if got := NormalizeHostPort(in, "7946"); got != want {
			t.Fatalf("NormalizeHostPort(%q) = %q, want %q", in, got, want)
		}
	}
}
