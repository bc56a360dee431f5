package fd

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrgms/pkg/gms"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

type fakeGroup struct {
	mu        sync.Mutex
	self      membership.Address
	view      *membership.View
	suspected []membership.Address
	merges    []map[membership.Address]*membership.View
}

func (g *fakeGroup) LocalAddress() membership.Address { return g.self }

func (g *fakeGroup) View() *membership.View {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.view
}

func (g *fakeGroup) IsCoordinator() bool { return g.View().Coord() == g.self }

func (g *fakeGroup) Suspect(mbrs ...membership.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspected = append(g.suspected, mbrs...)
}

func (g *fakeGroup) Merge(views map[membership.Address]*membership.View) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.merges = append(g.merges, views)
}

type sentMsg struct {
	to  membership.Address
	msg gms.Message
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (t *fakeTransport) Send(_ context.Context, to membership.Address, msg gms.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentMsg{to, msg})
	return nil
}

func view(id uint64, members ...membership.Address) *membership.View {
	return membership.NewView(membership.ViewID{Creator: members[0], ID: id}, members)
}

func TestDetectorSuspectsSilentMembers(t *testing.T) {
	g := &fakeGroup{self: "A", view: view(1, "A", "B", "C")}
	d := NewDetector(g, &fakeTransport{}, Config{SuspectAfter: time.Second}, zaptest.NewLogger(t))
	d.ViewChanged(g.view)

	start := time.Now()
	if got := d.Check(start); got != nil {
		t.Fatalf("nothing should be suspected yet, got %v", got)
	}
	d.Observe("B", start.Add(1500*time.Millisecond))

	got := d.Check(start.Add(2 * time.Second))
	if !slices.Equal(got, []membership.Address{"C"}) {
		t.Fatalf("expected [C] suspected, got %v", got)
	}
	if !slices.Equal(g.suspected, []membership.Address{"C"}) {
		t.Fatalf("group not told: %v", g.suspected)
	}
	// Reported once only.
	if got := d.Check(start.Add(3 * time.Second)); slices.Contains(got, "C") {
		t.Fatalf("C reported twice")
	}
}

func TestDetectorForgetsDepartedMembers(t *testing.T) {
	g := &fakeGroup{self: "A", view: view(1, "A", "B", "C")}
	d := NewDetector(g, &fakeTransport{}, Config{SuspectAfter: time.Second}, nil)
	d.ViewChanged(g.view)
	d.Check(time.Now().Add(2 * time.Second))
	if len(d.Suspected()) != 2 {
		t.Fatalf("expected B and C suspected, got %v", d.Suspected())
	}

	d.ViewChanged(view(2, "A", "B"))
	if got := d.Suspected(); !slices.Equal(got, []membership.Address{"B"}) {
		t.Fatalf("expected only B still suspected, got %v", got)
	}
	d.Observe("B", time.Now())
	if got := d.Suspected(); len(got) != 0 {
		t.Fatalf("B heard from, should be cleared: %v", got)
	}
	d.ViewChanged(nil)
	if got := d.Check(time.Now().Add(time.Hour)); got != nil {
		t.Fatalf("no view, nothing to suspect: %v", got)
	}
}

func TestDetectorHeartbeatsViewMembers(t *testing.T) {
	g := &fakeGroup{self: "A", view: view(1, "A", "B", "C")}
	tr := &fakeTransport{}
	d := NewDetector(g, tr, Config{}, nil)
	d.heartbeat(context.Background())

	deadline := time.Now().Add(time.Second)
	for {
		tr.mu.Lock()
		n := len(tr.sent)
		tr.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 heartbeats, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, s := range tr.sent {
		if s.msg.Kind != gms.KindHeartbeat || s.to == "A" {
			t.Fatalf("unexpected heartbeat %v to %s", s.msg, s.to)
		}
	}
}

func TestMergeDetectorTriggersMerge(t *testing.T) {
	g := &fakeGroup{self: "A", view: view(3, "A", "B")}
	d := NewMergeDetector(g, &fakeTransport{}, Config{}, nil, zaptest.NewLogger(t))

	other := view(5, "C", "D")
	d.Observe(gms.Message{Kind: gms.KindInfo, From: "C", View: other})
	views := d.Check(time.Now())
	if len(views) != 2 || views["A"] != g.view || views["C"] != other {
		t.Fatalf("unexpected merge input %v", views)
	}
	if len(g.merges) != 1 {
		t.Fatalf("expected one merge, got %d", len(g.merges))
	}
}

func TestMergeDetectorIgnoresNonCoordinatorInfo(t *testing.T) {
	g := &fakeGroup{self: "A", view: view(3, "A", "B")}
	d := NewMergeDetector(g, &fakeTransport{}, Config{}, nil, nil)
	d.Observe(gms.Message{Kind: gms.KindInfo, From: "D", View: view(5, "C", "D")})
	if views := d.Check(time.Now()); views != nil {
		t.Fatalf("INFO not from coordinator must be ignored, got %v", views)
	}
}

func TestMergeDetectorOnlyCoordinatorMerges(t *testing.T) {
	g := &fakeGroup{self: "B", view: view(3, "A", "B")}
	d := NewMergeDetector(g, &fakeTransport{}, Config{}, nil, nil)
	d.Observe(gms.Message{Kind: gms.KindInfo, From: "C", View: view(5, "C", "D")})
	if views := d.Check(time.Now()); views != nil {
		t.Fatalf("participant must not merge, got %v", views)
	}
}

func TestMergeDetectorDropsMergedCoordinators(t *testing.T) {
	g := &fakeGroup{self: "A", view: view(3, "A", "B")}
	d := NewMergeDetector(g, &fakeTransport{}, Config{}, nil, nil)
	d.Observe(gms.Message{Kind: gms.KindInfo, From: "C", View: view(5, "C", "D")})

	g.mu.Lock()
	g.view = view(6, "A", "B", "C", "D")
	g.mu.Unlock()
	if views := d.Check(time.Now()); views != nil {
		t.Fatalf("C is in our view now, got %v", views)
	}
}

func TestMergeDetectorTargets(t *testing.T) {
	g := &fakeGroup{self: "A", view: view(3, "A", "B")}
	d := NewMergeDetector(g, &fakeTransport{}, Config{}, func() []membership.Address {
		return []membership.Address{"E", "A"}
	}, nil)
	d.ViewChanged(view(1, "A", "B", "C"))
	want := []membership.Address{"C", "E"}
	if got := d.Targets(); !slices.Equal(got, want) {
		t.Fatalf("targets = %v, want %v", got, want)
	}

	tr := d.t.(*fakeTransport)
	d.advertise(context.Background())
	if len(tr.sent) != 2 || tr.sent[0].msg.Kind != gms.KindInfo || tr.sent[0].msg.View != g.view {
		t.Fatalf("unexpected INFO traffic %v", tr.sent)
	}
}

func TestMergeDetectorUsesInfoOnce(t *testing.T) {
	g := &fakeGroup{self: "A", view: view(3, "A", "B")}
	d := NewMergeDetector(g, &fakeTransport{}, Config{}, nil, nil)
	d.Observe(gms.Message{Kind: gms.KindInfo, From: "C", View: view(5, "C", "D")})

	g.mu.Lock()
	g.view = view(4, "A", "B", "D")
	g.mu.Unlock()
	for i := 0; i < 10; i++ {
		d.Check(time.Now())
	}
	if len(g.merges) != 1 {
		t.Fatalf("one INFO triggered %d merges", len(g.merges))
	}

	// A coordinator that keeps advertising keeps being merged with.
	d.Observe(gms.Message{Kind: gms.KindInfo, From: "C", View: view(5, "C", "D")})
	if views := d.Check(time.Now()); views == nil {
		t.Fatal("fresh INFO ignored")
	}
}

func TestMergeDetectorForgetsSilentCoordinators(t *testing.T) {
	g := &fakeGroup{self: "A", view: view(3, "A", "B")}
	cfg := Config{InfoInterval: time.Second}
	d := NewMergeDetector(g, &fakeTransport{}, cfg, nil, nil)
	d.Observe(gms.Message{Kind: gms.KindInfo, From: "C", View: view(5, "C", "D")})

	if views := d.Check(time.Now().Add(3 * time.Second)); views != nil {
		t.Fatalf("stale INFO triggered a merge: %v", views)
	}
	if views := d.Check(time.Now()); views != nil {
		t.Fatalf("expired entry came back: %v", views)
	}
	if len(g.merges) != 0 {
		t.Fatalf("expected no merges, got %d", len(g.merges))
	}
}
