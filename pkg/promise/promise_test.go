package promise

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestResultAfterSet(t *testing.T) {
	p := New[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.SetResult("b")
	}()

	v, ok := p.Result(time.Second)
	if !ok || v != "b" {
		t.Fatalf("Result = (%q,%v), want (b,true)", v, ok)
	}
}

func TestResultTimeoutReturnsZero(t *testing.T) {
	p := New[string]()
	start := time.Now()
	v, ok := p.Result(30 * time.Millisecond)
	if ok || v != "" {
		t.Fatalf("Result = (%q,%v), want (\"\",false)", v, ok)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("Result returned before the timeout elapsed")
	}
}

func TestSetResultOnlyOnce(t *testing.T) {
	p := New[int]()
	if !p.SetResult(1) {
		t.Fatal("first SetResult returned false")
	}
	if p.SetResult(2) {
		t.Fatal("second SetResult returned true")
	}
	if v, ok := p.Result(0); !ok || v != 1 {
		t.Fatalf("Result = (%d,%v), want (1,true)", v, ok)
	}
}

func TestWaitContextCancelled(t *testing.T) {
	p := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v, want context.Canceled", err)
	}
}

func TestReset(t *testing.T) {
	p := New[int]()
	p.SetResult(7)
	p.Reset()
	if p.HasResult() {
		t.Fatal("HasResult after Reset")
	}
	if _, ok := p.Result(10 * time.Millisecond); ok {
		t.Fatal("Result after Reset returned a value")
	}
	p.SetResult(8)
	if v, _ := p.Result(0); v != 8 {
		t.Fatalf("Result = %d, want 8", v)
	}
}

func TestConcurrentSetters(t *testing.T) {
	p := New[int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range 32 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if p.SetResult(i) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d setters won, want exactly 1", wins)
	}
}
