package proxypool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestPool(t *testing.T, addrs []string, opts ...Option) *Pool {
	t.Helper()
	p, err := New(addrs, Config{}, opts...)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func TestSelectRoundRobin(t *testing.T) {
	p := newTestPool(t, []string{"http://a:8080", "http://b:8080", "http://c:8080"})

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		e, err := p.Select()
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		seen[e.Addr]++
	}
	for addr, n := range seen {
		if n != 2 {
			t.Errorf("endpoint %s selected %d times, want 2", addr, n)
		}
	}
}

func TestDemotionThresholds(t *testing.T) {
	p := newTestPool(t, []string{"http://a:8080"})
	e, _ := p.Select()

	for i := 0; i < 2; i++ {
		p.Report(e, Failure)
	}
	if e.State() != Healthy {
		t.Fatalf("after 2 failures: got %v, want healthy", e.State())
	}

	p.Report(e, Failure)
	if e.State() != Degraded {
		t.Fatalf("after 3 failures: got %v, want degraded", e.State())
	}

	p.Report(e, Failure)
	p.Report(e, Failure)
	if e.State() != Dead {
		t.Fatalf("after 5 failures: got %v, want dead", e.State())
	}
}

func TestSelectNeverReturnsDead(t *testing.T) {
	p := newTestPool(t, []string{"http://a:8080", "http://b:8080"})

	ea, _ := p.Select()
	for i := 0; i < 5; i++ {
		p.Report(ea, Failure)
	}

	// Only b remains selectable.
	for i := 0; i < 10; i++ {
		e, err := p.Select()
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if e.Addr == ea.Addr {
			t.Fatalf("select returned dead endpoint %s", e.Addr)
		}
	}
}

func TestDegradedFallback(t *testing.T) {
	p := newTestPool(t, []string{"http://a:8080"})
	e, _ := p.Select()

	p.Report(e, Failure)
	p.Report(e, Failure)
	p.Report(e, Failure)
	if e.State() != Degraded {
		t.Fatalf("setup: got %v, want degraded", e.State())
	}

	// Degraded endpoints are still handed out when nothing healthy remains.
	got, err := p.Select()
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.Addr != e.Addr {
		t.Fatalf("got %s, want the degraded endpoint", got.Addr)
	}
}

func TestSelectForSticksUntilDemotion(t *testing.T) {
	p := newTestPool(t, []string{"http://a:8080", "http://b:8080"})

	first, err := p.SelectFor("shopmart")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 4; i++ {
		e, err := p.SelectFor("shopmart")
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		if e.Addr != first.Addr {
			t.Fatalf("sticky assignment moved: %s -> %s", first.Addr, e.Addr)
		}
	}

	// Demote the assigned endpoint: the key must rotate to the other one.
	for i := 0; i < 3; i++ {
		p.Report(first, Failure)
	}
	next, err := p.SelectFor("shopmart")
	if err != nil {
		t.Fatalf("select after demotion: %v", err)
	}
	if next.Addr == first.Addr {
		t.Fatalf("degraded endpoint kept its sticky key")
	}
}

func TestNoHealthyProxy(t *testing.T) {
	p := newTestPool(t, []string{"http://a:8080"})
	e, _ := p.Select()
	for i := 0; i < 5; i++ {
		p.Report(e, Failure)
	}

	_, err := p.Select()
	if !errors.Is(err, ErrNoHealthyProxy) {
		t.Fatalf("got %v, want ErrNoHealthyProxy", err)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	p := newTestPool(t, []string{"http://a:8080"})
	e, _ := p.Select()

	p.Report(e, Failure)
	p.Report(e, Failure)
	p.Report(e, Success)
	p.Report(e, Failure)
	p.Report(e, Failure)
	// 2 fresh failures after the reset must not demote.
	if e.State() != Healthy {
		t.Fatalf("got %v, want healthy after reset", e.State())
	}
}

func TestProberPromotesRecoveredEndpoint(t *testing.T) {
	probeOK := make(chan string, 8)
	p := newTestPool(t, []string{"http://a:8080"},
		WithProbe(func(addr string) error {
			probeOK <- addr
			return nil
		}))

	e, _ := p.Select()
	for i := 0; i < 3; i++ {
		p.Report(e, Failure)
	}
	if e.State() != Degraded {
		t.Fatalf("setup: got %v", e.State())
	}

	p.probeUnhealthy(context.Background())

	select {
	case <-probeOK:
	case <-time.After(time.Second):
		t.Fatal("probe was never invoked")
	}
	if e.State() != Healthy {
		t.Fatalf("after probe: got %v, want healthy", e.State())
	}
}

func TestProberRespectsDeadCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	probes := 0
	p, err := New([]string{"http://a:8080"}, Config{DeadCooldown: time.Hour},
		WithClock(func() time.Time { return now }),
		WithProbe(func(addr string) error { probes++; return nil }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	e, _ := p.Select()
	for i := 0; i < 5; i++ {
		p.Report(e, Failure)
	}

	// Mark as just-checked; within cooldown the prober must skip it.
	p.mu.Lock()
	e.lastChecked = now
	p.mu.Unlock()

	p.probeUnhealthy(context.Background())
	if probes != 0 {
		t.Fatalf("dead endpoint probed inside cooldown")
	}

	now = now.Add(2 * time.Hour)
	p.probeUnhealthy(context.Background())
	if probes != 1 {
		t.Fatalf("dead endpoint not probed after cooldown, probes=%d", probes)
	}
	if e.State() != Healthy {
		t.Fatalf("after successful probe: got %v, want healthy", e.State())
	}
}

func TestTransportSchemes(t *testing.T) {
	for _, addr := range []string{"", "http://proxy:3128", "socks5://user:pw@proxy:1080"} {
		if _, err := Transport(addr); err != nil {
			t.Errorf("transport %q: %v", addr, err)
		}
	}
	if _, err := Transport("ftp://proxy:21"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
