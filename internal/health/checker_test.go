package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type flakyBackend struct {
	mu  sync.Mutex
	err error
}

func (b *flakyBackend) set(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *flakyBackend) check(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func component(t *testing.T, rep Report, name string) Component {
	t.Helper()
	for _, c := range rep.Components {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("component %q not in report", name)
	return Component{}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestReport_unknownUntilFirstCheck(t *testing.T) {
	checker := New([]Probe{{Name: "ledger", Check: func(context.Context) error { return nil }}}, Config{}, zap.NewNop())

	rep := checker.Report()
	if rep.Ready {
		t.Error("expected not ready before the first check")
	}
	if got := component(t, rep, "ledger").Status; got != StatusUnknown {
		t.Errorf("status = %q, want %q", got, StatusUnknown)
	}

	checker.CheckAll(context.Background())
	if rep := checker.Report(); !rep.Ready {
		t.Errorf("expected ready after a passing check: %+v", rep)
	}
}

func TestCheckAll_degradesAfterThreshold(t *testing.T) {
	ledger := &flakyBackend{}
	storage := &flakyBackend{}
	checker := New([]Probe{
		{Name: "ledger", Check: ledger.check},
		{Name: "storage", Check: storage.check},
	}, Config{FailThreshold: 3}, zap.NewNop())

	var mu sync.Mutex
	recorded := map[string][]bool{}
	checker.SetMetricsRecord(func(name string, ok bool) {
		mu.Lock()
		recorded[name] = append(recorded[name], ok)
		mu.Unlock()
	})

	ctx := context.Background()
	checker.CheckAll(ctx)

	ledger.set(errors.New("rpc down"))
	for i := 1; i < 3; i++ {
		checker.CheckAll(ctx)
		c := component(t, checker.Report(), "ledger")
		if c.Status != StatusHealthy {
			t.Fatalf("after %d failure(s): status = %q, want still healthy", i, c.Status)
		}
		if c.FailCount != i {
			t.Errorf("fail_count = %d, want %d", c.FailCount, i)
		}
	}

	checker.CheckAll(ctx)
	rep := checker.Report()
	if rep.Ready {
		t.Error("expected not ready once the ledger is degraded")
	}
	c := component(t, rep, "ledger")
	if c.Status != StatusDegraded || c.LastError != "rpc down" {
		t.Errorf("ledger = %+v", c)
	}
	if got := component(t, rep, "storage").Status; got != StatusHealthy {
		t.Errorf("storage status = %q", got)
	}

	ledger.set(nil)
	checker.CheckAll(ctx)
	c = component(t, checker.Report(), "ledger")
	if c.Status != StatusHealthy || c.FailCount != 0 || c.LastError != "" {
		t.Errorf("after recovery: %+v", c)
	}

	mu.Lock()
	defer mu.Unlock()
	if n := len(recorded["ledger"]); n != 5 {
		t.Errorf("recorded %d ledger results, want 5", n)
	}
}

func TestCheckAll_neverHealthyDegradesAtOnce(t *testing.T) {
	checker := New([]Probe{{Name: "ledger", Check: func(context.Context) error {
		return errors.New("connection refused")
	}}}, Config{FailThreshold: 5}, zap.NewNop())

	checker.CheckAll(context.Background())
	if got := component(t, checker.Report(), "ledger").Status; got != StatusDegraded {
		t.Errorf("status = %q, want %q", got, StatusDegraded)
	}
}

func TestCheckAll_probeTimeout(t *testing.T) {
	checker := New([]Probe{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}, Config{ProbeTimeout: 20 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	checker.CheckAll(context.Background())
	if time.Since(start) > time.Second {
		t.Error("probe was not bounded by ProbeTimeout")
	}
	if got := component(t, checker.Report(), "slow").LastError; got != context.DeadlineExceeded.Error() {
		t.Errorf("last_error = %q", got)
	}
}

func TestStart_stopsOnCancel(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	checker := New([]Probe{{Name: "ledger", Check: func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}}}, Config{CheckInterval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Error("expected at least one tick")
	}
}
