package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuit_OpensAfterFailureThreshold(t *testing.T) {
	c := New(Config{Name: "svc", FailureThreshold: 3, MonitoringWindow: time.Minute}, nil)

	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 2; i++ {
		if err := c.Execute(context.Background(), failing, nil); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s, want closed before threshold reached", c.State())
	}

	if err := c.Execute(context.Background(), failing, nil); err == nil {
		t.Fatal("expected failure on threshold-crossing call")
	}
	if c.State() != StateOpen {
		t.Fatalf("state = %s, want open after threshold reached", c.State())
	}
}

func TestCircuit_RejectsWhileOpen(t *testing.T) {
	c := New(Config{Name: "svc", FailureThreshold: 1, ResetTimeout: time.Hour, MonitoringWindow: time.Minute}, nil)

	_ = c.Execute(context.Background(), func(ctx context.Context) error { return errors.New("x") }, nil)
	if c.State() != StateOpen {
		t.Fatalf("state = %s, want open", c.State())
	}

	called := false
	err := c.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	}, nil)

	if called {
		t.Error("op should not run while circuit is open")
	}
	if !IsErrCircuitOpen(err) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuit_HalfOpenToClosedAfterSuccessThreshold(t *testing.T) {
	c := New(Config{
		Name: "svc", FailureThreshold: 1, SuccessThreshold: 2,
		ResetTimeout: time.Millisecond, MonitoringWindow: time.Minute,
	}, nil)

	_ = c.Execute(context.Background(), func(ctx context.Context) error { return errors.New("x") }, nil)
	if c.State() != StateOpen {
		t.Fatalf("state = %s, want open", c.State())
	}

	time.Sleep(5 * time.Millisecond)

	ok := func(ctx context.Context) error { return nil }
	if err := c.Execute(context.Background(), ok, nil); err != nil {
		t.Fatalf("first half-open call: unexpected error %v", err)
	}
	if c.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open after one success", c.State())
	}

	if err := c.Execute(context.Background(), ok, nil); err != nil {
		t.Fatalf("second half-open call: unexpected error %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s, want closed after success threshold", c.State())
	}
}

func TestCircuit_HalfOpenFailureReopens(t *testing.T) {
	c := New(Config{
		Name: "svc", FailureThreshold: 1, SuccessThreshold: 2,
		ResetTimeout: time.Millisecond, MonitoringWindow: time.Minute,
	}, nil)

	_ = c.Execute(context.Background(), func(ctx context.Context) error { return errors.New("x") }, nil)
	time.Sleep(5 * time.Millisecond)

	_ = c.Execute(context.Background(), func(ctx context.Context) error { return errors.New("still failing") }, nil)
	if c.State() != StateOpen {
		t.Fatalf("state = %s, want open after half-open failure", c.State())
	}
}

func TestCircuit_HalfOpenRejectsBeyondMaxCalls(t *testing.T) {
	c := New(Config{
		Name: "svc", FailureThreshold: 1, SuccessThreshold: 5,
		ResetTimeout: time.Millisecond, MonitoringWindow: time.Minute, HalfOpenMaxCalls: 1,
	}, nil)

	_ = c.Execute(context.Background(), func(ctx context.Context) error { return errors.New("x") }, nil)
	time.Sleep(5 * time.Millisecond)

	block := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Execute(context.Background(), func(ctx context.Context) error {
			<-block
			return nil
		}, nil)
	}()

	// Give the first call a moment to be admitted and occupy the single slot.
	time.Sleep(10 * time.Millisecond)

	err := c.Execute(context.Background(), func(ctx context.Context) error { return nil }, nil)
	if !IsErrCircuitOpen(err) {
		t.Errorf("second concurrent half-open call: err = %v, want ErrCircuitOpen", err)
	}

	close(block)
	<-done
}

func TestCircuit_FallbackInvokedOnRejection(t *testing.T) {
	c := New(Config{Name: "svc", FailureThreshold: 1, ResetTimeout: time.Hour, MonitoringWindow: time.Minute}, nil)
	_ = c.Execute(context.Background(), func(ctx context.Context) error { return errors.New("x") }, nil)

	fallbackRan := false
	err := c.Execute(context.Background(), func(ctx context.Context) error { return nil }, func(ctx context.Context, cause error) error {
		fallbackRan = true
		if !IsErrCircuitOpen(cause) {
			t.Errorf("fallback cause = %v, want ErrCircuitOpen", cause)
		}
		return nil
	})

	if !fallbackRan {
		t.Error("fallback did not run")
	}
	if err != nil {
		t.Errorf("err = %v, want nil (fallback succeeded)", err)
	}
}

func TestCircuit_BothFailedWrapsBothCauses(t *testing.T) {
	c := New(Config{Name: "svc", FailureThreshold: 100, MonitoringWindow: time.Minute}, nil)

	primaryErr := errors.New("primary")
	fallbackErr := errors.New("fallback")

	err := c.Execute(context.Background(), func(ctx context.Context) error { return primaryErr }, func(ctx context.Context, cause error) error {
		return fallbackErr
	})

	var both *ErrBothFailed
	if !errors.As(err, &both) {
		t.Fatalf("err = %v, want *ErrBothFailed", err)
	}
	if !errors.Is(err, primaryErr) || !errors.Is(err, fallbackErr) {
		t.Error("expected both causes to be reachable via errors.Is")
	}
}

func TestCircuit_ForceOpenForceClose(t *testing.T) {
	c := New(Config{Name: "svc"}, nil)

	c.ForceOpen()
	if c.State() != StateOpen {
		t.Fatalf("state = %s, want open", c.State())
	}

	c.ForceClose()
	if c.State() != StateClosed {
		t.Fatalf("state = %s, want closed", c.State())
	}

	stats := c.Stats()
	if stats.TotalCalls != 0 && stats.FailureRate != 0 {
		t.Errorf("expected zeroed rolling stats after force-close, got %+v", stats)
	}
}

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)

	a := r.GetOrCreate(Config{Name: "x", FailureThreshold: 5})
	b := r.GetOrCreate(Config{Name: "x", FailureThreshold: 999})

	if a != b {
		t.Fatal("expected the same circuit instance for the same name")
	}
	if a.cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5 (second config should be ignored)", a.cfg.FailureThreshold)
	}
}

func TestRegistry_ByStateAndBulkOps(t *testing.T) {
	r := NewRegistry(nil)
	a := r.GetOrCreate(Config{Name: "a", FailureThreshold: 1, MonitoringWindow: time.Minute})
	_ = r.GetOrCreate(Config{Name: "b", FailureThreshold: 1, MonitoringWindow: time.Minute})

	_ = a.Execute(context.Background(), func(ctx context.Context) error { return errors.New("x") }, nil)

	open := r.ByState(StateOpen)
	if len(open) != 1 || open[0].Name() != "a" {
		t.Fatalf("ByState(open) = %v, want [a]", open)
	}

	r.ForceOpenAll()
	if len(r.ByState(StateOpen)) != 2 {
		t.Fatal("expected both circuits open after ForceOpenAll")
	}

	r.ForceCloseAll()
	if len(r.ByState(StateClosed)) != 2 {
		t.Fatal("expected both circuits closed after ForceCloseAll")
	}
}
