package control

import (
	"sync"
	"testing"
	"time"
)

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	c := NewCircuitBreaker(2, 100*time.Millisecond)
	now := time.Now()

	if c.State() != CircuitClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}

	c.RecordFailure("provider_api", now)
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed after first failure, got %s", c.State())
	}

	c.RecordFailure("provider_api", now)
	if c.State() != CircuitOpen {
		t.Fatalf("expected open after threshold failures, got %s", c.State())
	}
	if c.OpenedClass() != "provider_api" {
		t.Fatalf("unexpected opened class %q", c.OpenedClass())
	}

	if c.Allow(now.Add(10 * time.Millisecond)) {
		t.Fatal("expected deny while cooldown not elapsed")
	}
	if !c.Allow(now.Add(120 * time.Millisecond)) {
		t.Fatal("expected allow after cooldown")
	}
	if c.State() != CircuitHalfOpen {
		t.Fatalf("expected half_open, got %s", c.State())
	}

	c.RecordSuccess()
	if c.State() != CircuitClosed || c.OpenedClass() != "" {
		t.Fatalf("expected closed after trial success, got %s", c.State())
	}
}

func TestCircuitBreaker_ClassesCountedSeparately(t *testing.T) {
	c := NewCircuitBreaker(2, time.Second)
	now := time.Now()
	c.RecordFailure("timeout", now)
	c.RecordFailure("auth", now)
	if c.State() != CircuitClosed {
		t.Fatalf("different classes should not trip together, got %s", c.State())
	}
	c.RecordFailure("", now)
	c.RecordFailure("unknown", now)
	if c.State() != CircuitOpen || c.OpenedClass() != "unknown" {
		t.Fatalf("expected open on unknown, got %s %q", c.State(), c.OpenedClass())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	c := NewCircuitBreaker(1, time.Second)
	now := time.Now()
	c.RecordFailure("timeout", now)
	if !c.Allow(now.Add(2 * time.Second)) {
		t.Fatal("expected trial request to be allowed")
	}
	c.RecordFailure("rate_limit", now.Add(2*time.Second))
	if c.State() != CircuitOpen || c.OpenedClass() != "rate_limit" {
		t.Fatalf("expected reopened by rate_limit, got %s %q", c.State(), c.OpenedClass())
	}
	if c.Allow(now.Add(2500 * time.Millisecond)) {
		t.Fatal("cooldown should restart from the reopen")
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	c := NewCircuitBreaker(0, 0)
	if c.Threshold != 5 || c.Cooldown != 30*time.Second {
		t.Fatalf("unexpected defaults: %d %s", c.Threshold, c.Cooldown)
	}
}

func TestCircuitBreaker_OnChange(t *testing.T) {
	c := NewCircuitBreaker(1, time.Second)
	var (
		mu  sync.Mutex
		got []string
	)
	c.OnChange = func(from, to CircuitState, class string) {
		mu.Lock()
		defer mu.Unlock()
		// Re-entering the breaker must not deadlock.
		_ = c.State()
		got = append(got, string(from)+">"+string(to)+":"+class)
	}
	now := time.Now()
	c.RecordFailure("auth", now)
	c.Allow(now.Add(2 * time.Second))
	c.RecordSuccess()
	c.RecordSuccess()

	want := []string{"closed>open:auth", "open>half_open:auth", "half_open>closed:auth"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
