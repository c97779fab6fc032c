package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !b.Allow("authority") {
			t.Fatalf("circuit should be closed before threshold, failure %d", i)
		}
		b.RecordFailure("authority")
	}

	if b.State("authority") != StateOpen {
		t.Fatalf("expected open, got %s", b.State("authority"))
	}
	if b.Allow("authority") {
		t.Error("open circuit must reject requests")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("authority")

	if b.Allow("authority") {
		t.Fatal("circuit should be open immediately after trip")
	}

	time.Sleep(15 * time.Millisecond)
	if !b.Allow("authority") {
		t.Fatal("elapsed open circuit should allow one probe")
	}
	if b.State("authority") != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", b.State("authority"))
	}

	// Second caller is rejected while the probe is in flight.
	if b.Allow("authority") {
		t.Error("half-open circuit must reject concurrent requests")
	}

	b.RecordSuccess("authority")
	if b.State("authority") != StateClosed {
		t.Errorf("successful probe should close the circuit, got %s", b.State("authority"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New(1, 5*time.Millisecond)
	b.RecordFailure("authority")
	time.Sleep(10 * time.Millisecond)
	_ = b.Allow("authority") // probe
	b.RecordFailure("authority")

	if b.State("authority") != StateOpen {
		t.Errorf("failed probe should reopen the circuit, got %s", b.State("authority"))
	}
}

func TestBreaker_UnknownKeyClosed(t *testing.T) {
	b := New(3, time.Second)
	if !b.Allow("never-seen") {
		t.Error("unknown key should be allowed")
	}
	if b.State("never-seen") != StateClosed {
		t.Error("unknown key should report closed")
	}
}
