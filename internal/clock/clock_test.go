package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresTimers(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManual(start)

	ch := clk.After(time.Minute)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	if clk.Pending() != 1 {
		t.Fatalf("pending %d, want 1", clk.Pending())
	}

	clk.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	clk.Advance(30 * time.Second)
	select {
	case now := <-ch:
		if !now.Equal(start.Add(time.Minute)) {
			t.Fatalf("fired at %s, want %s", now, start.Add(time.Minute))
		}
	default:
		t.Fatal("timer did not fire")
	}
	if clk.Pending() != 0 {
		t.Fatalf("pending %d after fire, want 0", clk.Pending())
	}
}

func TestManualAfterNonPositive(t *testing.T) {
	clk := NewManual(time.Now())
	select {
	case <-clk.After(0):
	default:
		t.Fatal("zero-duration timer must fire immediately")
	}
}

func TestManualNow(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManual(start)
	if !clk.Now().Equal(start) {
		t.Fatalf("Now %s, want %s", clk.Now(), start)
	}
	clk.Advance(time.Hour)
	if !clk.Now().Equal(start.Add(time.Hour)) {
		t.Fatalf("Now %s after advance", clk.Now())
	}
}

func TestRealSatisfiesClock(t *testing.T) {
	var c Clock = Real{}
	if c.Now().IsZero() {
		t.Fatal("Real.Now returned zero time")
	}
}
