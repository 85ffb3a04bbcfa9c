package health

import (
	"testing"
	"time"
)

func TestMarkFailureEntersCooldownAtThreshold(t *testing.T) {
	m := NewManager()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	for i := 0; i < 10; i++ {
		m.MarkFailure("DEV_1", 1.0)
	}
	if m.IsHealthy("DEV_1") {
		t.Fatal("expected device unhealthy after repeated failures")
	}

	s, ok := m.Get("DEV_1")
	if !ok || s.ConsecutiveFailures < s.FailThreshold {
		t.Fatalf("expected failures >= threshold, got %+v", s)
	}
}

func TestMarkSuccessResetsFailures(t *testing.T) {
	m := NewManager()
	m.MarkFailure("DEV_1", 1.0)
	m.MarkFailure("DEV_1", 1.0)
	m.MarkSuccess("DEV_1", 1.0)

	s, _ := m.Get("DEV_1")
	if s.ConsecutiveFailures != 0 || !s.IsHealthy {
		t.Fatalf("expected reset state, got %+v", s)
	}
}

func TestCooldownElapsedAfterWaiting(t *testing.T) {
	m := NewManager()
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	ft, _ := calculateHealthParams(1.0)
	for i := 0; i < ft; i++ {
		m.MarkFailure("DEV_1", 1.0)
	}
	if m.CooldownElapsed("DEV_1") {
		t.Fatal("expected cooldown not yet elapsed")
	}

	current = current.Add(1 * time.Hour)
	if !m.CooldownElapsed("DEV_1") {
		t.Fatal("expected cooldown elapsed after waiting past cooldownSec")
	}
}

func TestIsHealthyStaysFalseUntilProbeSucceeds(t *testing.T) {
	m := NewManager()
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	ft, _ := calculateHealthParams(1.0)
	for i := 0; i < ft; i++ {
		m.MarkFailure("DEV_1", 1.0)
	}

	current = current.Add(1 * time.Hour)
	if !m.CooldownElapsed("DEV_1") {
		t.Fatal("expected cooldown elapsed after waiting")
	}
	if m.IsHealthy("DEV_1") {
		t.Fatal("cooldown elapsing alone must not report healthy without a probe")
	}

	m.MarkSuccess("DEV_1", 1.0)
	if !m.IsHealthy("DEV_1") {
		t.Fatal("expected healthy after MarkSuccess following a probe")
	}
}
