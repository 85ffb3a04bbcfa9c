package snapshotstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pili2026/talos/internal/snapshot"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGetLatestByDevice(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		snap := snapshot.New("DEV_1", "M", 1, "inverter", now.Add(time.Duration(i)*time.Second),
			map[string]float64{"A": float64(i)})
		if err := s.Insert(snap); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetLatestByDevice("DEV_1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].Values["A"] != 2 {
		t.Errorf("expected most recent first, got %+v", got[0])
	}
}

func TestGetParameterHistory(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()

	for i := 0; i < 5; i++ {
		snap := snapshot.New("DEV_1", "M", 1, "inverter", base.Add(time.Duration(i)*time.Minute),
			map[string]float64{"TEMP": float64(20 + i)})
		if err := s.Insert(snap); err != nil {
			t.Fatal(err)
		}
	}

	points, err := s.GetParameterHistory("DEV_1", "TEMP", base.Add(-time.Hour), base.Add(time.Hour), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 5 {
		t.Fatalf("expected 5 points, got %d", len(points))
	}
	if points[0].Value != 20 || points[4].Value != 24 {
		t.Errorf("unexpected ordering/values: %+v", points)
	}
}

func TestCleanupOldSnapshots(t *testing.T) {
	s := openTestStore(t)
	old := snapshot.New("DEV_1", "M", 1, "inverter", time.Now().AddDate(0, 0, -10), map[string]float64{"A": 1})
	recent := snapshot.New("DEV_1", "M", 1, "inverter", time.Now(), map[string]float64{"A": 2})
	s.Insert(old)
	s.Insert(recent)

	n, err := s.CleanupOldSnapshots(7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row deleted, got %d", n)
	}

	stats, err := s.GetDbStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Count != 1 {
		t.Errorf("expected 1 remaining row, got %d", stats.Count)
	}
}

func TestExecutionHistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if _, found, _ := s.LastExecution("RULE_A"); found {
		t.Fatal("expected no prior execution")
	}
	now := time.Now().Truncate(time.Millisecond)
	if err := s.RecordExecution("RULE_A", now); err != nil {
		t.Fatal(err)
	}
	last, found, err := s.LastExecution("RULE_A")
	if err != nil || !found {
		t.Fatalf("expected recorded execution, err=%v found=%v", err, found)
	}
	if !last.Equal(now) {
		t.Errorf("expected %v, got %v", now, last)
	}
}
