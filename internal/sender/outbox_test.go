package sender

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPersistThenPickBatchPrefersRetryOverFresh(t *testing.T) {
	dir := t.TempDir()
	o, err := NewOutboxStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	freshPath, _ := o.Persist([]byte(`{"a":1}`), now.Add(-2*time.Minute))
	retryPath, _ := o.Persist([]byte(`{"b":2}`), now.Add(-3*time.Minute))
	renamed := filepath.Join(dir, "resend_retry_seed.retry1.json")
	os.Rename(retryPath, renamed)
	os.Chtimes(renamed, now.Add(-3*time.Minute), now.Add(-3*time.Minute))
	os.Chtimes(freshPath, now.Add(-2*time.Minute), now.Add(-2*time.Minute))

	batch, err := o.PickBatch(10, 0, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 files, got %d", len(batch))
	}
	if batch[0].RetryN != 1 {
		t.Errorf("expected retry file first, got %+v", batch[0])
	}
}

func TestRetryOrFailPromotesThenFails(t *testing.T) {
	dir := t.TempDir()
	o, _ := NewOutboxStore(dir)
	path, _ := o.Persist([]byte(`{}`), time.Now())

	batch, _ := o.PickBatch(10, 0, time.Now())
	if len(batch) != 1 {
		t.Fatalf("expected 1 file, got %d", len(batch))
	}
	f := batch[0]
	if err := o.RetryOrFail(f, 2); err != nil {
		t.Fatal(err)
	}

	entries, _ := os.ReadDir(dir)
	var renamed string
	for _, e := range entries {
		renamed = e.Name()
	}
	if filepath.Ext(renamed) != ".json" {
		t.Fatalf("expected still .json with retry suffix, got %s", renamed)
	}
	_ = path
}

func TestRetryOrFailRenamesToFailAtMaxRetry(t *testing.T) {
	dir := t.TempDir()
	o, _ := NewOutboxStore(dir)
	o.Persist([]byte(`{}`), time.Now())

	batch, _ := o.PickBatch(10, 0, time.Now())
	f := batch[0]
	if err := o.RetryOrFail(f, 0); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || filepath.Ext(entries[0].Name()) != ".fail" {
		t.Fatalf("expected .fail file, got %v", entries)
	}
}

func TestNextTickAlignsToAnchorInterval(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)
	tick := NextTick(now, 0, 60)
	want := time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)
	if !tick.Equal(want) {
		t.Errorf("expected tick at %v, got %v", want, tick)
	}
}

func TestPickBatchExcludesRecentFiles(t *testing.T) {
	dir := t.TempDir()
	o, _ := NewOutboxStore(dir)
	o.Persist([]byte(`{}`), time.Now())

	batch, err := o.PickBatch(10, time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 0 {
		t.Errorf("expected protect-recent to exclude the file, got %d", len(batch))
	}
}
