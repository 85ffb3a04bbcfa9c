package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartEnabledOnlyRunsEnabledSubscribers(t *testing.T) {
	r := New(BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})

	var aRan, bRan int32
	r.Register("a", func(ctx context.Context) error {
		atomic.StoreInt32(&aRan, 1)
		<-ctx.Done()
		return nil
	})
	r.Register("b", func(ctx context.Context) error {
		atomic.StoreInt32(&bRan, 1)
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.StartEnabled(ctx, map[string]bool{"a": true, "b": false})
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&aRan) != 1 {
		t.Fatal("expected enabled subscriber a to run")
	}
	if atomic.LoadInt32(&bRan) != 0 {
		t.Fatal("expected disabled subscriber b to stay stopped")
	}

	cancel()
	r.StopAll()
}

func TestSuperviseRestartsOnError(t *testing.T) {
	r := New(BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2})

	var attempts int32
	r.Register("flaky", func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.StartEnabled(ctx, map[string]bool{"flaky": true})

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&attempts) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&attempts); got < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", got)
	}

	cancel()
	r.StopAll()
}

func TestSuperviseRecoversPanic(t *testing.T) {
	r := New(BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2})

	var attempts int32
	r.Register("panicky", func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			panic("kaboom")
		}
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.StartEnabled(ctx, map[string]bool{"panicky": true})

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&attempts) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&attempts); got < 2 {
		t.Fatalf("expected panic to trigger a restart, got %d attempts", got)
	}

	cancel()
	r.StopAll()
}

func TestStopAllUnblocksAllSubscribers(t *testing.T) {
	r := New(DefaultBackoff)
	r.Register("a", func(ctx context.Context) error { <-ctx.Done(); return nil })
	r.Register("b", func(ctx context.Context) error { <-ctx.Done(); return nil })

	ctx := context.Background()
	r.StartEnabled(ctx, map[string]bool{"a": true, "b": true})

	done := make(chan struct{})
	go func() {
		r.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StopAll did not return in time")
	}
}
