// Package registry is the subscriber supervisor described in spec.md
// §4.11: a name-to-runner table that starts only the consumers enabled
// in config, restarts any that panic or return an error with
// exponential backoff, and shuts all of them down together.
package registry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pili2026/talos/internal/obs/log"
)

// Runner is one subscriber's entry point. It should block until ctx is
// cancelled or it hits an unrecoverable condition, returning the error
// that caused it to stop (nil on clean shutdown).
type Runner func(ctx context.Context) error

// BackoffConfig controls the restart delay after a Runner exits
// unexpectedly.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultBackoff matches the doubling-with-jitter schedule spec.md §7
// describes for subscriber restarts.
var DefaultBackoff = BackoffConfig{
	InitialDelay: time.Second,
	MaxDelay:     time.Minute,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// Registry holds the named runners and supervises the enabled subset.
type Registry struct {
	mu      sync.Mutex
	runners map[string]Runner
	backoff BackoffConfig

	wg     sync.WaitGroup
	cancel []context.CancelFunc
}

// New creates an empty Registry with the given restart backoff policy.
// Zero value uses DefaultBackoff.
func New(backoff BackoffConfig) *Registry {
	if backoff.InitialDelay == 0 {
		backoff = DefaultBackoff
	}
	return &Registry{
		runners: make(map[string]Runner),
		backoff: backoff,
	}
}

// Register adds a named runner. Calling Register after StartEnabled has
// run has no effect on already-started subscribers.
func (r *Registry) Register(name string, run Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = run
}

// StartEnabled launches one supervised goroutine per name in enabled
// that is true and present in the registry. Unknown names are logged
// and skipped rather than treated as fatal, since config and code can
// drift independently.
func (r *Registry) StartEnabled(ctx context.Context, enabled map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, on := range enabled {
		if !on {
			continue
		}
		run, ok := r.runners[name]
		if !ok {
			log.WithField("subscriber", name).Warn("enabled subscriber not registered, skipping")
			continue
		}
		subCtx, cancel := context.WithCancel(ctx)
		r.cancel = append(r.cancel, cancel)
		r.wg.Add(1)
		go r.supervise(subCtx, name, run)
	}
}

// supervise runs run repeatedly, recovering panics and applying
// exponential backoff between restarts, until ctx is cancelled.
func (r *Registry) supervise(ctx context.Context, name string, run Runner) {
	defer r.wg.Done()

	delay := r.backoff.InitialDelay
	for {
		if ctx.Err() != nil {
			return
		}

		err := runOnce(ctx, run)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.WithField("subscriber", name).Info("subscriber exited cleanly")
			return
		}

		log.WithField("subscriber", name).WithField("retry_in", delay).Errorf("subscriber stopped unexpectedly: %v", err)

		wait := applyJitter(delay, r.backoff.Jitter)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * r.backoff.Multiplier)
		if delay > r.backoff.MaxDelay {
			delay = r.backoff.MaxDelay
		}
	}
}

// runOnce invokes run and converts a panic into an error so the
// supervisor can apply the same restart path to both failure modes.
func runOnce(ctx context.Context, run Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	return run(ctx)
}

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "panic recovered"
}

func applyJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// StopAll cancels every supervised subscriber and waits for them to
// return.
func (r *Registry) StopAll() {
	r.mu.Lock()
	cancels := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	r.wg.Wait()
}
