package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/pili2026/talos/internal/config"
	"github.com/pili2026/talos/internal/obs/log"
	"github.com/pili2026/talos/internal/obs/metrics"
	"github.com/pili2026/talos/internal/sender/convert"
	"github.com/pili2026/talos/internal/snapshot"
)

// SnapshotSource returns, for each device, the most recent snapshot known
// at call time, or false if none exists.
type SnapshotSource func(deviceID string) (snapshot.Snapshot, time.Time, bool)

// Converter maps a device's latest snapshot into zero or more payload
// items, keyed by device type.
type Converter func(gatewayID string, idx int, s snapshot.Snapshot) []convert.Item

// Sender runs the tick-aligned batch builder and resend worker described
// in spec.md §4.10.
type Sender struct {
	cfg       config.SenderConfig
	outbox    *OutboxStore
	source    SnapshotSource
	converter Converter
	client    *http.Client
	metrics   *metrics.Registry

	lastPostOkAt      time.Time
	lastPostOkAtValid bool
	lastSampling      map[string]time.Time
}

// New builds a Sender. converter maps one device instance's latest
// snapshot to wire items (device-type dispatch lives in the caller, e.g.
// cmd/talosd's wiring).
func New(cfg config.SenderConfig, source SnapshotSource, converter Converter, reg *metrics.Registry) (*Sender, error) {
	outbox, err := NewOutboxStore(cfg.OutboxDir)
	if err != nil {
		return nil, err
	}
	return &Sender{
		cfg:          cfg,
		outbox:       outbox,
		source:       source,
		converter:    converter,
		client:       &http.Client{Timeout: time.Duration(cfg.HTTPTimeoutSec * float64(time.Second))},
		metrics:      reg,
		lastSampling: make(map[string]time.Time),
	}, nil
}

// DeviceSpec pairs a device ID with the per-type index its converter
// should address (the idx component of BuildUpstreamID).
type DeviceSpec struct {
	DeviceID string
	Idx      int
}

// RunTickLoop blocks, firing a batch build+send at every aligned tick
// until ctx is cancelled.
func (s *Sender) RunTickLoop(ctx context.Context, devices []DeviceSpec) {
	for {
		tick := NextTick(time.Now(), s.cfg.AnchorSec, s.cfg.IntervalSec)
		wait := time.Until(tick)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			items := s.BuildItems(tick, devices)
			if len(items) > 0 {
				s.PostBatch(tick, items)
			}
		}
	}
}

// BuildItems collects fresh snapshots (sampled within freshWindowSec of
// tick) plus last-known-within-TTL fallbacks for each device, converts
// them, and drops any whose samplingTs was already sent.
func (s *Sender) BuildItems(tick time.Time, devices []DeviceSpec) []convert.Item {
	fresh := time.Duration(s.cfg.FreshWindowSec * float64(time.Second))
	ttl := time.Duration(s.cfg.LastKnownTTLSec * float64(time.Second))

	var items []convert.Item
	for _, d := range devices {
		snap, ts, ok := s.source(d.DeviceID)
		if !ok {
			continue
		}
		age := tick.Sub(ts)
		if age > fresh && (s.cfg.LastKnownTTLSec <= 0 || age > ttl) {
			continue
		}
		if s.IsDuplicateSampling(d.DeviceID, ts) {
			continue
		}
		items = append(items, s.converter(s.cfg.GatewayID, d.Idx, snap)...)
	}
	return items
}

// PostBatch builds and persists the envelope for items, then attempts
// delivery with attemptCount linear retries.
func (s *Sender) PostBatch(tick time.Time, items []convert.Item) {
	envelope := NewEnvelope(s.cfg.GatewayID, tick, items)
	body, err := json.Marshal(envelope)
	if err != nil {
		log.WithField("component", "sender").Errorf("marshaling envelope: %v", err)
		return
	}

	path, err := s.outbox.Persist(body, tick)
	if err != nil {
		log.WithField("component", "sender").Errorf("persisting outbox file: %v", err)
		return
	}

	if s.attemptPost(body) {
		_ = os.Remove(path)
		s.lastPostOkAt = time.Now()
		s.lastPostOkAtValid = true
		s.recordOutcome("ok")
	} else {
		s.recordOutcome("fail")
	}
}

func (s *Sender) attemptPost(body []byte) bool {
	for i := 0; i < s.cfg.AttemptCount; i++ {
		if i > 0 {
			time.Sleep(200 * time.Millisecond)
		}
		if s.post(body) {
			return true
		}
	}
	return false
}

func (s *Sender) post(body []byte) bool {
	req, err := http.NewRequest(http.MethodPost, s.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (s *Sender) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.UpstreamPostTotal.WithLabelValues(outcome).Inc()
	}
}

// resendGateOpen reports whether the resend worker should run this cycle.
// If lastPostOkWithinSec is 0, the gate is disabled entirely (always
// open) — the Open Question in spec.md §9 is resolved this way, matching
// spec.md's own description "disabled when 0".
func (s *Sender) resendGateOpen(now time.Time) bool {
	if s.cfg.LastPostOkWithinSec <= 0 {
		return true
	}
	if !s.lastPostOkAtValid {
		return false
	}
	return now.Sub(s.lastPostOkAt) <= time.Duration(s.cfg.LastPostOkWithinSec*float64(time.Second))
}

// RunResendLoop starts after resendStartDelaySec, then fires every
// failResendIntervalSec on the tick aligned to resendAnchorOffsetSec
// within that interval (the same NextTick alignment RunTickLoop uses for
// the main send loop), gated on resendGateOpen.
func (s *Sender) RunResendLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(s.cfg.ResendStartDelaySec * float64(time.Second))):
	}

	for {
		tick := s.nextResendTick(time.Now())
		wait := time.Until(tick)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.runResendCycle()
		}
	}
}

// nextResendTick computes the next aligned resend instant, reusing the
// same (anchor, interval) alignment formula the main send loop uses via
// NextTick, keyed off resendAnchorOffsetSec/failResendIntervalSec.
func (s *Sender) nextResendTick(now time.Time) time.Time {
	return NextTick(now, s.cfg.ResendAnchorOffsetSec, s.cfg.FailResendIntervalSec)
}

func (s *Sender) runResendCycle() {
	now := time.Now()
	if !s.resendGateOpen(now) {
		log.WithField("component", "sender").Debug("resend gate closed, skipping cycle")
		return
	}

	protectRecent := time.Duration(s.cfg.ProtectRecentSec * float64(time.Second))
	batch, err := s.outbox.PickBatch(s.cfg.FailResendBatch, protectRecent, now)
	if err != nil {
		log.WithField("component", "sender").Errorf("picking resend batch: %v", err)
		return
	}

	for _, f := range batch {
		body, err := os.ReadFile(f.Path)
		if err != nil {
			continue
		}
		if s.post(body) {
			_ = s.outbox.Delete(f)
			s.lastPostOkAt = now
			s.lastPostOkAtValid = true
			s.recordOutcome("ok")
		} else {
			if err := s.outbox.RetryOrFail(f, s.cfg.MaxRetry); err != nil {
				log.WithField("component", "sender").Errorf("retry/fail rename: %v", err)
			}
			s.recordOutcome("fail")
		}
	}

	if s.cfg.CleanupEnabled {
		n, err := s.outbox.EnforceBudget(s.cfg.ResendQuotaMB, s.cfg.FsFreeMinMB, s.cfg.CleanupBatch, protectRecent, now)
		if err != nil {
			log.WithField("component", "sender").Errorf("enforcing outbox budget: %v", err)
		} else if n > 0 {
			log.WithField("component", "sender").Infof("outbox budget cleanup removed %d files", n)
		}
	}

	if s.metrics != nil {
		pending, failed, err := s.outbox.Count()
		if err == nil {
			s.metrics.OutboxFiles.Set(float64(pending))
			s.metrics.OutboxFailed.Set(float64(failed))
		}
	}
}

// IsDuplicateSampling reports whether deviceID's samplingTs matches the
// last one seen by this sender, in which case the tick should drop it
// (no new file for an unchanged snapshot).
func (s *Sender) IsDuplicateSampling(deviceID string, ts time.Time) bool {
	last, ok := s.lastSampling[deviceID]
	if ok && last.Equal(ts) {
		return true
	}
	s.lastSampling[deviceID] = ts
	return false
}

