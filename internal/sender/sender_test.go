package sender

import (
	"testing"
	"time"

	"github.com/pili2026/talos/internal/config"
	"github.com/pili2026/talos/internal/sender/convert"
	"github.com/pili2026/talos/internal/snapshot"
)

func newTestSender(t *testing.T) *Sender {
	t.Helper()
	cfg := config.SenderConfig{
		GatewayID:           "GATEWAY0001",
		OutboxDir:           t.TempDir(),
		LastPostOkWithinSec: 60,
		FreshWindowSec:      30,
		LastKnownTTLSec:     0,
	}
	source := func(deviceID string) (snapshot.Snapshot, time.Time, bool) { return snapshot.Snapshot{}, time.Time{}, false }
	converter := func(gatewayID string, idx int, s snapshot.Snapshot) []convert.Item { return nil }
	s, err := New(cfg, source, converter, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestResendGateDisabledWhenZero(t *testing.T) {
	s := newTestSender(t)
	s.cfg.LastPostOkWithinSec = 0
	if !s.resendGateOpen(time.Now()) {
		t.Fatal("expected gate open when lastPostOkWithinSec == 0")
	}
}

func TestResendGateClosedWithoutPriorSuccess(t *testing.T) {
	s := newTestSender(t)
	if s.resendGateOpen(time.Now()) {
		t.Fatal("expected gate closed before any successful post")
	}
}

func TestResendGateOpensAfterRecentSuccess(t *testing.T) {
	s := newTestSender(t)
	s.lastPostOkAt = time.Now()
	s.lastPostOkAtValid = true
	if !s.resendGateOpen(time.Now()) {
		t.Fatal("expected gate open shortly after a successful post")
	}
}

func TestIsDuplicateSamplingDropsRepeat(t *testing.T) {
	s := newTestSender(t)
	ts := time.Now()
	if s.IsDuplicateSampling("DEV_1", ts) {
		t.Fatal("first sighting should not be a duplicate")
	}
	if !s.IsDuplicateSampling("DEV_1", ts) {
		t.Fatal("same samplingTs should be treated as duplicate")
	}
	if s.IsDuplicateSampling("DEV_1", ts.Add(time.Second)) {
		t.Fatal("a new samplingTs should not be a duplicate")
	}
}

func TestNextResendTickAlignsToResendAnchorInterval(t *testing.T) {
	s := newTestSender(t)
	s.cfg.ResendAnchorOffsetSec = 10
	s.cfg.FailResendIntervalSec = 60

	now := time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)
	tick := s.nextResendTick(now)
	want := time.Date(2024, 1, 1, 12, 1, 10, 0, time.UTC)
	if !tick.Equal(want) {
		t.Errorf("expected resend tick at %v, got %v", want, tick)
	}
}

func TestNextResendTickIgnoresMainSendAlignment(t *testing.T) {
	s := newTestSender(t)
	s.cfg.AnchorSec = 0
	s.cfg.IntervalSec = 300
	s.cfg.ResendAnchorOffsetSec = 15
	s.cfg.FailResendIntervalSec = 20

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sendTick := NextTick(now, s.cfg.AnchorSec, s.cfg.IntervalSec)
	resendTick := s.nextResendTick(now)
	if resendTick.Equal(sendTick) {
		t.Fatal("expected the resend loop to align independently of the main send interval")
	}
	want := time.Date(2024, 1, 1, 12, 0, 15, 0, time.UTC)
	if !resendTick.Equal(want) {
		t.Errorf("expected resend tick at %v, got %v", want, resendTick)
	}
}
