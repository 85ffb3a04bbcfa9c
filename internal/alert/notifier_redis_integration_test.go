//go:build integration

package alert

import (
	"testing"
	"time"

	"github.com/pili2026/talos/internal/testutil"
)

func TestRedisNotifierPublishesAlertEvent(t *testing.T) {
	testutil.SkipIfNoRedis(t)
	ctx := testutil.Context(t)

	addr := testutil.RedisAddr()
	notifier := NewRedisNotifier(addr, "", 0, "talos_test_alerts")
	defer notifier.Close()

	sub := testutil.RedisClient(t, 0).Subscribe(ctx, "talos_test_alerts")
	defer sub.Close()

	rec := Record{
		DeviceID:    "inverter-01_1",
		Code:        "DC_OVERVOLT",
		Severity:    SeverityCritical,
		State:       StateActive,
		TriggeredAt: time.Now(),
		LastValue:   812.5,
	}

	if err := notifier.Notify(ctx, rec, "DC bus voltage exceeded limit"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if msg.Payload == "" {
		t.Fatal("expected non-empty published payload")
	}
}
