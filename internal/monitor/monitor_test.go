package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pili2026/talos/internal/config"
	"github.com/pili2026/talos/internal/health"
	"github.com/pili2026/talos/internal/pubsub"
	"github.com/pili2026/talos/internal/snapshot"
)

type fakeDevice struct {
	values map[string]float64
	delay  time.Duration
}

func (d *fakeDevice) ReadAll() map[string]float64 {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return d.values
}

type fakeProberDevice struct {
	fakeDevice
	probeErr error
}

func (d *fakeProberDevice) Probe() error { return d.probeErr }

func TestQuickHealthCheckUsesProberWhenAvailable(t *testing.T) {
	m := New(Config{Health: health.NewManager()})

	healthy := &fakeProberDevice{}
	if !m.quickHealthCheck("DEV_1", healthy) {
		t.Fatal("expected probe success to report healthy")
	}

	unhealthy := &fakeProberDevice{probeErr: errors.New("timeout")}
	if m.quickHealthCheck("DEV_1", unhealthy) {
		t.Fatal("expected probe failure to report unhealthy")
	}
}

func TestQuickHealthCheckFailsWithoutProber(t *testing.T) {
	m := New(Config{Health: health.NewManager()})
	if m.quickHealthCheck("DEV_1", &fakeDevice{}) {
		t.Fatal("expected device with no Probe method to fail the quick health check")
	}
}

func TestRunCyclePublishesSnapshotOnSuccess(t *testing.T) {
	bus := pubsub.New(nil)
	defer bus.Close()
	stream := bus.Subscribe(TopicDeviceSnapshot)

	inst := config.DeviceInstance{DeviceID: "DEV_1", Model: "M", SlaveID: 1}
	m := New(Config{
		Devices:       []config.DeviceInstance{inst},
		Lookup:        map[string]Device{"DEV_1": &fakeDevice{values: map[string]float64{"A": 1}}},
		Health:        health.NewManager(),
		Bus:           bus,
		Interval:      time.Hour,
		DeviceTimeout: time.Second,
	})

	m.runCycle(context.Background())

	done := make(chan struct{})
	close(done)
	msg, ok := stream.Recv(done)
	if !ok {
		t.Fatal("expected a snapshot published")
	}
	s := msg.Payload.(snapshot.Snapshot)
	if s.DeviceID != "DEV_1" || !s.IsOnline {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestRunCycleEmitsOfflineOnTimeout(t *testing.T) {
	bus := pubsub.New(nil)
	defer bus.Close()
	stream := bus.Subscribe(TopicDeviceSnapshot)

	inst := config.DeviceInstance{DeviceID: "DEV_1", Model: "M", SlaveID: 1}
	m := New(Config{
		Devices:       []config.DeviceInstance{inst},
		Lookup:        map[string]Device{"DEV_1": &fakeDevice{values: map[string]float64{"A": 1}, delay: 50 * time.Millisecond}},
		Health:        health.NewManager(),
		Bus:           bus,
		Interval:      time.Hour,
		DeviceTimeout: 5 * time.Millisecond,
	})

	m.runCycle(context.Background())

	done := make(chan struct{})
	close(done)
	msg, ok := stream.Recv(done)
	if !ok {
		t.Fatal("expected an offline snapshot published")
	}
	s := msg.Payload.(snapshot.Snapshot)
	if s.IsOnline {
		t.Fatalf("expected offline snapshot, got %+v", s)
	}
}

func TestRunCycleSkipsUnhealthyDevice(t *testing.T) {
	bus := pubsub.New(nil)
	defer bus.Close()
	stream := bus.Subscribe(TopicDeviceSnapshot)

	hm := health.NewManager()
	for i := 0; i < 10; i++ {
		hm.MarkFailure("DEV_1", 1.0)
	}

	inst := config.DeviceInstance{DeviceID: "DEV_1", Model: "M", SlaveID: 1}
	m := New(Config{
		Devices:       []config.DeviceInstance{inst},
		Lookup:        map[string]Device{"DEV_1": &fakeDevice{values: map[string]float64{"A": 1}}},
		Health:        hm,
		Bus:           bus,
		Interval:      time.Hour,
		DeviceTimeout: time.Second,
	})

	m.runCycle(context.Background())

	done := make(chan struct{})
	close(done)
	msg, ok := stream.Recv(done)
	if !ok {
		t.Fatal("expected an offline snapshot published for cooling-down device")
	}
	s := msg.Payload.(snapshot.Snapshot)
	if s.IsOnline {
		t.Fatalf("expected offline snapshot for unhealthy device, got %+v", s)
	}
}
